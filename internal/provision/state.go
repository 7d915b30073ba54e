package provision

import "github.com/chaz8081/blufictl/internal/event"

// State is the lifecycle stage of the current connection.
type State int

const (
	Disconnected State = iota
	LinkConnecting
	LinkEstablished
	AttributesDiscovered
	TransportReady
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case LinkConnecting:
		return "link-connecting"
	case LinkEstablished:
		return "link-established"
	case AttributesDiscovered:
		return "attributes-discovered"
	case TransportReady:
		return "transport-ready"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Live reports whether s holds link resources.
func (s State) Live() bool {
	return s >= LinkConnecting && s <= TransportReady
}

type trigger int

const (
	tConnect trigger = iota
	tLinkUp
	tLinkFailed
	tDiscovered
	tDiscoverFailed
	tTransportReady
	tClose
	tLinkLost
)

var triggerNames = [...]string{"connect", "link-up", "link-failed", "discovered", "discover-failed", "transport-ready", "close", "link-lost"}

func (t trigger) String() string { return triggerNames[t] }

// transition is the outcome of a trigger: the next state and the event it
// emits, if any.
type transition struct {
	to    State
	key   string
	value bool
}

var (
	closeLive = transition{Closed, event.KeyPeripheralConnect, false}
	linkLost  = transition{Failed, event.KeyPeripheralDisconnect, true}
)

// transitions is the whole lifecycle. A trigger missing from a state's row is
// ignored in that state, which is what makes close idempotent and late
// callbacks harmless.
var transitions = map[State]map[trigger]transition{
	Disconnected: {
		tConnect: {to: LinkConnecting},
	},
	LinkConnecting: {
		tLinkUp:     {LinkEstablished, event.KeyPeripheralConnect, true},
		tLinkFailed: {Failed, event.KeyPeripheralDisconnect, true},
		tClose:      {to: Closed},
		tLinkLost:   linkLost,
	},
	LinkEstablished: {
		tDiscovered:     {AttributesDiscovered, event.KeyDiscoverServices, true},
		tDiscoverFailed: {Failed, event.KeyDiscoverServices, false},
		tClose:          closeLive,
		tLinkLost:       linkLost,
	},
	AttributesDiscovered: {
		tTransportReady: {TransportReady, event.KeyGattPrepared, true},
		tClose:          closeLive,
		tLinkLost:       linkLost,
	},
	TransportReady: {
		tClose:    closeLive,
		tLinkLost: linkLost,
	},
	Closed: {
		tConnect: {to: LinkConnecting},
	},
	Failed: {
		tConnect: {to: LinkConnecting},
	},
}
