package bletest

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/chaz8081/blufictl/internal/ble"
)

// Adapter is an in-memory ble.Adapter serving a fixed set of devices.
type Adapter struct {
	// EnableErr is returned from Enable when set.
	EnableErr error
	// ScanErr is returned from Scan when set.
	ScanErr error
	// Gate, when non-nil, holds every Connect until a value is received or
	// the gate is closed.
	Gate chan struct{}

	mu       sync.Mutex
	devices  map[string]*Device
	extra    []ble.Advertisement
	attempts []string
	links    []*Link
}

// NewAdapter returns an adapter that can reach devices.
func NewAdapter(devices ...*Device) *Adapter {
	a := &Adapter{devices: make(map[string]*Device)}
	for _, d := range devices {
		a.devices[d.Address] = d
	}
	return a
}

// Advertise adds an observation that is reported by Scan but has no
// connectable device behind it.
func (a *Adapter) Advertise(adv ble.Advertisement) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.extra = append(a.extra, adv)
}

// Attempts returns every address passed to Connect, in order.
func (a *Adapter) Attempts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.attempts...)
}

// LatestLink returns the most recently opened link, or nil.
func (a *Adapter) LatestLink() *Link {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.links) == 0 {
		return nil
	}
	return a.links[len(a.links)-1]
}

func (a *Adapter) Enable() error { return a.EnableErr }

// Scan reports every device and extra advertisement once, then waits for ctx.
func (a *Adapter) Scan(ctx context.Context, fn func(ble.Advertisement)) error {
	if a.ScanErr != nil {
		return a.ScanErr
	}
	a.mu.Lock()
	var advs []ble.Advertisement
	for _, d := range a.devices {
		advs = append(advs, d.Advertisement())
	}
	advs = append(advs, a.extra...)
	a.mu.Unlock()

	for _, adv := range advs {
		fn(adv)
	}
	<-ctx.Done()
	return nil
}

func (a *Adapter) Connect(ctx context.Context, address string) (ble.Link, error) {
	a.mu.Lock()
	a.attempts = append(a.attempts, address)
	d := a.devices[address]
	gate := a.Gate
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "bletest: connect")
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "bletest: connect")
	}
	if d == nil {
		return nil, errors.Errorf("bletest: no device at %s", address)
	}

	d.reset(ble.DefaultATTMTU - ble.ATTHeaderLen)
	l := &Link{device: d}
	a.mu.Lock()
	a.links = append(a.links, l)
	a.mu.Unlock()
	if d.DropOnConnect {
		l.drop()
	}
	return l, nil
}

var _ ble.Adapter = (*Adapter)(nil)

// Link is an open connection to an emulated device.
type Link struct {
	device *Device

	mu           sync.Mutex
	disconnectCb func()
	disconnected bool
	// notified is set once a disconnect callback has been started.
	notified bool
}

func (l *Link) Address() string { return l.device.Address }

func (l *Link) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	if l.device.FailDiscovery {
		return nil, errors.New("bletest: discovery failed")
	}
	if serviceUUID != ble.ServiceUUID {
		return nil, errors.Errorf("bletest: unknown service %s", serviceUUID)
	}
	switch charUUID {
	case ble.WriteCharUUID:
		return &characteristic{link: l, write: true}, nil
	case ble.NotifyCharUUID:
		return &characteristic{link: l}, nil
	default:
		return nil, errors.Errorf("bletest: unknown characteristic %s", charUUID)
	}
}

func (l *Link) ExchangeMTU(mtu int) (int, error) {
	if l.device.MTU == 0 {
		return 0, errors.New("bletest: MTU exchange rejected")
	}
	if mtu > l.device.MTU {
		mtu = l.device.MTU
	}
	l.device.setLimit(mtu - ble.ATTHeaderLen)
	return mtu, nil
}

// Disconnect closes the link. Like real stacks, the disconnect callback
// still fires for a locally initiated disconnect.
func (l *Link) Disconnect() error {
	l.drop()
	return nil
}

// Drop simulates the peer going away.
func (l *Link) Drop() {
	l.drop()
}

// Disconnected reports whether the link has been closed.
func (l *Link) Disconnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnected
}

func (l *Link) drop() {
	l.mu.Lock()
	if l.disconnected {
		l.mu.Unlock()
		return
	}
	l.disconnected = true
	cb := l.disconnectCb
	l.notified = cb != nil
	l.mu.Unlock()
	if cb != nil {
		go cb()
	}
}

// OnDisconnect registers cb. A link that already dropped runs it right away.
func (l *Link) OnDisconnect(cb func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnectCb = cb
	if l.disconnected && !l.notified && cb != nil {
		l.notified = true
		go cb()
	}
}

var _ ble.Link = (*Link)(nil)

type characteristic struct {
	link  *Link
	write bool
}

func (c *characteristic) Write(data []byte) error {
	if !c.write {
		return errors.New("bletest: characteristic is not writable")
	}
	if c.link.Disconnected() {
		return errors.New("bletest: link closed")
	}
	return c.link.device.write(append([]byte(nil), data...))
}

func (c *characteristic) Subscribe(cb func([]byte)) error {
	if c.write {
		return errors.New("bletest: characteristic does not notify")
	}
	c.link.device.subscribe(func(b []byte) {
		if !c.link.Disconnected() {
			cb(b)
		}
	})
	return nil
}
