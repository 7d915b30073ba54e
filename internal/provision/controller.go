// Package provision drives one provisioning session: it owns the connection
// lifecycle, turns the asynchronous link setup into a blocking connect, runs
// the handshake up to a ready transport, and maps command results onto the
// event stream.
//
// All session state is owned by a single goroutine. Public methods and radio
// callbacks hand closures to it; results are checked against the connection
// generation when they are delivered, so a callback from a connection that
// has since been closed or replaced is dropped.
package provision

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/chaz8081/blufictl/internal/ble"
	"github.com/chaz8081/blufictl/internal/ble/protocol"
	"github.com/chaz8081/blufictl/internal/event"
	"github.com/chaz8081/blufictl/internal/registry"
)

// Options configures a Controller.
type Options struct {
	ConnectTimeout  time.Duration // bound on Connect
	MTU             int           // ATT MTU requested after discovery
	RequireSecurity bool          // refuse Configure until security is negotiated
	Client          ble.ClientOptions
}

// DefaultOptions returns the defaults used by the CLI.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 30 * time.Second,
		MTU:            512,
		Client:         ble.DefaultClientOptions(),
	}
}

// Controller is the command surface for provisioning one device at a time.
type Controller struct {
	adapter  *enabledAdapter
	sink     *event.Sink
	registry *registry.Registry
	opts     Options

	actions  chan func()
	quit     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}

	// Owned by the loop goroutine.
	state       State
	gen         uint64
	address     string
	link        ble.Link
	client      *ble.Client
	secure      bool
	negotiating bool
	waiter      *waiter
	cancelDial  context.CancelFunc

	// Mirrors for readers outside the loop.
	stateView   atomic.Int32
	secureView  atomic.Bool
	limitView   atomic.Int32
	addressView atomic.Value
}

// New starts a controller on adapter.
func New(adapter ble.Adapter, opts Options) *Controller {
	def := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.MTU < ble.DefaultATTMTU {
		opts.MTU = def.MTU
	}

	c := &Controller{
		adapter:  &enabledAdapter{Adapter: adapter},
		sink:     event.NewSink(),
		opts:     opts,
		actions:  make(chan func(), 64),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	c.registry = registry.New(c.adapter, c.sink, c.Address)
	c.addressView.Store("")
	c.limitView.Store(protocol.MinPostLength)

	go c.run()
	return c
}

// Shutdown closes any connection and stops the controller. Later calls to
// Connect fail with ErrStopped and other commands are ignored.
func (c *Controller) Shutdown() {
	c.stopOnce.Do(func() { close(c.quit) })
	<-c.loopDone
}

func (c *Controller) run() {
	defer close(c.loopDone)
	for {
		// Shutdown takes priority over queued work.
		select {
		case <-c.quit:
			c.hangUpLocked()
			return
		default:
		}
		select {
		case fn := <-c.actions:
			fn()
		case <-c.quit:
			c.hangUpLocked()
			return
		}
	}
}

// post queues fn on the loop. It reports false once the controller has
// stopped.
func (c *Controller) post(fn func()) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.actions <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (c *Controller) do(fn func()) bool {
	done := make(chan struct{})
	if !c.post(func() { fn(); close(done) }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-c.loopDone:
		return false
	}
}

// Subscribe attaches the event subscriber, replacing any previous one.
func (c *Controller) Subscribe(buffer int) *event.Subscription {
	return c.sink.Subscribe(buffer)
}

// Scan starts device discovery. It reports false when the radio is
// unavailable.
func (c *Controller) Scan(filter string) bool {
	if err := c.registry.BeginScan(filter); err != nil {
		log.WithError(err).Warn("[SCAN] cannot start")
		return false
	}
	return true
}

// StopScan ends device discovery.
func (c *Controller) StopScan() {
	c.registry.EndScan()
}

// Devices returns what the current scan has seen.
func (c *Controller) Devices() []registry.Device {
	return c.registry.Devices()
}

// Device returns the latest scan observation of address, in any notation
// ParseAddress accepts.
func (c *Controller) Device(address string) (registry.Device, bool) {
	addr, err := ble.ParseAddress(address)
	if err != nil {
		return registry.Device{}, false
	}
	return c.registry.Lookup(addr)
}

// State returns the lifecycle stage of the current connection.
func (c *Controller) State() State { return State(c.stateView.Load()) }

// Secure reports whether security has been negotiated on the current
// connection.
func (c *Controller) Secure() bool { return c.secureView.Load() }

// TransportLimit returns the maximum bytes per write on the current
// connection.
func (c *Controller) TransportLimit() int { return int(c.limitView.Load()) }

// Address returns the address of the current or most recent device.
func (c *Controller) Address() string { return c.addressView.Load().(string) }

// Connect opens a link to address and blocks until it is established, it
// fails, the connect timeout elapses, ctx is done or the controller shuts
// down, in which case it returns ErrStopped. Any existing connection
// is closed first. A link that comes up after Connect gave up is not torn
// down: the handshake carries on and its events are still emitted.
func (c *Controller) Connect(ctx context.Context, address string) (bool, error) {
	addr, err := ble.ParseAddress(address)
	if err != nil {
		return false, errors.Wrap(ErrInvalidAddress, err.Error())
	}
	if err := c.adapter.Enable(); err != nil {
		return false, errors.Wrapf(ErrUnavailable, "enable: %v", err)
	}

	w := newWaiter()
	if !c.post(func() { c.startConnect(addr, w) }) {
		return false, ErrStopped
	}
	ok, err := w.await(ctx, c.opts.ConnectTimeout, c.loopDone)
	if !ok {
		log.WithField("address", addr).Warn("[CONNECT] link not established")
	}
	return ok, err
}

// Close tears down the current connection. Closing when nothing is connected
// does nothing.
func (c *Controller) Close() {
	c.do(c.hangUpLocked)
}

// hangUpLocked closes the connection, first asking a ready device to drop
// the link from its side.
func (c *Controller) hangUpLocked() {
	c.requestCloseConnection()
	c.closeLocked()
}

// requestCloseConnection sends CLOSE_CONNECTION on a ready link. Failures are
// only logged since the link is torn down regardless.
func (c *Controller) requestCloseConnection() {
	if c.state != TransportReady || c.client == nil {
		return
	}
	if err := c.client.RequestCloseConnection(); err != nil {
		c.logger().WithError(err).Debug("[CONNECT] close connection request")
	}
}

func (c *Controller) closeLocked() {
	if !c.state.Live() {
		return
	}
	c.fire(tClose)
	c.release()
}

func (c *Controller) logger() *log.Entry {
	return log.WithFields(log.Fields{"address": c.address, "state": c.state})
}

// fire applies trig to the current state. It reports false when the state
// has no transition for trig.
func (c *Controller) fire(trig trigger) bool {
	tr, ok := transitions[c.state][trig]
	if !ok {
		c.logger().WithField("trigger", trig).Debug("[STATE] trigger ignored")
		return false
	}
	from := c.state
	c.state = tr.to
	c.stateView.Store(int32(tr.to))
	if tr.to != TransportReady {
		c.setSecure(false)
		c.negotiating = false
	}
	c.logger().WithFields(log.Fields{"from": from, "trigger": trig}).Info("[STATE] transition")

	if tr.key != "" {
		c.emit(tr.key, tr.value)
	}
	switch tr.to {
	case LinkEstablished:
		c.resolveWaiter(true)
	case Closed, Failed:
		c.resolveWaiter(false)
	}
	return true
}

func (c *Controller) resolveWaiter(ok bool) {
	if c.waiter != nil {
		c.waiter.resolve(ok)
		c.waiter = nil
	}
}

// release drops every resource of the current connection and invalidates
// its pending callbacks.
func (c *Controller) release() {
	c.gen++
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	if c.link != nil {
		if err := c.link.Disconnect(); err != nil {
			c.logger().WithError(err).Debug("[CONNECT] disconnect")
		}
		c.link = nil
	}
	c.setSecure(false)
	c.negotiating = false
}

func (c *Controller) setSecure(v bool) {
	c.secure = v
	c.secureView.Store(v)
}

func (c *Controller) setLimit(n int) {
	c.limitView.Store(int32(n))
}

func (c *Controller) emit(key string, ok bool) {
	c.emitValue(key, event.Flag(ok))
}

func (c *Controller) emitValue(key, value string) {
	c.sink.Emit(event.New(key, value, c.address))
}

// enabledAdapter powers the radio on once and remembers success.
type enabledAdapter struct {
	ble.Adapter

	mu      sync.Mutex
	enabled bool
}

func (a *enabledAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.Adapter.Enable(); err != nil {
		return err
	}
	a.enabled = true
	return nil
}
