package ble

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/chaz8081/blufictl/internal/ble/protocol"
)

// Status is the result code of a BluFi operation. Zero is success; negative
// values are raised locally by the client; positive values come from the
// peripheral in error frames.
type Status int

// Local status codes.
const (
	StatusSuccess Status = 0

	CodeInvalidNotification Status = -1000
	CodeCatchException      Status = -1001
	CodeWriteFailed         Status = -1002
	CodeInvalidData         Status = -1003

	CodeNegPostFailed     Status = -2000
	CodeNegErrDevKey      Status = -2001
	CodeNegErrSecurity    Status = -2002
	CodeNegErrSetSecurity Status = -2003

	CodeConfPostFailed Status = -3000

	CodeResponseTimeout Status = -3500

	// CodeWriteTimeout is fatal: the link is considered dead.
	CodeWriteTimeout Status = -4000
)

// ErrClosed is returned for commands issued after Close.
var ErrClosed = errors.New("ble: client closed")

// ErrBusy is returned when the command queue is full.
var ErrBusy = errors.New("ble: command queue full")

// Callback receives the asynchronous results of Client commands. Methods are
// called from the client's worker or from the radio notification path, never
// concurrently with each other for the same command.
type Callback interface {
	OnNegotiateSecurityResult(status Status)
	OnPostConfigureParams(status Status)
	OnDeviceStatusResponse(status Status, resp *protocol.StatusResponse)
	OnDeviceScanResult(status Status, results []protocol.WifiEntry)
	// OnError reports protocol errors not tied to a command result, including
	// device error frames and the fatal CodeWriteTimeout.
	OnError(code Status)
}

// ClientOptions configures the BluFi client behavior.
type ClientOptions struct {
	QueueSize       int           // max queued commands
	WriteTimeout    time.Duration // bound on a single characteristic write
	ResponseTimeout time.Duration // bound on waiting for a device reply
}

// DefaultClientOptions returns sensible defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		QueueSize:       16,
		WriteTimeout:    5 * time.Second,
		ResponseTimeout: 10 * time.Second,
	}
}

// Client issues BluFi commands over a link's write characteristic and decodes
// the replies arriving on its notify characteristic. Commands are queued and
// executed one at a time by a worker goroutine; results are delivered to the
// Callback.
type Client struct {
	write Characteristic
	cb    Callback
	opts  ClientOptions
	log   *log.Entry

	packer *protocol.Packer
	asm    protocol.Assembler

	jobs      chan func()
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	waiters map[protocol.Type]chan *protocol.Frame
}

// NewClient discovers the BluFi characteristics on link, subscribes to
// notifications and starts the command worker. A discovery failure leaves
// the link untouched for the caller to tear down.
func NewClient(link Link, cb Callback, opts ClientOptions) (*Client, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = 10 * time.Second
	}

	writeChar, err := link.DiscoverCharacteristic(ServiceUUID, WriteCharUUID)
	if err != nil {
		return nil, errors.Wrap(err, "ble: discover write characteristic")
	}
	notifyChar, err := link.DiscoverCharacteristic(ServiceUUID, NotifyCharUUID)
	if err != nil {
		return nil, errors.Wrap(err, "ble: discover notify characteristic")
	}

	c := &Client{
		write:   writeChar,
		cb:      cb,
		opts:    opts,
		log:     log.WithField("address", link.Address()),
		packer:  protocol.NewPacker(DefaultATTMTU - ATTHeaderLen),
		jobs:    make(chan func(), opts.QueueSize),
		done:    make(chan struct{}),
		waiters: make(map[protocol.Type]chan *protocol.Frame),
	}
	if err := notifyChar.Subscribe(c.handleNotification); err != nil {
		return nil, errors.Wrap(err, "ble: subscribe to notifications")
	}

	c.wg.Add(1)
	go c.run()
	return c, nil
}

// SetPostLimit bounds the size of each characteristic write.
func (c *Client) SetPostLimit(n int) {
	c.packer.SetLimit(n)
}

// PostLimit returns the current write bound.
func (c *Client) PostLimit() int {
	return c.packer.Limit()
}

// Configure queues the station-mode configure sequence. The SSID is sent as
// raw bytes exactly as given.
func (c *Client) Configure(ssid []byte, password string) error {
	ssid = append([]byte(nil), ssid...)
	return c.enqueue(func() {
		st := c.configure(ssid, password)
		if st == CodeWriteTimeout {
			return
		}
		c.cb.OnPostConfigureParams(st)
	}, func() { c.cb.OnPostConfigureParams(CodeConfPostFailed) })
}

func (c *Client) configure(ssid []byte, password string) Status {
	c.log.WithFields(log.Fields{
		"ssid_len":     len(ssid),
		"password_len": len(password),
	}).Debug("[BLUFI] posting station configuration")

	steps := []struct {
		t       protocol.Type
		payload []byte
	}{
		{protocol.NewType(protocol.KindCtrl, protocol.CtrlSetOpMode), []byte{protocol.OpModeSta}},
		{protocol.NewType(protocol.KindData, protocol.DataStaSSID), ssid},
		{protocol.NewType(protocol.KindData, protocol.DataStaPassword), []byte(password)},
		{protocol.NewType(protocol.KindCtrl, protocol.CtrlConnectWifi), nil},
	}
	for _, s := range steps {
		if st := c.post(s.t, s.payload); st != StatusSuccess {
			return st
		}
	}
	return StatusSuccess
}

// RequestDeviceStatus queues a station status query.
func (c *Client) RequestDeviceStatus() error {
	return c.enqueue(func() {
		f, st := c.request(
			protocol.NewType(protocol.KindCtrl, protocol.CtrlGetWifiStatus),
			protocol.NewType(protocol.KindData, protocol.DataWifiConnectionState),
		)
		if st == CodeWriteTimeout {
			return
		}
		if st != StatusSuccess {
			c.cb.OnDeviceStatusResponse(st, nil)
			return
		}
		resp, err := protocol.UnmarshalStatus(f.Data)
		if err != nil {
			c.log.WithError(err).Warn("[BLUFI] bad status response")
			c.cb.OnDeviceStatusResponse(CodeInvalidData, nil)
			return
		}
		c.cb.OnDeviceStatusResponse(StatusSuccess, resp)
	}, func() { c.cb.OnDeviceStatusResponse(CodeWriteFailed, nil) })
}

// RequestDeviceWifiScan queues a query for the networks the device can see.
func (c *Client) RequestDeviceWifiScan() error {
	return c.enqueue(func() {
		f, st := c.request(
			protocol.NewType(protocol.KindCtrl, protocol.CtrlGetWifiList),
			protocol.NewType(protocol.KindData, protocol.DataWifiList),
		)
		if st == CodeWriteTimeout {
			return
		}
		if st != StatusSuccess {
			c.cb.OnDeviceScanResult(st, nil)
			return
		}
		list, err := protocol.UnmarshalWifiList(f.Data)
		if err != nil {
			c.log.WithError(err).Warn("[BLUFI] bad wifi list")
			c.cb.OnDeviceScanResult(CodeInvalidData, nil)
			return
		}
		c.cb.OnDeviceScanResult(StatusSuccess, list)
	}, func() { c.cb.OnDeviceScanResult(CodeWriteFailed, nil) })
}

// RequestCloseConnection asks the device to drop the connection. The frame is
// written straight away, ahead of queued commands, and no reply is awaited.
// The write is bounded by WriteTimeout.
func (c *Client) RequestCloseConnection() error {
	if c.closed() {
		return ErrClosed
	}
	t := protocol.NewType(protocol.KindCtrl, protocol.CtrlCloseConnection)
	for _, frame := range c.packer.Pack(t, nil) {
		if st := c.writeFrame(frame); st != StatusSuccess {
			return errors.Errorf("ble: close connection request failed with status %d", st)
		}
	}
	return nil
}

// Close stops the worker without waiting for it. Queued commands are dropped
// without a result and replies that arrive later are ignored. The link itself
// is left to the caller.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Wait blocks until the worker has exited after Close.
func (c *Client) Wait() {
	c.wg.Wait()
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// enqueue hands job to the worker. When the queue is full fail runs instead,
// on its own goroutine, so the caller never blocks.
func (c *Client) enqueue(job, fail func()) error {
	if c.closed() {
		return ErrClosed
	}
	select {
	case c.jobs <- job:
		return nil
	default:
		c.log.Warn("[BLUFI] command queue full")
		go fail()
		return ErrBusy
	}
}

func (c *Client) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case job := <-c.jobs:
			c.runJob(job)
		}
	}
}

func (c *Client) runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("[BLUFI] command panicked")
			c.cb.OnError(CodeCatchException)
		}
	}()
	job()
}

// post packs and writes one payload. A write that outlives WriteTimeout is
// reported through OnError as fatal and yields CodeWriteTimeout.
func (c *Client) post(t protocol.Type, payload []byte) Status {
	for _, frame := range c.packer.Pack(t, payload) {
		if st := c.writeFrame(frame); st != StatusSuccess {
			if st == CodeWriteTimeout {
				c.log.WithField("type", t).Error("[BLUFI] write timed out")
				c.cb.OnError(CodeWriteTimeout)
			}
			return st
		}
	}
	return StatusSuccess
}

func (c *Client) writeFrame(frame []byte) Status {
	errCh := make(chan error, 1)
	go func() { errCh <- c.write.Write(frame) }()

	timer := time.NewTimer(c.opts.WriteTimeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		if err != nil {
			c.log.WithError(err).Warn("[BLUFI] write failed")
			return CodeWriteFailed
		}
		return StatusSuccess
	case <-timer.C:
		return CodeWriteTimeout
	case <-c.done:
		return CodeWriteFailed
	}
}

// request posts an empty frame of type t and waits for a reply of type reply.
func (c *Client) request(t, reply protocol.Type) (*protocol.Frame, Status) {
	ch := c.expect(reply)
	defer c.unexpect(reply)

	if st := c.post(t, nil); st != StatusSuccess {
		return nil, st
	}
	return c.await(ch)
}

func (c *Client) await(ch <-chan *protocol.Frame) (*protocol.Frame, Status) {
	timer := time.NewTimer(c.opts.ResponseTimeout)
	defer timer.Stop()
	select {
	case f := <-ch:
		return f, StatusSuccess
	case <-timer.C:
		return nil, CodeResponseTimeout
	case <-c.done:
		return nil, CodeResponseTimeout
	}
}

// expect registers interest in the next frame of type t. It must be called
// before the request is written so a fast reply is not lost.
func (c *Client) expect(t protocol.Type) <-chan *protocol.Frame {
	ch := make(chan *protocol.Frame, 1)
	c.mu.Lock()
	c.waiters[t] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) unexpect(t protocol.Type) {
	c.mu.Lock()
	delete(c.waiters, t)
	c.mu.Unlock()
}

// handleNotification runs on the radio's notification path.
func (c *Client) handleNotification(raw []byte) {
	if c.closed() {
		return
	}
	f, err := c.asm.Feed(raw)
	if err != nil {
		c.log.WithError(err).Warn("[BLUFI] invalid notification")
		c.cb.OnError(CodeInvalidNotification)
		return
	}
	if f == nil {
		return
	}
	c.log.WithFields(log.Fields{"type": f.Type, "seq": f.Seq, "len": len(f.Data)}).Debug("[BLUFI] frame received")

	c.mu.Lock()
	ch, ok := c.waiters[f.Type]
	if ok {
		delete(c.waiters, f.Type)
	}
	c.mu.Unlock()
	if ok {
		ch <- f
		return
	}

	switch f.Type {
	case protocol.NewType(protocol.KindData, protocol.DataError):
		code, err := protocol.UnmarshalError(f.Data)
		if err != nil {
			c.cb.OnError(CodeInvalidData)
			return
		}
		c.cb.OnError(Status(code))
	case protocol.NewType(protocol.KindData, protocol.DataWifiConnectionState):
		// Devices push a status report after joining or leaving a network.
		resp, err := protocol.UnmarshalStatus(f.Data)
		if err != nil {
			c.cb.OnError(CodeInvalidData)
			return
		}
		c.cb.OnDeviceStatusResponse(StatusSuccess, resp)
	default:
		c.log.WithField("type", f.Type).Debug("[BLUFI] unsolicited frame ignored")
	}
}
