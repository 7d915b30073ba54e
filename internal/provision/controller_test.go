package provision

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"

	"github.com/chaz8081/blufictl/internal/ble"
	"github.com/chaz8081/blufictl/internal/ble/bletest"
	"github.com/chaz8081/blufictl/internal/ble/protocol"
	"github.com/chaz8081/blufictl/internal/event"
)

const devAddr = "24:0A:C4:00:00:01"

func testOptions() Options {
	return Options{
		ConnectTimeout: 2 * time.Second,
		MTU:            185,
		Client: ble.ClientOptions{
			QueueSize:       4,
			WriteTimeout:    200 * time.Millisecond,
			ResponseTimeout: 200 * time.Millisecond,
		},
	}
}

type harness struct {
	t       *testing.T
	c       *Controller
	adapter *bletest.Adapter
	dev     *bletest.Device
	sub     *event.Subscription
}

func newHarness(t *testing.T, opts Options, configure ...func(*bletest.Device)) *harness {
	t.Helper()
	dev := bletest.NewDevice("BLUFI_DEVICE", devAddr)
	for _, fn := range configure {
		fn(dev)
	}
	adapter := bletest.NewAdapter(dev)
	c := New(adapter, opts)
	t.Cleanup(c.Shutdown)
	return &harness{t: t, c: c, adapter: adapter, dev: dev, sub: c.Subscribe(64)}
}

func (h *harness) next() event.Event {
	h.t.Helper()
	select {
	case e := <-h.sub.Events():
		return e
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for event")
		return event.Event{}
	}
}

// expect asserts the next event is key=value.
func (h *harness) expect(key, value string) event.Event {
	h.t.Helper()
	e := h.next()
	assert.Equal(h.t, e.Key, key, "event %s", e)
	assert.Equal(h.t, e.Value, value, "event %s", e)
	return e
}

func (h *harness) quiet(d time.Duration) {
	h.t.Helper()
	select {
	case e := <-h.sub.Events():
		h.t.Fatalf("unexpected event %s", e)
	case <-time.After(d):
	}
}

func (h *harness) connectReady() {
	h.t.Helper()
	ok, err := h.c.Connect(context.Background(), devAddr)
	assert.NilError(h.t, err)
	assert.Assert(h.t, ok, "connect failed")
	h.expect(event.KeyPeripheralConnect, "1")
	h.expect(event.KeyDiscoverServices, "1")
	h.expect(event.KeyGattPrepared, "1")
}

func TestConnectHandshake(t *testing.T) {
	h := newHarness(t, testOptions())

	ok, err := h.c.Connect(context.Background(), "24:0a:c4:00:00:01")
	assert.NilError(t, err)
	assert.Assert(t, ok)

	for _, key := range []string{event.KeyPeripheralConnect, event.KeyDiscoverServices, event.KeyGattPrepared} {
		e := h.expect(key, "1")
		assert.Equal(t, e.Address, devAddr)
	}
	assert.Equal(t, h.c.State(), TransportReady)
	assert.Equal(t, h.c.TransportLimit(), 182)
	assert.Assert(t, !h.c.Secure())
}

func TestMTUFailureFallsBackToMinimum(t *testing.T) {
	h := newHarness(t, testOptions(), func(d *bletest.Device) { d.MTU = 0 })
	h.connectReady()

	assert.Equal(t, h.c.TransportLimit(), protocol.MinPostLength)
	assert.Equal(t, h.c.State(), TransportReady)

	// Commands still work, fragmented to the minimum size.
	assert.NilError(t, h.c.Configure("A fairly long network name", "and a long password"))
	h.expect(event.KeyConfigureParams, "1")
	assert.Equal(t, string(h.dev.SSID()), "A fairly long network name")
}

func TestConnectUnseenAddressStillDials(t *testing.T) {
	h := newHarness(t, testOptions())

	ok, err := h.c.Connect(context.Background(), "11:22:33:44:55:66")
	assert.NilError(t, err)
	assert.Assert(t, !ok)
	assert.DeepEqual(t, h.adapter.Attempts(), []string{"11:22:33:44:55:66"})

	e := h.expect(event.KeyPeripheralDisconnect, "1")
	assert.Equal(t, e.Address, "11:22:33:44:55:66")
	assert.Equal(t, h.c.State(), Failed)
}

func TestConnectInvalidAddress(t *testing.T) {
	h := newHarness(t, testOptions())

	ok, err := h.c.Connect(context.Background(), "living-room")
	assert.Assert(t, !ok)
	assert.Assert(t, errors.Is(err, ErrInvalidAddress))
	assert.Assert(t, errors.Is(err, ErrInvalidArgument))
	assert.Equal(t, len(h.adapter.Attempts()), 0)
	h.quiet(50 * time.Millisecond)
}

func TestConnectRadioUnavailable(t *testing.T) {
	h := newHarness(t, testOptions())
	h.adapter.EnableErr = errors.New("powered off")

	ok, err := h.c.Connect(context.Background(), devAddr)
	assert.Assert(t, !ok)
	assert.Assert(t, errors.Is(err, ErrUnavailable))
}

func TestConnectTimeoutLateLinkStillAdvances(t *testing.T) {
	opts := testOptions()
	opts.ConnectTimeout = 100 * time.Millisecond
	h := newHarness(t, opts)
	h.adapter.Gate = make(chan struct{})

	ok, err := h.c.Connect(context.Background(), devAddr)
	assert.NilError(t, err)
	assert.Assert(t, !ok, "connect should time out while the link is held")
	assert.Equal(t, h.c.State(), LinkConnecting)

	close(h.adapter.Gate)
	h.expect(event.KeyPeripheralConnect, "1")
	h.expect(event.KeyDiscoverServices, "1")
	h.expect(event.KeyGattPrepared, "1")
	assert.Equal(t, h.c.State(), TransportReady)
}

func TestConnectContextCancelled(t *testing.T) {
	h := newHarness(t, testOptions())
	h.adapter.Gate = make(chan struct{})
	defer close(h.adapter.Gate)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ok, err := h.c.Connect(ctx, devAddr)
	assert.NilError(t, err)
	assert.Assert(t, !ok)
}

func TestSecondConnectSupersedesFirst(t *testing.T) {
	opts := testOptions()
	opts.ConnectTimeout = 5 * time.Second
	h := newHarness(t, opts)
	h.adapter.Gate = make(chan struct{})

	first := make(chan bool, 1)
	go func() {
		ok, _ := h.c.Connect(context.Background(), devAddr)
		first <- ok
	}()
	for len(h.adapter.Attempts()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	second := make(chan bool, 1)
	go func() {
		ok, _ := h.c.Connect(context.Background(), devAddr)
		second <- ok
	}()

	select {
	case ok := <-first:
		assert.Assert(t, !ok, "superseded connect must report failure")
	case <-time.After(time.Second):
		t.Fatal("superseded connect did not return")
	}

	for len(h.adapter.Attempts()) < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	close(h.adapter.Gate)
	select {
	case ok := <-second:
		assert.Assert(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("second connect did not return")
	}
	h.expect(event.KeyPeripheralConnect, "1")
}

func TestDiscoveryFailureTearsDownLink(t *testing.T) {
	h := newHarness(t, testOptions(), func(d *bletest.Device) { d.FailDiscovery = true })

	ok, err := h.c.Connect(context.Background(), devAddr)
	assert.NilError(t, err)
	assert.Assert(t, ok, "link itself comes up")

	h.expect(event.KeyPeripheralConnect, "1")
	h.expect(event.KeyDiscoverServices, "0")
	h.quiet(100 * time.Millisecond)
	assert.Equal(t, h.c.State(), Failed)
	assert.Assert(t, h.adapter.LatestLink().Disconnected())
}

func TestConfigureEmptySSIDNeverReachesDevice(t *testing.T) {
	h := newHarness(t, testOptions())
	h.connectReady()

	err := h.c.Configure("", "x")
	assert.Assert(t, errors.Is(err, ErrInvalidArgument))
	h.expect(event.KeyConfigureParams, "0")
	h.quiet(100 * time.Millisecond)
	assert.Equal(t, len(h.dev.Received()), 0)
}

func TestConfigureAndStatus(t *testing.T) {
	h := newHarness(t, testOptions())
	h.connectReady()

	assert.NilError(t, h.c.Configure("Wohnzimmer \xe2\x98\x95", "hunter22"))
	h.expect(event.KeyConfigureParams, "1")
	assert.Equal(t, string(h.dev.SSID()), "Wohnzimmer \xe2\x98\x95")
	assert.Equal(t, h.dev.Password(), "hunter22")

	h.c.RequestStatus()
	h.expect(event.KeyDeviceStatus, "1")
	h.expect(event.KeyDeviceWifiConnect, "1")
}

func TestStatusBeforeJoin(t *testing.T) {
	h := newHarness(t, testOptions(), func(d *bletest.Device) { d.JoinOnConnect = false })
	h.connectReady()

	assert.NilError(t, h.c.Configure("Home", "wrong"))
	h.expect(event.KeyConfigureParams, "1")
	h.c.RequestStatus()
	h.expect(event.KeyDeviceStatus, "1")
	h.expect(event.KeyDeviceWifiConnect, "0")
}

func TestStatusTimeoutReportsOnlyFailure(t *testing.T) {
	h := newHarness(t, testOptions(), func(d *bletest.Device) { d.Silent = true })
	h.connectReady()

	h.c.RequestStatus()
	h.expect(event.KeyDeviceStatus, "0")
	h.quiet(100 * time.Millisecond)
}

func TestCommandsRequireReadyConnection(t *testing.T) {
	h := newHarness(t, testOptions())

	h.c.NegotiateSecurity()
	h.expect(event.KeyNegotiateSecurity, "0")
	assert.NilError(t, h.c.Configure("Home", "pw"))
	h.expect(event.KeyConfigureParams, "0")
	h.c.RequestStatus()
	h.expect(event.KeyDeviceStatus, "0")
	h.c.RequestWifiScan()
	h.expect(event.KeyWifiInfo, "0")
	assert.Equal(t, len(h.adapter.Attempts()), 0)
}

func TestWifiScanReportsEachNetworkInOrder(t *testing.T) {
	h := newHarness(t, testOptions(), func(d *bletest.Device) {
		d.Networks = []protocol.WifiEntry{{SSID: "Home", RSSI: -40}, {SSID: "Cafe", RSSI: -70}}
	})
	h.connectReady()

	h.c.RequestWifiScan()
	first := h.next()
	second := h.next()
	assert.Equal(t, first.Key, event.KeyWifiInfo)
	assert.DeepEqual(t, *first.WiFi, event.WiFiInfo{SSID: "Home", RSSI: -40})
	assert.Equal(t, first.Address, devAddr)
	assert.Equal(t, second.Key, event.KeyWifiInfo)
	assert.DeepEqual(t, *second.WiFi, event.WiFiInfo{SSID: "Cafe", RSSI: -70})
	assert.Equal(t, second.Address, devAddr)
}

func TestNegotiateSecurity(t *testing.T) {
	h := newHarness(t, testOptions())
	h.connectReady()

	h.c.NegotiateSecurity()
	h.expect(event.KeyNegotiateSecurity, "1")
	assert.Assert(t, h.c.Secure())
	assert.Assert(t, h.dev.Secure())

	// A second request on a secure link is a silent no-op.
	h.c.NegotiateSecurity()
	h.quiet(100 * time.Millisecond)

	assert.NilError(t, h.c.Configure("Encrypted", "pw"))
	h.expect(event.KeyConfigureParams, "1")
	assert.Equal(t, string(h.dev.SSID()), "Encrypted")
}

func TestNegotiateSecurityFailure(t *testing.T) {
	h := newHarness(t, testOptions(), func(d *bletest.Device) { d.Silent = true })
	h.connectReady()

	h.c.NegotiateSecurity()
	h.expect(event.KeyNegotiateSecurity, "0")
	assert.Assert(t, !h.c.Secure())
}

func TestNegotiateSecurityInFlightIsIgnored(t *testing.T) {
	h := newHarness(t, testOptions(), func(d *bletest.Device) { d.Silent = true })
	h.connectReady()

	h.c.NegotiateSecurity()
	h.c.NegotiateSecurity()
	h.expect(event.KeyNegotiateSecurity, "0")
	h.quiet(300 * time.Millisecond)
	assert.Assert(t, !h.c.Secure())
}

func TestWifiScanDeviceFailureEmitsSingleFailure(t *testing.T) {
	h := newHarness(t, testOptions(), func(d *bletest.Device) { d.Silent = true })
	h.connectReady()

	h.c.RequestWifiScan()
	h.expect(event.KeyWifiInfo, "0")
	h.quiet(300 * time.Millisecond)
}

func TestRequireSecurityBlocksPlainConfigure(t *testing.T) {
	opts := testOptions()
	opts.RequireSecurity = true
	h := newHarness(t, opts)
	h.connectReady()

	assert.NilError(t, h.c.Configure("Home", "pw"))
	h.expect(event.KeyConfigureParams, "0")
	assert.Equal(t, len(h.dev.Received()), 0)

	h.c.NegotiateSecurity()
	h.expect(event.KeyNegotiateSecurity, "1")
	assert.NilError(t, h.c.Configure("Home", "pw"))
	h.expect(event.KeyConfigureParams, "1")
}

func TestCloseResetsSecurity(t *testing.T) {
	h := newHarness(t, testOptions())
	h.connectReady()
	h.c.NegotiateSecurity()
	h.expect(event.KeyNegotiateSecurity, "1")

	h.c.Close()
	h.expect(event.KeyPeripheralConnect, "0")
	assert.Assert(t, !h.c.Secure())
	assert.Equal(t, h.c.State(), Closed)

	h.c.NegotiateSecurity()
	h.expect(event.KeyNegotiateSecurity, "0")
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, testOptions())
	h.connectReady()

	h.c.Close()
	h.c.Close()
	h.expect(event.KeyPeripheralConnect, "0")
	h.quiet(150 * time.Millisecond)
	assert.Equal(t, h.c.State(), Closed)
	assert.Assert(t, h.adapter.LatestLink().Disconnected())
}

func TestCloseWithoutConnection(t *testing.T) {
	h := newHarness(t, testOptions())
	h.c.Close()
	h.quiet(50 * time.Millisecond)
	assert.Equal(t, h.c.State(), Disconnected)
}

func TestResultAfterCloseIsIgnored(t *testing.T) {
	h := newHarness(t, testOptions(), func(d *bletest.Device) { d.Silent = true })
	h.connectReady()

	h.c.RequestStatus()
	h.c.Close()
	h.expect(event.KeyPeripheralConnect, "0")
	h.quiet(400 * time.Millisecond)
}

func TestLinkLoss(t *testing.T) {
	h := newHarness(t, testOptions())
	h.connectReady()
	h.c.NegotiateSecurity()
	h.expect(event.KeyNegotiateSecurity, "1")

	h.adapter.LatestLink().Drop()
	h.expect(event.KeyPeripheralDisconnect, "1")
	assert.Equal(t, h.c.State(), Failed)
	assert.Assert(t, !h.c.Secure())

	h.c.RequestStatus()
	h.expect(event.KeyDeviceStatus, "0")
}

func TestLinkDroppedBeforeRegistrationIsReported(t *testing.T) {
	h := newHarness(t, testOptions(), func(d *bletest.Device) { d.DropOnConnect = true })

	ok, err := h.c.Connect(context.Background(), devAddr)
	assert.NilError(t, err)
	assert.Assert(t, ok)
	h.expect(event.KeyPeripheralConnect, "1")

	// The handshake may get ahead of the loss before it is handled.
	for {
		e := h.next()
		if e.Key == event.KeyPeripheralDisconnect {
			assert.Equal(t, e.Value, "1")
			break
		}
		assert.Assert(t, e.Key == event.KeyDiscoverServices || e.Key == event.KeyGattPrepared, "event %s", e)
	}
	assert.Equal(t, h.c.State(), Failed)
	assert.Assert(t, h.adapter.LatestLink().Disconnected())
}

func TestErrorCodeZeroIsSuppressed(t *testing.T) {
	h := newHarness(t, testOptions())
	h.connectReady()

	h.dev.SendError(0)
	h.quiet(100 * time.Millisecond)

	h.dev.SendError(3)
	h.expect(event.KeyReceiveErrorCode, "3")
	assert.Equal(t, h.c.State(), TransportReady)
}

func TestWriteTimeoutClosesConnection(t *testing.T) {
	h := newHarness(t, testOptions(), func(d *bletest.Device) { d.BlockWrites = true })
	defer h.dev.Release()
	h.connectReady()

	assert.NilError(t, h.c.Configure("Home", "pw"))
	h.expect(event.KeyReceiveErrorCode, "-4000")
	h.expect(event.KeyPeripheralConnect, "0")
	assert.Equal(t, h.c.State(), Closed)
	h.quiet(100 * time.Millisecond)
}

func TestCloseAsksDeviceToDisconnect(t *testing.T) {
	h := newHarness(t, testOptions())
	h.connectReady()
	assert.Assert(t, !h.dev.CloseRequested())

	h.c.Close()
	h.expect(event.KeyPeripheralConnect, "0")
	assert.Assert(t, h.dev.CloseRequested())
	assert.Assert(t, h.adapter.LatestLink().Disconnected())
}

func TestLinkLossSendsNoCloseRequest(t *testing.T) {
	h := newHarness(t, testOptions())
	h.connectReady()

	h.adapter.LatestLink().Drop()
	h.expect(event.KeyPeripheralDisconnect, "1")
	assert.Assert(t, !h.dev.CloseRequested())
}

func TestReconnectAfterClose(t *testing.T) {
	h := newHarness(t, testOptions())
	h.connectReady()
	h.c.Close()
	h.expect(event.KeyPeripheralConnect, "0")

	h.connectReady()
	assert.Equal(t, h.c.State(), TransportReady)
	h.c.RequestStatus()
	h.expect(event.KeyDeviceStatus, "1")
	h.expect(event.KeyDeviceWifiConnect, "0")
}

func TestScanThroughController(t *testing.T) {
	h := newHarness(t, testOptions())
	h.adapter.Advertise(ble.Advertisement{Name: "OtherDevice", Address: "24:0A:C4:00:00:02"})

	assert.Assert(t, h.c.Scan("blufi"))
	e := h.next()
	assert.Equal(t, e.Key, event.KeyScanResult)
	assert.Equal(t, e.Device.Address, devAddr)
	h.c.StopScan()
	h.expect(event.KeyStopScan, "1")
	assert.Equal(t, len(h.c.Devices()), 1)

	d, ok := h.c.Device(strings.ToLower(devAddr))
	assert.Assert(t, ok)
	assert.Equal(t, d.Name, "BLUFI_DEVICE")
	_, ok = h.c.Device("24:0A:C4:00:00:02")
	assert.Assert(t, !ok, "filtered out by the scan")
	_, ok = h.c.Device("not-an-address")
	assert.Assert(t, !ok)
}

func TestScanUnavailable(t *testing.T) {
	h := newHarness(t, testOptions())
	h.adapter.EnableErr = errors.New("no adapter")
	assert.Assert(t, !h.c.Scan(""))
}

func TestShutdownStopsCommands(t *testing.T) {
	h := newHarness(t, testOptions())
	h.connectReady()
	h.c.Shutdown()

	ok, err := h.c.Connect(context.Background(), devAddr)
	assert.Assert(t, !ok)
	assert.Assert(t, errors.Is(err, ErrStopped))
	assert.Assert(t, errors.Is(h.c.Configure("Home", "pw"), ErrStopped))
}

func TestShutdownReleasesQueuedConnect(t *testing.T) {
	opts := testOptions()
	opts.ConnectTimeout = 10 * time.Second
	h := newHarness(t, opts)

	block := make(chan struct{})
	h.c.post(func() { <-block })

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := h.c.Connect(context.Background(), devAddr)
		done <- result{ok, err}
	}()
	for len(h.c.actions) == 0 {
		time.Sleep(time.Millisecond)
	}
	go h.c.Shutdown()
	<-h.c.quit
	close(block)

	select {
	case r := <-done:
		assert.Assert(t, !r.ok)
		assert.Assert(t, errors.Is(r.err, ErrStopped))
	case <-time.After(2 * time.Second):
		t.Fatal("connect still blocked after shutdown")
	}
	assert.Equal(t, len(h.adapter.Attempts()), 0)
}
