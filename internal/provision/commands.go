package provision

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"

	"github.com/chaz8081/blufictl/internal/ble"
	"github.com/chaz8081/blufictl/internal/ble/protocol"
	"github.com/chaz8081/blufictl/internal/event"
)

// ready reports whether the connection can carry provisioning commands.
func (c *Controller) ready() bool {
	return c.state == TransportReady && c.client != nil
}

// NegotiateSecurity starts the key exchange. The outcome is reported as
// negotiate_security. Asking again once the link is secure does nothing.
func (c *Controller) NegotiateSecurity() {
	c.post(func() {
		switch {
		case !c.ready():
			c.logger().Warn("[PROVISION] negotiate security: not connected")
			c.emit(event.KeyNegotiateSecurity, false)
		case c.secure:
			c.logger().Debug("[PROVISION] already secure")
		case c.negotiating:
			c.logger().Warn("[PROVISION] negotiation already in flight")
		default:
			c.negotiating = true
			if err := c.client.NegotiateSecurity(); err != nil && !errors.Is(err, ble.ErrBusy) {
				c.negotiating = false
				c.emit(event.KeyNegotiateSecurity, false)
			}
		}
	})
}

// Configure sends station credentials. The SSID goes to the device as raw
// bytes. Acceptance is reported as configure_params; whether the device
// actually joined the network is learned from RequestStatus.
func (c *Controller) Configure(ssid, password string) error {
	if ssid == "" {
		c.post(func() { c.emit(event.KeyConfigureParams, false) })
		return errors.Wrap(ErrInvalidArgument, "empty ssid")
	}
	if !c.post(func() {
		if !c.ready() {
			c.logger().Warn("[PROVISION] configure: not connected")
			c.emit(event.KeyConfigureParams, false)
			return
		}
		if c.opts.RequireSecurity && !c.secure {
			c.logger().Warn("[PROVISION] configure: security required but not negotiated")
			c.emit(event.KeyConfigureParams, false)
			return
		}
		if err := c.client.Configure([]byte(ssid), password); err != nil && !errors.Is(err, ble.ErrBusy) {
			c.emit(event.KeyConfigureParams, false)
		}
	}) {
		return ErrStopped
	}
	return nil
}

// RequestStatus asks the device whether it has joined a network.
func (c *Controller) RequestStatus() {
	c.post(func() {
		if !c.ready() {
			c.logger().Warn("[PROVISION] status: not connected")
			c.emit(event.KeyDeviceStatus, false)
			return
		}
		if err := c.client.RequestDeviceStatus(); err != nil && !errors.Is(err, ble.ErrBusy) {
			c.emit(event.KeyDeviceStatus, false)
		}
	})
}

// RequestWifiScan asks the device for the networks it can see.
func (c *Controller) RequestWifiScan() {
	c.post(func() {
		if !c.ready() {
			c.logger().Warn("[PROVISION] wifi scan: not connected")
			c.emit(event.KeyWifiInfo, false)
			return
		}
		if err := c.client.RequestDeviceWifiScan(); err != nil && !errors.Is(err, ble.ErrBusy) {
			c.emit(event.KeyWifiInfo, false)
		}
	})
}

// session receives client results for one connection generation.
type session struct {
	c   *Controller
	gen uint64
}

var _ ble.Callback = (*session)(nil)

// deliver runs fn on the loop if the connection it belongs to is still
// current.
func (s *session) deliver(fn func()) {
	s.c.post(func() {
		if s.gen != s.c.gen {
			s.c.logger().Debug("[PROVISION] result from a closed connection dropped")
			return
		}
		fn()
	})
}

func (s *session) OnNegotiateSecurityResult(status ble.Status) {
	s.deliver(func() {
		c := s.c
		c.negotiating = false
		if status != ble.StatusSuccess {
			c.logger().WithField("status", status).Warn("[PROVISION] security negotiation failed")
			c.emit(event.KeyNegotiateSecurity, false)
			return
		}
		c.setSecure(true)
		c.emit(event.KeyNegotiateSecurity, true)
	})
}

func (s *session) OnPostConfigureParams(status ble.Status) {
	s.deliver(func() {
		if status != ble.StatusSuccess {
			s.c.logger().WithField("status", status).Warn("[PROVISION] configure rejected")
		}
		s.c.emit(event.KeyConfigureParams, status == ble.StatusSuccess)
	})
}

func (s *session) OnDeviceStatusResponse(status ble.Status, resp *protocol.StatusResponse) {
	s.deliver(func() {
		c := s.c
		if status != ble.StatusSuccess || resp == nil {
			c.logger().WithField("status", status).Warn("[PROVISION] status query failed")
			c.emit(event.KeyDeviceStatus, false)
			return
		}
		c.logger().WithFields(log.Fields{
			"op_mode":  resp.OpMode,
			"sta_conn": resp.StaConn,
		}).Debug("[PROVISION] device status")
		c.emit(event.KeyDeviceStatus, true)
		c.emit(event.KeyDeviceWifiConnect, resp.StaConnectedWifi())
	})
}

func (s *session) OnDeviceScanResult(status ble.Status, results []protocol.WifiEntry) {
	s.deliver(func() {
		c := s.c
		if status != ble.StatusSuccess {
			c.logger().WithField("status", status).Warn("[PROVISION] wifi scan failed")
			c.emit(event.KeyWifiInfo, false)
			return
		}
		for _, r := range results {
			c.sink.Emit(event.WiFi(event.WiFiInfo{SSID: r.SSID, RSSI: r.RSSI}, c.address))
		}
	})
}

// OnError reports a protocol error. Code zero means no error and is dropped.
// A write timeout closes the connection.
func (s *session) OnError(code ble.Status) {
	s.deliver(func() {
		c := s.c
		if code == ble.StatusSuccess {
			return
		}
		c.logger().WithField("code", int(code)).Warn("[PROVISION] protocol error")
		c.emitValue(event.KeyReceiveErrorCode, cast.ToString(int(code)))
		if code == ble.CodeWriteTimeout {
			c.closeLocked()
		}
	})
}
