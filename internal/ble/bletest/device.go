// Package bletest provides an in-memory BLE adapter and a BluFi peripheral
// emulator for tests. The emulated device speaks the real frame format,
// including fragmentation, checksums and the encrypted session.
package bletest

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/chaz8081/blufictl/internal/ble"
	blecrypto "github.com/chaz8081/blufictl/internal/ble/crypto"
	"github.com/chaz8081/blufictl/internal/ble/protocol"
)

// Device emulates a BluFi provisioning peripheral. Exported fields configure
// behavior and must be set before the device is connected; use the accessor
// methods to inspect what the controller sent.
type Device struct {
	Name    string
	Address string
	RSSI    int

	// MTU is the largest ATT MTU the device accepts. Zero makes the
	// exchange fail.
	MTU int
	// Networks is the reply to a wifi list query.
	Networks []protocol.WifiEntry
	// JoinOnConnect makes CONNECT_WIFI mark the station as connected.
	JoinOnConnect bool
	// FailDiscovery makes characteristic discovery fail.
	FailDiscovery bool
	// Silent suppresses every reply.
	Silent bool
	// WriteErr is returned from every write when set.
	WriteErr error
	// BlockWrites makes writes hang until the device is released.
	BlockWrites bool
	// DropOnConnect makes every link go down before Connect returns it.
	DropOnConnect bool

	mu       sync.Mutex
	packer   *protocol.Packer
	asm      *protocol.Assembler
	notify   func([]byte)
	release  chan struct{}
	received []protocol.Frame
	opMode   byte
	ssid     []byte
	password []byte
	joined   bool
	secMode  byte
	secure   bool

	closeRequested bool
}

// NewDevice returns a device that joins any network it is configured for and
// accepts an MTU of 185.
func NewDevice(name, address string) *Device {
	return &Device{
		Name:          name,
		Address:       address,
		RSSI:          -50,
		MTU:           185,
		JoinOnConnect: true,
		asm:           &protocol.Assembler{},
		release:       make(chan struct{}),
	}
}

// SSID returns the raw SSID bytes the controller configured.
func (d *Device) SSID() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.ssid...)
}

// Password returns the configured password.
func (d *Device) Password() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.password)
}

// OpMode returns the operating mode the controller set.
func (d *Device) OpMode() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opMode
}

// Secure reports whether a session key was agreed.
func (d *Device) Secure() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.secure
}

// SecMode returns the last security mode byte the controller sent.
func (d *Device) SecMode() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.secMode
}

// CloseRequested reports whether the controller asked the device to drop
// the connection.
func (d *Device) CloseRequested() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeRequested
}

// Received returns every complete frame the device has decoded, in order.
func (d *Device) Received() []protocol.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Frame(nil), d.received...)
}

// Release unblocks writes held by BlockWrites.
func (d *Device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.release:
	default:
		close(d.release)
	}
}

// SendError pushes an error frame carrying code.
func (d *Device) SendError(code byte) {
	d.mu.Lock()
	out := d.packLocked(protocol.DataError, []byte{code})
	notify := d.notify
	d.mu.Unlock()
	deliver(notify, out)
}

// SendRaw pushes an arbitrary notification.
func (d *Device) SendRaw(raw []byte) {
	d.mu.Lock()
	notify := d.notify
	d.mu.Unlock()
	deliver(notify, [][]byte{raw})
}

func (d *Device) reset(limit int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.packer = protocol.NewPacker(limit)
	d.asm = &protocol.Assembler{}
	d.notify = nil
	d.secure = false
	d.closeRequested = false
}

func (d *Device) setLimit(limit int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.packer.SetLimit(limit)
}

func (d *Device) subscribe(fn func([]byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notify = fn
}

// write consumes one frame from the controller and answers it.
func (d *Device) write(raw []byte) error {
	d.mu.Lock()
	if d.WriteErr != nil {
		err := d.WriteErr
		d.mu.Unlock()
		return err
	}
	if d.BlockWrites {
		release := d.release
		d.mu.Unlock()
		<-release
		d.mu.Lock()
	}

	f, err := d.asm.Feed(raw)
	if err != nil {
		d.mu.Unlock()
		return errors.Wrap(err, "bletest: device rejected frame")
	}
	if f == nil {
		d.mu.Unlock()
		return nil
	}
	d.received = append(d.received, *f)
	out, err := d.handleLocked(f)
	notify := d.notify
	d.mu.Unlock()

	if err != nil {
		return err
	}
	deliver(notify, out)
	return nil
}

func (d *Device) handleLocked(f *protocol.Frame) ([][]byte, error) {
	st := f.Type.Subtype()
	if !f.Type.IsData() {
		switch st {
		case protocol.CtrlSetOpMode:
			if len(f.Data) > 0 {
				d.opMode = f.Data[0]
			}
		case protocol.CtrlConnectWifi:
			d.joined = d.JoinOnConnect && len(d.ssid) > 0
		case protocol.CtrlDisconnectWifi:
			d.joined = false
		case protocol.CtrlSetSecMode:
			if len(f.Data) > 0 {
				d.secMode = f.Data[0]
			}
		case protocol.CtrlGetWifiStatus:
			return d.packLocked(protocol.DataWifiConnectionState, protocol.MarshalStatus(d.statusLocked())), nil
		case protocol.CtrlGetWifiList:
			return d.packLocked(protocol.DataWifiList, protocol.MarshalWifiList(d.Networks)), nil
		case protocol.CtrlCloseConnection:
			d.closeRequested = true
		}
		return nil, nil
	}

	switch st {
	case protocol.DataStaSSID:
		d.ssid = append([]byte(nil), f.Data...)
	case protocol.DataStaPassword:
		d.password = append([]byte(nil), f.Data...)
	case protocol.DataNeg:
		return d.negotiateLocked(f.Data)
	}
	return nil, nil
}

func (d *Device) statusLocked() *protocol.StatusResponse {
	s := &protocol.StatusResponse{OpMode: d.opMode, StaConn: protocol.StaDisconnected}
	if d.joined {
		s.StaConn = protocol.StaConnected
		s.StaSSID = append([]byte(nil), d.ssid...)
	}
	return s
}

func (d *Device) negotiateLocked(data []byte) ([][]byte, error) {
	raw, err := protocol.UnmarshalNegPublicKey(data)
	if err != nil {
		return nil, err
	}
	peer, err := blecrypto.ParseCompressedPublicKey(raw)
	if err != nil {
		return nil, err
	}
	priv, _, err := blecrypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	keys, err := blecrypto.DeriveKeys(priv, peer)
	if err != nil {
		return nil, err
	}
	session, err := blecrypto.NewSession(keys, blecrypto.FromDevice)
	if err != nil {
		return nil, err
	}

	// The reply goes out in the clear; everything after it is encrypted.
	out := d.packLocked(protocol.DataNeg, protocol.MarshalNegPublicKey(blecrypto.CompressPublicKey(priv.PublicKey())))
	d.packer.SetCipher(session.Outbound)
	d.asm.SetCipher(session.Inbound)
	d.secure = true
	return out, nil
}

func (d *Device) packLocked(subtype byte, payload []byte) [][]byte {
	if d.Silent || d.packer == nil {
		return nil
	}
	return d.packer.Pack(protocol.NewType(protocol.KindData, subtype), payload)
}

func deliver(notify func([]byte), frames [][]byte) {
	if notify == nil {
		return
	}
	for _, f := range frames {
		notify(f)
	}
}

// Advertisement returns what a scan would observe for d.
func (d *Device) Advertisement() ble.Advertisement {
	return ble.Advertisement{Name: d.Name, Address: d.Address, RSSI: d.RSSI}
}
