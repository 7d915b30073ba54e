package ble

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth: CoreBluetooth on macOS and BlueZ
// over D-Bus on Linux. On macOS peer addresses are CoreBluetooth UUIDs rather
// than MAC addresses.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the links map.
	mu    sync.Mutex
	links map[string]*tinyGoLink // keyed by upper-case address
}

// NewTinyGoAdapter creates an adapter on the platform default radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter: bluetooth.DefaultAdapter,
		links:   make(map[string]*tinyGoLink),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return errors.Wrap(err, "ble: enable adapter")
	}

	// tinygo/bluetooth reports peripheral disconnects through one
	// adapter-level handler.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := strings.ToUpper(device.Address.String())
		a.mu.Lock()
		link, ok := a.links[id]
		delete(a.links, id)
		a.mu.Unlock()
		if ok {
			link.drop.fire()
		}
	})
	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, fn func(Advertisement)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := a.adapter.StopScan(); err != nil {
				log.WithError(err).Debug("[BLE] stop scan")
			}
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		fn(Advertisement{
			Name:    result.LocalName(),
			Address: strings.ToUpper(result.Address.String()),
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "ble: scan")
	}
	return nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Link, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks with its own timeout and cannot be
	// cancelled, so ctx only bounds how long we wait for it.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			// Release a connection that completes after we gave up.
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, errors.Wrapf(ctx.Err(), "ble: connect to %s", address)
	case result := <-ch:
		if result.err != nil {
			return nil, errors.Wrapf(result.err, "ble: connect to %s", address)
		}
		link := &tinyGoLink{device: result.device, address: address}
		a.mu.Lock()
		a.links[strings.ToUpper(address)] = link
		a.mu.Unlock()
		return link, nil
	}
}

var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoLink struct {
	device  bluetooth.Device
	address string

	drop dropNotice

	mu    sync.Mutex
	chars map[string]*bluetooth.DeviceCharacteristic
}

func (l *tinyGoLink) Address() string { return l.address }

func (l *tinyGoLink) discover(serviceUUID, charUUID string) (*bluetooth.DeviceCharacteristic, error) {
	l.mu.Lock()
	if c, ok := l.chars[charUUID]; ok {
		l.mu.Unlock()
		return c, nil
	}
	l.mu.Unlock()

	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, errors.Wrap(err, "ble: parse service UUID")
	}
	chUUID, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, errors.Wrap(err, "ble: parse characteristic UUID")
	}

	svcs, err := l.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, errors.Wrap(err, "ble: discover services")
	}
	if len(svcs) == 0 {
		return nil, errors.Errorf("ble: service %s not found", serviceUUID)
	}
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{chUUID})
	if err != nil {
		return nil, errors.Wrap(err, "ble: discover characteristics")
	}
	if len(chars) == 0 {
		return nil, errors.Errorf("ble: characteristic %s not found", charUUID)
	}

	c := &chars[0]
	l.mu.Lock()
	if l.chars == nil {
		l.chars = make(map[string]*bluetooth.DeviceCharacteristic)
	}
	l.chars[charUUID] = c
	l.mu.Unlock()
	return c, nil
}

func (l *tinyGoLink) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	c, err := l.discover(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	return &tinyGoCharacteristic{char: c}, nil
}

// ExchangeMTU reports the MTU the platform stack already negotiated; neither
// CoreBluetooth nor BlueZ lets an application request a specific value.
func (l *tinyGoLink) ExchangeMTU(mtu int) (int, error) {
	c, err := l.discover(ServiceUUID, WriteCharUUID)
	if err != nil {
		return 0, err
	}
	got, err := c.GetMTU()
	if err != nil {
		return 0, errors.Wrap(err, "ble: read MTU")
	}
	if int(got) < mtu {
		mtu = int(got)
	}
	return mtu, nil
}

func (l *tinyGoLink) Disconnect() error {
	return l.device.Disconnect()
}

func (l *tinyGoLink) OnDisconnect(cb func()) { l.drop.register(cb) }

type tinyGoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(append([]byte(nil), buf...))
	})
}
