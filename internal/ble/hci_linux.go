//go:build linux

package ble

import (
	"context"
	"strings"
	"sync"

	goble "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// HCIAdapter drives a local controller directly over a raw HCI socket with
// go-ble, bypassing BlueZ. Unlike the D-Bus backend it performs a real ATT
// MTU exchange. It needs CAP_NET_ADMIN and the controller must be down in
// bluetoothd.
type HCIAdapter struct {
	index int

	mu  sync.Mutex
	dev *linux.Device
}

// NewHCIAdapter returns an adapter for hciN.
func NewHCIAdapter(index int) *HCIAdapter {
	return &HCIAdapter{index: index}
}

func (a *HCIAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev != nil {
		return nil
	}
	dev, err := linux.NewDevice(goble.OptDeviceID(a.index))
	if err != nil {
		return errors.Wrapf(err, "ble: open hci%d", a.index)
	}
	a.dev = dev
	return nil
}

func (a *HCIAdapter) device() (*linux.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev == nil {
		return nil, errors.New("ble: adapter not enabled")
	}
	return a.dev, nil
}

func (a *HCIAdapter) Scan(ctx context.Context, fn func(Advertisement)) error {
	dev, err := a.device()
	if err != nil {
		return err
	}
	err = dev.Scan(ctx, true, func(adv goble.Advertisement) {
		fn(Advertisement{
			Name:    adv.LocalName(),
			Address: strings.ToUpper(adv.Addr().String()),
			RSSI:    adv.RSSI(),
		})
	})
	if err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "ble: scan")
	}
	return nil
}

func (a *HCIAdapter) Connect(ctx context.Context, address string) (Link, error) {
	dev, err := a.device()
	if err != nil {
		return nil, err
	}
	cln, err := dev.Dial(ctx, goble.NewAddr(strings.ToLower(address)))
	if err != nil {
		return nil, errors.Wrapf(err, "ble: connect to %s", address)
	}

	l := &hciLink{cln: cln, address: address}
	go func() {
		<-cln.Disconnected()
		log.WithField("address", address).Debug("[BLE] hci link down")
		l.drop.fire()
	}()
	return l, nil
}

var _ Adapter = (*HCIAdapter)(nil)

type hciLink struct {
	cln     goble.Client
	address string

	drop dropNotice

	mu  sync.Mutex
	svc *goble.Service
}

func (l *hciLink) Address() string { return l.address }

func (l *hciLink) service(serviceUUID string) (*goble.Service, error) {
	l.mu.Lock()
	svc := l.svc
	l.mu.Unlock()
	if svc != nil {
		return svc, nil
	}

	u, err := goble.Parse(serviceUUID)
	if err != nil {
		return nil, errors.Wrap(err, "ble: parse service UUID")
	}
	svcs, err := l.cln.DiscoverServices([]goble.UUID{u})
	if err != nil {
		return nil, errors.Wrap(err, "ble: discover services")
	}
	if len(svcs) == 0 {
		return nil, errors.Errorf("ble: service %s not found", serviceUUID)
	}
	l.mu.Lock()
	l.svc = svcs[0]
	l.mu.Unlock()
	return svcs[0], nil
}

func (l *hciLink) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svc, err := l.service(serviceUUID)
	if err != nil {
		return nil, err
	}
	u, err := goble.Parse(charUUID)
	if err != nil {
		return nil, errors.Wrap(err, "ble: parse characteristic UUID")
	}
	chars, err := l.cln.DiscoverCharacteristics([]goble.UUID{u}, svc)
	if err != nil {
		return nil, errors.Wrap(err, "ble: discover characteristics")
	}
	if len(chars) == 0 {
		return nil, errors.Errorf("ble: characteristic %s not found", charUUID)
	}
	c := chars[0]
	// Subscribe needs the CCCD, which only descriptor discovery fills in.
	if c.Property&goble.CharNotify != 0 {
		if _, err := l.cln.DiscoverDescriptors(nil, c); err != nil {
			return nil, errors.Wrap(err, "ble: discover descriptors")
		}
	}
	return &hciCharacteristic{cln: l.cln, char: c}, nil
}

func (l *hciLink) ExchangeMTU(mtu int) (int, error) {
	got, err := l.cln.ExchangeMTU(mtu)
	if err != nil {
		return 0, errors.Wrap(err, "ble: exchange MTU")
	}
	return got, nil
}

func (l *hciLink) Disconnect() error {
	return l.cln.CancelConnection()
}

func (l *hciLink) OnDisconnect(cb func()) { l.drop.register(cb) }

type hciCharacteristic struct {
	cln  goble.Client
	char *goble.Characteristic
}

func (c *hciCharacteristic) Write(data []byte) error {
	return c.cln.WriteCharacteristic(c.char, data, false)
}

func (c *hciCharacteristic) Subscribe(cb func([]byte)) error {
	return c.cln.Subscribe(c.char, false, func(req []byte) {
		cb(append([]byte(nil), req...))
	})
}
