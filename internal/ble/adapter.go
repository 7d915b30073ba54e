// Package ble provides the radio side of provisioning: the adapter and link
// abstractions implemented by the platform backends, address validation, and
// the BluFi command client that speaks to a provisioning peripheral over its
// write and notify characteristics.
package ble

import "context"

// BluFi GATT UUIDs
const (
	ServiceUUID    = "0000ffff-0000-1000-8000-00805f9b34fb"
	WriteCharUUID  = "0000ff01-0000-1000-8000-00805f9b34fb"
	NotifyCharUUID = "0000ff02-0000-1000-8000-00805f9b34fb"
)

// DefaultATTMTU is the ATT MTU every link starts with before an exchange.
const DefaultATTMTU = 23

// ATTHeaderLen is the per-write ATT overhead subtracted from the MTU to get
// the usable payload size.
const ATTHeaderLen = 3

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Advertisement is one discovery observation.
type Advertisement struct {
	Name    string
	Address string
	RSSI    int
}

// Link represents an established connection to a peripheral.
type Link interface {
	// Address returns the peer address the link was opened to.
	Address() string
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// ExchangeMTU asks the peer for an ATT MTU of up to mtu bytes and returns
	// the value agreed on.
	ExchangeMTU(mtu int) (int, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked once when the connection
	// drops. A drop that happened before registration is delivered on
	// registration.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports advertisements to fn until ctx is cancelled. Observations
	// of the same peripheral are reported every time they arrive.
	Scan(ctx context.Context, fn func(Advertisement)) error
	// Connect establishes a connection to the peripheral at address.
	Connect(ctx context.Context, address string) (Link, error)
}
