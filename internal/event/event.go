// Package event carries provisioning state changes and command results to a
// single subscriber.
package event

import (
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/ugorji/go/codec"
)

// Event keys.
const (
	KeyScanResult           = "ble_scan_result"
	KeyStopScan             = "stop_scan_ble"
	KeyPeripheralConnect    = "peripheral_connect"
	KeyPeripheralDisconnect = "peripheral_disconnect"
	KeyDiscoverServices     = "discover_services"
	KeyGattPrepared         = "gatt_prepared"
	KeyNegotiateSecurity    = "negotiate_security"
	KeyConfigureParams      = "configure_params"
	KeyDeviceStatus         = "device_status"
	KeyDeviceWifiConnect    = "device_wifi_connect"
	KeyWifiInfo             = "wifi_info"
	KeyReceiveErrorCode     = "receive_error_code"
)

// DeviceInfo is the payload of a scan result.
type DeviceInfo struct {
	Address string
	Name    string
	RSSI    int
}

// WiFiInfo is one network reported by the device.
type WiFiInfo struct {
	SSID string
	RSSI int
}

// Event is an immutable status record. Scan results carry Device and network
// reports carry WiFi; every other event carries a plain Value.
type Event struct {
	Key     string
	Value   string
	Address string
	Device  *DeviceInfo
	WiFi    *WiFiInfo
}

// Flag renders a success flag as "1" or "0".
func Flag(ok bool) string {
	if ok {
		return "1"
	}
	return "0"
}

// New returns a plain key/value event.
func New(key, value, address string) Event {
	return Event{Key: key, Value: value, Address: address}
}

// ScanResult returns a discovery event.
func ScanResult(d DeviceInfo) Event {
	return Event{Key: KeyScanResult, Address: d.Address, Device: &d}
}

// WiFi returns a network report from the device at address.
func WiFi(info WiFiInfo, address string) Event {
	return Event{Key: KeyWifiInfo, Address: address, WiFi: &info}
}

// OK reports whether a plain event carries the success flag.
func (e Event) OK() bool {
	return e.Value == "1"
}

var jsonHandle = new(codec.JsonHandle)

type deviceValue struct {
	Address string `codec:"address"`
	Name    string `codec:"name"`
	RSSI    string `codec:"rssi"`
}

type wifiValue struct {
	SSID    string `codec:"ssid"`
	RSSI    string `codec:"rssi"`
	Address string `codec:"address"`
}

type nested struct {
	Key   string      `codec:"key"`
	Value interface{} `codec:"value"`
}

type plain struct {
	Key     string `codec:"key"`
	Value   string `codec:"value"`
	Address string `codec:"address"`
}

// MarshalText renders the event as UTF-8 JSON in the shape consumers of the
// event stream expect. Numbers inside nested values are rendered as strings.
//
//	{"key":"gatt_prepared","value":"1","address":"24:0A:C4:00:00:01"}
//	{"key":"ble_scan_result","value":{"address":"..","name":"..","rssi":"-40"}}
//	{"key":"wifi_info","value":{"ssid":"Home","rssi":"-40","address":".."}}
func (e Event) MarshalText() ([]byte, error) {
	var rec interface{}
	switch {
	case e.Device != nil:
		rec = nested{e.Key, deviceValue{e.Device.Address, e.Device.Name, cast.ToString(e.Device.RSSI)}}
	case e.WiFi != nil:
		rec = nested{e.Key, wifiValue{e.WiFi.SSID, cast.ToString(e.WiFi.RSSI), e.Address}}
	default:
		rec = plain{e.Key, e.Value, e.Address}
	}

	var out []byte
	if err := codec.NewEncoderBytes(&out, jsonHandle).Encode(rec); err != nil {
		return nil, errors.Wrapf(err, "event: encode %s", e.Key)
	}
	return out, nil
}

func (e Event) String() string {
	b, err := e.MarshalText()
	if err != nil {
		return e.Key + "=" + e.Value
	}
	return string(b)
}
