package protocol

import (
	"github.com/pkg/errors"
)

// Negotiation payload types (first byte of a DataNeg frame).
const (
	NegPublicKey byte = 0x01
)

// Station connection states reported in the status response.
const (
	StaConnected    byte = 0x00
	StaDisconnected byte = 0x01
	StaConnecting   byte = 0x02
)

// StatusResponse is the decoded DataWifiConnectionState payload.
type StatusResponse struct {
	OpMode      byte
	StaConn     byte
	SoftAPConns byte
	StaSSID     []byte
	StaBSSID    []byte
}

// StaConnectedWifi reports whether the device says its station interface has
// joined a network.
func (s *StatusResponse) StaConnectedWifi() bool {
	return s.StaConn == StaConnected
}

// WifiEntry is one network from a DataWifiList payload.
type WifiEntry struct {
	SSID string
	RSSI int
}

// MarshalNegPublicKey encodes our public key for a DataNeg frame.
//
//	byte 0: NegPublicKey
//	bytes 1..: compressed public key
func MarshalNegPublicKey(key []byte) []byte {
	buf := make([]byte, 0, 1+len(key))
	buf = append(buf, NegPublicKey)
	return append(buf, key...)
}

// UnmarshalNegPublicKey extracts the device's public key from a DataNeg payload.
func UnmarshalNegPublicKey(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, errors.New("protocol: negotiation payload too short")
	}
	if data[0] != NegPublicKey {
		return nil, errors.Errorf("protocol: unexpected negotiation type 0x%02x", data[0])
	}
	return data[1:], nil
}

// MarshalSecMode encodes the CtrlSetSecMode payload.
func MarshalSecMode(ctrl, data byte) []byte {
	return []byte{(ctrl&0x0f)<<4 | data&0x0f}
}

// MarshalStatus encodes a DataWifiConnectionState payload.
//
//	byte 0: op mode
//	byte 1: station connection state
//	byte 2: soft-AP connection count
//	then TLVs: subtype, length, value
func MarshalStatus(s *StatusResponse) []byte {
	buf := []byte{s.OpMode, s.StaConn, s.SoftAPConns}
	if len(s.StaBSSID) > 0 {
		buf = append(buf, DataStaBSSID, byte(len(s.StaBSSID)))
		buf = append(buf, s.StaBSSID...)
	}
	if len(s.StaSSID) > 0 {
		buf = append(buf, DataStaSSID, byte(len(s.StaSSID)))
		buf = append(buf, s.StaSSID...)
	}
	return buf
}

// UnmarshalStatus decodes a DataWifiConnectionState payload. Unknown TLVs
// are skipped.
func UnmarshalStatus(data []byte) (*StatusResponse, error) {
	if len(data) < 3 {
		return nil, errors.Errorf("protocol: status payload too short (%d bytes)", len(data))
	}
	s := &StatusResponse{
		OpMode:      data[0],
		StaConn:     data[1],
		SoftAPConns: data[2],
	}
	rest := data[3:]
	for len(rest) > 0 {
		if len(rest) < 2 {
			return nil, errors.New("protocol: truncated status TLV header")
		}
		typ, n := rest[0], int(rest[1])
		if len(rest) < 2+n {
			return nil, errors.Errorf("protocol: status TLV 0x%02x truncated", typ)
		}
		val := append([]byte(nil), rest[2:2+n]...)
		switch typ {
		case DataStaBSSID:
			s.StaBSSID = val
		case DataStaSSID:
			s.StaSSID = val
		}
		rest = rest[2+n:]
	}
	return s, nil
}

// MarshalWifiList encodes a DataWifiList payload.
//
//	per entry: length (rssi + ssid), rssi (int8), ssid bytes
func MarshalWifiList(entries []WifiEntry) []byte {
	var buf []byte
	for _, e := range entries {
		buf = append(buf, byte(len(e.SSID)+1), byte(int8(e.RSSI)))
		buf = append(buf, e.SSID...)
	}
	return buf
}

// UnmarshalWifiList decodes a DataWifiList payload in device order.
func UnmarshalWifiList(data []byte) ([]WifiEntry, error) {
	var entries []WifiEntry
	for len(data) > 0 {
		n := int(data[0])
		if n < 1 || len(data) < 1+n {
			return nil, errors.Errorf("protocol: wifi list entry truncated (len %d, have %d)", n, len(data)-1)
		}
		entries = append(entries, WifiEntry{
			RSSI: int(int8(data[1])),
			SSID: string(data[2 : 1+n]),
		})
		data = data[1+n:]
	}
	return entries, nil
}

// UnmarshalError decodes a DataError payload into the device error code.
func UnmarshalError(data []byte) (int, error) {
	if len(data) < 1 {
		return 0, errors.New("protocol: empty error payload")
	}
	return int(data[0]), nil
}
