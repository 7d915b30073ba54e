// Package protocol implements the BluFi frame format spoken over the
// provisioning GATT characteristics: frame headers, sequence numbering,
// fragmentation, checksums and the payload layouts of the provisioning
// commands and responses.
package protocol

import (
	"fmt"
)

// Frame kinds, stored in the low two bits of the type byte.
const (
	KindCtrl byte = 0x00
	KindData byte = 0x01
)

// Control frame subtypes.
const (
	CtrlAck             byte = 0x00
	CtrlSetSecMode      byte = 0x01
	CtrlSetOpMode       byte = 0x02
	CtrlConnectWifi     byte = 0x03
	CtrlDisconnectWifi  byte = 0x04
	CtrlGetWifiStatus   byte = 0x05
	CtrlDeauthenticate  byte = 0x06
	CtrlGetVersion      byte = 0x07
	CtrlCloseConnection byte = 0x08
	CtrlGetWifiList     byte = 0x09
)

// Data frame subtypes.
const (
	DataNeg                 byte = 0x00
	DataStaBSSID            byte = 0x01
	DataStaSSID             byte = 0x02
	DataStaPassword         byte = 0x03
	DataWifiConnectionState byte = 0x0f
	DataVersion             byte = 0x10
	DataWifiList            byte = 0x11
	DataError               byte = 0x12
	DataCustom              byte = 0x13
)

// Frame control bits.
const (
	FCEncrypted  byte = 0x01
	FCChecksum   byte = 0x02
	FCFromDevice byte = 0x04
	FCRequireAck byte = 0x08
	FCFragment   byte = 0x10
)

// Operating modes carried by CtrlSetOpMode and the status response.
const (
	OpModeNull   byte = 0x00
	OpModeSta    byte = 0x01
	OpModeSoftAP byte = 0x02
	OpModeStaAP  byte = 0x03
)

// Security mode bits sent with CtrlSetSecMode. The high nibble applies to
// control frames, the low nibble to data frames.
const (
	SecChecksum byte = 0x01
	SecEncrypt  byte = 0x02
)

// headerLen is type + frame control + sequence + data length.
const headerLen = 4

// checksumLen is the trailing CRC16, little endian.
const checksumLen = 2

// Type is the first byte of a frame: subtype<<2 | kind.
type Type byte

// NewType builds a frame type from a kind and a subtype.
func NewType(kind, subtype byte) Type {
	return Type(subtype<<2 | kind&0x03)
}

// Kind returns KindCtrl or KindData.
func (t Type) Kind() byte { return byte(t) & 0x03 }

// Subtype returns the 6-bit subtype.
func (t Type) Subtype() byte { return byte(t) >> 2 }

// IsData reports whether t is a data frame type.
func (t Type) IsData() bool { return t.Kind() == KindData }

func (t Type) String() string {
	if t.IsData() {
		return fmt.Sprintf("data/0x%02x", t.Subtype())
	}
	return fmt.Sprintf("ctrl/0x%02x", t.Subtype())
}

// Frame is a fully reassembled, decrypted frame.
type Frame struct {
	Type    Type
	Control byte
	Seq     byte
	Data    []byte
}

// Cipher encrypts and decrypts frame payloads once security has been
// negotiated. frame is the 64-bit count of frames sent in that direction
// since the link opened; its low byte is the wire sequence number.
type Cipher interface {
	Encrypt(frame uint64, data []byte) []byte
	Decrypt(frame uint64, data []byte) []byte
}
