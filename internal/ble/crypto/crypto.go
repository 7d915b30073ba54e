// Package crypto provides the primitives behind BluFi security negotiation:
// ECDH P-256 key exchange with compressed public keys, HKDF-SHA256 key
// derivation of one key per direction, and the AES-CTR streams that protect
// data frames once negotiation succeeds.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

// KeyInfo is the HKDF info string binding derived keys to this protocol.
const KeyInfo = "blufi-provision"

// CompressedKeyLen is the SEC1 compressed P-256 point length.
const CompressedKeyLen = 33

// GenerateKeyPair creates an ephemeral ECDH P-256 key pair for one negotiation.
func GenerateKeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "ble/crypto: generate key")
	}
	return priv, priv.PublicKey(), nil
}

// CompressPublicKey returns the 33-byte SEC1 compressed form of pub.
func CompressPublicKey(pub *ecdh.PublicKey) []byte {
	raw := pub.Bytes() // 0x04 || x(32) || y(32)
	out := make([]byte, CompressedKeyLen)
	out[0] = 0x02 | raw[64]&0x01
	copy(out[1:], raw[1:33])
	return out
}

// ParseCompressedPublicKey parses a 33-byte SEC1 compressed P-256 point.
func ParseCompressedPublicKey(data []byte) (*ecdh.PublicKey, error) {
	if len(data) != CompressedKeyLen {
		return nil, errors.Errorf("ble/crypto: compressed key must be %d bytes, got %d", CompressedKeyLen, len(data))
	}
	if data[0] != 0x02 && data[0] != 0x03 {
		return nil, errors.Errorf("ble/crypto: invalid compression prefix: 0x%02x", data[0])
	}

	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), data)
	if x == nil {
		return nil, errors.New("ble/crypto: point is not on P-256")
	}
	uncompressed := make([]byte, 65)
	uncompressed[0] = 0x04
	x.FillBytes(uncompressed[1:33])
	y.FillBytes(uncompressed[33:65])

	pub, err := ecdh.P256().NewPublicKey(uncompressed)
	if err != nil {
		return nil, errors.Wrap(err, "ble/crypto: parse public key")
	}
	return pub, nil
}

// Direction names which way a frame travels. Each direction has its own key
// and its own IV space.
type Direction byte

const (
	ToDevice   Direction = 0x01
	FromDevice Direction = 0x02
)

func (d Direction) info() string {
	if d == ToDevice {
		return KeyInfo + " controller->device"
	}
	return KeyInfo + " device->controller"
}

// Keys holds one 32-byte AES key per direction.
type Keys struct {
	ToDevice   []byte
	FromDevice []byte
}

// For returns the key for dir.
func (k Keys) For(dir Direction) []byte {
	if dir == ToDevice {
		return k.ToDevice
	}
	return k.FromDevice
}

// DeriveKeys runs ECDH against the peer key and expands the shared secret
// into one AES-256 key per direction with HKDF-SHA256.
func DeriveKeys(priv *ecdh.PrivateKey, peer *ecdh.PublicKey) (Keys, error) {
	secret, err := priv.ECDH(peer)
	if err != nil {
		return Keys{}, errors.Wrap(err, "ble/crypto: ECDH")
	}
	var keys Keys
	for _, dir := range []Direction{ToDevice, FromDevice} {
		key := make([]byte, 32)
		r := hkdf.New(sha256.New, secret, nil, []byte(dir.info()))
		if _, err := io.ReadFull(r, key); err != nil {
			return Keys{}, errors.Wrap(err, "ble/crypto: HKDF")
		}
		if dir == ToDevice {
			keys.ToDevice = key
		} else {
			keys.FromDevice = key
		}
	}
	return keys, nil
}

// Stream encrypts the frames of one direction with AES-256-CTR. The IV is
// the direction byte followed by the 64-bit frame number, so no two frames
// of a connection share keystream:
//
//	iv = dir(1) || frame(8, big endian) || 0(7)
//
// The low seven bytes count AES blocks within the frame. A frame carries at
// most 255 bytes (16 blocks) and never carries into the frame number.
type Stream struct {
	block cipher.Block
	dir   Direction
}

// NewStream returns the Stream for dir keyed with a 32-byte key.
func NewStream(key []byte, dir Direction) (*Stream, error) {
	if len(key) != 32 {
		return nil, errors.Errorf("ble/crypto: session key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "ble/crypto: new cipher")
	}
	return &Stream{block: block, dir: dir}, nil
}

// Encrypt returns the ciphertext of data for frame number frame.
func (s *Stream) Encrypt(frame uint64, data []byte) []byte { return s.xor(frame, data) }

// Decrypt returns the plaintext of data for frame number frame.
func (s *Stream) Decrypt(frame uint64, data []byte) []byte { return s.xor(frame, data) }

func (s *Stream) xor(frame uint64, data []byte) []byte {
	iv := make([]byte, aes.BlockSize)
	iv[0] = byte(s.dir)
	binary.BigEndian.PutUint64(iv[1:9], frame)
	out := make([]byte, len(data))
	cipher.NewCTR(s.block, iv).XORKeyStream(out, data)
	return out
}

// Session is the pair of streams one side of the link uses: it encrypts
// with Outbound and decrypts with Inbound.
type Session struct {
	Outbound *Stream
	Inbound  *Stream
}

// NewSession builds the session for the side that sends in direction out.
func NewSession(keys Keys, out Direction) (*Session, error) {
	in := FromDevice
	if out == FromDevice {
		in = ToDevice
	}
	tx, err := NewStream(keys.For(out), out)
	if err != nil {
		return nil, err
	}
	rx, err := NewStream(keys.For(in), in)
	if err != nil {
		return nil, err
	}
	return &Session{Outbound: tx, Inbound: rx}, nil
}
