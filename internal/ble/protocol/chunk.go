package protocol

import (
	"encoding/binary"
	"sync"

	crc16 "github.com/joaojeronimo/go-crc16"
	"github.com/pkg/errors"
)

// MinPostLength is the smallest write the transport is guaranteed to carry:
// the default ATT MTU of 23 less the 3-byte ATT header.
const MinPostLength = 20

// Packer turns payloads into wire frames no larger than Limit bytes each.
// It owns the outbound frame counter, whose low byte is the sequence number.
type Packer struct {
	mu     sync.Mutex
	frames uint64
	limit  int
	cipher Cipher
}

// NewPacker returns a Packer bounded by limit bytes per write.
func NewPacker(limit int) *Packer {
	p := &Packer{}
	p.SetLimit(limit)
	return p
}

// SetLimit changes the maximum write size. Values below MinPostLength are
// raised to it.
func (p *Packer) SetLimit(limit int) {
	if limit < MinPostLength {
		limit = MinPostLength
	}
	p.mu.Lock()
	p.limit = limit
	p.mu.Unlock()
}

// Limit returns the current maximum write size.
func (p *Packer) Limit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit
}

// SetCipher installs (or with nil, removes) the data frame cipher.
func (p *Packer) SetCipher(c Cipher) {
	p.mu.Lock()
	p.cipher = c
	p.mu.Unlock()
}

// Pack encodes payload as one or more frames of type t. Data frames carry a
// checksum and are encrypted when a cipher is installed; control frames are
// sent in the clear. Payloads that do not fit in a single write are split
// into fragments, each prefixed with the number of payload bytes remaining.
func (p *Packer) Pack(t Type, payload []byte) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	var control byte
	var cipher Cipher
	if t.IsData() {
		control |= FCChecksum
		if p.cipher != nil {
			control |= FCEncrypted
			cipher = p.cipher
		}
	}

	room := p.limit - headerLen
	if control&FCChecksum != 0 {
		room -= checksumLen
	}
	if room > 0xff {
		room = 0xff
	}

	if len(payload) <= room {
		return [][]byte{p.frame(t, control, payload, cipher)}
	}

	// Each fragment gives up two bytes to the remaining-length prefix.
	chunk := room - 2
	var frames [][]byte
	for len(payload) > 0 {
		if len(payload) <= room && len(frames) > 0 {
			frames = append(frames, p.frame(t, control, payload, cipher))
			break
		}
		n := chunk
		if n > len(payload) {
			n = len(payload)
		}
		data := make([]byte, 2, 2+n)
		binary.LittleEndian.PutUint16(data, uint16(len(payload)))
		data = append(data, payload[:n]...)
		frames = append(frames, p.frame(t, control|FCFragment, data, cipher))
		payload = payload[n:]
	}
	return frames
}

// frame encodes a single wire frame (caller must hold mu).
func (p *Packer) frame(t Type, control byte, data []byte, cipher Cipher) []byte {
	n := p.frames
	p.frames++
	seq := byte(n)

	buf := make([]byte, 0, headerLen+len(data)+checksumLen)
	buf = append(buf, byte(t), control, seq, byte(len(data)))

	var sum uint16
	if control&FCChecksum != 0 {
		sum = checksum(seq, data)
	}
	if cipher != nil {
		data = cipher.Encrypt(n, data)
	}
	buf = append(buf, data...)
	if control&FCChecksum != 0 {
		buf = binary.LittleEndian.AppendUint16(buf, sum)
	}
	return buf
}

// checksum covers the sequence, length and plaintext payload.
func checksum(seq byte, data []byte) uint16 {
	b := make([]byte, 0, 2+len(data))
	b = append(b, seq, byte(len(data)))
	b = append(b, data...)
	return crc16.Crc16(b)
}

// Assembler reassembles inbound fragments into complete frames. It expects
// sequence numbers to follow on from the previous frame and checks every
// fragment's remaining-length prefix against what is still owed.
type Assembler struct {
	mu        sync.Mutex
	cipher    Cipher
	next      uint64 // expected frame number
	pending   *Frame
	remaining int // payload bytes still owed to pending
}

// SetCipher installs (or with nil, removes) the inbound cipher.
func (a *Assembler) SetCipher(c Cipher) {
	a.mu.Lock()
	a.cipher = c
	a.mu.Unlock()
}

// Feed consumes one notification. It returns the completed frame, or nil
// when more fragments are expected. Any error discards pending fragments.
func (a *Assembler) Feed(raw []byte) (*Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := a.feed(raw)
	if err != nil {
		a.pending = nil
		a.remaining = 0
	}
	return f, err
}

func (a *Assembler) feed(raw []byte) (*Frame, error) {
	if len(raw) < headerLen {
		return nil, errors.Errorf("protocol: short frame (%d bytes)", len(raw))
	}
	t, control, seq, n := Type(raw[0]), raw[1], raw[2], int(raw[3])
	body := raw[headerLen:]

	frame := a.next
	if seq != byte(frame) {
		a.next = realign(frame, seq) + 1
		return nil, errors.Errorf("protocol: frame %s seq %d out of order, want %d", t, seq, byte(frame))
	}
	a.next++

	want := n
	if control&FCChecksum != 0 {
		want += checksumLen
	}
	if len(body) < want {
		return nil, errors.Errorf("protocol: frame %s seq %d truncated: have %d bytes, want %d", t, seq, len(body), want)
	}

	data := append([]byte(nil), body[:n]...)
	if control&FCEncrypted != 0 {
		if a.cipher == nil {
			return nil, errors.Errorf("protocol: encrypted frame %s before security negotiation", t)
		}
		data = a.cipher.Decrypt(frame, data)
	}
	if control&FCChecksum != 0 {
		got := binary.LittleEndian.Uint16(body[n : n+checksumLen])
		if want := checksum(seq, data); got != want {
			return nil, errors.Errorf("protocol: checksum mismatch on %s seq %d: got 0x%04x, want 0x%04x", t, seq, got, want)
		}
	}

	if a.pending != nil && a.pending.Type != t {
		return nil, errors.Errorf("protocol: frame %s interrupts pending %s fragments", t, a.pending.Type)
	}

	if control&FCFragment != 0 {
		if len(data) < 2 {
			return nil, errors.Errorf("protocol: fragment %s seq %d missing length prefix", t, seq)
		}
		total := int(binary.LittleEndian.Uint16(data))
		chunk := data[2:]
		if a.pending == nil {
			a.pending = &Frame{Type: t, Control: control &^ FCFragment, Seq: seq}
		} else if total != a.remaining {
			return nil, errors.Errorf("protocol: fragment %s seq %d announces %d bytes remaining, want %d", t, seq, total, a.remaining)
		}
		if len(chunk) > total {
			return nil, errors.Errorf("protocol: fragment %s seq %d carries %d bytes, only %d remaining", t, seq, len(chunk), total)
		}
		a.pending.Data = append(a.pending.Data, chunk...)
		a.remaining = total - len(chunk)
		if a.remaining > 0 {
			return nil, nil
		}
		// Some devices flag the final piece as a fragment too.
		data = nil
	}

	if a.pending != nil {
		if len(data) != a.remaining {
			return nil, errors.Errorf("protocol: final fragment %s seq %d carries %d bytes, want %d", t, seq, len(data), a.remaining)
		}
		f := a.pending
		a.pending = nil
		a.remaining = 0
		f.Seq = seq
		f.Data = append(f.Data, data...)
		return f, nil
	}
	return &Frame{Type: t, Control: control, Seq: seq, Data: data}, nil
}

// realign returns the first frame number at or after expected whose low
// byte is seq.
func realign(expected uint64, seq byte) uint64 {
	n := expected&^0xff | uint64(seq)
	if n < expected {
		n += 0x100
	}
	return n
}
