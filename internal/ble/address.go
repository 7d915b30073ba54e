package ble

import (
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrInvalidAddress is returned for identifiers that cannot name a radio peer.
var ErrInvalidAddress = errors.New("ble: invalid address")

// ParseAddress validates a peer identifier and returns it in canonical form.
// Linux stacks address peripherals by 48-bit MAC; CoreBluetooth hides the MAC
// and hands out a per-host UUID instead, so both shapes are accepted. The
// check is purely structural: the peer does not need to have been seen by a
// scan.
func ParseAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.Wrap(ErrInvalidAddress, "empty")
	}
	if hw, err := net.ParseMAC(s); err == nil {
		if len(hw) != 6 {
			return "", errors.Wrapf(ErrInvalidAddress, "%q is not a 48-bit address", s)
		}
		return strings.ToUpper(hw.String()), nil
	}
	if id, err := uuid.Parse(s); err == nil {
		return strings.ToUpper(id.String()), nil
	}
	return "", errors.Wrapf(ErrInvalidAddress, "%q", s)
}
