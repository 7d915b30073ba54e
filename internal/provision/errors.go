package provision

import "github.com/pkg/errors"

var (
	// ErrInvalidArgument marks a request rejected before contacting the device.
	ErrInvalidArgument = errors.New("provision: invalid argument")
	// ErrInvalidAddress marks an identifier that cannot name a radio peer.
	ErrInvalidAddress = errors.Wrap(ErrInvalidArgument, "invalid address")
	// ErrUnavailable marks a radio that is off or missing.
	ErrUnavailable = errors.New("provision: radio unavailable")
	// ErrStopped is returned once the controller has been shut down.
	ErrStopped = errors.New("provision: controller stopped")
)
