package device

import "errors"

// Domain errors for the device package.
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when an ID is unknown or names a filtered port.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidTransport is returned when a transport name is not recognised.
	ErrInvalidTransport = errors.New("device: invalid transport")
)
