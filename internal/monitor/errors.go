package monitor

import "errors"

var (
	// ErrAlreadyConnected is returned by Connect while a port is attached.
	ErrAlreadyConnected = errors.New("monitor: already connected")

	// ErrNotConnected is returned by Send and Disconnect with no port attached.
	ErrNotConnected = errors.New("monitor: not connected")

	// ErrUnsupported is returned when the selected device has no serial port.
	ErrUnsupported = errors.New("monitor: device has no serial console")
)
