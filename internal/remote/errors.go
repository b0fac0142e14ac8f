package remote

import "errors"

var (
	// ErrStatus is returned when the device answers with a non-200 status.
	ErrStatus = errors.New("remote: unexpected status")

	// ErrRequest is returned when the device cannot be reached.
	ErrRequest = errors.New("remote: request failed")

	// ErrInvalidAddress is returned for an empty device address.
	ErrInvalidAddress = errors.New("remote: invalid device address")
)
