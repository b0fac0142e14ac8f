package transfer

import "errors"

var (
	// ErrActivationFailed is returned when two consecutive replies to
	// "xdebug" are not the debug-mode acknowledgement.
	ErrActivationFailed = errors.New("transfer: debug mode activation failed")

	// ErrTransferActivationFailed is returned when the reply to "_" is not
	// the transfer-mode acknowledgement.
	ErrTransferActivationFailed = errors.New("transfer: transfer mode activation failed")

	// ErrDeviceUnresponsive is returned when the device stops answering
	// segments.
	ErrDeviceUnresponsive = errors.New("transfer: device unresponsive")

	// ErrReadTimeout is returned by Link.ReadLine when no full line arrived
	// within the line timeout.
	ErrReadTimeout = errors.New("transfer: read timeout")

	// ErrHeaderEncoding is returned when the file name is empty, spans
	// lines or has characters outside Latin-1.
	ErrHeaderEncoding = errors.New("transfer: file name not encodable in header")

	// ErrSessionFinished is returned when Run is called on a session that
	// already completed or failed.
	ErrSessionFinished = errors.New("transfer: session already finished")

	// ErrOpen wraps failures to open the serial port.
	ErrOpen = errors.New("transfer: opening serial port failed")
)
