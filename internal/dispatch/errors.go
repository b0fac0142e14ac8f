package dispatch

import (
	"errors"

	"github.com/nerrad567/dcc-flasher/internal/cache"
	"github.com/nerrad567/dcc-flasher/internal/catalog"
	"github.com/nerrad567/dcc-flasher/internal/device"
	"github.com/nerrad567/dcc-flasher/internal/flasher"
	"github.com/nerrad567/dcc-flasher/internal/logsink"
	"github.com/nerrad567/dcc-flasher/internal/remote"
	"github.com/nerrad567/dcc-flasher/internal/transfer"
)

var (
	// ErrNoDevice is returned when no device was selected.
	ErrNoDevice = errors.New("dispatch: no device selected")

	// ErrNoArtifact is returned when no artifact was selected.
	ErrNoArtifact = errors.New("dispatch: no artifact selected")

	// ErrInvalidArtifact is returned for an artifact that is neither a
	// catalog entry, an existing local file, nor a URI with an allowed scheme.
	ErrInvalidArtifact = errors.New("dispatch: invalid artifact")

	// ErrInvalidArchive is returned for a zip whose entries are not named
	// by flash address.
	ErrInvalidArchive = errors.New("dispatch: invalid flash archive")

	// ErrUnsupported is returned when the device transport cannot perform
	// the requested operation.
	ErrUnsupported = errors.New("dispatch: operation not supported for device")

	// ErrBusy is returned when a task of the same kind is already running.
	ErrBusy = errors.New("dispatch: operation already in progress")
)

// ErrorClass groups errors by how they should be reported.
type ErrorClass string

const (
	ClassNone          ErrorClass = ""
	ClassConfiguration ErrorClass = "configuration"
	ClassConnectivity  ErrorClass = "connectivity"
	ClassProtocol      ErrorClass = "protocol"
	ClassBusy          ErrorClass = "busy"
	ClassPartialData   ErrorClass = "partial_data"
	ClassInternal      ErrorClass = "internal"
)

var classes = []struct {
	class ErrorClass
	errs  []error
}{
	{ClassBusy, []error{ErrBusy}},
	{ClassConfiguration, []error{
		ErrNoDevice, ErrNoArtifact, ErrInvalidArtifact, ErrInvalidArchive, ErrUnsupported,
		device.ErrDeviceNotFound, cache.ErrUnsupportedScheme, cache.ErrInvalidURI,
		remote.ErrInvalidAddress, transfer.ErrHeaderEncoding, flasher.ErrEmptyImage,
	}},
	{ClassProtocol, []error{
		transfer.ErrActivationFailed, transfer.ErrTransferActivationFailed,
		transfer.ErrDeviceUnresponsive, flasher.ErrWrite, flasher.ErrErase,
	}},
	{ClassConnectivity, []error{
		transfer.ErrOpen, remote.ErrRequest, remote.ErrStatus, cache.ErrDownload,
		flasher.ErrDetect, catalog.ErrFetch, logsink.ErrBind,
	}},
	{ClassPartialData, []error{catalog.ErrMalformed}},
}

// Class maps err to its reporting class. Protocol errors are checked
// before connectivity so a handshake failure wrapping a read timeout is
// reported as protocol.
func Class(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	for _, group := range classes {
		for _, target := range group.errs {
			if errors.Is(err, target) {
				return group.class
			}
		}
	}
	return ClassInternal
}
