package flasher

import "errors"

var (
	// ErrDetect is returned when no chip answers on the port.
	ErrDetect = errors.New("flasher: chip detection failed")

	// ErrWrite is returned when an image write fails.
	ErrWrite = errors.New("flasher: write failed")

	// ErrErase is returned when erasing the flash fails.
	ErrErase = errors.New("flasher: erase failed")

	// ErrEmptyImage is returned for a zero-length image.
	ErrEmptyImage = errors.New("flasher: empty image")
)
