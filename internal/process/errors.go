package process

import "errors"

var (
	// ErrStart is returned when the binary cannot be launched.
	ErrStart = errors.New("process: failed to start")

	// ErrExit is returned when the process exits with a non-zero status.
	ErrExit = errors.New("process: non-zero exit")
)
