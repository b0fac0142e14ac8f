package discovery

import "errors"

var (
	// ErrAlreadyRunning is returned by Start when the source is running.
	ErrAlreadyRunning = errors.New("discovery: already running")

	// ErrEnumerate wraps a failure to list serial ports.
	ErrEnumerate = errors.New("discovery: port enumeration failed")

	// ErrResolver wraps a failure to create or start the mDNS resolver.
	ErrResolver = errors.New("discovery: mdns resolver failed")
)
