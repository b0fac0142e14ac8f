package mqtt

import "errors"

// Sentinel errors. Operation failures wrap one of these with the cause.
var (
	ErrDisabled         = errors.New("mqtt: disabled in configuration")
	ErrNotConnected     = errors.New("mqtt: client not connected")
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrSubscribeFailed  = errors.New("mqtt: subscribe failed")

	// ErrInvalidQoS is returned for a QoS above 2.
	ErrInvalidQoS   = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")
)
