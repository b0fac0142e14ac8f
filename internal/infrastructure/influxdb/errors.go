package influxdb

import "errors"

// Sentinel errors returned by Connect and HealthCheck.
var (
	ErrDisabled         = errors.New("influxdb: disabled in configuration")
	ErrConnectionFailed = errors.New("influxdb: connection failed")
	ErrNotConnected     = errors.New("influxdb: not connected")
	ErrUnhealthy        = errors.New("influxdb: server not healthy")
)
