// Package monitor attaches an interactive console to a device's serial port.
//
// Only one port is monitored at a time. Lines received from the device are
// passed to the line callback as they arrive; text sent with Send is written
// to the port unchanged, so callers add their own line terminator.
//
// The monitor holds the port open. Flashing or pushing files to the same
// port fails to open it until the monitor is disconnected.
package monitor
