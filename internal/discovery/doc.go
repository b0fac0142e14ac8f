// Package discovery runs the two device discovery sources.
//
//   - USBPoller enumerates serial ports on an interval and hands the
//     registry a batch whenever the ordered list of port names changes.
//   - Browser keeps an mDNS browse of _http._tcp.local. open and turns each
//     resolved address into a network sighting.
//   - HotplugWatcher watches /dev and asks the poller for an immediate
//     pass when tty nodes appear or vanish.
//
// Each source runs in its own goroutine. Anomalies (enumeration errors,
// partial mDNS records) are logged and absorbed; they never stop a loop.
package discovery
