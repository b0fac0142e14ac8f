// Package device provides the device registry and classifier.
//
// The registry is the single owner of the set of flashable targets. It
// merges sightings from the USB poller and the mDNS browser, classifies
// them, and hands deep copies to callers.
//
// # Classification
//
//   - USB ports whose vendor/product pair is in the allow-list become
//     selectable USB devices. Other ports stay visible through Filtered()
//     for diagnostics but cannot be selected.
//   - Network services become REMOTE devices only when the instance name
//     starts with the product prefix ("ly-dcc-" by default, any case).
//     Everything else on the network is counted and ignored.
//   - Sightings lacking an identity (no port, no address) are counted in
//     Stats().Malformed and dropped.
//
// USB entries are removed when a poller batch no longer lists their port.
// REMOTE entries are never pruned.
//
// # Missing driver
//
// When a configured driver URL exists and a classification pass finds no
// selectable USB device, one DriverSignal is raised. No further signal is
// raised until a USB device appears and disappears again.
//
// # Usage
//
//	reg := device.NewRegistry(device.Options{NamePrefix: "ly-dcc-"})
//	reg.ObserveUSB(batch)
//	for _, d := range reg.List() {
//	    fmt.Println(d.ID, d.Transport)
//	}
package device
