// Package logsink receives log lines broadcast by network devices over UDP.
//
// Once a device has been told to broadcast (see remote.Client.EnableLogging)
// it sends plain-text datagrams to port 5514. Each non-empty line becomes
// an Entry stamped with the receive time and the sender's address.
package logsink
