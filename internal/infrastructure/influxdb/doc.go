// Package influxdb records flasher metrics in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, non-blocking batched writes and health checks.
//
// # Measurements
//
//   - transfers: one point per finished task, tagged by kind, transport and
//     status, with duration and byte count fields
//   - discovery: device counts per transport, written when the registry
//     changes
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteTransferMetric(influxdb.TransferMetric{Kind: "flash", ...})
//
// # Error Handling
//
// Writes are asynchronous; batch errors are delivered to the SetOnError
// callback. Connection and health check errors are returned directly.
package influxdb
