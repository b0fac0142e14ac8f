package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// TransferMetric describes one finished task.
type TransferMetric struct {
	Kind       string
	Transport  string
	Status     string
	ErrorClass string
	DeviceID   string
	Duration   time.Duration
	Bytes      int64
	FinishedAt time.Time
}

// WriteTransferMetric records a finished task in the "transfers"
// measurement. The write is non-blocking.
func (c *Client) WriteTransferMetric(m TransferMetric) {
	if !c.IsConnected() {
		return
	}

	tags := map[string]string{
		"kind":      m.Kind,
		"transport": m.Transport,
		"status":    m.Status,
	}
	if m.ErrorClass != "" {
		tags["error_class"] = m.ErrorClass
	}
	ts := m.FinishedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	point := write.NewPoint("transfers", tags, map[string]any{
		"duration_seconds": m.Duration.Seconds(),
		"bytes":            m.Bytes,
		"device_id":        m.DeviceID,
	}, ts)
	c.writer.WritePoint(point)
}

// WriteDiscoveryMetric records current device counts.
func (c *Client) WriteDiscoveryMetric(usb, remote, filtered int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint("discovery", nil, map[string]any{
		"usb":      usb,
		"remote":   remote,
		"filtered": filtered,
	}, time.Now())
	c.writer.WritePoint(point)
}
