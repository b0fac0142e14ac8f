package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/dcc-flasher/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	fallbackBatchSize     = 20
	fallbackFlushInterval = 10 * time.Second
)

// Client writes flasher metrics through the non-blocking write API.
// Safe for concurrent use; writes after Close are dropped.
type Client struct {
	influx influxdb2.Client
	writer api.WriteAPI
	open   atomic.Bool

	errMu   sync.RWMutex
	onError func(err error)
}

// writeOptions applies the batching settings, falling back for zero values.
func writeOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = fallbackBatchSize
	}
	flush := time.Duration(cfg.FlushInterval) * time.Second
	if flush <= 0 {
		flush = fallbackFlushInterval
	}
	// #nosec G115 -- both values are positive here
	return influxdb2.DefaultOptions().
		SetBatchSize(uint(batch)).
		SetFlushInterval(uint(flush.Milliseconds()))
}

// Connect pings the server and starts the write API. An unreachable or
// unhealthy server fails with ErrConnectionFailed.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	influx := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, writeOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := ping(ctx, influx); err != nil {
		influx.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{influx: influx, writer: influx.WriteAPI(cfg.Org, cfg.Bucket)}
	c.open.Store(true)
	go c.forwardErrors(c.writer.Errors())
	return c, nil
}

func ping(ctx context.Context, influx influxdb2.Client) error {
	healthy, err := influx.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if !healthy {
		return ErrUnhealthy
	}
	return nil
}

// forwardErrors runs until the write API closes its error channel.
func (c *Client) forwardErrors(errs <-chan error) {
	for err := range errs {
		c.errMu.RLock()
		fn := c.onError
		c.errMu.RUnlock()
		if fn != nil {
			fn(err)
		}
	}
}

// SetOnError registers fn for asynchronous batch write failures.
func (c *Client) SetOnError(fn func(err error)) {
	c.errMu.Lock()
	c.onError = fn
	c.errMu.Unlock()
}

// Close flushes pending points once. Nil and repeated calls are no-ops.
func (c *Client) Close() error {
	if c == nil || c.influx == nil {
		return nil
	}
	if c.open.CompareAndSwap(true, false) {
		c.writer.Flush()
		c.influx.Close()
	}
	return nil
}

// HealthCheck pings the server with a bounded timeout.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(ctx, c.influx); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// IsConnected reports whether the client is still open.
func (c *Client) IsConnected() bool {
	return c.open.Load()
}

// Flush blocks until buffered points are written.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.writer.Flush()
	}
}
