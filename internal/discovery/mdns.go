package discovery

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/nerrad567/dcc-flasher/internal/device"
)

// Resolver browses one mDNS service type. *zeroconf.Resolver satisfies it.
type Resolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// ResolverFactory creates a fresh resolver for each browse session.
type ResolverFactory func() (Resolver, error)

// ZeroconfResolver opens a resolver on all multicast interfaces.
func ZeroconfResolver() (Resolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// BrowserConfig configures an mDNS Browser.
type BrowserConfig struct {
	Service string // default "_http._tcp"
	Domain  string // default "local."
}

// Browser keeps one mDNS browse session open and emits a network sighting
// per resolved address.
type Browser struct {
	factory ResolverFactory
	service string
	domain  string
	sink    func(device.Sighting)
	logger  Logger

	mu     sync.Mutex
	base   context.Context // from Start; sessions outlive Restart callers
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBrowser creates a browser. sink runs on the browser goroutine.
func NewBrowser(factory ResolverFactory, cfg BrowserConfig, sink func(device.Sighting)) *Browser {
	if cfg.Service == "" {
		cfg.Service = "_http._tcp"
	}
	if cfg.Domain == "" {
		cfg.Domain = "local."
	}
	return &Browser{
		factory: factory,
		service: cfg.Service,
		domain:  cfg.Domain,
		sink:    sink,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the browser.
func (b *Browser) SetLogger(logger Logger) {
	b.logger = logger
}

// Start opens a resolver and begins browsing.
func (b *Browser) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		return ErrAlreadyRunning
	}
	b.base = ctx
	return b.startLocked()
}

func (b *Browser) startLocked() error {
	resolver, err := b.factory()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrResolver, err)
	}

	ctx, cancel := context.WithCancel(b.base)
	entries := make(chan *zeroconf.ServiceEntry, 16)
	done := make(chan struct{})

	go b.consume(ctx, entries, done)

	if err := resolver.Browse(ctx, b.service, b.domain, entries); err != nil {
		// consume exits once the resolver closes entries.
		cancel()
		return fmt.Errorf("%w: %w", ErrResolver, err)
	}

	b.cancel = cancel
	b.done = done
	b.logger.Info("mdns browse started", "service", b.service, "domain", b.domain)
	return nil
}

// Stop ends the browse session and releases the resolver.
func (b *Browser) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
}

func (b *Browser) stopLocked() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
	b.cancel, b.done = nil, nil
	b.logger.Info("mdns browse stopped")
}

// Restart releases the current resolver and opens a new one. ctx only
// bounds the call: the new session runs under the context given to Start,
// or a detached copy of ctx when the browser was never started.
func (b *Browser) Restart(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.base == nil {
		b.base = context.WithoutCancel(ctx)
	}
	b.stopLocked()
	return b.startLocked()
}

// consume handles entries until ctx ends, then drains entries until the
// resolver closes it so a pending send never blocks the resolver.
func (b *Browser) consume(ctx context.Context, entries <-chan *zeroconf.ServiceEntry, done chan struct{}) {
	defer close(done)
	for entry := range entries {
		if ctx.Err() != nil {
			continue
		}
		b.handle(entry)
	}
}

// handle converts one entry. Partial records are logged and skipped.
func (b *Browser) handle(entry *zeroconf.ServiceEntry) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic handling mdns entry", "panic", r)
		}
	}()

	if entry == nil || entry.Instance == "" {
		b.logger.Debug("skipping mdns entry without instance name")
		return
	}
	if len(entry.AddrIPv4) == 0 && len(entry.AddrIPv6) == 0 {
		b.logger.Debug("skipping mdns entry without address", "instance", entry.Instance)
		return
	}

	props := ParseTXT(entry.Text)
	if _, ok := props[device.CapabilityVersion]; !ok {
		b.logger.Warn("mdns entry has no Version property", "instance", entry.Instance)
	}

	for _, ip := range slices.Concat(entry.AddrIPv4, entry.AddrIPv6) {
		b.sink(device.NetworkSighting{
			Instance:   entry.Instance,
			HostName:   entry.HostName,
			IP:         ip.String(),
			Port:       entry.Port,
			Properties: props,
		})
	}
}

// ParseTXT turns "key=value" TXT strings into a map. A string without '='
// is a boolean attribute with an empty value; empty keys are skipped.
func ParseTXT(txt []string) map[string]string {
	props := make(map[string]string, len(txt))
	for _, kv := range txt {
		key, value, _ := strings.Cut(kv, "=")
		if key == "" {
			continue
		}
		props[key] = value
	}
	return props
}
