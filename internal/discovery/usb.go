package discovery

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial/enumerator"

	"github.com/nerrad567/dcc-flasher/internal/device"
)

// PortLister enumerates the serial ports currently present.
type PortLister interface {
	ListPorts() ([]device.USBSighting, error)
}

// SerialEnumerator lists ports through the operating system's USB
// descriptors.
type SerialEnumerator struct{}

// ListPorts implements PortLister.
func (SerialEnumerator) ListPorts() ([]device.USBSighting, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnumerate, err)
	}

	out := make([]device.USBSighting, 0, len(ports))
	for _, p := range ports {
		s := device.USBSighting{
			Port:         p.Name,
			IsUSB:        p.IsUSB,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		}
		if p.IsUSB {
			s.VID = parseHexID(p.VID)
			s.PID = parseHexID(p.PID)
		}
		out = append(out, s)
	}
	return out, nil
}

// parseHexID parses a USB ID like "1A86". Unparseable IDs become 0 and
// therefore never match the allow-list.
func parseHexID(s string) uint16 {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}

// USBPoller periodically enumerates serial ports and emits a batch to the
// sink when the ordered list of port names changes.
//
// Start and Stop may be called repeatedly; a stopped poller can be started
// again.
type USBPoller struct {
	lister   PortLister
	interval time.Duration
	sink     func([]device.USBSighting)
	logger   Logger

	poke chan bool // true forces emission

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	last    []device.USBSighting
	lastKey string
	emitted bool
}

// NewUSBPoller creates a poller. sink receives every emitted batch from
// the poller goroutine.
func NewUSBPoller(lister PortLister, interval time.Duration, sink func([]device.USBSighting)) *USBPoller {
	if interval <= 0 {
		interval = time.Second
	}
	return &USBPoller{
		lister:   lister,
		interval: interval,
		sink:     sink,
		logger:   noopLogger{},
		poke:     make(chan bool, 1),
	}
}

// SetLogger sets the logger for the poller.
func (p *USBPoller) SetLogger(logger Logger) {
	p.logger = logger
}

// Start launches the polling goroutine. The first pass runs immediately.
func (p *USBPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.emitted = false

	go p.run(ctx, p.done)
	p.logger.Info("usb poller started", "interval", p.interval)
	return nil
}

// Stop halts polling and waits for the goroutine to exit.
func (p *USBPoller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Info("usb poller stopped")
}

// Rescan enumerates immediately and re-emits the batch even if unchanged.
func (p *USBPoller) Rescan() {
	p.trigger(true)
}

// Trigger enumerates immediately, emitting only on change.
func (p *USBPoller) Trigger() {
	p.trigger(false)
}

func (p *USBPoller) trigger(force bool) {
	select {
	case p.poke <- force:
	default:
		if force {
			// Replace a pending non-forced poke.
			select {
			case <-p.poke:
			default:
			}
			select {
			case p.poke <- true:
			default:
			}
		}
	}
}

func (p *USBPoller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(false)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(false)
		case force := <-p.poke:
			p.poll(force)
		}
	}
}

// poll runs one enumeration pass.
func (p *USBPoller) poll(force bool) {
	ports, err := p.lister.ListPorts()
	if err != nil {
		p.logger.Warn("serial port enumeration failed", "error", err)
		if !force {
			return
		}
		p.mu.Lock()
		ports = slices.Clone(p.last)
		p.mu.Unlock()
	}

	key := portKey(ports)

	p.mu.Lock()
	changed := !p.emitted || key != p.lastKey
	p.last = ports
	p.lastKey = key
	p.emitted = true
	p.mu.Unlock()

	if !changed && !force {
		return
	}
	if changed {
		p.logger.Debug("serial port set changed", "ports", key)
	}
	p.sink(slices.Clone(ports))
}

func portKey(ports []device.USBSighting) string {
	names := make([]string, len(ports))
	for i, s := range ports {
		names[i] = s.Port
	}
	return strings.Join(names, "\x00")
}
