package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/dcc-flasher/internal/device"
	"github.com/nerrad567/dcc-flasher/internal/transfer"
)

// Logger defines the logging interface for the monitor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Devices selects the device to attach to.
type Devices interface {
	Select(id string) (*device.Device, error)
}

// Line is one line received from the device console.
type Line struct {
	Port string    `json:"port"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// Status describes the attached port.
type Status struct {
	Connected bool      `json:"connected"`
	Port      string    `json:"port,omitempty"`
	Since     time.Time `json:"since,omitzero"`
}

// Monitor relays one serial console at a time.
type Monitor struct {
	devices Devices
	open    transfer.Opener
	logger  Logger
	now     func() time.Time

	mu     sync.Mutex
	onLine func(Line)
	sess   *session
}

type session struct {
	port   string
	link   transfer.Link
	since  time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor that opens ports with open.
func New(devices Devices, open transfer.Opener) *Monitor {
	return &Monitor{
		devices: devices,
		open:    open,
		logger:  noopLogger{},
		now:     time.Now,
		onLine:  func(Line) {},
	}
}

// SetLogger sets the logger for the monitor.
func (m *Monitor) SetLogger(logger Logger) {
	m.logger = logger
}

// SetOnLine sets the callback receiving console lines. It runs on the
// reader goroutine.
func (m *Monitor) SetOnLine(fn func(Line)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn == nil {
		fn = func(Line) {}
	}
	m.onLine = fn
}

// Connect opens the serial port of a USB device and starts relaying its
// output. ctx only bounds the call; the reader runs until Disconnect.
func (m *Monitor) Connect(ctx context.Context, deviceID string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	dev, err := m.devices.Select(deviceID)
	if err != nil {
		return Status{}, err
	}
	if dev.Transport != device.TransportUSB {
		return Status{}, fmt.Errorf("%w: %s", ErrUnsupported, dev.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil {
		return Status{}, fmt.Errorf("%w: %s", ErrAlreadyConnected, m.sess.port)
	}

	link, err := m.open(dev.Address)
	if err != nil {
		return Status{}, err
	}

	readCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		port:   dev.Address,
		link:   link,
		since:  m.now(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.sess = s
	go m.read(readCtx, s)

	m.logger.Info("serial monitor connected", "port", s.port)
	return s.status(), nil
}

// Send writes text to the attached port.
func (m *Monitor) Send(text string) error {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}
	return s.link.Write([]byte(text))
}

// Disconnect stops the reader and closes the port.
func (m *Monitor) Disconnect() error {
	m.mu.Lock()
	s := m.sess
	m.sess = nil
	m.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}

	s.cancel()
	<-s.done
	err := s.link.Close()
	m.logger.Info("serial monitor disconnected", "port", s.port)
	return err
}

// Close disconnects if a port is attached.
func (m *Monitor) Close() error {
	if err := m.Disconnect(); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// Status returns the attached port, if any.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Status{}
	}
	return m.sess.status()
}

func (s *session) status() Status {
	return Status{Connected: true, Port: s.port, Since: s.since}
}

// read relays lines until ctx ends or the port fails. A failed port is
// closed and detached.
func (m *Monitor) read(ctx context.Context, s *session) {
	defer close(s.done)
	for {
		text, err := s.link.ReadLine(ctx)
		switch {
		case err == nil:
		case errors.Is(err, transfer.ErrReadTimeout):
			continue
		case ctx.Err() != nil:
			return
		default:
			m.logger.Warn("serial monitor read failed", "port", s.port, "error", err)
			s.link.Close() //nolint:errcheck // the port already failed
			m.mu.Lock()
			if m.sess == s {
				m.sess = nil
			}
			m.mu.Unlock()
			return
		}

		m.mu.Lock()
		onLine := m.onLine
		m.mu.Unlock()
		onLine(Line{Port: s.port, Text: strings.ToValidUTF8(text, "\uFFFD"), Time: m.now()})
	}
}
