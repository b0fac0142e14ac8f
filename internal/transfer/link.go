package transfer

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Link is a line-oriented connection to a device console.
type Link interface {
	// Write sends p in full and waits until it has been transmitted.
	Write(p []byte) error

	// ReadLine returns the next line without its line terminator.
	// It returns ErrReadTimeout when no full line arrives in time.
	ReadLine(ctx context.Context) (string, error)

	Close() error
}

// pollSlice bounds a single blocking read so ctx cancellation is noticed.
const pollSlice = 100 * time.Millisecond

// SerialLink is a Link over a local serial port.
type SerialLink struct {
	port        serial.Port
	lineTimeout time.Duration
	buf         []byte
	chunk       []byte

	closeOnce sync.Once
	closeErr  error
}

// OpenSerial opens portName at baud with 8N1 framing.
func OpenSerial(portName string, baud int, lineTimeout time.Duration) (*SerialLink, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, portName, err)
	}
	return NewSerialLink(port, lineTimeout), nil
}

// NewSerialLink wraps an open port. A non-positive lineTimeout means 2s.
func NewSerialLink(port serial.Port, lineTimeout time.Duration) *SerialLink {
	if lineTimeout <= 0 {
		lineTimeout = 2 * time.Second
	}
	return &SerialLink{
		port:        port,
		lineTimeout: lineTimeout,
		chunk:       make([]byte, 256),
	}
}

// Write implements Link.
func (l *SerialLink) Write(p []byte) error {
	for len(p) > 0 {
		n, err := l.port.Write(p)
		if err != nil {
			return fmt.Errorf("writing to serial port: %w", err)
		}
		p = p[n:]
	}
	if err := l.port.Drain(); err != nil {
		return fmt.Errorf("draining serial port: %w", err)
	}
	return nil
}

// ReadLine implements Link. Lines end at '\n'; a trailing '\r' is removed.
func (l *SerialLink) ReadLine(ctx context.Context) (string, error) {
	deadline := time.Now().Add(l.lineTimeout)
	for {
		if i := bytes.IndexByte(l.buf, '\n'); i >= 0 {
			line := bytes.TrimRight(l.buf[:i], "\r")
			l.buf = l.buf[i+1:]
			return string(line), nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrReadTimeout
		}
		if err := l.port.SetReadTimeout(min(remaining, pollSlice)); err != nil {
			return "", fmt.Errorf("setting read timeout: %w", err)
		}
		n, err := l.port.Read(l.chunk)
		if err != nil {
			return "", fmt.Errorf("reading from serial port: %w", err)
		}
		l.buf = append(l.buf, l.chunk[:n]...)
	}
}

// Close implements Link. Safe to call more than once.
func (l *SerialLink) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.port.Close()
	})
	return l.closeErr
}

// Opener opens a Link to the device on a port.
type Opener func(port string) (Link, error)

// SerialOpener returns an Opener for local serial ports.
func SerialOpener(baud int, lineTimeout time.Duration) Opener {
	return func(port string) (Link, error) {
		link, err := OpenSerial(port, baud, lineTimeout)
		if err != nil {
			return nil, err
		}
		return link, nil
	}
}
