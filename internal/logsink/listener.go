package logsink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// DefaultPort is the UDP port devices broadcast their log to.
const DefaultPort = 5514

// maxDatagram is the largest datagram read in full.
const maxDatagram = 2048

var (
	// ErrBind is returned when the UDP socket cannot be bound.
	ErrBind = errors.New("logsink: bind failed")

	// ErrAlreadyRunning is returned by Start on a running listener.
	ErrAlreadyRunning = errors.New("logsink: already running")
)

// Entry is one received log line.
type Entry struct {
	Time    time.Time `json:"time"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

// String formats the entry as a timestamped console line.
func (e Entry) String() string {
	return fmt.Sprintf("%s [%s] %s", e.Time.Format("2006-01-02 15:04:05"), e.Source, e.Message)
}

// Logger defines the logging interface for the listener.
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

// Listener reads device log datagrams.
type Listener struct {
	addr   string
	sink   func(Entry)
	logger Logger
	now    func() time.Time

	mu   sync.Mutex
	conn *net.UDPConn
	done chan struct{}
}

// NewListener creates a listener on addr (e.g. ":5514"). sink is called
// from the read goroutine for every entry.
func NewListener(addr string, sink func(Entry)) *Listener {
	return &Listener{addr: addr, sink: sink, logger: noopLogger{}, now: time.Now}
}

// SetLogger sets the logger for the listener.
func (l *Listener) SetLogger(logger Logger) {
	l.logger = logger
}

// Start binds the socket and begins reading. The listener stops when ctx
// is cancelled or Stop is called.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return ErrAlreadyRunning
	}

	udpAddr, err := net.ResolveUDPAddr("udp", l.addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBind, l.addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBind, l.addr, err)
	}
	l.conn = conn
	l.done = make(chan struct{})

	go l.loop(conn, l.done)
	go func(done chan struct{}) {
		select {
		case <-ctx.Done():
			l.Stop()
		case <-done:
		}
	}(l.done)

	l.logger.Info("log listener started", "addr", conn.LocalAddr().String())
	return nil
}

// Stop closes the socket and waits for the read loop to exit. Safe to
// call on a stopped listener.
func (l *Listener) Stop() {
	l.mu.Lock()
	conn, done := l.conn, l.done
	l.conn = nil
	l.mu.Unlock()

	if conn == nil {
		return
	}
	_ = conn.Close()
	<-done
	l.logger.Info("log listener stopped")
}

// Addr returns the bound address, or nil when not running.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

func (l *Listener) loop(conn *net.UDPConn, done chan struct{}) {
	defer close(done)
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("reading log datagram", "error", err)
			continue
		}
		source := from.IP.String()
		received := l.now()
		for _, line := range strings.Split(string(buf[:n]), "\n") {
			line = strings.TrimRight(line, "\r\x00 \t")
			if line == "" {
				continue
			}
			l.sink(Entry{Time: received, Source: source, Message: line})
		}
	}
}
