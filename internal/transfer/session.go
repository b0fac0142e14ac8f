package transfer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/text/encoding/charmap"
)

// Protocol literals.
const (
	cmdDebug    = "xdebug"
	cmdTransfer = "_"
	cmdClose    = "x"

	replySegmentOK   = "SEGMENT OK "
	replySegmentFail = "SEGMENT FAIL "
	replyEnd         = "TRANSFER END"
)

const (
	// DefaultSegmentSize is the number of base64 characters per window.
	DefaultSegmentSize = 500

	// DefaultMaxEmpty is the number of consecutive empty replies tolerated.
	DefaultMaxEmpty = 5
)

// State is the lifecycle position of a Session.
type State int

// Session states.
const (
	StateHandshaking State = iota
	StateTransferring
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateTransferring:
		return "transferring"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds the device console replies and window parameters.
type Config struct {
	DebugModeReply    string
	TransferModeReply string
	SegmentSize       int // default 500
	MaxEmpty          int // default 5
}

// Logger defines the logging interface used by sessions.
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

// ProgressFunc receives the number of encoded characters acknowledged so
// far and the encoded total.
type ProgressFunc func(acked, total int)

// Stats summarises a finished session.
type Stats struct {
	EncodedLength int
	Segments      int // windows acknowledged with SEGMENT OK
	Resends       int // windows resent after SEGMENT FAIL
	Ignored       int // unrecognised non-empty replies
}

// Session is one segmented upload over a Link. A Session is single use.
type Session struct {
	link   Link
	cfg    Config
	logger Logger

	mu     sync.Mutex
	state  State
	cursor int
	stats  Stats
	used   bool
}

// NewSession creates a session on link. The link is not closed by the session.
func NewSession(link Link, cfg Config) *Session {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = DefaultSegmentSize
	}
	if cfg.MaxEmpty <= 0 {
		cfg.MaxEmpty = DefaultMaxEmpty
	}
	return &Session{link: link, cfg: cfg, logger: noopLogger{}}
}

// SetLogger sets the logger for the session.
func (s *Session) SetLogger(logger Logger) {
	s.logger = logger
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cursor returns the offset of the next unacknowledged encoded character.
func (s *Session) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Stats returns counters for the session so far.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) fail(err error) error {
	s.setState(StateFailed)
	s.logger.Warn("transfer session failed", "error", err, "cursor", s.Cursor())
	return err
}

// Run performs the full exchange for one file.
func (s *Session) Run(ctx context.Context, filename string, content []byte, progress ProgressFunc) error {
	s.mu.Lock()
	if s.used {
		s.mu.Unlock()
		return ErrSessionFinished
	}
	s.used = true
	s.mu.Unlock()

	header, err := EncodeHeader(base64.StdEncoding.EncodedLen(len(content)), filename)
	if err != nil {
		return s.fail(err)
	}

	if err := s.handshake(ctx); err != nil {
		return s.fail(err)
	}

	s.setState(StateTransferring)
	encoded := base64.StdEncoding.EncodeToString(content)
	s.mu.Lock()
	s.stats.EncodedLength = len(encoded)
	s.mu.Unlock()

	if err := s.link.Write(header); err != nil {
		return s.fail(fmt.Errorf("writing header: %w", err))
	}
	if err := s.sendLoop(ctx, encoded, progress); err != nil {
		return s.fail(err)
	}

	s.setState(StateCompleted)
	s.closeConsole(ctx)
	st := s.Stats()
	s.logger.Info("transfer complete", "file", filename, "encoded", st.EncodedLength,
		"segments", st.Segments, "resends", st.Resends)
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	if err := s.link.Write([]byte(cmdDebug)); err != nil {
		return fmt.Errorf("%w: %w", ErrActivationFailed, err)
	}
	for attempt := range 2 {
		line, err := s.link.ReadLine(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrActivationFailed, err)
		}
		if line == s.cfg.DebugModeReply {
			break
		}
		if attempt == 1 {
			return fmt.Errorf("%w: unexpected reply %q", ErrActivationFailed, line)
		}
		s.logger.Debug("skipping stray line before debug reply", "line", line)
	}

	if err := s.link.Write([]byte(cmdTransfer)); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferActivationFailed, err)
	}
	line, err := s.link.ReadLine(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransferActivationFailed, err)
	}
	if line != s.cfg.TransferModeReply {
		return fmt.Errorf("%w: unexpected reply %q", ErrTransferActivationFailed, line)
	}
	return nil
}

func (s *Session) sendLoop(ctx context.Context, encoded string, progress ProgressFunc) error {
	total := len(encoded)
	cursor := 0
	empty := 0
	needWrite := total > 0

	for {
		if needWrite {
			end := min(cursor+s.cfg.SegmentSize, total)
			if err := s.link.Write([]byte(encoded[cursor:end])); err != nil {
				return fmt.Errorf("writing segment at %d: %w", cursor, err)
			}
			needWrite = false
		}

		line, err := s.link.ReadLine(ctx)
		switch {
		case errors.Is(err, ErrReadTimeout):
			line = ""
		case err != nil:
			return fmt.Errorf("reading segment reply: %w", err)
		}

		switch {
		case strings.HasPrefix(line, replySegmentOK):
			empty = 0
			cursor = min(cursor+s.cfg.SegmentSize, total)
			s.mu.Lock()
			s.cursor = cursor
			s.stats.Segments++
			s.mu.Unlock()
			if progress != nil {
				progress(cursor, total)
			}
			needWrite = cursor < total
		case strings.HasPrefix(line, replySegmentFail):
			empty = 0
			s.mu.Lock()
			s.stats.Resends++
			s.mu.Unlock()
			s.logger.Debug("segment rejected, resending", "cursor", cursor, "reply", line)
			needWrite = cursor < total
		case strings.HasPrefix(line, replyEnd):
			return nil
		case strings.TrimSpace(line) == "":
			empty++
			if empty > s.cfg.MaxEmpty {
				return fmt.Errorf("%w: %d empty replies at offset %d", ErrDeviceUnresponsive, empty, cursor)
			}
		default:
			empty = 0
			s.mu.Lock()
			s.stats.Ignored++
			s.mu.Unlock()
			s.logger.Debug("ignoring unrecognised reply", "reply", line)
		}
	}
}

// closeConsole leaves transfer mode. Its reply is discarded.
func (s *Session) closeConsole(ctx context.Context) {
	if err := s.link.Write([]byte(cmdClose)); err != nil {
		s.logger.Warn("closing device console", "error", err)
		return
	}
	if _, err := s.link.ReadLine(ctx); err != nil {
		s.logger.Debug("no reply after closing console", "error", err)
	}
}

// EncodeHeader builds the PUT line in Latin-1, one byte per character.
func EncodeHeader(encodedLength int, filename string) ([]byte, error) {
	if filename == "" || strings.ContainsAny(filename, "\r\n") {
		return nil, fmt.Errorf("%w: %q", ErrHeaderEncoding, filename)
	}
	line := fmt.Sprintf("PUT %d %s\r\n", encodedLength, filename)
	out, err := charmap.ISO8859_1.NewEncoder().String(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrHeaderEncoding, filename)
	}
	return []byte(out), nil
}
