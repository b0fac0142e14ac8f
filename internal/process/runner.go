package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// tailLines is how many trailing output lines a Result keeps.
const tailLines = 20

// Config holds configuration for a helper program.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the path to the executable, or a name looked up in PATH.
	Binary string

	// Env are additional environment variables (key=value format).
	// If nil, inherits from parent process.
	Env []string

	// WorkDir is the working directory for the process.
	// If empty, inherits from parent process.
	WorkDir string

	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration
}

// Stream identifies the output stream a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one line of child output.
type Line struct {
	Stream Stream
	Text   string
}

// LineFunc receives output lines. Calls are never concurrent.
type LineFunc func(Line)

// Result describes a finished invocation.
type Result struct {
	ExitCode int
	Duration time.Duration
	Tail     []string
}

// Logger defines the logging interface for the runner.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Runner launches one-shot invocations of a single binary.
type Runner struct {
	config Config
	logger Logger
}

// NewRunner creates a runner with the given configuration.
func NewRunner(cfg Config) *Runner {
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 5 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Binary
	}
	return &Runner{config: cfg, logger: noopLogger{}}
}

// SetLogger sets the logger for the runner.
func (r *Runner) SetLogger(logger Logger) {
	r.logger = logger
}

// Name returns the configured name.
func (r *Runner) Name() string {
	return r.config.Name
}

// Run starts the binary with args and blocks until it exits. Output lines
// are passed to onLine, which may be nil. A non-zero exit returns ErrExit
// together with the Result.
func (r *Runner) Run(ctx context.Context, args []string, onLine LineFunc) (Result, error) {
	cmd := exec.CommandContext(ctx, r.config.Binary, args...) //nolint:gosec // binary comes from operator config
	configureProcessGroup(cmd)
	cmd.Cancel = func() error { return terminate(cmd) }
	cmd.WaitDelay = r.config.GracefulTimeout

	if r.config.Env != nil {
		cmd.Env = append(os.Environ(), r.config.Env...)
	}
	if r.config.WorkDir != "" {
		cmd.Dir = r.config.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("creating stderr pipe: %w", err)
	}

	r.logger.Debug("running process", "name", r.config.Name, "args", args)
	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", ErrStart, r.config.Name, err)
	}

	out := &collector{onLine: onLine}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); out.consume(Stdout, stdout) }()
	go func() { defer wg.Done(); out.consume(Stderr, stderr) }()
	wg.Wait()

	waitErr := cmd.Wait()
	res := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(started),
		Tail:     out.tail,
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		r.logger.Info("process cancelled", "name", r.config.Name, "error", ctxErr)
		return res, ctxErr
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			r.logger.Warn("process failed", "name", r.config.Name, "exit_code", res.ExitCode)
			return res, fmt.Errorf("%w: %s exited with %d: %s", ErrExit, r.config.Name, res.ExitCode, lastLine(res.Tail))
		}
		return res, fmt.Errorf("waiting for %s: %w", r.config.Name, waitErr)
	}
	return res, nil
}

// collector serialises line delivery and keeps a tail.
type collector struct {
	mu     sync.Mutex
	onLine LineFunc
	tail   []string
}

func (c *collector) consume(stream Stream, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Split(scanLinesCR)
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		c.mu.Lock()
		c.tail = append(c.tail, text)
		if len(c.tail) > tailLines {
			c.tail = c.tail[len(c.tail)-tailLines:]
		}
		if c.onLine != nil {
			c.onLine(Line{Stream: stream, Text: text})
		}
		c.mu.Unlock()
	}
	// Keep draining so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

// scanLinesCR splits on '\n' or '\r'.
func scanLinesCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func lastLine(tail []string) string {
	if len(tail) == 0 {
		return "no output"
	}
	return tail[len(tail)-1]
}
