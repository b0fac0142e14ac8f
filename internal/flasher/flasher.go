package flasher

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/nerrad567/dcc-flasher/internal/infrastructure/config"
	"github.com/nerrad567/dcc-flasher/internal/process"
)

// ProgressFunc receives the completed fraction of an operation in [0,1].
type ProgressFunc func(fraction float64)

// Flasher connects to a chip in bootloader mode.
type Flasher interface {
	DetectAndConnect(ctx context.Context, port string, baud int) (ChipSession, error)
}

// ChipSession is a connected chip.
type ChipSession interface {
	// Chip is the human-readable chip description, e.g. "ESP8266EX".
	Chip() string
	WriteCompressedImage(ctx context.Context, data []byte, addr uint32, progress ProgressFunc) error
	Erase(ctx context.Context, progress ProgressFunc) error
}

// Runner runs one esptool invocation.
type Runner interface {
	Run(ctx context.Context, args []string, onLine process.LineFunc) (process.Result, error)
}

// Logger defines the logging interface for the flasher.
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

var (
	chipPattern     = regexp.MustCompile(`^Chip is (.+)$`)
	progressPattern = regexp.MustCompile(`^Writing at 0x([0-9a-fA-F]+)\.*\s*\((\d+)\s*%\)`)
)

// Esptool is a Flasher backed by the esptool command line.
type Esptool struct {
	runner Runner
	args   []string
	chip   string
	tmpDir string
	logger Logger
}

// NewEsptool creates an esptool flasher. Images are staged in tmpDir, or
// the system temp dir when empty.
func NewEsptool(runner Runner, cfg config.FlasherConfig, tmpDir string) *Esptool {
	chip := cfg.Chip
	if chip == "" {
		chip = "auto"
	}
	return &Esptool{
		runner: runner,
		args:   cfg.Args,
		chip:   chip,
		tmpDir: tmpDir,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the flasher.
func (e *Esptool) SetLogger(logger Logger) {
	e.logger = logger
}

func (e *Esptool) baseArgs(port string, baud int) []string {
	args := append([]string(nil), e.args...)
	args = append(args, "--chip", e.chip, "--port", port)
	if baud > 0 {
		args = append(args, "--baud", strconv.Itoa(baud))
	}
	return args
}

// DetectAndConnect implements Flasher.
func (e *Esptool) DetectAndConnect(ctx context.Context, port string, baud int) (ChipSession, error) {
	var chip string
	args := append(e.baseArgs(port, baud), "chip_id")
	_, err := e.runner.Run(ctx, args, func(l process.Line) {
		if m := chipPattern.FindStringSubmatch(l.Text); m != nil && chip == "" {
			chip = strings.TrimSpace(m[1])
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDetect, port, err)
	}
	if chip == "" {
		return nil, fmt.Errorf("%w: %s: no chip description in output", ErrDetect, port)
	}
	e.logger.Info("chip detected", "port", port, "chip", chip)
	return &esptoolSession{flasher: e, port: port, baud: baud, chip: chip}, nil
}

type esptoolSession struct {
	flasher *Esptool
	port    string
	baud    int
	chip    string
}

func (s *esptoolSession) Chip() string { return s.chip }

// WriteCompressedImage stages data in a temp file and writes it with
// esptool's compressed write_flash.
func (s *esptoolSession) WriteCompressedImage(ctx context.Context, data []byte, addr uint32, progress ProgressFunc) error {
	if len(data) == 0 {
		return ErrEmptyImage
	}
	f, err := os.CreateTemp(s.flasher.tmpDir, "image-*.bin")
	if err != nil {
		return fmt.Errorf("staging image: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("staging image: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("staging image: %w", err)
	}

	offset := fmt.Sprintf("0x%x", addr)
	args := append(s.flasher.baseArgs(s.port, s.baud), "write_flash", "-z", offset, f.Name())
	last := -1
	_, err = s.flasher.runner.Run(ctx, args, func(l process.Line) {
		pct, ok := ParseProgress(l.Text)
		if !ok || pct == last {
			return
		}
		last = pct
		if progress != nil {
			progress(float64(pct) / 100)
		}
	})
	if err != nil {
		return fmt.Errorf("%w: %d bytes at %s: %w", ErrWrite, len(data), offset, err)
	}
	if progress != nil && last != 100 {
		progress(1)
	}
	s.flasher.logger.Info("image written", "port", s.port, "address", offset, "bytes", len(data))
	return nil
}

// Erase runs erase_flash. esptool reports no intermediate progress for it.
func (s *esptoolSession) Erase(ctx context.Context, progress ProgressFunc) error {
	if progress != nil {
		progress(0)
	}
	args := append(s.flasher.baseArgs(s.port, s.baud), "erase_flash")
	if _, err := s.flasher.runner.Run(ctx, args, nil); err != nil {
		return fmt.Errorf("%w: %w", ErrErase, err)
	}
	if progress != nil {
		progress(1)
	}
	return nil
}

// ParseProgress extracts the percentage from an esptool
// "Writing at 0x00010000... (42 %)" line.
func ParseProgress(line string) (int, bool) {
	m := progressPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	pct, err := strconv.Atoi(m[2])
	if err != nil || pct < 0 || pct > 100 {
		return 0, false
	}
	return pct, true
}
