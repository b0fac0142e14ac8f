package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/dcc-flasher/internal/infrastructure/config"
)

// serviceName is attached to every entry.
const serviceName = "dccflasher"

// Logger is a slog.Logger shared by every package. It satisfies the
// narrow Logger interfaces those packages declare.
type Logger struct {
	*slog.Logger
}

// New builds a logger for cfg. Output is stdout, stderr or discard;
// anything else means stdout.
func New(cfg config.LoggingConfig, version string) *Logger {
	return NewWithWriter(cfg, version, outputWriter(cfg.Output))
}

// NewWithWriter is New with an explicit destination. cfg.Output is ignored.
func NewWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	h := newHandler(w, cfg.Format, parseLevel(cfg.Level)).WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(h)}
}

// Default is the text logger used until the configuration is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "text", Output: "stdout"}, "dev")
}

func outputWriter(name string) io.Writer {
	switch strings.ToLower(name) {
	case "stderr":
		return os.Stderr
	case "discard", "none":
		return io.Discard
	default:
		return os.Stdout
	}
}

// newHandler returns a text handler for format "text" and JSON otherwise.
func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// parseLevel accepts debug, info, warn/warning and error in any case.
// Anything else is info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// With returns a child logger carrying args on every entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component tags a child logger with component=name, e.g. "usb" or "mqtt".
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}
