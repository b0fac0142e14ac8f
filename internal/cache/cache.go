package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Logger defines the logging interface used by the cache.
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

// Progress reports download state. Total is -1 when the server did not
// announce a length, in which case Indeterminate is set and Fraction is 0.
type Progress struct {
	Bytes         int64
	Total         int64
	Fraction      float64
	Indeterminate bool
}

// ProgressFunc receives download progress. It may be nil.
type ProgressFunc func(Progress)

// Fetcher opens a remote artifact for streaming.
type Fetcher interface {
	// Open returns the body and its size, or -1 if unknown.
	Open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error)
}

// Cache is a process-scoped content-addressed file cache.
type Cache struct {
	dir    string
	logger Logger

	mu       sync.RWMutex
	fetchers map[string]Fetcher
	closed   bool
}

// New creates the cache directory under parent (the system temp directory
// when parent is empty). HTTP and HTTPS are registered with http.DefaultClient.
func New(parent string) (*Cache, error) {
	if parent != "" {
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return nil, fmt.Errorf("creating cache parent: %w", err)
		}
	}
	dir, err := os.MkdirTemp(parent, "dccflasher-cache-")
	if err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	c := &Cache{
		dir:      dir,
		logger:   noopLogger{},
		fetchers: make(map[string]Fetcher),
	}
	httpFetcher := NewHTTPFetcher(nil)
	c.Register("http", httpFetcher)
	c.Register("https", httpFetcher)
	return c, nil
}

// SetLogger sets the logger for the cache.
func (c *Cache) SetLogger(logger Logger) {
	c.logger = logger
}

// Register binds a fetcher to a URI scheme, replacing any previous one.
func (c *Cache) Register(scheme string, f Fetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchers[strings.ToLower(scheme)] = f
}

// Restrict drops every fetcher whose scheme is not listed.
func (c *Cache) Restrict(schemes []string) {
	allowed := make(map[string]bool, len(schemes))
	for _, s := range schemes {
		allowed[strings.ToLower(s)] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for scheme := range c.fetchers {
		if !allowed[scheme] {
			delete(c.fetchers, scheme)
		}
	}
}

// Supports reports whether uri is absolute and has a registered scheme.
func (c *Cache) Supports(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.fetchers[strings.ToLower(u.Scheme)]
	return ok
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Key returns the content-address of uri: the hex SHA-256 of the string.
func Key(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	return hex.EncodeToString(sum[:])
}

// Path returns the final cache path for uri whether or not it exists.
func (c *Cache) Path(uri string) string {
	return filepath.Join(c.dir, Key(uri))
}

// Lookup returns the cached path for uri if it has been fetched.
func (c *Cache) Lookup(uri string) (string, bool) {
	p := c.Path(uri)
	if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
		return p, true
	}
	return "", false
}

// Fetch returns the local path for uri, downloading it first if needed.
func (c *Cache) Fetch(ctx context.Context, uri string, progress ProgressFunc) (string, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return "", ErrClosed
	}

	if p, ok := c.Lookup(uri); ok {
		c.logger.Debug("cache hit", "uri", uri, "path", p)
		return p, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	c.mu.RLock()
	fetcher, ok := c.fetchers[strings.ToLower(u.Scheme)]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	final := c.Path(uri)
	if err := c.download(ctx, fetcher, u, final, progress); err != nil {
		return "", err
	}
	c.logger.Info("artifact downloaded", "uri", uri, "path", final)
	return final, nil
}

func (c *Cache) download(ctx context.Context, fetcher Fetcher, u *url.URL, final string, progress ProgressFunc) (err error) {
	body, size, err := fetcher.Open(ctx, u)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(c.dir, filepath.Base(final)+".part-*")
	if err != nil {
		return fmt.Errorf("creating partial file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()           //nolint:errcheck // already failing
			os.Remove(tmp.Name()) //nolint:errcheck // best effort cleanup
		}
	}()

	pw := &progressWriter{total: size, report: progress}
	if progress != nil {
		progress(pw.snapshot())
	}
	if _, err = io.Copy(io.MultiWriter(tmp, pw), body); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDownload, u.Redacted(), err)
	}
	if size >= 0 && pw.written != size {
		return fmt.Errorf("%w: %s: got %d of %d bytes", ErrDownload, u.Redacted(), pw.written, size)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing partial file: %w", err)
	}
	if err = os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("moving download into place: %w", err)
	}
	return nil
}

// Close removes the cache directory and everything in it.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := os.RemoveAll(c.dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing cache directory: %w", err)
	}
	return nil
}

// progressWriter counts bytes and reports each whole-percent step, or
// every 64 KiB when the size is unknown.
type progressWriter struct {
	total    int64
	written  int64
	lastStep int64
	report   ProgressFunc
}

const unknownSizeStep = 64 << 10

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	if w.report == nil {
		return len(p), nil
	}
	var step int64
	if w.total > 0 {
		step = w.written * 100 / w.total
	} else {
		step = w.written / unknownSizeStep
	}
	if step != w.lastStep {
		w.lastStep = step
		w.report(w.snapshot())
	}
	return len(p), nil
}

func (w *progressWriter) snapshot() Progress {
	p := Progress{Bytes: w.written, Total: w.total}
	switch {
	case w.total < 0:
		p.Indeterminate = true
	case w.total == 0:
		p.Fraction = 1
	default:
		p.Fraction = float64(w.written) / float64(w.total)
	}
	return p
}
