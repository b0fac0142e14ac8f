package remote

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"

	"github.com/nerrad567/dcc-flasher/internal/infrastructure/config"
)

// Multipart field names understood by device firmware.
const (
	FieldFirmware = "firmware"
	FieldFile     = "file"
	// FieldConfig carries a single configuration file posted to /upload.
	FieldConfig = "config"
)

// maxResponseBody bounds how much of a device reply is read.
const maxResponseBody = 1 << 20

// Logger defines the logging interface for the client.
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

// ProgressFunc receives the fraction of the request body sent so far.
type ProgressFunc func(fraction float64)

// Response is a device reply.
type Response struct {
	StatusCode int
	// Body is the raw reply.
	Body string
	// Text is Body with markup removed.
	Text string
}

// Client sends requests to devices.
type Client struct {
	http     *http.Client
	username string
	password string
	logger   Logger
}

// NewClient creates a client. A nil httpClient uses one with cfg's timeout.
func NewClient(cfg config.RemoteConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout()}
	}
	return &Client{
		http:     httpClient,
		username: cfg.Username,
		password: cfg.Password,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
}

// FirmwareField picks the multipart field for a FlashModus value. Values
// ending in "2.6" use "firmware"; "2.5" and absent use "file". The second
// result is false for unrecognised values, which also get "file".
func FirmwareField(flashModus string) (string, bool) {
	switch {
	case strings.HasSuffix(flashModus, "2.6"):
		return FieldFirmware, true
	case flashModus == "", strings.HasSuffix(flashModus, "2.5"):
		return FieldFile, true
	default:
		return FieldFile, false
	}
}

// PushFirmware uploads the image at path to the device's /firmware endpoint.
func (c *Client) PushFirmware(ctx context.Context, address, flashModus, path string, progress ProgressFunc) (Response, error) {
	field, known := FirmwareField(flashModus)
	if !known {
		c.logger.Warn("unrecognised FlashModus, using default field",
			"address", address, "flash_modus", flashModus, "field", field)
	}
	return c.post(ctx, address, "/firmware", field, filepath.Base(path), path, progress)
}

// Upload posts the file at path to the device's /upload endpoint under
// field. filename is the name the device stores the file as.
func (c *Client) Upload(ctx context.Context, address, field, filename, path string, progress ProgressFunc) (Response, error) {
	if filename == "" {
		filename = filepath.Base(path)
	}
	return c.post(ctx, address, "/upload", field, filename, path, progress)
}

// EnableLogging asks the device to broadcast its log over UDP.
func (c *Client) EnableLogging(ctx context.Context, address string) (Response, error) {
	u, err := deviceURL(address, "/set")
	if err != nil {
		return Response{}, err
	}
	u.RawQuery = url.Values{"id": {"sys"}, "key": {"log"}, "value": {"bcast"}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrRequest, err)
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, address, endpoint, field, filename, path string, progress ProgressFunc) (Response, error) {
	u, err := deviceURL(address, endpoint)
	if err != nil {
		return Response{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Response{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Response{}, fmt.Errorf("stat %s: %w", path, err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	written := make(chan struct{})
	go func() {
		defer close(written)
		part, err := mw.CreateFormFile(field, filename)
		if err == nil {
			src := &countingReader{r: f, total: info.Size(), progress: progress}
			_, err = io.Copy(part, src)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), pr)
	if err != nil {
		pr.Close()
		<-written
		return Response{}, fmt.Errorf("%w: %w", ErrRequest, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.SetBasicAuth(c.username, c.password)

	c.logger.Info("uploading to device", "url", u.String(), "field", field, "filename", filename, "bytes", info.Size())
	resp, err := c.do(req)
	pr.Close()
	<-written
	return resp, err
}

func (c *Client) do(req *http.Request) (Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %s: %w", ErrRequest, req.URL.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Response{}, fmt.Errorf("%w: reading reply: %w", ErrRequest, err)
	}
	out := Response{StatusCode: resp.StatusCode, Body: string(body), Text: StripHTML(string(body))}
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}
	return out, nil
}

func deviceURL(address, path string) (*url.URL, error) {
	if address == "" {
		return nil, ErrInvalidAddress
	}
	return &url.URL{Scheme: "http", Host: address, Path: path}, nil
}

// StripHTML returns the text content of s with all tags removed.
func StripHTML(s string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.TextToken:
			b.Write(z.Text())
		}
	}
}

type countingReader struct {
	r        io.Reader
	read     int64
	total    int64
	progress ProgressFunc
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if n > 0 && c.progress != nil && c.total > 0 {
		c.progress(float64(c.read) / float64(c.total))
	}
	return n, err
}
