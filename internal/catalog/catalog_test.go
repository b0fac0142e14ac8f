package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

const sampleIndex = `{
  "firmware": [
    {"board": "ESP8266", "version": "1.4", "url": "https://example.test/esp8266-1.4.bin"},
    {"board": "ESP32", "version": "1.4", "url": "https://example.test/esp32-1.4.zip"},
    {"board": "broken", "version": "0", "url": ""}
  ],
  "files": ["https://example.test/config.json", "https://example.test/loco.txt"]
}`

func TestParse(t *testing.T) {
	idx, err := Parse([]byte(sampleIndex))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(idx.Firmware) != 2 {
		t.Fatalf("len(Firmware) = %d, want 2 (entry without url dropped)", len(idx.Firmware))
	}
	if idx.Firmware[0].Label() != "ESP8266 (1.4)" {
		t.Errorf("Label() = %q", idx.Firmware[0].Label())
	}
	if len(idx.Files) != 2 {
		t.Errorf("len(Files) = %d, want 2", len(idx.Files))
	}
}

func TestParse_Malformed(t *testing.T) {
	for _, doc := range []string{`not json`, `{"files": []}`, `[]`} {
		if _, err := Parse([]byte(doc)); !errors.Is(err, ErrMalformed) {
			t.Errorf("Parse(%q) error = %v, want ErrMalformed", doc, err)
		}
	}
}

func TestIndex_Resolve(t *testing.T) {
	idx, err := Parse([]byte(sampleIndex))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		choice string
		want   string
		ok     bool
	}{
		{"ESP32 (1.4)", "https://example.test/esp32-1.4.zip", true},
		{"https://example.test/esp8266-1.4.bin", "https://example.test/esp8266-1.4.bin", true},
		{"ESP32 (9.9)", "", false},
	}
	for _, tt := range tests {
		f, ok := idx.Resolve(tt.choice)
		if ok != tt.ok || f.URL != tt.want {
			t.Errorf("Resolve(%q) = %q, %v; want %q, %v", tt.choice, f.URL, ok, tt.want, tt.ok)
		}
	}
}

func TestCatalog_Refresh(t *testing.T) {
	status := http.StatusOK
	body := sampleIndex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body)) //nolint:errcheck // test server
	}))
	defer srv.Close()

	c := New(srv.URL+"/flash.json", srv.Client())

	if _, err := c.Index(); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Index() before refresh error = %v", err)
	}

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if f, ok := c.Resolve("ESP8266 (1.4)"); !ok || f.Board != "ESP8266" {
		t.Errorf("Resolve() = %+v, %v", f, ok)
	}
	if c.FetchedAt().IsZero() {
		t.Error("FetchedAt() not set")
	}

	// A failed refresh keeps the previous index.
	status = http.StatusInternalServerError
	if _, err := c.Refresh(context.Background()); !errors.Is(err, ErrFetch) {
		t.Errorf("Refresh() error = %v, want ErrFetch", err)
	}
	if _, ok := c.Resolve("ESP32 (1.4)"); !ok {
		t.Error("previous index lost after failed refresh")
	}

	status = http.StatusOK
	body = "{"
	if _, err := c.Refresh(context.Background()); !errors.Is(err, ErrMalformed) {
		t.Errorf("Refresh() error = %v, want ErrMalformed", err)
	}
}
