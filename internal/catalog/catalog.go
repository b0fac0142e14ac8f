// Package catalog loads the published firmware index.
//
// The index is a JSON document:
//
//	{
//	  "firmware": [{"board": "ESP8266", "version": "1.2", "url": "https://..."}],
//	  "files":    ["https://.../config.json"]
//	}
//
// Each firmware entry is offered to users under the label
// "<board> (<version>)"; files are support files pushed in a batch.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

var (
	// ErrFetch is returned when the index cannot be downloaded.
	ErrFetch = errors.New("catalog: fetch failed")

	// ErrMalformed is returned when the index is not valid JSON of the expected shape.
	ErrMalformed = errors.New("catalog: malformed index")

	// ErrNotLoaded is returned by lookups before the first successful Refresh.
	ErrNotLoaded = errors.New("catalog: not loaded")
)

// Firmware is one published image.
type Firmware struct {
	Board   string `json:"board"`
	Version string `json:"version"`
	URL     string `json:"url"`
}

// Label is the display name of the image.
func (f Firmware) Label() string {
	return f.Board + " (" + f.Version + ")"
}

// Index is a parsed firmware index.
type Index struct {
	Firmware []Firmware `json:"firmware"`
	Files    []string   `json:"files"`
}

// Parse decodes an index document. Entries without a URL are dropped.
func Parse(data []byte) (*Index, error) {
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if idx.Firmware == nil {
		return nil, fmt.Errorf("%w: missing firmware list", ErrMalformed)
	}

	kept := idx.Firmware[:0]
	for _, f := range idx.Firmware {
		if strings.TrimSpace(f.URL) != "" {
			kept = append(kept, f)
		}
	}
	idx.Firmware = kept
	return &idx, nil
}

// Resolve maps a user choice to a firmware URL. The choice may be a label
// or the URL of a listed entry.
func (idx *Index) Resolve(choice string) (Firmware, bool) {
	for _, f := range idx.Firmware {
		if f.Label() == choice || f.URL == choice {
			return f, true
		}
	}
	return Firmware{}, false
}

// Catalog fetches and holds the current index.
type Catalog struct {
	url    string
	client *http.Client

	mu        sync.RWMutex
	index     *Index
	fetchedAt time.Time
}

// New creates a catalog for the index at url. client may be nil.
func New(url string, client *http.Client) *Catalog {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Catalog{url: url, client: client}
}

// Refresh downloads and parses the index, replacing the current one on
// success. A failed refresh keeps the previous index.
func (c *Catalog) Refresh(ctx context.Context) (*Index, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrFetch, resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	idx, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.index = idx
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return idx, nil
}

// Index returns the last loaded index.
func (c *Catalog) Index() (*Index, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.index == nil {
		return nil, ErrNotLoaded
	}
	return c.index, nil
}

// FetchedAt returns when the current index was loaded.
func (c *Catalog) FetchedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchedAt
}

// Resolve looks up choice in the current index.
func (c *Catalog) Resolve(choice string) (Firmware, bool) {
	idx, err := c.Index()
	if err != nil {
		return Firmware{}, false
	}
	return idx.Resolve(choice)
}
