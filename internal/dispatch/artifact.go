package dispatch

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// maxSegmentSize bounds one archive entry; it matches the largest flash
// the supported chips carry.
const maxSegmentSize = 16 << 20

// source is a resolved artifact.
type source struct {
	// Location is a local path, or a URI when Remote is set.
	Location string
	Remote   bool
	// Label is the catalog label when resolved from the catalog.
	Label string
}

// Name returns the artifact's base file name.
func (s source) Name() string {
	if s.Remote {
		if u, err := url.Parse(s.Location); err == nil && u.Path != "" {
			return path.Base(u.Path)
		}
	}
	return filepath.Base(s.Location)
}

func (s source) String() string {
	if s.Label != "" {
		return s.Label
	}
	return s.Location
}

// resolve classifies choice as a catalog entry, an existing local file or
// a URI with an allowed scheme, in that order.
func (d *Dispatcher) resolve(choice string) (source, error) {
	choice = strings.TrimSpace(choice)
	if choice == "" {
		return source{}, ErrNoArtifact
	}
	if d.catalog != nil {
		if fw, ok := d.catalog.Resolve(choice); ok {
			return source{Location: fw.URL, Remote: true, Label: fw.Label()}, nil
		}
	}
	if info, err := os.Stat(choice); err == nil && info.Mode().IsRegular() {
		return source{Location: choice}, nil
	}
	if d.cache.Supports(choice) {
		return source{Location: choice, Remote: true}, nil
	}
	return source{}, fmt.Errorf("%w: %q", ErrInvalidArtifact, choice)
}

// Segment is one image to write at a flash address.
type Segment struct {
	Address uint32
	Name    string
	Data    []byte
}

// LoadImage reads the file at p as a flash archive when it is a zip, or
// as a single image at address 0 otherwise.
func LoadImage(p string) ([]Segment, error) {
	segments, err := readArchive(p)
	if err == nil {
		return segments, nil
	}
	if !errors.Is(err, zip.ErrFormat) {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	return []Segment{{Address: 0, Name: filepath.Base(p), Data: data}}, nil
}

// readArchive returns the entries of a zip in archive order. It returns
// zip.ErrFormat for files that are not zips.
func readArchive(p string) ([]Segment, error) {
	r, err := zip.OpenReader(p)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var segments []Segment
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Base(f.Name)
		addr, err := ParseAddress(name)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %q: %w", ErrInvalidArchive, f.Name, err)
		}
		data, err := readEntry(f)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %q: %w", ErrInvalidArchive, f.Name, err)
		}
		segments = append(segments, Segment{Address: addr, Name: name, Data: data})
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrInvalidArchive)
	}
	return segments, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxSegmentSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxSegmentSize {
		return nil, fmt.Errorf("larger than %d bytes", maxSegmentSize)
	}
	return data, nil
}

// ParseAddress parses an archive entry name such as "0x1000" or
// "0x10000.bin" into a flash address.
func ParseAddress(name string) (uint32, error) {
	base := strings.TrimSuffix(name, path.Ext(name))
	if len(base) < 3 || (base[:2] != "0x" && base[:2] != "0X") {
		return 0, fmt.Errorf("name %q is not a hex address", name)
	}
	v, err := strconv.ParseUint(base[2:], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("name %q is not a hex address", name)
	}
	return uint32(v), nil
}
