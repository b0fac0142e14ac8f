package dispatch

import (
	"errors"
	"testing"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		want    uint32
		wantErr bool
	}{
		{"0x0", 0, false},
		{"0x0000", 0, false},
		{"0x1000", 0x1000, false},
		{"0x10000.bin", 0x10000, false},
		{"0X3FB000", 0x3FB000, false},
		{"1000", 0, true},
		{"0x", 0, true},
		{"0xZZ", 0, true},
		{"boot.bin", 0, true},
		{"0x100000000", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAddress(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseAddress(%q) = %#x, want %#x", tt.name, got, tt.want)
			}
		})
	}
}

func TestLoadImage_PlainFile(t *testing.T) {
	p := writeFile(t, "app.bin", []byte("raw image"))

	segments, err := LoadImage(p)
	if err != nil {
		t.Fatalf("LoadImage() error = %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("segments = %d, want 1", len(segments))
	}
	if segments[0].Address != 0 || string(segments[0].Data) != "raw image" || segments[0].Name != "app.bin" {
		t.Errorf("segment = %+v", segments[0])
	}
}

func TestLoadImage_Archive(t *testing.T) {
	p := writeZip(t, []zipEntry{
		{name: "0x1000.bin", data: []byte("boot")},
		{name: "images/0x10000.bin", data: []byte("app")},
	})

	segments, err := LoadImage(p)
	if err != nil {
		t.Fatalf("LoadImage() error = %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(segments))
	}
	if segments[0].Address != 0x1000 || segments[1].Address != 0x10000 {
		t.Errorf("addresses = %#x, %#x", segments[0].Address, segments[1].Address)
	}
	if string(segments[1].Data) != "app" {
		t.Errorf("data = %q, want app", segments[1].Data)
	}
}

func TestLoadImage_InvalidArchive(t *testing.T) {
	tests := []struct {
		name    string
		entries []zipEntry
	}{
		{"non-hex entry", []zipEntry{{name: "0x0", data: []byte("a")}, {name: "readme.txt", data: []byte("b")}}},
		{"empty archive", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadImage(writeZip(t, tt.entries))
			if !errors.Is(err, ErrInvalidArchive) {
				t.Errorf("LoadImage() error = %v, want ErrInvalidArchive", err)
			}
			if Class(err) != ClassConfiguration {
				t.Errorf("Class() = %q, want configuration", Class(err))
			}
		})
	}
}

func TestLoadImage_MissingFile(t *testing.T) {
	if _, err := LoadImage("/no/such/image.bin"); err == nil {
		t.Error("LoadImage() expected error for missing file")
	}
}

func TestSourceName(t *testing.T) {
	tests := []struct {
		src  source
		want string
	}{
		{source{Location: "/tmp/a/loco.json"}, "loco.json"},
		{source{Location: "https://host/fw/app.bin?token=1", Remote: true}, "app.bin"},
		{source{Location: "s3://bucket/dir/cfg.json", Remote: true}, "cfg.json"},
	}
	for _, tt := range tests {
		if got := tt.src.Name(); got != tt.want {
			t.Errorf("Name(%q) = %q, want %q", tt.src.Location, got, tt.want)
		}
	}
}
