package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/dcc-flasher/internal/device"
)

// fakeLister returns scripted port lists.
type fakeLister struct {
	mu    sync.Mutex
	ports []device.USBSighting
	err   error
	calls int
}

func (f *fakeLister) ListPorts() ([]device.USBSighting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]device.USBSighting(nil), f.ports...), nil
}

func (f *fakeLister) set(ports ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ports = nil
	for _, p := range ports {
		f.ports = append(f.ports, device.USBSighting{Port: p, IsUSB: true})
	}
}

// batchRecorder collects emitted batches.
type batchRecorder struct {
	ch chan []device.USBSighting
}

func newBatchRecorder() *batchRecorder {
	return &batchRecorder{ch: make(chan []device.USBSighting, 16)}
}

func (r *batchRecorder) sink(b []device.USBSighting) { r.ch <- b }

func (r *batchRecorder) next(t *testing.T) []device.USBSighting {
	t.Helper()
	select {
	case b := <-r.ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
		return nil
	}
}

func (r *batchRecorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case b := <-r.ch:
		t.Fatalf("unexpected batch %+v", b)
	case <-time.After(wait):
	}
}

func TestUSBPoller_EmitsOnlyOnChange(t *testing.T) {
	lister := &fakeLister{}
	lister.set("/dev/ttyUSB0")
	rec := newBatchRecorder()

	p := NewUSBPoller(lister, 10*time.Millisecond, rec.sink)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop()

	first := rec.next(t)
	if len(first) != 1 || first[0].Port != "/dev/ttyUSB0" {
		t.Fatalf("first batch = %+v", first)
	}

	// Several ticks with no change emit nothing.
	rec.none(t, 60*time.Millisecond)

	lister.set("/dev/ttyUSB0", "/dev/ttyUSB1")
	second := rec.next(t)
	if len(second) != 2 {
		t.Fatalf("second batch = %+v", second)
	}

	// Reordering counts as a change.
	lister.set("/dev/ttyUSB1", "/dev/ttyUSB0")
	third := rec.next(t)
	if third[0].Port != "/dev/ttyUSB1" {
		t.Errorf("third batch = %+v", third)
	}
}

func TestUSBPoller_RescanReemits(t *testing.T) {
	lister := &fakeLister{}
	lister.set("/dev/ttyUSB0")
	rec := newBatchRecorder()

	p := NewUSBPoller(lister, time.Hour, rec.sink)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop()
	rec.next(t)

	p.Trigger()
	rec.none(t, 50*time.Millisecond)

	p.Rescan()
	again := rec.next(t)
	if len(again) != 1 || again[0].Port != "/dev/ttyUSB0" {
		t.Errorf("rescan batch = %+v", again)
	}
}

func TestUSBPoller_RescanSurvivesEnumerationError(t *testing.T) {
	lister := &fakeLister{}
	lister.set("/dev/ttyUSB0")
	rec := newBatchRecorder()

	p := NewUSBPoller(lister, time.Hour, rec.sink)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop()
	rec.next(t)

	lister.mu.Lock()
	lister.err = errors.New("boom")
	lister.mu.Unlock()

	p.Rescan()
	again := rec.next(t)
	if len(again) != 1 {
		t.Errorf("rescan after error should re-emit last batch, got %+v", again)
	}
}

func TestUSBPoller_StartStopRestart(t *testing.T) {
	lister := &fakeLister{}
	lister.set("/dev/ttyUSB0")
	rec := newBatchRecorder()

	p := NewUSBPoller(lister, time.Hour, rec.sink)
	ctx := context.Background()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := p.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
	rec.next(t)

	p.Stop()
	p.Stop() // no-op

	if err := p.Start(ctx); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	defer p.Stop()

	// A restarted poller emits its first pass again.
	if got := rec.next(t); len(got) != 1 {
		t.Errorf("batch after restart = %+v", got)
	}
}

func TestParseHexID(t *testing.T) {
	tests := []struct {
		in   string
		want uint16
	}{
		{"1A86", 0x1A86},
		{"ea60", 0xEA60},
		{"0x7523", 0x7523},
		{"", 0},
		{"zzzz", 0},
		{"123456", 0},
	}
	for _, tt := range tests {
		if got := parseHexID(tt.in); got != tt.want {
			t.Errorf("parseHexID(%q) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
}

func TestUSBPoller_FeedsRegistry(t *testing.T) {
	lister := &fakeLister{ports: []device.USBSighting{
		{Port: "/dev/ttyUSB0", IsUSB: true, VID: 0x1A86, PID: 0x7523},
	}}
	reg := device.NewRegistry(device.Options{})
	seen := make(chan struct{}, 4)

	p := NewUSBPoller(lister, time.Hour, func(b []device.USBSighting) {
		reg.ObserveUSB(b)
		seen <- struct{}{}
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop()

	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	if _, err := reg.Select("/dev/ttyUSB0"); err != nil {
		t.Errorf("Select() error = %v", err)
	}
}
