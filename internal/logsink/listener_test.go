package logsink

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func startListener(t *testing.T, ctx context.Context) (*Listener, chan Entry) {
	t.Helper()
	entries := make(chan Entry, 16)
	l := NewListener("127.0.0.1:0", func(e Entry) { entries <- e })
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(l.Stop)
	return l, entries
}

func send(t *testing.T, to net.Addr, payload string) {
	t.Helper()
	conn, err := net.Dial("udp", to.String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
}

func receive(t *testing.T, entries <-chan Entry) Entry {
	t.Helper()
	select {
	case e := <-entries:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no entry received")
		return Entry{}
	}
}

func TestListener_ReceivesLines(t *testing.T) {
	l, entries := startListener(t, context.Background())

	send(t, l.Addr(), "SDS011 read\r\nWiFi RSSI -61\n\n")

	first := receive(t, entries)
	second := receive(t, entries)
	if first.Message != "SDS011 read" || second.Message != "WiFi RSSI -61" {
		t.Errorf("messages = %q, %q", first.Message, second.Message)
	}
	if first.Source != "127.0.0.1" {
		t.Errorf("Source = %q, want 127.0.0.1", first.Source)
	}
	if first.Time.IsZero() {
		t.Error("Time not set")
	}

	select {
	case e := <-entries:
		t.Errorf("unexpected entry %q from blank lines", e.Message)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestListener_StartTwice(t *testing.T) {
	l, _ := startListener(t, context.Background())
	if err := l.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestListener_BindFailure(t *testing.T) {
	l, _ := startListener(t, context.Background())

	other := NewListener(l.Addr().String(), func(Entry) {})
	if err := other.Start(context.Background()); !errors.Is(err, ErrBind) {
		other.Stop()
		t.Errorf("Start() on busy port error = %v, want ErrBind", err)
	}
}

func TestListener_StopOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l, _ := startListener(t, ctx)
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for l.Addr() != nil {
		if time.Now().After(deadline) {
			t.Fatal("listener did not stop on cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Restart after stop.
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	l.Stop()
	l.Stop()
}

func TestEntry_String(t *testing.T) {
	e := Entry{Time: time.Date(2026, 10, 1, 9, 30, 0, 0, time.UTC), Source: "10.0.0.7", Message: "boot"}
	if got := e.String(); got != "2026-10-01 09:30:00 [10.0.0.7] boot" {
		t.Errorf("String() = %q", got)
	}
}
