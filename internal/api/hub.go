package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/dcc-flasher/internal/device"
	"github.com/nerrad567/dcc-flasher/internal/dispatch"
	"github.com/nerrad567/dcc-flasher/internal/infrastructure/config"
	"github.com/nerrad567/dcc-flasher/internal/infrastructure/logging"
	"github.com/nerrad567/dcc-flasher/internal/logsink"
	"github.com/nerrad567/dcc-flasher/internal/monitor"
)

// Event channels clients can subscribe to. "*" subscribes to all of them.
const (
	ChannelTaskProgress   = "task.progress"
	ChannelTaskFinished   = "task.finished"
	ChannelDriverMissing  = "device.driver_missing"
	ChannelLogReceived    = "log.received"
	ChannelDevicesChanged = "devices.changed"
	ChannelSerialLine     = "serial.line"
	channelAll            = "*"
)

var knownChannels = []string{
	ChannelTaskProgress,
	ChannelTaskFinished,
	ChannelDriverMissing,
	ChannelLogReceived,
	ChannelDevicesChanged,
	ChannelSerialLine,
}

func isKnownChannel(ch string) bool {
	if ch == channelAll {
		return true
	}
	for _, known := range knownChannels {
		if ch == known {
			return true
		}
	}
	return false
}

// Hub fans events out to subscribed WebSocket clients.
//
// A client subscribing to task.progress first receives the latest event of
// every running task; one subscribing to devices.changed first receives the
// current device list.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
	running map[string]taskEvent // last progress event per unfinished task
	devices func() []device.Device
}

// NewHub creates a hub. Zero WebSocket settings take their defaults.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 8192
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
		running: make(map[string]taskEvent),
	}
}

// SetDeviceSource sets the function queried for the devices.changed snapshot.
func (h *Hub) SetDeviceSource(fn func() []device.Device) {
	h.mu.Lock()
	h.devices = fn
	h.mu.Unlock()
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for client := range clients {
		client.close()
	}
}

// Register adds a client.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client and closes its send queue. Safe to call
// more than once.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	client.close()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends payload to every client subscribed to channel.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := encodeEvent(channel, payload)
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	sent := 0
	for _, client := range targets {
		if client.isSubscribed(channel) && client.trySend(data) {
			sent++
		}
	}
	if sent > 0 {
		h.logger.Debug("websocket event sent", "channel", channel, "recipients", sent)
	}
}

// Publish implements dispatch.Sink. Progress events go to task.progress
// and terminal events to task.finished.
func (h *Hub) Publish(ev dispatch.Event) {
	te := newTaskEvent(ev)

	h.mu.Lock()
	if ev.Done {
		delete(h.running, ev.TaskID)
	} else {
		h.running[ev.TaskID] = te
	}
	h.mu.Unlock()

	channel := ChannelTaskProgress
	if ev.Done {
		channel = ChannelTaskFinished
	}
	h.Broadcast(channel, te)
}

// BroadcastDriverMissing tells clients that no USB adapter was found.
func (h *Hub) BroadcastDriverMissing(sig device.DriverSignal) {
	h.Broadcast(ChannelDriverMissing, sig)
}

// BroadcastLog relays one remote device log line.
func (h *Hub) BroadcastLog(entry logsink.Entry) {
	h.Broadcast(ChannelLogReceived, entry)
}

// BroadcastSerialLine relays one line from the serial monitor.
func (h *Hub) BroadcastSerialLine(line monitor.Line) {
	h.Broadcast(ChannelSerialLine, line)
}

// BroadcastDevices sends the current device list.
func (h *Hub) BroadcastDevices(devices []device.Device) {
	h.Broadcast(ChannelDevicesChanged, devicesPayload(devices))
}

// snapshot returns the catch-up events for a newly subscribed channel.
func (h *Hub) snapshot(channel string) [][]byte {
	var payloads []any

	h.mu.RLock()
	if channel == ChannelTaskProgress {
		for _, te := range h.running {
			payloads = append(payloads, te)
		}
	}
	devices := h.devices
	h.mu.RUnlock()

	// The device source takes the registry lock; call it without ours.
	if channel == ChannelDevicesChanged && devices != nil {
		payloads = append(payloads, devicesPayload(devices()))
	}

	out := make([][]byte, 0, len(payloads))
	for _, p := range payloads {
		data, err := encodeEvent(channel, p)
		if err != nil {
			h.logger.Error("encoding websocket snapshot", "channel", channel, "error", err)
			continue
		}
		out = append(out, data)
	}
	return out
}

func devicesPayload(devices []device.Device) map[string]any {
	return map[string]any{"devices": devices, "count": len(devices)}
}

func encodeEvent(channel string, payload any) ([]byte, error) {
	return json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
}

// taskEvent is the wire form of a dispatch event.
type taskEvent struct {
	dispatch.Event
	Error string `json:"error,omitempty"`
}

func newTaskEvent(ev dispatch.Event) taskEvent {
	te := taskEvent{Event: ev}
	if ev.Err != nil {
		te.Error = ev.Err.Error()
	}
	return te
}
