package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/dcc-flasher/internal/device"
	"github.com/nerrad567/dcc-flasher/internal/dispatch"
)

// SystemMetrics is the GET /metrics body.
type SystemMetrics struct {
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Runtime       RuntimeMetrics    `json:"runtime"`
	WSClients     int               `json:"websocket_clients"`
	MQTTConnected *bool             `json:"mqtt_connected,omitempty"` // absent when MQTT is disabled
	Devices       device.Stats      `json:"devices"`
	ActiveTasks   map[string]string `json:"active_tasks"` // kind -> task id
}

// RuntimeMetrics is a snapshot of the Go runtime.
type RuntimeMetrics struct {
	Goroutines  int     `json:"goroutines"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	SysMB       float64 `json:"sys_mb"`
	NumGC       uint32  `json:"num_gc"`
}

var taskKinds = []dispatch.Kind{dispatch.KindFlash, dispatch.KindErase, dispatch.KindConfig, dispatch.KindBatch}

func readRuntime() RuntimeMetrics {
	const mb = 1 << 20
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return RuntimeMetrics{
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(ms.HeapAlloc) / mb,
		SysMB:       float64(ms.Sys) / mb,
		NumGC:       ms.NumGC,
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	m := SystemMetrics{
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(now.Sub(s.startTime).Seconds()),
		Runtime:       readRuntime(),
		WSClients:     s.hub.ClientCount(),
		Devices:       s.devices.Stats(),
		ActiveTasks:   make(map[string]string, len(taskKinds)),
	}
	if s.bus != nil {
		up := s.bus.IsConnected()
		m.MQTTConnected = &up
	}
	for _, kind := range taskKinds {
		if task := s.tasks.Active(kind); task != nil {
			m.ActiveTasks[string(kind)] = task.ID
		}
	}
	writeJSON(w, http.StatusOK, m)
}
