package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/dcc-flasher/internal/device"
	"github.com/nerrad567/dcc-flasher/internal/monitor"
	"github.com/nerrad567/dcc-flasher/internal/transfer"
)

// monitorSendRequest is the body of POST /monitor/send. Text is written
// as given; include "\n" to end a command.
type monitorSendRequest struct {
	Text string `json:"text"`
}

// handleMonitorConnect attaches the serial monitor to a USB device. Lines
// arrive on the WebSocket serial.line channel.
func (s *Server) handleMonitorConnect(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeUnavailable(w, "serial monitor disabled")
		return
	}
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	st, err := s.monitor.Connect(r.Context(), id)
	if err != nil {
		writeMonitorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleMonitorStatus(w http.ResponseWriter, _ *http.Request) {
	if s.monitor == nil {
		writeUnavailable(w, "serial monitor disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleMonitorSend(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeUnavailable(w, "serial monitor disabled")
		return
	}
	var req monitorSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Text == "" {
		writeBadRequest(w, "text is required")
		return
	}
	if err := s.monitor.Send(req.Text); err != nil {
		writeMonitorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "bytes": len(req.Text)})
}

func (s *Server) handleMonitorDisconnect(w http.ResponseWriter, _ *http.Request) {
	if s.monitor == nil {
		writeUnavailable(w, "serial monitor disabled")
		return
	}
	if err := s.monitor.Disconnect(); err != nil {
		writeMonitorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "disconnected"})
}

func writeMonitorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, monitor.ErrAlreadyConnected), errors.Is(err, monitor.ErrNotConnected):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, monitor.ErrUnsupported):
		writeBadRequest(w, err.Error())
	case errors.Is(err, transfer.ErrOpen):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeInternalError(w, "serial monitor failed")
	}
}
