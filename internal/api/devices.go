package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/dcc-flasher/internal/device"
)

// discoveryRestartTimeout bounds a browser restart triggered over the API.
const discoveryRestartTimeout = 10 * time.Second

// handleListDevices returns the selectable devices.
//
// Query parameters:
//   - transport: usb or remote
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.devices.List()

	if t := r.URL.Query().Get("transport"); t != "" {
		transport, err := device.ParseTransport(t)
		if err != nil {
			writeBadRequest(w, "invalid transport filter")
			return
		}
		kept := devices[:0]
		for _, d := range devices {
			if d.Transport == transport {
				kept = append(kept, d)
			}
		}
		devices = kept
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleListFiltered returns serial ports hidden by the adapter allow-list.
func (s *Server) handleListFiltered(w http.ResponseWriter, _ *http.Request) {
	devices := s.devices.Filtered()
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns one selectable device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	d, err := s.devices.Select(id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleRescan forces a USB enumeration pass.
func (s *Server) handleRescan(w http.ResponseWriter, _ *http.Request) {
	if s.rescanner == nil {
		writeUnavailable(w, "usb discovery not running")
		return
	}
	s.rescanner.Rescan()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "rescan requested"})
}

// handleRestartDiscovery restarts mDNS browsing.
func (s *Server) handleRestartDiscovery(w http.ResponseWriter, r *http.Request) {
	if s.discovery == nil {
		writeUnavailable(w, "network discovery disabled")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), discoveryRestartTimeout)
	defer cancel()
	if err := s.discovery.Restart(ctx); err != nil {
		s.logger.Error("restarting discovery", "error", err)
		writeInternalError(w, "failed to restart discovery")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "restarted", "stats": s.devices.Stats()})
}

// deviceID returns the unescaped {id} route parameter. Device IDs contain
// slashes, so clients send them path-escaped.
func deviceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil || id == "" {
		writeBadRequest(w, "invalid device id")
		return "", false
	}
	return id, true
}
