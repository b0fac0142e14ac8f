package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/dcc-flasher/internal/dispatch"
)

// artifactRequest is the body of flash and config requests.
type artifactRequest struct {
	Artifact string `json:"artifact"`
}

// batchRequest is the body of batch upload requests.
type batchRequest struct {
	Artifacts []string `json:"artifacts"`
}

// taskResponse acknowledges a started task. Progress arrives on the
// WebSocket task.progress and task.finished channels.
type taskResponse struct {
	TaskID   string        `json:"task_id"`
	Kind     dispatch.Kind `json:"kind"`
	DeviceID string        `json:"device_id"`
}

func writeTask(w http.ResponseWriter, task *dispatch.Task) {
	writeJSON(w, http.StatusAccepted, taskResponse{
		TaskID:   task.ID,
		Kind:     task.Kind,
		DeviceID: task.DeviceID,
	})
}

// handleFlash starts a firmware flash.
func (s *Server) handleFlash(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	var req artifactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	task, err := s.tasks.Flash(r.Context(), id, req.Artifact)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeTask(w, task)
}

// handleErase starts a full flash erase.
func (s *Server) handleErase(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	task, err := s.tasks.Erase(r.Context(), id)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeTask(w, task)
}

// handlePushConfig starts a single file upload.
func (s *Server) handlePushConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	var req artifactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	task, err := s.tasks.PushConfig(r.Context(), id, req.Artifact)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeTask(w, task)
}

// handleBatchUpload starts an ordered multi-file upload.
func (s *Server) handleBatchUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	task, err := s.tasks.BatchUpload(r.Context(), id, req.Artifacts)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeTask(w, task)
}

// handleEnableLogging switches on UDP log broadcast on a network device.
func (s *Server) handleEnableLogging(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	status, err := s.tasks.EnableRemoteLogging(r.Context(), id)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}
