package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/dcc-flasher/internal/history"
)

// handleListHistory returns finished tasks, newest first.
//
// Query parameters:
//   - device_id, kind, status: exact-match filters
//   - limit (default 50, max 500), offset
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "transfer history disabled")
		return
	}

	q := r.URL.Query()
	filter := history.Filter{
		DeviceID: q.Get("device_id"),
		Kind:     q.Get("kind"),
		Status:   q.Get("status"),
	}
	var err error
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil || filter.Limit < 0 {
			writeBadRequest(w, "invalid limit")
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if filter.Offset, err = strconv.Atoi(v); err != nil || filter.Offset < 0 {
			writeBadRequest(w, "invalid offset")
			return
		}
	}

	result, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing history", "error", err)
		writeInternalError(w, "failed to list history")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
