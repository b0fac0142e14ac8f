package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/dcc-flasher/internal/device"
	"github.com/nerrad567/dcc-flasher/internal/dispatch"
)

// Error is the body of every non-2xx response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Class   string `json:"class,omitempty"` // dispatch error class, task routes only
}

// Error codes, one per status the API returns.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeUnavailable  = "unavailable"
	ErrCodeBadGateway   = "bad_gateway"
)

var statusCodes = map[int]string{
	http.StatusBadRequest:          ErrCodeBadRequest,
	http.StatusNotFound:            ErrCodeNotFound,
	http.StatusUnauthorized:        ErrCodeUnauthorized,
	http.StatusForbidden:           ErrCodeForbidden,
	http.StatusConflict:            ErrCodeConflict,
	http.StatusInternalServerError: ErrCodeInternal,
	http.StatusServiceUnavailable:  ErrCodeUnavailable,
	http.StatusBadGateway:          ErrCodeBadGateway,
}

// classStatus maps dispatch error classes to HTTP statuses. Unlisted
// classes are internal errors.
var classStatus = map[dispatch.ErrorClass]int{
	dispatch.ClassBusy:          http.StatusConflict,
	dispatch.ClassConfiguration: http.StatusBadRequest,
	dispatch.ClassConnectivity:  http.StatusBadGateway,
	dispatch.ClassProtocol:      http.StatusBadGateway,
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	//nolint:errcheck // the client may have gone away
	json.NewEncoder(w).Encode(v)
}

func newError(status int, message string) Error {
	code, ok := statusCodes[status]
	if !ok {
		code = ErrCodeInternal
	}
	return Error{Status: status, Code: code, Message: message}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, newError(status, message))
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, message)
}

func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, message)
}

// writeDispatchError answers a failed task request. Unknown devices are
// 404 whatever their class.
func writeDispatchError(w http.ResponseWriter, err error) {
	class := dispatch.Class(err)
	status, ok := classStatus[class]
	if !ok {
		status = http.StatusInternalServerError
	}
	if errors.Is(err, device.ErrDeviceNotFound) {
		status = http.StatusNotFound
	}
	body := newError(status, err.Error())
	body.Class = string(class)
	writeJSON(w, status, body)
}
