package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/probe-ota-core/internal/dfu"
	"github.com/nerrad567/probe-ota-core/internal/firmware"
	"github.com/nerrad567/probe-ota-core/internal/ota"
)

// Error is a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeConflict    = "conflict"
	ErrCodeNotReady    = "not_ready"
	ErrCodeUnavailable = "unavailable"
	ErrCodeInternal    = "internal_error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeUpdateError maps orchestrator, transfer, and catalog errors to
// responses. It reports false for errors it does not recognise.
func writeUpdateError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, ota.ErrUnknownDevice), errors.Is(err, firmware.ErrImageNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, ota.ErrUpdateInProgress), errors.Is(err, dfu.ErrAttemptActive):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, dfu.ErrNotReady):
		writeError(w, http.StatusConflict, ErrCodeNotReady, err.Error())
	case errors.Is(err, ota.ErrNotEnabled), errors.Is(err, ota.ErrConfiguration), errors.Is(err, ota.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	case errors.Is(err, dfu.ErrInvalidImage), errors.Is(err, firmware.ErrInvalidImage):
		writeBadRequest(w, err.Error())
	default:
		return false
	}
	return true
}
