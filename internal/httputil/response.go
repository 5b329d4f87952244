// Package httputil writes the JSON bodies of the base station API, and maps
// engine errors onto status codes.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/banshee-data/basestation/internal/monitoring"
	"github.com/banshee-data/basestation/internal/schedule"
	"github.com/banshee-data/basestation/internal/station"
)

// ErrorBody is the body of every non-2xx response.
type ErrorBody struct {
	Error string `json:"error"`
}

// StatusFor maps engine errors onto HTTP status codes. Anything it does not
// recognise is a server fault.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, station.ErrUnknownSensor):
		return http.StatusNotFound
	case errors.Is(err, schedule.ErrInvalidPeriod):
		return http.StatusBadRequest
	case errors.Is(err, station.ErrNotConfigured):
		return http.StatusConflict
	case errors.Is(err, station.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON encodes data with status. Encoding failures can only be logged
// since the header is already out.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		monitoring.Logf("[api] encode response: %v", err)
	}
}

func WriteJSONOK(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, data)
}

func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorBody{Error: msg})
}

// WriteError reports an engine error with the status StatusFor picks.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSONError(w, StatusFor(err), err.Error())
}

func MethodNotAllowed(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusBadRequest, msg)
}

func InternalServerError(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusInternalServerError, msg)
}
