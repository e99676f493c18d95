package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"postflow/internal/publish"
	"postflow/internal/scheduler"
	logx "postflow/pkg/logx"
)

// Error codes returned in the "error" field of a JSON error body.
const (
	CodeBadRequest          = "bad_request"
	CodeNotFound            = "not_found"
	CodeNoActiveConnections = "no_active_connections"
	CodeScheduleConflict    = "schedule_conflict"
	CodeNotCancellable      = "not_cancellable"
	CodeNotPending          = "not_pending"
	CodeInternal            = "internal"
)

// HTTPError is an error with a status and a public code.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	cause   error
}

func (e *HTTPError) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *HTTPError) Unwrap() error { return e.cause }

func badRequest(msg string, cause error) *HTTPError {
	return &HTTPError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: msg, cause: cause}
}

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Error         string     `json:"error"`
	Message       string     `json:"message,omitempty"`
	SuggestedTime *time.Time `json:"suggested_time,omitempty"`
}

// classify maps domain errors onto a status and body.
func classify(err error) (int, errorBody) {
	var he *HTTPError
	switch {
	case errors.As(err, &he):
		return he.Status, errorBody{Error: he.Code, Message: he.Message}
	case errors.Is(err, publish.ErrScheduleConflict):
		body := errorBody{Error: CodeScheduleConflict, Message: err.Error()}
		if t, ok := publish.SuggestedTime(err); ok {
			t = t.UTC()
			body.SuggestedTime = &t
		}
		return http.StatusConflict, body
	case errors.Is(err, publish.ErrNotCancellable):
		return http.StatusConflict, errorBody{Error: CodeNotCancellable, Message: "item is not pending or does not exist"}
	case errors.Is(err, publish.ErrNoActiveConnections):
		return http.StatusUnprocessableEntity, errorBody{Error: CodeNoActiveConnections, Message: err.Error()}
	case errors.Is(err, publish.ErrNotPending):
		return http.StatusConflict, errorBody{Error: CodeNotPending, Message: err.Error()}
	case errors.Is(err, publish.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: CodeNotFound, Message: "item not found"}
	case errors.Is(err, scheduler.ErrInvalidRequest):
		return http.StatusBadRequest, errorBody{Error: CodeBadRequest, Message: err.Error()}
	default:
		return http.StatusInternalServerError, errorBody{Error: CodeInternal, Message: "internal server error"}
	}
}

// handlerFunc is an http handler that reports failure by returning an error.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// handle adapts h, writing a JSON error body for any returned error.
func (a *API) handle(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		status, body := classify(err)
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", status),
			logx.Err(err),
		}
		if status >= http.StatusInternalServerError {
			a.log.Error("request failed", fields...)
		} else {
			a.log.Debug("request rejected", fields...)
		}
		writeJSON(w, status, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
