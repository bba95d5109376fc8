package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"weathercompute/pkg/apperror"
	"weathercompute/pkg/telemetry"
)

// errorBody is the unified JSON error shape from spec §7:
// {error_code, message, trace_id}.
type errorBody struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	TraceID   string `json:"trace_id,omitempty"`
}

// WriteError is the single HTTP error-translation point: every handler and
// middleware that needs to fail a request funnels through here so the
// status-code mapping lives in exactly one place.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperror.HTTPStatusOf(err)
	telemetry.SetError(r.Context(), err)
	writeJSONStatus(w, r, status, string(apperror.Code(err)), publicMessage(err, status))
}

// publicMessage never leaks an Internal error's underlying message to the
// client, per spec §7's "never leaks internal messages for Internal errors."
func publicMessage(err error, status int) string {
	if status == http.StatusInternalServerError {
		return "internal server error"
	}
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

func writeJSONStatus(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := errorBody{
		ErrorCode: code,
		Message:   message,
		TraceID:   requestIDFromContext(r.Context()),
	}
	_ = json.NewEncoder(w).Encode(body)
}
