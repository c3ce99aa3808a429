package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/getsentry/sentry-go"

	"github.com/rendis/stagegate/pkg/schema"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Error *schema.Error `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, contentType, body string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// writeError maps err onto an HTTP status and writes the error envelope.
// Server-side failures are reported to Sentry.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	se := toSchemaError(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "status", status, "error", err)
		captureError(r, err)
	} else {
		s.logger.DebugContext(r.Context(), "request rejected", "status", status, "code", se.Code)
	}
	writeJSON(w, status, errorBody{Error: se})
}

// StatusFor maps an error onto an HTTP status code. A TIMEOUT anywhere in the
// cause chain wins, so a model timeout surfaces as 504 even when wrapped.
func StatusFor(err error) int {
	for cur := err; cur != nil; {
		se, ok := schema.AsError(cur)
		if !ok {
			break
		}
		if se.Code == schema.ErrCodeTimeout {
			return http.StatusGatewayTimeout
		}
		cur = se.Cause
	}

	se, ok := schema.AsError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch se.Code {
	case schema.ErrCodeUnknownThread, schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeMalformedResume, schema.ErrCodeValidation, schema.ErrCodeInterpolation:
		return http.StatusBadRequest
	case schema.ErrCodeWorkflowComplete, schema.ErrCodeThreadExists, schema.ErrCodeConflict:
		return http.StatusConflict
	case schema.ErrCodeModelInvocation, schema.ErrCodeCircuitOpen:
		return http.StatusBadGateway
	case schema.ErrCodeCancelled:
		// nginx's "client closed request".
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func toSchemaError(err error) *schema.Error {
	if se, ok := schema.AsError(err); ok {
		return se
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
}

func captureError(r *http.Request, err error) {
	hub := sentry.GetHubFromContext(r.Context())
	if hub == nil {
		hub = sentry.CurrentHub().Clone()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(r)
		var se *schema.Error
		if errors.As(err, &se) {
			scope.SetTag("error_code", se.Code)
			if se.Stage != "" {
				scope.SetTag("stage", se.Stage)
			}
		}
		hub.CaptureException(err)
	})
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
