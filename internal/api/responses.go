package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
	"gwi.com/persona-chat/internal/core"
)

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

// statusFor maps an error kind to its HTTP status. Missing rooms and personas
// are client errors on this API, hence 400 rather than 404.
func statusFor(kind core.Kind) int {
	switch kind {
	case core.KindValidation, core.KindNotFound:
		return http.StatusBadRequest
	case core.KindUnauthorized:
		return http.StatusUnauthorized
	case core.KindTransient:
		return http.StatusServiceUnavailable
	case core.KindSchemaViolation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err and writes its safe message.
func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := core.KindOf(err)
	status := statusFor(kind)
	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("kind", kind.String()),
		zap.Int("status", status),
	}
	switch kind {
	case core.KindValidation, core.KindNotFound, core.KindUnauthorized:
		h.logger.Error(core.SafeMessage(err), fields...)
	default:
		h.logger.Error("Request failed", append(fields, zap.Error(err))...)
	}
	writeDetail(w, status, core.SafeMessage(err))
}
