package api

import (
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/errors"

	"github.com/go-chi/chi/v5/middleware"
)

// WithJSONResponse wraps an APIHandler and handles JSON response formatting
func WithJSONResponse(handler APIHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := handler(w, r)

		w.Header().Set("Content-Type", "application/json")

		if err != nil {
			status, code, message := describe(err)

			errorResponse := ErrorResponse{
				Ok:        false,
				ErrorCode: code,
				Message:   message,
			}

			var se errors.ServiceError
			if stderrors.As(err, &se) {
				errorResponse.Reasons = se.Reasons
			}

			if status >= http.StatusInternalServerError {
				slog.Error("API error", "path", r.URL.Path, "error", err)
			} else {
				slog.Debug("API error", "path", r.URL.Path, "error", err)
			}

			w.WriteHeader(status)
			if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
				slog.Error("Failed to encode error response", "error", err)
			}
			return
		}

		status := http.StatusOK
		if c, ok := data.(created); ok {
			status = http.StatusCreated
			data = c.data
		}

		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(SuccessResponse{Ok: true, Data: data}); err != nil {
			slog.Error("Failed to encode success response", "error", err)
		}
	}
}

// WithRequestLog logs every request with its status and duration.
func WithRequestLog(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			log.Debug("Request served",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
