package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/logger"
)

// TeamHeader carries the tenant of every team-scoped request.
const TeamHeader = "X-Team-ID"

// Logger adds structured logging to HTTP requests and puts a request-scoped
// logger in the context.
func Logger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			reqLog := log.With().Str("request_id", RequestIDFrom(r.Context())).Logger()
			next.ServeHTTP(wrapped, r.WithContext(logger.WithContext(r.Context(), reqLog)))

			event := reqLog.Info()
			if wrapped.statusCode >= http.StatusInternalServerError {
				event = reqLog.Error()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("team_id", r.Header.Get(TeamHeader)).
				Int("status", wrapped.statusCode).
				Dur("duration", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("HTTP request")
		})
	}
}

// CORS adds Cross-Origin Resource Sharing headers.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+TeamHeader)
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Recovery recovers from panics and returns a 500 error.
func Recovery(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Error().
						Interface("error", err).
						Str("method", r.Method).
						Str("path", r.URL.Path).
						Msg("Panic recovered")

					WriteError(w, http.StatusInternalServerError, "Internal server error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// RequestID adds a request ID to the context, generating one when the
// caller sent none.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFrom returns the request ID set by RequestID, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Team rejects requests without a tenant header and stores the tenant in the
// context. Authentication happens upstream; this layer only scopes.
func Team(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		teamID := domain.TeamID(strings.TrimSpace(r.Header.Get(TeamHeader)))
		if teamID == "" {
			WriteError(w, http.StatusBadRequest, TeamHeader+" header is required")
			return
		}
		ctx := context.WithValue(r.Context(), teamIDKey, teamID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TeamFrom returns the tenant stored by Team, or "".
func TeamFrom(ctx context.Context) domain.TeamID {
	id, _ := ctx.Value(teamIDKey).(domain.TeamID)
	return id
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

type contextKey string

const (
	requestIDKey contextKey = "requestID"
	teamIDKey    contextKey = "teamID"
)

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// StatusOf maps an error kind to an HTTP status.
func StatusOf(err error) int {
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case domain.IsConflict(err):
		return http.StatusConflict
	case domain.IsDependency(err):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// WriteDomainError writes err with the status its kind maps to. Internal
// errors are logged and hidden from the caller.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	log := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	if status == http.StatusInternalServerError {
		WriteError(w, status, "Internal server error")
		return
	}
	var derr *domain.Error
	if errors.As(err, &derr) && derr.Msg != "" {
		WriteError(w, status, derr.Msg)
		return
	}
	WriteError(w, status, err.Error())
}
