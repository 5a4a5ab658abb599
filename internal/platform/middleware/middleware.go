// Package middleware holds the HTTP middleware chain applied to every route.
package middleware

import (
	"context"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

type contextKey string

const (
	actorKey contextKey = "actor_id"

	// RequestIDHeader carries the request id in and out.
	RequestIDHeader = "X-Request-ID"
	// ActorHeader carries the authenticated user id set by the gateway.
	ActorHeader = "X-User-ID"
)

// Recoverer and Timeout come straight from chi. Recoverer reports panics
// through the request log entry installed by Logger.
var (
	Recoverer   = chimw.Recoverer
	Timeout     = chimw.Timeout
	RequestSize = chimw.RequestSize
)

// RequestID assigns a request id, reusing an inbound one when present, and
// echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return chimw.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(RequestIDHeader, chimw.GetReqID(r.Context()))
		next.ServeHTTP(w, r)
	}))
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	return chimw.GetReqID(ctx)
}

// Actor copies the gateway-authenticated user id into the request context.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get(ActorHeader); id != "" {
			ctx = WithActor(ctx, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithActor stores the acting user id on ctx.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey, actorID)
}

// ActorFromContext returns the acting user id, or "".
func ActorFromContext(ctx context.Context) string {
	id, _ := ctx.Value(actorKey).(string)
	return id
}

// Logger attaches log to the request context and writes one line per request.
func Logger(log *zerolog.Logger) func(http.Handler) http.Handler {
	withLogger := hlog.NewHandler(*log)
	requestLog := chimw.RequestLogger(logFormatter{})
	return func(next http.Handler) http.Handler {
		return withLogger(requestLog(next))
	}
}

type logFormatter struct{}

func (logFormatter) NewLogEntry(r *http.Request) chimw.LogEntry {
	l := hlog.FromRequest(r).With().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("request_id", chimw.GetReqID(r.Context())).
		Logger()
	return &logEntry{log: l}
}

type logEntry struct {
	log zerolog.Logger
}

func (e *logEntry) Write(status, bytes int, _ http.Header, elapsed time.Duration, _ any) {
	if status == 0 {
		status = http.StatusOK
	}
	evt := e.log.Info()
	if status >= http.StatusInternalServerError {
		evt = e.log.Error()
	}
	evt.Int("status", status).
		Int("bytes", bytes).
		Dur("duration", elapsed).
		Msg("HTTP request")
}

func (e *logEntry) Panic(v any, stack []byte) {
	e.log.Error().
		Interface("panic", v).
		Bytes("stack", stack).
		Msg("Recovered from panic")
}

// CORS allows the given origins.
func CORS(origins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", RequestIDHeader, ActorHeader},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	})
}
