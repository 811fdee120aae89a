// Package logctx wires structured logging (log/slog, JSON) through
// context, attaching a relay connection id to every log line a
// connection emits so interleaved goroutine output can be told apart.
package logctx

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const connIDKey contextKey = "relay_conn_id"

// Init configures the default slog logger as JSON, with level taken from
// the LOG_LEVEL env var (debug/info/warn/error, default info).
func Init() {
	levelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// NewConnID returns a short random id for tagging one relay connection's
// log lines across reconnects.
func NewConnID() string {
	b := make([]byte, 6)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// WithConnID attaches a connection id to ctx.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey, id)
}

// ConnIDFromContext extracts the connection id, or "" if absent.
func ConnIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey).(string)
	return id
}

// FromContext returns a logger annotated with the context's connection
// id, falling back to the default logger if none is set.
func FromContext(ctx context.Context) *slog.Logger {
	if id := ConnIDFromContext(ctx); id != "" {
		return slog.Default().With("relay_conn_id", id)
	}
	return slog.Default()
}
