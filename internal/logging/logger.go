// Package logging configures log/slog for the service and the CLI.
//
// Loggers pick up two kinds of context: the chi request id of an HTTP
// request, and the run a pipeline goroutine is executing (see ContextWithRun).
// Catalog credentials are never passed to a logger.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// Setup configures the default slog logger.
//
// Level values: "debug", "info", "warn", "error" (default "info").
// Format values: "text", "json" (default "text").
func Setup(level, format string) {
	slog.SetDefault(New(os.Stdout, level, format))
}

// New builds a logger writing to w.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel converts a level name to slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type runKey struct{}

type runInfo struct {
	id      string
	kind    string
	project string
}

// ContextWithRun marks ctx as belonging to a pipeline run. Loggers obtained
// from FromContext then carry run_id, run_kind and project.
func ContextWithRun(ctx context.Context, runID, kind, project string) context.Context {
	return context.WithValue(ctx, runKey{}, runInfo{id: runID, kind: kind, project: project})
}

// RunID returns the run id stored by ContextWithRun.
func RunID(ctx context.Context) string {
	info, _ := ctx.Value(runKey{}).(runInfo)
	return info.id
}

// FromContext returns the default logger enriched with the request id and
// run attached to ctx.
//
//	func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
//	    logging.FromContext(r.Context()).Info("export requested", "project", id)
//	}
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()

	if reqID := middleware.GetReqID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	if info, ok := ctx.Value(runKey{}).(runInfo); ok {
		logger = logger.With("run_id", info.id, "run_kind", info.kind, "project", info.project)
	}
	return logger
}

// WithRun is ContextWithRun followed by FromContext, for callers that need
// both the run context and its logger.
func WithRun(ctx context.Context, runID, kind, project string) (context.Context, *slog.Logger) {
	ctx = ContextWithRun(ctx, runID, kind, project)
	return ctx, FromContext(ctx)
}
