// Package telemetry sets up structured logging and OpenTelemetry tracing.
package telemetry

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/jmcleod/ironsign/progress"
)

// TraceHandler adds the active trace and span ids to every record.
type TraceHandler struct {
	handler slog.Handler
}

// NewTraceHandler wraps handler.
func NewTraceHandler(handler slog.Handler) *TraceHandler {
	return &TraceHandler{handler: handler}
}

func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
			slog.Bool("trace_sampled", sc.IsSampled()),
		)
	}
	return h.handler.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{handler: h.handler.WithGroup(name)}
}

// NewLogger builds the server logger: trace ids, then sign request error
// reporting into prog (when set), then JSON to w.
func NewLogger(w io.Writer, level slog.Level, prog *progress.Service) *slog.Logger {
	var h slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	if prog != nil {
		h = progress.NewErrorReporter(h, prog)
	}
	return slog.New(NewTraceHandler(h))
}

// SetupLogger builds the server logger and installs it as the default.
func SetupLogger(w io.Writer, level slog.Level, prog *progress.Service) *slog.Logger {
	logger := NewLogger(w, level, prog)
	slog.SetDefault(logger)
	return logger
}
