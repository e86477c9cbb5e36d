package progress

import (
	"context"
	"log/slog"
)

// Log attribute keys recognised by ErrorReporter.
const (
	AttrException       = "exception"
	AttrSignRequestUUID = "signRequestUuid"
	AttrSignRequestID   = "signRequestId"
	AttrFileID          = "fileId"
	AttrCode            = "code"
)

// ErrorReporter is a slog.Handler decorator. Every ERROR record carrying
// both an exception and a signRequestUuid attribute is also stored in the
// progress Service, so any component reports a signing failure just by
// logging it with the right keys.
type ErrorReporter struct {
	next     slog.Handler
	progress *Service
	attrs    []slog.Attr
	// inGroup is set once WithGroup was called; later attrs are namespaced
	// and no longer recognised.
	inGroup bool
}

var _ slog.Handler = (*ErrorReporter)(nil)

// NewErrorReporter wraps next.
func NewErrorReporter(next slog.Handler, progress *Service) *ErrorReporter {
	return &ErrorReporter{next: next, progress: progress}
}

func (h *ErrorReporter) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelError || h.next.Enabled(ctx, level)
}

func (h *ErrorReporter) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		h.report(r)
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ErrorReporter) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.next = h.next.WithAttrs(attrs)
	if !h.inGroup {
		cp.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	}
	return &cp
}

func (h *ErrorReporter) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := *h
	cp.next = h.next.WithGroup(name)
	cp.inGroup = true
	return &cp
}

type reportFields struct {
	exception     string
	uuid          string
	fileID        *int64
	signRequestID *int64
	code          int
}

func (f *reportFields) collect(a slog.Attr) {
	v := a.Value.Resolve()
	switch a.Key {
	case AttrException:
		if err, ok := v.Any().(error); ok && err != nil {
			f.exception = err.Error()
		} else {
			f.exception = v.String()
		}
	case AttrSignRequestUUID:
		f.uuid = v.String()
	case AttrFileID:
		if n, ok := intValue(v); ok {
			f.fileID = &n
		}
	case AttrSignRequestID:
		if n, ok := intValue(v); ok {
			f.signRequestID = &n
		}
	case AttrCode:
		if n, ok := intValue(v); ok {
			f.code = int(n)
		}
	}
}

func intValue(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	}
	return 0, false
}

func (h *ErrorReporter) report(r slog.Record) {
	var f reportFields
	for _, a := range h.attrs {
		f.collect(a)
	}
	if !h.inGroup {
		r.Attrs(func(a slog.Attr) bool {
			f.collect(a)
			return true
		})
	}
	if f.exception == "" || f.uuid == "" {
		return
	}

	message := f.exception
	p := NewErrorPayload(message).WithCode(f.code).WithSignRequestUUID(f.uuid)
	if !r.Time.IsZero() {
		p.WithTimestamp(r.Time)
	}
	if f.signRequestID != nil {
		p.WithSignRequestID(*f.signRequestID)
	}
	if f.fileID != nil {
		p.WithFileID(*f.fileID).AddFileError(*f.fileID, message, f.code)
	}
	h.progress.SetError(f.uuid, p)
}
