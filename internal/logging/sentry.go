package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

// tagKeys are promoted from record attributes to Sentry tags.
var tagKeys = map[string]bool{
	"component":  true,
	"session_id": true,
	"attempt":    true,
	"backend":    true,
}

// NewHandler builds the text handler used by Init. When forward is true,
// records at error level and above are also sent to Sentry.
func NewHandler(w io.Writer, level slog.Level, forward bool) slog.Handler {
	text := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if t, ok := a.Value.Any().(time.Time); ok && a.Key == slog.TimeKey {
				a.Value = slog.StringValue(t.Local().Format(time.RFC3339Nano))
			}
			return a
		},
	})
	return &reportingHandler{next: text, forward: forward}
}

// reportingHandler tees error records to Sentry. It keeps the attributes
// added through With so reports carry the logger's context.
type reportingHandler struct {
	next    slog.Handler
	forward bool
	attrs   []slog.Attr
}

func (h *reportingHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.next.Enabled(ctx, l)
}

func (h *reportingHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.next.Handle(ctx, r); err != nil {
		return err
	}
	if h.forward && r.Level >= slog.LevelError {
		h.report(r)
	}
	return nil
}

func (h *reportingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &reportingHandler{next: h.next.WithAttrs(attrs), forward: h.forward, attrs: merged}
}

func (h *reportingHandler) WithGroup(name string) slog.Handler {
	return &reportingHandler{next: h.next.WithGroup(name), forward: h.forward, attrs: h.attrs}
}

func (h *reportingHandler) report(r slog.Record) {
	ev := sentry.NewEvent()
	ev.Level = sentry.LevelError
	if r.Level > slog.LevelError {
		ev.Level = sentry.LevelFatal
	}
	ev.Message = r.Message
	ev.Timestamp = r.Time

	add := func(a slog.Attr) bool {
		v := a.Value.Resolve()
		if tagKeys[a.Key] {
			ev.Tags[a.Key] = v.String()
		}
		if err, ok := v.Any().(error); ok {
			ev.Extra[a.Key] = err.Error()
		} else {
			ev.Extra[a.Key] = v.Any()
		}
		return true
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(add)
	sentry.CaptureEvent(ev)
}

// CaptureError reports err to Sentry with key/value extras and logs it.
func CaptureError(err error, kv ...any) {
	if reporting() {
		sentry.WithScope(func(scope *sentry.Scope) {
			setExtras(scope, kv)
			sentry.CaptureException(err)
		})
	}
	Default().Warn("captured error", append([]any{"error", err}, kv...)...)
}

// CapturePanic records a recovered panic value and returns it so callers may
// re-panic. Call from a deferred recover.
func CapturePanic(v any, kv ...any) any {
	if v == nil {
		return nil
	}
	msg := fmt.Sprintf("panic: %v", v)
	Default().Error(msg, append([]any{"panic", v}, kv...)...)

	if reporting() {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetLevel(sentry.LevelFatal)
			scope.SetTag("type", "panic")
			setExtras(scope, kv)
			if err, ok := v.(error); ok {
				sentry.CaptureException(err)
			} else {
				sentry.CaptureMessage(msg)
			}
		})
		sentry.Flush(2 * time.Second)
	}
	return v
}

func setExtras(scope *sentry.Scope, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			scope.SetExtra(key, kv[i+1])
		}
	}
}
