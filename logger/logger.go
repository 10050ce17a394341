// Package logger defines the small structured logging surface used across
// the rbac module together with adapters for common backends.
package logger

// Logger accepts alternating key/value pairs after the message.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// With returns a Logger that prefixes every call with keyvals.
func With(l Logger, keyvals ...any) Logger {
	if len(keyvals) == 0 {
		return l
	}
	return &withLogger{next: l, kv: keyvals}
}

type withLogger struct {
	next Logger
	kv   []any
}

func (w *withLogger) merge(keyvals []any) []any {
	out := make([]any, 0, len(w.kv)+len(keyvals))
	out = append(out, w.kv...)
	return append(out, keyvals...)
}

func (w *withLogger) Debug(msg string, keyvals ...any) { w.next.Debug(msg, w.merge(keyvals)...) }
func (w *withLogger) Info(msg string, keyvals ...any)  { w.next.Info(msg, w.merge(keyvals)...) }
func (w *withLogger) Warn(msg string, keyvals ...any)  { w.next.Warn(msg, w.merge(keyvals)...) }
func (w *withLogger) Error(msg string, keyvals ...any) { w.next.Error(msg, w.merge(keyvals)...) }
