package logger

import (
	"fmt"
	"time"

	phlog "github.com/oarkflow/log"
)

// PhusluLogger writes through the package level phuslu-style logger.
type PhusluLogger struct {
	component string
}

func NewPhusluLogger(component string) *PhusluLogger {
	return &PhusluLogger{component: component}
}

func (p *PhusluLogger) Debug(msg string, keyvals ...any) { p.emit(phlog.Debug(), msg, keyvals) }
func (p *PhusluLogger) Info(msg string, keyvals ...any)  { p.emit(phlog.Info(), msg, keyvals) }
func (p *PhusluLogger) Warn(msg string, keyvals ...any)  { p.emit(phlog.Warn(), msg, keyvals) }
func (p *PhusluLogger) Error(msg string, keyvals ...any) { p.emit(phlog.Error(), msg, keyvals) }

func (p *PhusluLogger) emit(b *phlog.Entry, msg string, keyvals []any) {
	if b == nil {
		return
	}
	if p.component != "" {
		b = b.Str("component", p.component)
	}
	for i := 0; i < len(keyvals)-1; i += 2 {
		ks := fmt.Sprint(keyvals[i])
		switch v := keyvals[i+1].(type) {
		case string:
			b = b.Str(ks, v)
		case bool:
			b = b.Bool(ks, v)
		case int:
			b = b.Int(ks, v)
		case int64:
			b = b.Int64(ks, v)
		case time.Duration:
			b = b.Dur(ks, v)
		case error:
			b = b.AnErr(ks, v)
		case []string:
			b = b.Strs(ks, v)
		default:
			b = b.Any(ks, v)
		}
	}
	b.Msg(msg)
}
