package logger

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestWithPrefixesKeyvals(t *testing.T) {
	var buf bytes.Buffer
	base := NewSLogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	l := With(base, "component", "role-manager")
	l.Warn("catalog unavailable", "subject", "user:default/alice", "err", errors.New("boom"))

	out := buf.String()
	for _, want := range []string{"component=role-manager", "subject=user:default/alice", "err=boom", "level=WARN"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
}

func TestWithoutKeyvalsReturnsSameLogger(t *testing.T) {
	base := NewNullLogger()
	if With(base) != Logger(base) {
		t.Fatalf("expected With without keyvals to return the base logger")
	}
}
