package capturelog

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestStdLoggerFormatsFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewStdLoggerTo(&buf, 0).Named("session").With(String("session_id", "abc"))

	l.Info("photo taken", Int("size", 42), Duration("latency", 1500*time.Millisecond), Error(errors.New("boom now")))

	got := strings.TrimSpace(buf.String())
	want := `INFO logger=session msg="photo taken" error="boom now" latency=1.5s session_id=abc size=42`
	if got != want {
		t.Fatalf("unexpected line\n got: %s\nwant: %s", got, want)
	}
}

func TestStdLoggerNamedChain(t *testing.T) {
	var buf bytes.Buffer
	l := NewStdLoggerTo(&buf, 0).Named("storage").Named("minio")

	l.Warn("retrying")

	if !strings.Contains(buf.String(), "logger=storage.minio") {
		t.Fatalf("expected dotted logger name, got %q", buf.String())
	}
}

func TestWithDoesNotLeakIntoParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewStdLoggerTo(&buf, 0)
	_ = parent.With(String("child", "yes"))

	parent.Debug("plain")

	if strings.Contains(buf.String(), "child=yes") {
		t.Fatalf("parent picked up child field: %q", buf.String())
	}
}

func TestReplaceGlobalIgnoresNil(t *testing.T) {
	before := L()
	ReplaceGlobal(nil)
	if L() != before {
		t.Fatal("nil replacement changed the global logger")
	}

	ReplaceGlobal(Nop())
	defer ReplaceGlobal(before)
	if _, ok := L().(nopLogger); !ok {
		t.Fatalf("expected nop logger, got %T", L())
	}
}

func TestNewZapFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{"json info", "info", "json", false},
		{"console debug", "debug", "console", false},
		{"default format", "warn", "", false},
		{"bad level", "loud", "json", true},
		{"bad format", "info", "xml", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, z, err := NewZapFromConfig(tt.level, tt.format, false)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if l == nil || z == nil {
				t.Fatal("expected logger instances")
			}
		})
	}
}
