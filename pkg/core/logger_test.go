package core

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LogLevelDebug,
		"INFO":    LogLevelInfo,
		"warning": LogLevelWarn,
		"error":   LogLevelError,
		"off":     LogLevelSilent,
		"":        LogLevelInfo,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDefaultLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	l := NewDefaultLogger("engine", LogLevelWarn)
	l.SetOutput(&buf)

	l.Debug("hidden %d", 1)
	l.Info("hidden %d", 2)
	l.Warn("shown %d", 3)
	l.Error("shown %d", 4)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("output should not contain filtered messages: %q", out)
	}
	if !strings.Contains(out, "[engine] [WARN] shown 3") || !strings.Contains(out, "[engine] [ERROR] shown 4") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestDefaultLogger_With(t *testing.T) {
	var buf bytes.Buffer
	root := NewDefaultLogger("root", LogLevelInfo)
	root.SetOutput(&buf)

	root.With("worker-1").Info("claimed run %d", 7)

	if !strings.Contains(buf.String(), "[worker-1] [INFO] claimed run 7") {
		t.Errorf("unexpected output: %q", buf.String())
	}
}
