package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("dropped", String("k", "v"))
}

func TestServiceJSONConsole(t *testing.T) {
	var buf bytes.Buffer
	svc, log := NewWithWriter(Config{Level: "debug", Console: true, JSON: true}, &buf)
	defer svc.Close()

	log.With(String("timer", "t1")).Debug("dispatched", Int("n", 3))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("not json: %v (%q)", err, buf.String())
	}
	if m["message"] != "dispatched" || m["timer"] != "t1" || m["n"] != float64(3) {
		t.Fatalf("unexpected line: %v", m)
	}
}

func TestServiceApplyChangesLevel(t *testing.T) {
	var buf bytes.Buffer
	svc, log := NewWithWriter(Config{Level: "warn", Console: true, JSON: true}, &buf)
	defer svc.Close()

	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn: %q", buf.String())
	}
	svc.Apply(Config{Level: "info", Console: true, JSON: true})
	log.Info("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected line after Apply, got %q", buf.String())
	}
}

func TestThrottle(t *testing.T) {
	t.Parallel()
	th := NewThrottle(time.Hour)
	if ok, _ := th.Allow("a"); !ok {
		t.Fatal("first call should pass")
	}
	for i := 0; i < 3; i++ {
		if ok, _ := th.Allow("a"); ok {
			t.Fatal("repeat within interval should be suppressed")
		}
	}
	if ok, _ := th.Allow("b"); !ok {
		t.Fatal("keys are independent")
	}
	th.Forget("a")
	ok, n := th.Allow("a")
	if !ok || n != 0 {
		t.Fatalf("after Forget: ok=%v suppressed=%d", ok, n)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	if got := parseLevel(" warning ", LevelInfo); got != LevelWarn {
		t.Fatalf("parseLevel(warning) = %v", got)
	}
	if got := parseLevel("nope", LevelError); got != LevelError {
		t.Fatalf("default not applied: %v", got)
	}
}
