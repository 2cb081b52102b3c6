package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"go.yaml.in/yaml/v3"

	"timerd/internal/timer"
	"timerd/internal/timer/matcher"
	"timerd/internal/timer/task"
)

func sampleTimer(t *testing.T) *timer.Timer {
	t.Helper()
	m, err := matcher.NewCron("0 3 * * *", time.UTC)
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}
	ctx := task.NewMapContext()
	ctx.Set("region", "eu")
	clock := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return timer.New("nightly", m, task.Wrap("backup", func() {}),
		timer.WithName("Nightly"), timer.WithContext(ctx), timer.WithClock(clock))
}

func TestMapSinkNests(t *testing.T) {
	t.Parallel()
	m := Describe(sampleTimer(t))
	if m["id"] != "nightly" || m["name"] != "Nightly" {
		t.Fatalf("top-level fields missing: %v", m)
	}
	mt, ok := m["matcher"].(MapSink)
	if !ok || mt["spec"] != "0 3 * * *" {
		t.Fatalf("matcher not nested: %#v", m["matcher"])
	}
	ctx, ok := m["context"].(MapSink)
	if !ok {
		t.Fatalf("context not nested: %#v", m["context"])
	}
	if vals, _ := ctx["values"].(MapSink); vals["region"] != "eu" {
		t.Fatalf("context values: %#v", ctx)
	}
	if m.Child("matcher").(MapSink)["spec"] != "0 3 * * *" {
		t.Fatalf("Child must return the existing map")
	}
}

func TestEncodeFormats(t *testing.T) {
	t.Parallel()
	timers := []*timer.Timer{sampleTimer(t)}

	var js bytes.Buffer
	if err := EncodeTimers(&js, JSON, timers); err != nil {
		t.Fatalf("json: %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(js.Bytes(), &decoded); err != nil {
		t.Fatalf("json output does not parse: %v\n%s", err, js.String())
	}
	if len(decoded) != 1 || decoded[0]["id"] != "nightly" {
		t.Fatalf("unexpected json: %s", js.String())
	}

	var ys bytes.Buffer
	if err := EncodeTimers(&ys, YAML, timers); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	var ydec []map[string]any
	if err := yaml.Unmarshal(ys.Bytes(), &ydec); err != nil {
		t.Fatalf("yaml output does not parse: %v\n%s", err, ys.String())
	}
	if len(ydec) != 1 || ydec[0]["id"] != "nightly" {
		t.Fatalf("unexpected yaml:\n%s", ys.String())
	}
	if mt, _ := ydec[0]["matcher"].(map[string]any); mt["spec"] != "0 3 * * *" {
		t.Fatalf("matcher spec lost in yaml:\n%s", ys.String())
	}
	if strings.Contains(ys.String(), "{") {
		t.Fatalf("expected block style yaml:\n%s", ys.String())
	}
}

func TestParseFormat(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Format{"": JSON, "JSON": JSON, "yaml": YAML, "yml": YAML} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Fatalf("ParseFormat(%q)=%q,%v", in, got, err)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatalf("expected error for xml")
	}
}
