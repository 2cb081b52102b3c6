package matcher

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "prefixed every", raw: "every:01:00", kind: SpecInterval, source: "hhmm", duration: time.Hour},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
		{name: "once", raw: "once:2026-05-01T10:00:00Z", kind: SpecOnce, source: "once"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "-5m", "00:00", "once:tomorrow", "cron:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestParseBuildsMatchers(t *testing.T) {
	t.Parallel()
	m, err := Parse("*/5 * * * *", time.UTC)
	if err != nil {
		t.Fatalf("Parse cron: %v", err)
	}
	if _, ok := m.(*Cron); !ok {
		t.Fatalf("got %T, want *Cron", m)
	}
	m, err = Parse("15m", nil)
	if err != nil {
		t.Fatalf("Parse interval: %v", err)
	}
	if iv, ok := m.(*Interval); !ok || iv.Every != 15*time.Minute {
		t.Fatalf("got %#v, want 15m interval", m)
	}
	if _, err := Parse("61 * * * *", nil); err == nil {
		t.Fatal("expected error for invalid cron minute")
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}

	if _, _, err := parseHHMM("24:00"); err == nil {
		t.Fatal("expected error for invalid hour")
	}
}

func TestParseWeekday(t *testing.T) {
	t.Parallel()
	for raw, want := range map[string]time.Weekday{"mon": time.Monday, "Sunday": time.Sunday, "6": time.Saturday} {
		got, err := ParseWeekday(raw)
		if err != nil || got != want {
			t.Fatalf("ParseWeekday(%q) = %v, %v; want %v", raw, got, err, want)
		}
	}
	if _, err := ParseWeekday("funday"); err == nil {
		t.Fatal("expected error for unknown weekday")
	}
}
