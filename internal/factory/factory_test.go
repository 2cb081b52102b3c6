package factory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerd/internal/config"
	"timerd/internal/task/engine"
	"timerd/internal/timer"
	"timerd/internal/timer/matcher"
	"timerd/internal/timer/task"
	logx "timerd/pkg/logx"
	"timerd/pkg/systemd"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testDeps() Deps {
	return Deps{
		Log:      logx.Nop(),
		Location: time.UTC,
		Clock:    func() time.Time { return fixedNow },
		IDs:      timer.NewSequence("t", 1),
	}
}

func mod(name, cfg string) config.ModuleConfig {
	return config.ModuleConfig{Module: name, Config: json.RawMessage(cfg)}
}

func runTask(t *testing.T, tk timer.Task) error {
	t.Helper()
	tk.Prepare(nil)
	r, ok := tk.(engine.Runner)
	require.True(t, ok, "task %T is not a Runner", tk)
	return r.Run(context.Background())
}

func TestBuildAppliesDefaultWindow(t *testing.T) {
	tm, err := Builtin().Build(config.TimerConfig{
		Name:    "nightly",
		Matcher: mod("cron", `{"spec":"0 3 * * *"}`),
		Task:    mod("log", `{"message":"hi"}`),
	}, testDeps())
	require.NoError(t, err)

	from, to := tm.Window()
	assert.Equal(t, fixedNow, from)
	assert.Equal(t, fixedNow.Add(DefaultValidity), to)
	assert.Equal(t, "t1", tm.ID())
	assert.Equal(t, "nightly", tm.Name())
	assert.Equal(t, timer.Running, tm.State())
}

func TestBuildKeepsSingleBoundOpen(t *testing.T) {
	tm, err := Builtin().Build(config.TimerConfig{
		ID:      "a",
		From:    "2026-01-01T00:00:00Z",
		Matcher: mod("interval", `{"every":"1m"}`),
		Task:    mod("log", `{"message":"hi"}`),
		Paused:  true,
	}, testDeps())
	require.NoError(t, err)
	from, to := tm.Window()
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), from)
	assert.True(t, to.IsZero())
	assert.Equal(t, timer.Paused, tm.State())
}

func TestBuildDefaultsToCronMatcher(t *testing.T) {
	tm, err := Builtin().Build(config.TimerConfig{
		ID:      "a",
		Matcher: config.ModuleConfig{Config: json.RawMessage(`{"spec":"*/5 * * * *"}`)},
		Task:    mod("log", `{"message":"hi"}`),
	}, testDeps())
	require.NoError(t, err)
	_, ok := tm.Matcher().(*matcher.Cron)
	assert.True(t, ok)
}

func TestBuildErrors(t *testing.T) {
	cases := []struct {
		name string
		tc   config.TimerConfig
		is   error
		sub  string
	}{
		{"unknown matcher", config.TimerConfig{Matcher: mod("lunar", `{}`), Task: mod("log", `{"message":"x"}`)}, ErrUnknownModule, "lunar"},
		{"unknown task", config.TimerConfig{Matcher: mod("never", ``), Task: mod("email", `{}`)}, ErrUnknownModule, "email"},
		{"unknown context", config.TimerConfig{Matcher: mod("never", ``), Task: mod("log", `{"message":"x"}`), Context: &config.ModuleConfig{Module: "redis"}}, ErrUnknownModule, "redis"},
		{"unknown field", config.TimerConfig{Matcher: mod("cron", `{"spec":"* * * * *","tz":"UTC"}`), Task: mod("log", `{"message":"x"}`)}, nil, "tz"},
		{"bad spec", config.TimerConfig{Matcher: mod("cron", `{"spec":"not a cron"}`), Task: mod("log", `{"message":"x"}`)}, nil, "matcher cron"},
		{"missing message", config.TimerConfig{Matcher: mod("never", ``), Task: mod("log", `{}`)}, nil, "message is required"},
		{"bad window", config.TimerConfig{From: "yesterday", Matcher: mod("never", ``), Task: mod("log", `{"message":"x"}`)}, nil, "from"},
		{"bad timezone", config.TimerConfig{Matcher: mod("daily", `{"at":"09:00","timezone":"Mars/Olympus"}`), Task: mod("log", `{"message":"x"}`)}, nil, "Mars"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Builtin().Build(tc.tc, testDeps())
			require.Error(t, err)
			if tc.is != nil {
				assert.ErrorIs(t, err, tc.is)
			}
			assert.Contains(t, err.Error(), tc.sub)
		})
	}
}

func TestBuildAllJoinsErrors(t *testing.T) {
	timers, err := Builtin().BuildAll([]config.TimerConfig{
		{ID: "ok", Matcher: mod("never", ``), Task: mod("log", `{"message":"x"}`)},
		{ID: "bad1", Matcher: mod("nope", ``), Task: mod("log", `{"message":"x"}`)},
		{ID: "bad2", Matcher: mod("never", ``), Task: mod("nope", ``)},
	}, testDeps())
	require.Error(t, err)
	assert.Len(t, timers, 1)
	assert.Contains(t, err.Error(), "bad1")
	assert.Contains(t, err.Error(), "bad2")
}

func TestMatcherModules(t *testing.T) {
	at := fixedNow.Add(time.Hour)
	cases := []struct {
		name, module, cfg string
		fires, quiet      time.Time
	}{
		{"daily", "daily", `{"at":"09:30"}`, time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC), time.Date(2026, 3, 2, 9, 31, 0, 0, time.UTC)},
		{"weekly", "weekly", `{"weekday":"mon","at":"08:00"}`, time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)},
		{"hourly", "hourly", `{"minute":15}`, time.Date(2026, 3, 1, 13, 15, 0, 0, time.UTC), time.Date(2026, 3, 1, 13, 16, 0, 0, time.UTC)},
		{"schedule", "schedule", `{"spec":"*/10 * * * *"}`, time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC), time.Date(2026, 3, 1, 12, 11, 0, 0, time.UTC)},
		{"once", "once", `{"at":"` + at.Format(time.RFC3339) + `"}`, at, at.Add(-time.Minute)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := Builtin().matcherFor(tc.module, tc.cfg)
			require.NoError(t, err)
			assert.True(t, m.Match(tc.fires.Add(-time.Minute), tc.fires, nil), "should fire at %s", tc.fires)
			assert.False(t, m.Match(tc.quiet.Add(-30*time.Second), tc.quiet, nil), "should not fire at %s", tc.quiet)
		})
	}
}

func (r *Registry) matcherFor(module, cfg string) (timer.Matcher, error) {
	tm, err := r.Build(config.TimerConfig{ID: "x", Matcher: mod(module, cfg), Task: mod("log", `{"message":"x"}`)}, testDeps())
	if err != nil {
		return nil, err
	}
	return tm.Matcher(), nil
}

func TestUntilWrapsMatcher(t *testing.T) {
	m, err := Builtin().matcherFor("interval", `{"every":"1m","until":"2026-03-01T11:00:00Z"}`)
	require.NoError(t, err)
	b, ok := m.(*matcher.Bounded)
	require.True(t, ok, "got %T", m)
	assert.True(t, b.IsTimeToClear(), "fixed clock is past until")
	assert.False(t, b.Match(fixedNow.Add(-time.Hour), fixedNow, nil))
}

func TestMapContext(t *testing.T) {
	tm, err := Builtin().Build(config.TimerConfig{
		ID:      "ctx",
		Matcher: mod("never", ``),
		Task:    mod("log", `{"message":"x"}`),
		Context: &config.ModuleConfig{Module: "map", Config: json.RawMessage(`{"values":{"region":"eu","n":2}}`)},
	}, testDeps())
	require.NoError(t, err)
	mc, ok := tm.Context().(*task.MapContext)
	require.True(t, ok)
	assert.Equal(t, []string{"n", "region"}, mc.Keys())
	v, _ := mc.Get("region")
	assert.Equal(t, "eu", v)
}

func TestLogTaskWritesContextFields(t *testing.T) {
	var buf bytes.Buffer
	_, log := logx.NewWithWriter(logx.Config{Level: "debug", Console: true, JSON: true}, &buf)
	d := testDeps()
	d.Log = log

	tk, err := newLogTask(json.RawMessage(`{"message":"backup done","level":"warn"}`), d)
	require.NoError(t, err)
	mc := task.NewMapContext()
	mc.Set("host", "db1")
	tk.Prepare(mc)
	require.NoError(t, tk.(engine.Runner).Run(context.Background()))

	out := buf.String()
	assert.Contains(t, out, "backup done")
	assert.Contains(t, out, `"host":"db1"`)
	assert.Contains(t, out, `"level":"warn"`)
	assert.Equal(t, timer.TaskIdle, tk.State())

	_, err = newLogTask(json.RawMessage(`{"message":"x","level":"loud"}`), d)
	assert.Error(t, err)
}

func TestExecTaskMissingBinaryIsNoRetry(t *testing.T) {
	tk, err := newExecTask(json.RawMessage(`{"command":"/nonexistent/timerd-test-binary","timeout":"5s"}`), testDeps())
	require.NoError(t, err)
	to, ok := tk.(engine.Timeouter)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, to.Timeout())

	err = runTask(t, tk)
	require.Error(t, err)
	assert.True(t, engine.IsNoRetry(err), "err=%v", err)
}

func TestHTTPTaskStatusHandling(t *testing.T) {
	var (
		mu     sync.Mutex
		status = http.StatusOK
		header = ""
		gotHdr string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotHdr = r.Header.Get("X-Timer")
		if header != "" {
			w.Header().Set("Retry-After", header)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte("body"))
	}))
	defer srv.Close()

	d := testDeps()
	d.HTTP = srv.Client()
	tk, err := newHTTPTask(json.RawMessage(`{"url":"`+srv.URL+`","method":"post","body":"{}","headers":{"X-Timer":"ping"}}`), d)
	require.NoError(t, err)

	require.NoError(t, runTask(t, tk))
	mu.Lock()
	assert.Equal(t, "ping", gotHdr)
	status = http.StatusNotFound
	mu.Unlock()

	err = runTask(t, tk)
	require.Error(t, err)
	assert.True(t, engine.IsNoRetry(err))

	mu.Lock()
	status, header = http.StatusTooManyRequests, "7"
	mu.Unlock()
	err = runTask(t, tk)
	var ra engine.RetryAfterError
	require.True(t, errors.As(err, &ra), "err=%v", err)
	assert.Equal(t, 7*time.Second, ra.RetryAfter())

	mu.Lock()
	status, header = http.StatusBadGateway, ""
	mu.Unlock()
	err = runTask(t, tk)
	require.Error(t, err)
	assert.False(t, engine.IsNoRetry(err))
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPTaskExpectStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	d := testDeps()
	d.HTTP = srv.Client()

	tk, err := newHTTPTask(json.RawMessage(`{"url":"`+srv.URL+`","expect_status":[200]}`), d)
	require.NoError(t, err)
	require.Error(t, runTask(t, tk))

	_, err = newHTTPTask(json.RawMessage(`{"url":"://bad"}`), d)
	assert.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"", 0, false},
		{"30", 30 * time.Second, true},
		{now.Add(time.Minute).Format(http.TimeFormat), time.Minute, true},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0, true},
		{"soon", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseRetryAfter(tc.in, now)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("parseRetryAfter(%q)=%s,%v want %s,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

type fakeUnits struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeUnits) Do(_ context.Context, unit string, a systemd.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, string(a)+" "+unit)
	return f.err
}
func (f *fakeUnits) IsActive(context.Context, string) (bool, error) { return true, nil }
func (f *fakeUnits) Close() error                                   { return nil }

func TestSystemdTask(t *testing.T) {
	units := &fakeUnits{}
	d := testDeps()
	d.Units = units
	tk, err := newSystemdTask(json.RawMessage(`{"unit":"nginx","action":"reload"}`), d)
	require.NoError(t, err)
	require.NoError(t, runTask(t, tk))
	assert.Equal(t, []string{"reload nginx.service"}, units.calls)

	sink := &recordSink{m: map[string]any{}}
	tk.(timer.Describer).Describe(sink)
	assert.Equal(t, "nginx.service", sink.m["unit"])

	_, err = newSystemdTask(json.RawMessage(`{"unit":"nginx","action":"enable"}`), d)
	assert.Error(t, err)
	_, err = newSystemdTask(json.RawMessage(`{}`), d)
	assert.True(t, err != nil && strings.Contains(err.Error(), "unit"))
}

type recordSink struct{ m map[string]any }

func (s *recordSink) Set(k string, v any) { s.m[k] = v }
func (s *recordSink) Child(k string) timer.Sink {
	c := &recordSink{m: map[string]any{}}
	s.m[k] = c.m
	return c
}

func TestModulesListed(t *testing.T) {
	m, tk, c := Builtin().Modules()
	assert.Contains(t, m, "cron")
	assert.Contains(t, m, "never")
	assert.Equal(t, []string{"exec", "http", "log", "systemd"}, tk)
	assert.Equal(t, []string{"map"}, c)
}

func TestOnceAcceptsUntil(t *testing.T) {
	at := fixedNow.Add(time.Hour)
	m, err := Builtin().matcherFor("once", `{"at":"`+at.Format(time.RFC3339)+`","until":"2026-03-01T11:00:00Z"}`)
	require.NoError(t, err)
	b, ok := m.(*matcher.Bounded)
	require.True(t, ok, "got %T", m)
	assert.IsType(t, &matcher.Once{}, b.Inner)
	assert.True(t, b.IsTimeToClear(), "fixed clock is past until")
	assert.False(t, b.Match(at.Add(-time.Minute), at, nil), "until caps the one-shot")

	m, err = Builtin().matcherFor("never", `{"until":"2026-03-01T11:00:00Z"}`)
	require.NoError(t, err)
	assert.True(t, m.IsTimeToClear())
	_, err = Builtin().matcherFor("never", `{"every":"1m"}`)
	assert.Error(t, err)
}

func TestTaskGroupOption(t *testing.T) {
	tk, err := newExecTask(json.RawMessage(`{"command":"true","group":" backups "}`), testDeps())
	require.NoError(t, err)
	g, ok := tk.(engine.Grouper)
	require.True(t, ok)
	assert.Equal(t, "backups", g.ConcurrencyGroup())

	sink := &recordSink{m: map[string]any{}}
	tk.(timer.Describer).Describe(sink)
	assert.Equal(t, "backups", sink.m["group"])

	tk, err = newLogTask(json.RawMessage(`{"message":"x"}`), testDeps())
	require.NoError(t, err)
	assert.Empty(t, tk.(engine.Grouper).ConcurrencyGroup(), "empty group falls back to the module name in the engine")
}
