package factory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"timerd/internal/config"
	"timerd/internal/task/engine"
	"timerd/internal/timer"
	"timerd/internal/timer/task"
	logx "timerd/pkg/logx"
	"timerd/pkg/systemd"
)

// maxOutput caps how much command or response output is kept for errors.
const maxOutput = 4 << 10

// grouped is embedded by every task config. Group names the engine
// concurrency group; empty falls back to the module name.
type grouped struct {
	Group string `json:"group"`
}

// timed is a task.Func with its own engine timeout and concurrency group.
type timed struct {
	*task.Func
	timeout time.Duration
	group   string
	extra   map[string]any
}

func (t *timed) Timeout() time.Duration   { return t.timeout }
func (t *timed) ConcurrencyGroup() string { return t.group }

func (t *timed) Describe(sink timer.Sink) {
	t.Func.Describe(sink)
	keys := make([]string, 0, len(t.extra))
	for k := range t.extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sink.Set(k, t.extra[k])
	}
	if t.timeout > 0 {
		sink.Set("timeout", t.timeout.String())
	}
	if t.group != "" {
		sink.Set("group", t.group)
	}
}

type logConfig struct {
	grouped
	Message string `json:"message"`
	Level   string `json:"level"`
}

// newLogTask writes one log line per run, with the timer's context values
// as fields when the context is a task.MapContext.
func newLogTask(raw json.RawMessage, d Deps) (timer.Task, error) {
	var c logConfig
	if err := decode(raw, &c); err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.Message) == "" {
		return nil, errors.New("message is required")
	}
	level := strings.ToLower(strings.TrimSpace(c.Level))
	switch level {
	case "":
		level = "info"
	case "trace", "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("unknown level %q", c.Level)
	}
	log := d.Log
	fn := task.NewFunc("log", func(_ context.Context, h timer.ContextHolder) error {
		var fields []logx.Field
		if mc, ok := h.(*task.MapContext); ok {
			for _, k := range mc.Keys() {
				v, _ := mc.Get(k)
				fields = append(fields, logx.Any(k, v))
			}
		}
		switch level {
		case "trace":
			log.Trace(c.Message, fields...)
		case "debug":
			log.Debug(c.Message, fields...)
		case "warn":
			log.Warn(c.Message, fields...)
		case "error":
			log.Error(c.Message, fields...)
		default:
			log.Info(c.Message, fields...)
		}
		return nil
	})
	return &timed{Func: fn, group: strings.TrimSpace(c.Group), extra: map[string]any{"message": c.Message, "level": level}}, nil
}

type execConfig struct {
	grouped
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Dir     string            `json:"dir"`
	Env     map[string]string `json:"env"`
	Timeout string            `json:"timeout"`
}

func newExecTask(raw json.RawMessage, _ Deps) (timer.Task, error) {
	var c execConfig
	if err := decode(raw, &c); err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.Command) == "" {
		return nil, errors.New("command is required")
	}
	timeout, err := config.ParseDurationField("timeout", c.Timeout)
	if err != nil {
		return nil, err
	}
	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	fn := task.NewFunc("exec", func(ctx context.Context, _ timer.ContextHolder) error {
		cmd := exec.CommandContext(ctx, c.Command, c.Args...)
		cmd.Dir = c.Dir
		if len(env) > 0 {
			cmd.Env = append(os.Environ(), env...)
		}
		out, err := cmd.CombinedOutput()
		if err == nil {
			return nil
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return engine.NoRetry(fmt.Errorf("%s: %w", c.Command, err))
		}
		if msg := tail(out); msg != "" {
			return fmt.Errorf("%s: %w: %s", c.Command, err, msg)
		}
		return fmt.Errorf("%s: %w", c.Command, err)
	})
	return &timed{
		Func:    fn,
		timeout: timeout,
		group:   strings.TrimSpace(c.Group),
		extra:   map[string]any{"command": c.Command, "args": append([]string(nil), c.Args...)},
	}, nil
}

func tail(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > maxOutput {
		b = b[len(b)-maxOutput:]
	}
	return string(b)
}

type httpConfig struct {
	grouped
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Body         string            `json:"body"`
	Headers      map[string]string `json:"headers"`
	Timeout      string            `json:"timeout"`
	ExpectStatus []int             `json:"expect_status"`
}

func newHTTPTask(raw json.RawMessage, d Deps) (timer.Task, error) {
	var c httpConfig
	if err := decode(raw, &c); err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.URL) == "" {
		return nil, errors.New("url is required")
	}
	method := strings.ToUpper(strings.TrimSpace(c.Method))
	if method == "" {
		method = http.MethodGet
	}
	timeout, err := config.ParseDurationField("timeout", c.Timeout)
	if err != nil {
		return nil, err
	}
	// Reject malformed URLs at build time rather than on every run.
	if _, err := http.NewRequest(method, c.URL, nil); err != nil {
		return nil, err
	}
	client := d.HTTP
	if client == nil {
		client = http.DefaultClient
	}

	fn := task.NewFunc("http", func(ctx context.Context, _ timer.ContextHolder) error {
		var body io.Reader
		if c.Body != "" {
			body = strings.NewReader(c.Body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.URL, body)
		if err != nil {
			return engine.NoRetry(err)
		}
		for k, v := range c.Headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxOutput))
		return classifyStatus(resp, c.ExpectStatus, snippet)
	})
	return &timed{
		Func:    fn,
		timeout: timeout,
		group:   strings.TrimSpace(c.Group),
		extra:   map[string]any{"url": c.URL, "method": method},
	}, nil
}

// classifyStatus maps a response to nil, a retryable error, a NoRetry error
// (other 4xx) or a RetryAfter error (429 and 503 with Retry-After).
func classifyStatus(resp *http.Response, expect []int, body []byte) error {
	code := resp.StatusCode
	if len(expect) > 0 {
		for _, s := range expect {
			if s == code {
				return nil
			}
		}
	} else if code >= 200 && code < 300 {
		return nil
	}

	err := fmt.Errorf("unexpected status %d", code)
	if msg := tail(body); msg != "" {
		err = fmt.Errorf("unexpected status %d: %s", code, msg)
	}
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			return engine.RetryAfter(err, d)
		}
		return err
	case code == http.StatusRequestTimeout:
		return err
	case code >= 400 && code < 500:
		return engine.NoRetry(err)
	default:
		return err
	}
}

func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

type systemdConfig struct {
	grouped
	Unit    string `json:"unit"`
	Action  string `json:"action"`
	Timeout string `json:"timeout"`
}

func newSystemdTask(raw json.RawMessage, d Deps) (timer.Task, error) {
	var c systemdConfig
	if err := decode(raw, &c); err != nil {
		return nil, err
	}
	unit := systemd.NormalizeUnit(c.Unit)
	if unit == "" {
		return nil, errors.New("unit is required")
	}
	action, err := systemd.ParseAction(c.Action)
	if err != nil {
		return nil, err
	}
	timeout, err := config.ParseDurationField("timeout", c.Timeout)
	if err != nil {
		return nil, err
	}
	units := d.Units
	if units == nil {
		units = systemd.Systemctl{}
	}
	fn := task.NewFunc("systemd", func(ctx context.Context, _ timer.ContextHolder) error {
		return units.Do(ctx, unit, action)
	})
	return &timed{
		Func:    fn,
		timeout: timeout,
		group:   strings.TrimSpace(c.Group),
		extra:   map[string]any{"unit": unit, "action": string(action)},
	}, nil
}

type mapContextConfig struct {
	Values map[string]any `json:"values"`
}

func newMapContext(raw json.RawMessage, _ Deps) (timer.ContextHolder, error) {
	var c mapContextConfig
	if err := decode(raw, &c); err != nil {
		return nil, err
	}
	mc := task.NewMapContext()
	for k, v := range c.Values {
		mc.Set(k, v)
	}
	return mc, nil
}
