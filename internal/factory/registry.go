// Package factory turns timer definitions from the config file into
// timer.Timer values through an explicit registry of named modules.
package factory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"timerd/internal/config"
	"timerd/internal/timer"
	logx "timerd/pkg/logx"
	"timerd/pkg/systemd"
)

var ErrUnknownModule = errors.New("unknown module")

// DefaultMatcher is used when a timer definition names no matcher module.
const DefaultMatcher = "cron"

// DefaultValidity is the window length applied when a definition sets
// neither from nor to.
const DefaultValidity = 50 * 365 * 24 * time.Hour

// Deps are the collaborators handed to module constructors.
type Deps struct {
	Log      logx.Logger
	Location *time.Location
	Clock    func() time.Time
	IDs      timer.IDGenerator
	HTTP     *http.Client
	Units    systemd.Controller
}

func (d Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

func (d Deps) location() *time.Location {
	if d.Location != nil {
		return d.Location
	}
	return time.Local
}

type (
	MatcherFactory func(raw json.RawMessage, d Deps) (timer.Matcher, error)
	TaskFactory    func(raw json.RawMessage, d Deps) (timer.Task, error)
	ContextFactory func(raw json.RawMessage, d Deps) (timer.ContextHolder, error)
)

type Registry struct {
	mu       sync.RWMutex
	matchers map[string]MatcherFactory
	tasks    map[string]TaskFactory
	contexts map[string]ContextFactory
}

// NewRegistry returns an empty registry. Use Builtin for the stock modules.
func NewRegistry() *Registry {
	return &Registry{
		matchers: map[string]MatcherFactory{},
		tasks:    map[string]TaskFactory{},
		contexts: map[string]ContextFactory{},
	}
}

func normName(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func (r *Registry) RegisterMatcher(name string, f MatcherFactory) {
	r.mu.Lock()
	r.matchers[normName(name)] = f
	r.mu.Unlock()
}

func (r *Registry) RegisterTask(name string, f TaskFactory) {
	r.mu.Lock()
	r.tasks[normName(name)] = f
	r.mu.Unlock()
}

func (r *Registry) RegisterContext(name string, f ContextFactory) {
	r.mu.Lock()
	r.contexts[normName(name)] = f
	r.mu.Unlock()
}

// Modules lists registered module names per kind, sorted.
func (r *Registry) Modules() (matchers, tasks, contexts []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.matchers), sortedKeys(r.tasks), sortedKeys(r.contexts)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build constructs one timer. Every module config is decoded strictly.
func (r *Registry) Build(tc config.TimerConfig, d Deps) (*timer.Timer, error) {
	label := config.TimerKey(tc)

	mname := normName(tc.Matcher.Module)
	if mname == "" {
		mname = DefaultMatcher
	}
	r.mu.RLock()
	mf := r.matchers[mname]
	tf := r.tasks[normName(tc.Task.Module)]
	var cf ContextFactory
	if tc.Context != nil {
		cf = r.contexts[normName(tc.Context.Module)]
	}
	r.mu.RUnlock()

	if mf == nil {
		return nil, fmt.Errorf("timer %s: matcher %q: %w", label, mname, ErrUnknownModule)
	}
	if tf == nil {
		return nil, fmt.Errorf("timer %s: task %q: %w", label, tc.Task.Module, ErrUnknownModule)
	}
	if tc.Context != nil && cf == nil {
		return nil, fmt.Errorf("timer %s: context %q: %w", label, tc.Context.Module, ErrUnknownModule)
	}

	m, err := mf(tc.Matcher.Config, d)
	if err != nil {
		return nil, fmt.Errorf("timer %s: matcher %s: %w", label, mname, err)
	}
	tk, err := tf(tc.Task.Config, d)
	if err != nil {
		return nil, fmt.Errorf("timer %s: task %s: %w", label, tc.Task.Module, err)
	}

	opts := []timer.Option{
		timer.WithName(tc.Name),
		timer.WithNote(tc.Note),
		timer.WithIDGenerator(d.IDs),
	}
	if d.Clock != nil {
		opts = append(opts, timer.WithClock(d.Clock))
	}
	if cf != nil {
		h, err := cf(tc.Context.Config, d)
		if err != nil {
			return nil, fmt.Errorf("timer %s: context %s: %w", label, tc.Context.Module, err)
		}
		opts = append(opts, timer.WithContext(h))
	}

	from, err := config.ParseTimeField("from", tc.From)
	if err != nil {
		return nil, fmt.Errorf("timer %s: %w", label, err)
	}
	to, err := config.ParseTimeField("to", tc.To)
	if err != nil {
		return nil, fmt.Errorf("timer %s: %w", label, err)
	}
	if from.IsZero() && to.IsZero() {
		from = d.now()
		to = from.Add(DefaultValidity)
	}
	opts = append(opts, timer.WithWindow(from, to))
	if tc.Paused {
		opts = append(opts, timer.WithPaused())
	}

	return timer.New(strings.TrimSpace(tc.ID), m, tk, opts...), nil
}

// BuildAll builds every timer in cfg and joins the errors.
func (r *Registry) BuildAll(timers []config.TimerConfig, d Deps) ([]*timer.Timer, error) {
	out := make([]*timer.Timer, 0, len(timers))
	var errs []error
	for _, tc := range timers {
		t, err := r.Build(tc, d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, t)
	}
	return out, errors.Join(errs...)
}

// decode unmarshals a module config strictly. Empty input leaves v untouched.
func decode(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("trailing data in module config")
	}
	return nil
}
