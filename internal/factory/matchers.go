package factory

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"timerd/internal/config"
	"timerd/internal/timer"
	"timerd/internal/timer/matcher"
)

// until is embedded by every matcher config; a non-empty value wraps the
// matcher in matcher.Bounded.
type until struct {
	Until string `json:"until"`
}

func (u until) wrap(m timer.Matcher, d Deps) (timer.Matcher, error) {
	at, err := config.ParseTimeField("until", u.Until)
	if err != nil || at.IsZero() {
		return m, err
	}
	b := matcher.Until(m, at)
	if d.Clock != nil {
		b.Clock = d.Clock
	}
	return b, nil
}

func (d Deps) zone(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return d.location(), nil
	}
	return config.LoadLocation(name)
}

type cronConfig struct {
	until
	Spec     string `json:"spec"`
	Timezone string `json:"timezone"`
}

func newCronMatcher(raw json.RawMessage, d Deps) (timer.Matcher, error) {
	var c cronConfig
	if err := decode(raw, &c); err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.Spec) == "" {
		return nil, errors.New("spec is required")
	}
	loc, err := d.zone(c.Timezone)
	if err != nil {
		return nil, err
	}
	m, err := matcher.NewCron(c.Spec, loc)
	if err != nil {
		return nil, err
	}
	return c.wrap(m, d)
}

type intervalConfig struct {
	until
	Every string `json:"every"`
}

func newIntervalMatcher(raw json.RawMessage, d Deps) (timer.Matcher, error) {
	var c intervalConfig
	if err := decode(raw, &c); err != nil {
		return nil, err
	}
	every, err := config.ParseDurationField("every", c.Every)
	if err != nil {
		return nil, err
	}
	m, err := matcher.NewInterval(every)
	if err != nil {
		return nil, err
	}
	return c.wrap(m, d)
}

type onceConfig struct {
	until
	At    string `json:"at"`
	Grace string `json:"grace"`
}

func newOnceMatcher(raw json.RawMessage, d Deps) (timer.Matcher, error) {
	var c onceConfig
	if err := decode(raw, &c); err != nil {
		return nil, err
	}
	at, err := config.ParseTimeField("at", c.At)
	if err != nil {
		return nil, err
	}
	if at.IsZero() {
		return nil, errors.New("at is required")
	}
	grace, err := config.ParseDurationOrDefault("grace", c.Grace, matcher.DefaultOnceGrace)
	if err != nil {
		return nil, err
	}
	m := matcher.NewOnce(at)
	m.Grace = grace
	if d.Clock != nil {
		m.Clock = d.Clock
	}
	return c.wrap(m, d)
}

type dailyConfig struct {
	until
	At       string `json:"at"`
	Timezone string `json:"timezone"`
}

func newDailyMatcher(raw json.RawMessage, d Deps) (timer.Matcher, error) {
	var c dailyConfig
	if err := decode(raw, &c); err != nil {
		return nil, err
	}
	loc, err := d.zone(c.Timezone)
	if err != nil {
		return nil, err
	}
	m, err := matcher.Daily(c.At, loc)
	if err != nil {
		return nil, err
	}
	return c.wrap(m, d)
}

type weeklyConfig struct {
	until
	Weekday  string `json:"weekday"`
	At       string `json:"at"`
	Timezone string `json:"timezone"`
}

func newWeeklyMatcher(raw json.RawMessage, d Deps) (timer.Matcher, error) {
	var c weeklyConfig
	if err := decode(raw, &c); err != nil {
		return nil, err
	}
	wd, err := matcher.ParseWeekday(c.Weekday)
	if err != nil {
		return nil, err
	}
	loc, err := d.zone(c.Timezone)
	if err != nil {
		return nil, err
	}
	m, err := matcher.Weekly(wd, c.At, loc)
	if err != nil {
		return nil, err
	}
	return c.wrap(m, d)
}

type hourlyConfig struct {
	until
	Minute int `json:"minute"`
}

func newHourlyMatcher(raw json.RawMessage, d Deps) (timer.Matcher, error) {
	var c hourlyConfig
	if err := decode(raw, &c); err != nil {
		return nil, err
	}
	m, err := matcher.Hourly(c.Minute, d.location())
	if err != nil {
		return nil, err
	}
	return c.wrap(m, d)
}

// scheduleConfig takes the free-form schedule strings matcher.ParseSchedule
// understands ("*/5 * * * *", "55m", "02:30", "once:...").
type scheduleConfig struct {
	until
	Spec string `json:"spec"`
}

func newScheduleMatcher(raw json.RawMessage, d Deps) (timer.Matcher, error) {
	var c scheduleConfig
	if err := decode(raw, &c); err != nil {
		return nil, err
	}
	m, err := matcher.Parse(c.Spec, d.location())
	if err != nil {
		return nil, err
	}
	if o, ok := m.(*matcher.Once); ok && d.Clock != nil {
		o.Clock = d.Clock
	}
	return c.wrap(m, d)
}

func newNeverMatcher(raw json.RawMessage, d Deps) (timer.Matcher, error) {
	var c struct{ until }
	if err := decode(raw, &c); err != nil {
		return nil, fmt.Errorf("never takes only until: %w", err)
	}
	return c.wrap(matcher.Never{}, d)
}
