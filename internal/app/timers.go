package app

import (
	"encoding/binary"
	"hash/fnv"
	"net/http"
	"strings"
	"time"

	"timerd/internal/config"
	"timerd/internal/factory"
	"timerd/internal/task/scheduler"
	"timerd/internal/timer"
	logx "timerd/pkg/logx"
	"timerd/pkg/systemd"
)

// factoryDeps builds the collaborators for timer modules from cfg.
func factoryDeps(cfg *config.Config, log logx.Logger, units systemd.Controller) (factory.Deps, error) {
	loc, err := config.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return factory.Deps{}, err
	}
	return factory.Deps{
		Log:      log,
		Location: loc,
		IDs:      timer.DefaultIDs,
		HTTP:     &http.Client{Timeout: 5 * time.Minute},
		Units:    units,
	}, nil
}

// Definitions turns the configured timers into scheduler definitions. Each
// timer is keyed by config.TimerKey; definitions without an id get that key
// as their timer id.
func Definitions(reg *factory.Registry, cfg *config.Config, deps factory.Deps) []scheduler.Definition {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	defs := make([]scheduler.Definition, 0, len(cfg.Timers))
	for _, tc := range cfg.Timers {
		tc := tc
		key := config.TimerKey(tc)
		tc.ID = key
		defs = append(defs, scheduler.Definition{
			Key:  key,
			Hash: definitionHash(config.HashTimer(tc), tz),
			Build: func() (*timer.Timer, error) {
				return reg.Build(tc, deps)
			},
		})
	}
	return defs
}

// BuildTimers builds every configured timer, for one-shot CLI commands.
func BuildTimers(reg *factory.Registry, cfg *config.Config, deps factory.Deps) ([]*timer.Timer, error) {
	timers := make([]config.TimerConfig, 0, len(cfg.Timers))
	for _, tc := range cfg.Timers {
		tc.ID = config.TimerKey(tc)
		timers = append(timers, tc)
	}
	return reg.BuildAll(timers, deps)
}

// definitionHash folds the scheduler timezone in, since matchers without
// their own zone depend on it.
func definitionHash(timerHash uint64, tz string) uint64 {
	h := fnv.New64a()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], timerHash)
	_, _ = h.Write(b[:])
	_, _ = h.Write([]byte(tz))
	return h.Sum64()
}

// LoadTimers parses the config at path and builds its timers without
// starting anything.
func LoadTimers(path string) (*config.Config, []*timer.Timer, error) {
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return nil, nil, err
	}
	deps, err := factoryDeps(cfg, logx.Nop(), nil)
	if err != nil {
		return cfg, nil, err
	}
	timers, err := BuildTimers(factory.Builtin(), cfg, deps)
	return cfg, timers, err
}
