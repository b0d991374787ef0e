package app

import (
	"errors"
	"fmt"
	"strings"

	"mirrord/internal/config"
	"mirrord/internal/jobpool"
	"mirrord/internal/mirror"
	"mirrord/internal/trigger"
	logx "mirrord/pkg/logx"
)

// buildCatalog lists the jobs schedules may name. Mirror jobs exist only
// when the mirror is enabled.
func buildCatalog(m *mirror.Service) *trigger.Catalog {
	c := trigger.NewCatalog()
	if m != nil {
		m.Register(c)
	}
	return c
}

type plannedSchedule struct {
	name, spec, pool string
	job              jobpool.Job
	opt              trigger.Options
}

// discardPool stands in for a pool while schedules are only being checked.
type discardPool string

func (p discardPool) Name() string { return string(p) }
func (discardPool) Submit(jobpool.Job, ...jobpool.SubmitOption) {}

// buildSchedules resolves every enabled schedule against catalog and
// checks its spec. Nothing is armed.
func buildSchedules(cfg *config.Config, catalog *trigger.Catalog) ([]plannedSchedule, error) {
	scratch := trigger.New(trigger.Config{}, logx.Nop())
	var (
		out  []plannedSchedule
		errs []error
	)
	for i, sc := range cfg.Schedules {
		if !sc.IsEnabled() {
			continue
		}
		name := strings.TrimSpace(sc.Name)
		job, err := catalog.Build(strings.TrimSpace(sc.Job), sc.Args)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedules[%d]: %w", i, err))
			continue
		}
		opt, err := mapScheduleOptions(i, sc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		pool := strings.TrimSpace(sc.Pool)
		if err := scratch.AddSchedule(name, sc.Spec, discardPool(pool), job, opt); err != nil {
			errs = append(errs, fmt.Errorf("schedules[%d]: %w", i, err))
			continue
		}
		out = append(out, plannedSchedule{name: name, spec: sc.Spec, pool: pool, job: job, opt: opt})
	}
	return out, errors.Join(errs...)
}

func (a *App) buildSchedules(cfg *config.Config) ([]plannedSchedule, error) {
	return buildSchedules(cfg, a.catalog)
}

// applySchedules replaces the trigger's schedules with cfg's. Schedules
// naming a pool that does not exist yet are skipped until restart.
func (a *App) applySchedules(cfg *config.Config) error {
	plan, err := a.buildSchedules(cfg)
	if err != nil {
		return err
	}
	a.trig.RemoveAll()
	for _, ps := range plan {
		pool, err := a.pools.Get(ps.pool)
		if err != nil {
			a.log.Warn("schedule skipped: pool not running (restart required)",
				logx.String("schedule", ps.name), logx.String("pool", ps.pool))
			continue
		}
		if err := a.trig.AddSchedule(ps.name, ps.spec, pool, ps.job, ps.opt); err != nil {
			a.log.Warn("schedule skipped", logx.String("schedule", ps.name), logx.Err(err))
		}
	}
	return nil
}

// Check loads and validates the config at cfgPath, including every
// schedule's job and spec, without opening storage or starting anything.
func Check(cfgPath string) (*config.Config, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	var m *mirror.Service
	if cfg.Mirror.Enabled {
		// Factories only capture the service; nothing runs during a check.
		m = new(mirror.Service)
	}
	if _, err := buildSchedules(cfg, buildCatalog(m)); err != nil {
		return nil, err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	}
	if _, err := mapDiagConfig(cfg); err != nil {
		return nil, err
	}
	for i, pc := range cfg.Pools {
		if _, err := mapPoolOptions(i, pc); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
