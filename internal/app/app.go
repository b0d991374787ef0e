package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"mirrord/internal/config"
	"mirrord/internal/eventbus"
	"mirrord/internal/jobpool"
	"mirrord/internal/mirror"
	"mirrord/internal/observability/diag"
	"mirrord/internal/runtime/supervisor"
	"mirrord/internal/storage"
	"mirrord/internal/trigger"
	logx "mirrord/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	prom  *prometheus.Registry

	dropped *prometheus.CounterVec

	pools   *jobpool.Registry
	mirror  *mirror.Service
	catalog *trigger.Catalog
	trig    *trigger.Service
	diag    *diag.Service

	// notify sends sd_notify states; replaced in tests.
	notify func(state string)
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		prom:    prometheus.NewRegistry(),
		dropped: newDroppedCounter(),
	}
	a.prom.MustRegister(a.dropped)
	a.bus = eventbus.New(eventbus.WithDropHook(a.busDropped))
	a.notify = a.sdNotify
	if err := a.build(cfg, log); err != nil {
		a.closeEarly()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.pools = jobpool.NewRegistry(log,
		jobpool.WithBus(a.bus),
		jobpool.WithMetrics(jobpool.NewMetrics(a.prom)),
	)
	for i, pc := range cfg.Pools {
		opts, err := mapPoolOptions(i, pc)
		if err != nil {
			return err
		}
		if _, err := a.pools.NewPool(pc.Name, pc.Limit, opts...); err != nil {
			return err
		}
	}

	if cfg.Mirror.Enabled {
		m, err := a.buildMirror(cfg, log)
		if err != nil {
			return err
		}
		a.mirror = m
	}
	a.catalog = buildCatalog(a.mirror)

	a.trig = trigger.New(mapTriggerConfig(cfg), log)
	if err := a.applySchedules(cfg); err != nil {
		return err
	}

	dc, err := mapDiagConfig(cfg)
	if err != nil {
		return err
	}
	a.diag = diag.New(dc, a.diagSources(), log)
	return nil
}

func (a *App) buildMirror(cfg *config.Config, log logx.Logger) (*mirror.Service, error) {
	mc := cfg.Mirror
	timeout, err := config.ParseDurationOrDefault("mirror.request_timeout", mc.RequestTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	src, err := mirror.NewHTTPSource(mc.BaseURL, mc.Token, timeout)
	if err != nil {
		return nil, err
	}
	objects, err := mirror.NewDirStore(mc.AssetDir, mc.AssetURL)
	if err != nil {
		return nil, err
	}
	_, transferName := mc.PoolNames()
	transfer, err := a.pools.Get(transferName)
	if err != nil {
		return nil, fmt.Errorf("mirror.transfer_pool: %w", err)
	}
	if a.store == nil {
		return nil, errors.New("mirror: requires storage")
	}
	return mirror.New(src, a.store, objects, transfer, log)
}

func (a *App) diagSources() diag.Sources {
	src := diag.Sources{
		Pools:     a.pools.Snapshots,
		Schedules: a.trig.Schedules,
		Goroutines: func() map[string]supervisor.Snapshot {
			out := map[string]supervisor.Snapshot{"jobpool": a.pools.Goroutines()}
			if a.sup != nil {
				out["app"] = a.sup.Snapshot()
			}
			if ds := a.diag.Supervisor(); ds != nil {
				out["diag"] = ds.Snapshot()
			}
			return out
		},
		Gatherer: a.prom,
	}
	if a.store != nil {
		src.Runs = a.store.RecentRuns
	}
	return src
}

// Pools exposes the job pool registry.
func (a *App) Pools() *jobpool.Registry { return a.pools }

// Trigger exposes the recurring trigger service.
func (a *App) Trigger() *trigger.Service { return a.trig }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional reload: a config only commits if every schedule still builds.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := a.buildSchedules(cfg); err != nil {
			return err
		}
		_, err := mapDiagConfig(cfg)
		return err
	})

	a.pools.StartAll()

	if a.store != nil {
		events, unsub := a.bus.SubscribePrefix(historyPrefix, historyBuffer)
		a.sup.Go0("history.persist", func(c context.Context) {
			defer unsub()
			a.persistHistory(c, events)
		})
	}
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e := <-events:
				if a.log.Enabled(logx.LevelDebug) {
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		}
	})

	if a.trig.Enabled() {
		a.trig.Start()
	}
	if a.diag.Enabled() {
		a.diag.Start(a.sup.Context())
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.Strs("pools", a.pools.Names()), logx.Int("schedules", len(a.trig.Schedules())))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, r := range restart {
		a.log.Warn("config change needs a restart to take effect", logx.String("change", r))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	prevEnabled := a.trig.Enabled()
	a.trig.Apply(mapTriggerConfig(newCfg))
	if err := a.applySchedules(newCfg); err != nil {
		a.log.Warn("schedules not applied; keeping previous", logx.Err(err))
	}
	switch next := newCfg.Scheduler.Enabled; {
	case prevEnabled && !next:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.trig.Stop(stopCtx)
		cancel()
	case !prevEnabled && next:
		a.log.Info("scheduler enabled via config")
		a.trig.Start()
	}

	if dc, err := mapDiagConfig(newCfg); err != nil {
		a.log.Warn("invalid diag config; keeping previous", logx.Err(err))
	} else {
		a.diag.Reconfigure(ctx, dc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop winds the app down: trigger first so nothing new is submitted, then
// the pools, then the observers, then storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeEarly()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify(daemon.SdNotifyStopping)

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("trigger", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	step("diag", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	step("pools.shutdown", 3*time.Second, a.pools.ShutdownAll)
	step("pools.close", 3*time.Second, a.pools.Close)

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// closeEarly releases what New acquired when the app never started.
func (a *App) closeEarly() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if a.pools != nil {
		_ = a.pools.Close(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}
