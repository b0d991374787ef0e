package app

import (
	"fmt"
	"strings"
	"time"

	"mirrord/internal/config"
	"mirrord/internal/jobpool"
	"mirrord/internal/observability/diag"
	"mirrord/internal/storage"
	"mirrord/internal/trigger"
	logx "mirrord/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapPoolOptions(i int, pc config.PoolConfig) ([]jobpool.PoolOption, error) {
	path := fmt.Sprintf("pools[%d]", i)
	tick, err := config.ParseDurationOrDefault(path+".tick", pc.Tick, jobpool.DefaultTick)
	if err != nil {
		return nil, err
	}
	opts := []jobpool.PoolOption{jobpool.WithTick(tick)}
	if pc.SweepEvery > 0 {
		opts = append(opts, jobpool.WithSweepEvery(pc.SweepEvery))
	}
	if pc.DispatchRate > 0 {
		opts = append(opts, jobpool.WithDispatchRate(pc.DispatchRate))
	}
	if pc.SyncWorkers > 0 || pc.SyncQueue > 0 {
		workers, queue := pc.SyncWorkers, pc.SyncQueue
		if workers <= 0 {
			workers = pc.Limit
		}
		if queue <= 0 {
			queue = pc.Limit
		}
		opts = append(opts, jobpool.WithSyncWorkers(workers, queue))
	}
	return opts, nil
}

func mapTriggerConfig(cfg *config.Config) trigger.Config {
	return trigger.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

func mapScheduleOptions(i int, sc config.ScheduleConfig) (trigger.Options, error) {
	path := fmt.Sprintf("schedules[%d]", i)
	jitter, err := config.ParseDurationField(path+".jitter", sc.Jitter)
	if err != nil {
		return trigger.Options{}, err
	}
	timeout, err := config.ParseDurationField(path+".timeout", sc.Timeout)
	if err != nil {
		return trigger.Options{}, err
	}
	return trigger.Options{Jitter: jitter, Timeout: timeout}, nil
}

func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	d := cfg.Diag
	read, err := config.ParseDurationOrDefault("diag.read_timeout", d.ReadTimeout, 5*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	// profile and trace endpoints stream for up to 30s by default.
	write, err := config.ParseDurationOrDefault("diag.write_timeout", d.WriteTimeout, 60*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("diag.idle_timeout", d.IdleTimeout, 60*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	return diag.Config{
		Enabled:              d.Enabled,
		Addr:                 d.Addr,
		Token:                d.Token,
		AllowInsecure:        d.AllowInsecure,
		CORSOrigins:          d.CORSOrigins,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}, nil
}
