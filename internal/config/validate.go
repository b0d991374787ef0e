package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	DefaultSyncPool     = "sync"
	DefaultTransferPool = "transfer"
)

// PoolNames returns the sync and transfer pool names the mirror submits to.
func (m MirrorConfig) PoolNames() (syncPool, transferPool string) {
	syncPool, transferPool = strings.TrimSpace(m.SyncPool), strings.TrimSpace(m.TransferPool)
	if syncPool == "" {
		syncPool = DefaultSyncPool
	}
	if transferPool == "" {
		transferPool = DefaultTransferPool
	}
	return syncPool, transferPool
}

// Validate checks cross-field constraints the decoder cannot express.
// All problems are reported at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	pools := map[string]bool{}
	for i, p := range cfg.Pools {
		path := fmt.Sprintf("pools[%d]", i)
		name := strings.TrimSpace(p.Name)
		switch {
		case name == "":
			add("%s.name: required", path)
		case pools[name]:
			add("%s.name: duplicate pool %q", path, name)
		}
		pools[name] = true
		if p.Limit < 1 {
			add("%s.limit: must be >= 1, got %d", path, p.Limit)
		}
		if _, err := ParseDurationField(path+".tick", p.Tick); err != nil {
			errs = append(errs, err)
		}
		if p.SweepEvery < 0 {
			add("%s.sweep_every: must be >= 0", path)
		}
		if p.DispatchRate < 0 {
			add("%s.dispatch_rate: must be >= 0", path)
		}
		if p.SyncWorkers < 0 || p.SyncQueue < 0 {
			add("%s: sync_workers and sync_queue must be >= 0", path)
		}
	}

	if _, err := LoadLocation(cfg.Scheduler.Timezone); err != nil {
		errs = append(errs, err)
	}
	schedules := map[string]bool{}
	for i, s := range cfg.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		name := strings.TrimSpace(s.Name)
		switch {
		case name == "":
			add("%s.name: required", path)
		case schedules[name]:
			add("%s.name: duplicate schedule %q", path, name)
		}
		schedules[name] = true
		if strings.TrimSpace(s.Job) == "" {
			add("%s.job: required", path)
		}
		if strings.TrimSpace(s.Spec) == "" {
			add("%s.spec: required", path)
		}
		if !pools[strings.TrimSpace(s.Pool)] {
			add("%s.pool: unknown pool %q", path, s.Pool)
		}
		if _, err := ParseDurationField(path+".jitter", s.Jitter); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField(path+".timeout", s.Timeout); err != nil {
			errs = append(errs, err)
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(st.Path) == "" {
				add("storage.path: required for driver %q", st.Driver)
			}
		default:
			add("storage.driver: unsupported %q (want file, sqlite or none)", st.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if m := cfg.Mirror; m.Enabled {
		u, err := url.Parse(strings.TrimSpace(m.BaseURL))
		if err != nil || u.Scheme == "" || u.Host == "" {
			add("mirror.base_url: absolute URL required, got %q", m.BaseURL)
		}
		if cfg.Storage == nil || strings.EqualFold(strings.TrimSpace(cfg.Storage.Driver), "none") || strings.TrimSpace(cfg.Storage.Driver) == "" {
			add("mirror: requires storage")
		}
		if strings.TrimSpace(m.AssetDir) == "" {
			add("mirror.asset_dir: required")
		}
		if _, err := ParseDurationField("mirror.request_timeout", m.RequestTimeout); err != nil {
			errs = append(errs, err)
		}
		syncPool, transferPool := m.PoolNames()
		for _, name := range []string{syncPool, transferPool} {
			if !pools[name] {
				add("mirror: pool %q is not declared in pools", name)
			}
		}
	}

	for field, raw := range map[string]string{
		"diag.read_timeout":  cfg.Diag.ReadTimeout,
		"diag.write_timeout": cfg.Diag.WriteTimeout,
		"diag.idle_timeout":  cfg.Diag.IdleTimeout,
	} {
		if _, err := ParseDurationField(field, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
