package config

// Config is the root of mirrord's configuration file (JSON or YAML).
type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Pools     []PoolConfig     `json:"pools"`
	Scheduler SchedulerConfig  `json:"scheduler"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
	Storage   *StorageConfig   `json:"storage,omitempty"`
	Mirror    MirrorConfig     `json:"mirror"`
	Diag      DiagConfig       `json:"diag,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PoolConfig declares one job pool.
//
// Defaults (when fields are omitted/zero):
//   - tick: "1s"
//   - sweep_every: 600 ticks
//   - dispatch_rate: 0 (no rate cap)
//   - sync_workers / sync_queue: limit
//
// Limit is fixed for the pool's life; changing it on reload needs a restart.
type PoolConfig struct {
	Name         string  `json:"name"`
	Limit        int     `json:"limit"`
	Tick         string  `json:"tick,omitempty"`
	SweepEvery   int     `json:"sweep_every,omitempty"`
	DispatchRate float64 `json:"dispatch_rate,omitempty"`
	SyncWorkers  int     `json:"sync_workers,omitempty"`
	SyncQueue    int     `json:"sync_queue,omitempty"`
}

// SchedulerConfig controls the recurring trigger service.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// ScheduleConfig binds a catalog job to a pool on a recurring spec.
//
// Spec accepts a 5-field cron expression ("*/30 * * * *"), a descriptor
// ("@hourly"), a Go duration ("10m") or HH:MM ("01:30" = every 90 minutes).
// Prefixes "cron:" and "interval:" force the interpretation.
type ScheduleConfig struct {
	Name    string         `json:"name"`
	Job     string         `json:"job"`
	Pool    string         `json:"pool"`
	Spec    string         `json:"spec"`
	Jitter  string         `json:"jitter,omitempty"`
	Timeout string         `json:"timeout,omitempty"`
	Enabled *bool          `json:"enabled,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
}

func (s ScheduleConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// StorageConfig controls run history and item persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./mirrord.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MirrorConfig controls the content mirror jobs.
type MirrorConfig struct {
	Enabled        bool   `json:"enabled"`
	BaseURL        string `json:"base_url,omitempty"`
	Token          string `json:"token,omitempty"` // do not log
	RequestTimeout string `json:"request_timeout,omitempty"`
	AssetDir       string `json:"asset_dir,omitempty"`
	AssetURL       string `json:"asset_url,omitempty"` // public base URL of asset_dir; default file://
	TransferPool   string `json:"transfer_pool,omitempty"` // default: "transfer"
	SyncPool       string `json:"sync_pool,omitempty"`     // default: "sync"
}

// DiagConfig controls the diagnostics HTTP server (pprof, metrics, pool state).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - A non-loopback address needs a token or allow_insecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// CORSOrigins enables CORS for the JSON endpoints (e.g. a local dashboard).
	CORSOrigins []string `json:"cors_origins,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// Pool returns the pool declaration named name.
func (c *Config) Pool(name string) (PoolConfig, bool) {
	if c == nil {
		return PoolConfig{}, false
	}
	for _, p := range c.Pools {
		if p.Name == name {
			return p, true
		}
	}
	return PoolConfig{}, false
}
