package config

import (
	"reflect"
	"strings"

	logx "mirrord/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes tokens), and
// (3) the changes that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)
	var restart []string

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pools, newCfg.Pools) {
		changed = append(changed, "pools")
		attrs = append(attrs, logx.Int("pools.count", len(newCfg.Pools)))
		for _, np := range newCfg.Pools {
			op, ok := oldCfg.Pool(np.Name)
			switch {
			case !ok:
				restart = append(restart, "pool "+np.Name+" added")
			case !reflect.DeepEqual(op, np):
				restart = append(restart, "pool "+np.Name+" changed")
			}
		}
		for _, op := range oldCfg.Pools {
			if _, ok := newCfg.Pool(op.Name); !ok {
				restart = append(restart, "pool "+op.Name+" removed")
			}
		}
	}

	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs, logx.Int("schedules.count", len(newCfg.Schedules)))
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
	}

	// Mirror (never log token)
	if !reflect.DeepEqual(oldCfg.Mirror, newCfg.Mirror) {
		changed = append(changed, "mirror")
		restart = append(restart, "mirror")
		attrs = append(attrs,
			logx.Bool("mirror.enabled", newCfg.Mirror.Enabled),
			logx.String("mirror.base_url", strings.TrimSpace(newCfg.Mirror.BaseURL)),
			logx.Bool("mirror.token_set", strings.TrimSpace(newCfg.Mirror.Token) != ""),
		)
	}

	// Diag (never log token)
	if !reflect.DeepEqual(oldCfg.Diag, newCfg.Diag) {
		changed = append(changed, "diag")
		attrs = append(attrs,
			logx.Bool("diag.enabled", newCfg.Diag.Enabled),
			logx.String("diag.addr", strings.TrimSpace(newCfg.Diag.Addr)),
			logx.Bool("diag.token_set", strings.TrimSpace(newCfg.Diag.Token) != ""),
		)
	}

	return changed, attrs, restart
}
