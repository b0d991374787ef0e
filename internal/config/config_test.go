package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
pools:
  - name: sync
    limit: 1
  - name: transfer
    limit: 8
    tick: 500ms
    dispatch_rate: 4
scheduler:
  enabled: true
  timezone: UTC
schedules:
  - name: ranking-daily
    job: mirror.ranking
    pool: sync
    spec: "0 3 * * *"
    jitter: 5m
    args:
      mode: day
storage:
  driver: sqlite
  path: ./mirrord.db
  busy_timeout: 5s
mirror:
  enabled: true
  base_url: https://api.example.com
  asset_dir: ./assets
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "mirrord.yaml", sampleYAML)
	m := NewConfigManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	require.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.Pools, 2)
	transfer, ok := cfg.Pool("transfer")
	require.True(t, ok)
	require.Equal(t, 8, transfer.Limit)
	require.Equal(t, 4.0, transfer.DispatchRate)
	require.Equal(t, "day", cfg.Schedules[0].Args["mode"])
	require.True(t, cfg.Schedules[0].IsEnabled())
	require.Equal(t, "sqlite", cfg.Storage.Driver)

	syncPool, transferPool := cfg.Mirror.PoolNames()
	require.Equal(t, "sync", syncPool)
	require.Equal(t, "transfer", transferPool)
}

func TestLoadJSONRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "mirrord.json", `{"pools":[{"name":"a","limit":1,"workers":3}]}`)
	_, err := NewConfigManager(path).Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "workers")

	path = writeFile(t, dir, "trailing.json", `{"pools":[]} {}`)
	_, err = NewConfigManager(path).Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want []string
	}{
		{
			name: "pool limits",
			cfg:  Config{Pools: []PoolConfig{{Name: "a", Limit: 0}, {Name: "a", Limit: 1, Tick: "soon"}}},
			want: []string{"pools[0].limit", "duplicate pool", "pools[1].tick"},
		},
		{
			name: "schedule references unknown pool",
			cfg: Config{
				Pools:     []PoolConfig{{Name: "sync", Limit: 1}},
				Schedules: []ScheduleConfig{{Name: "s", Job: "mirror.ranking", Pool: "nope", Spec: "@hourly"}},
			},
			want: []string{`unknown pool "nope"`},
		},
		{
			name: "storage driver",
			cfg:  Config{Storage: &StorageConfig{Driver: "postgres"}},
			want: []string{"unsupported"},
		},
		{
			name: "mirror pools and url",
			cfg:  Config{Mirror: MirrorConfig{Enabled: true, BaseURL: "not a url", AssetDir: "x"}},
			want: []string{"mirror.base_url", "mirror: requires storage", `pool "sync"`, `pool "transfer"`},
		},
		{
			name: "timezone",
			cfg:  Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}},
			want: []string{"scheduler.timezone"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			require.Error(t, err)
			for _, w := range tt.want {
				require.Contains(t, err.Error(), w)
			}
		})
	}

	require.NoError(t, Validate(&Config{Pools: []PoolConfig{{Name: "sync", Limit: 1}}}))
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info"},
		Pools:   []PoolConfig{{Name: "sync", Limit: 1}, {Name: "gone", Limit: 1}},
		Diag:    DiagConfig{Token: "secret"},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Pools:   []PoolConfig{{Name: "sync", Limit: 2}, {Name: "transfer", Limit: 8}},
		Diag:    DiagConfig{Token: "other"},
	}
	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	require.Equal(t, []string{"logging", "pools", "diag"}, changed)
	require.NotEmpty(t, attrs)
	require.ElementsMatch(t, []string{"pool sync changed", "pool transfer added", "pool gone removed"}, restart)

	changed, _, restart = SummarizeConfigChange(newCfg, newCfg)
	require.Empty(t, changed)
	require.Empty(t, restart)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "mirrord.yaml", "pools:\n  - name: sync\n    limit: 1\n")
	m := NewConfigManager(path)
	m.SetDebounce(20 * time.Millisecond)
	_, err := m.Load()
	require.NoError(t, err)
	updates := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	// An invalid file is never published.
	writeFile(t, dir, "mirrord.yaml", "pools:\n  - name: sync\n    limit: 0\n")
	select {
	case cfg := <-updates:
		t.Fatalf("invalid config published: %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}

	writeFile(t, dir, "mirrord.yaml", "logging:\n  level: debug\npools:\n  - name: sync\n    limit: 1\n")
	select {
	case cfg := <-updates:
		require.Equal(t, "debug", cfg.Logging.Level)
		require.Equal(t, "debug", m.Get().Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("config update not published")
	}

	cancel()
	<-done
	m.Unsubscribe(updates)
}
