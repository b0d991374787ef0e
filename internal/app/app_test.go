package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/require"

	"mirrord/internal/storage"
	"mirrord/internal/trigger"
)

func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/illust/ranking", func(w http.ResponseWriter, r *http.Request) {
		var illusts []any
		for id := 1; id <= 3; id++ {
			illusts = append(illusts, map[string]any{
				"id":         id,
				"title":      fmt.Sprintf("work %d", id),
				"image_urls": map[string]any{"large": fmt.Sprintf("%s/img/%d.jpg", srv.URL, id)},
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"illusts": illusts})
	})
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("jpeg"))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, path, upstream, dir string, schedules string) {
	t.Helper()
	body := fmt.Sprintf(`
logging:
  level: error
pools:
  - name: sync
    limit: 1
    tick: 10ms
  - name: transfer
    limit: 2
    tick: 10ms
scheduler:
  enabled: true
  timezone: UTC
%s
storage:
  driver: file
  path: %s
mirror:
  enabled: true
  base_url: %s
  asset_dir: %s
`, schedules, filepath.Join(dir, "mirrord.store"), upstream, filepath.Join(dir, "assets"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

const rankingSchedule = `schedules:
  - name: ranking-daily
    job: mirror.ranking
    pool: sync
    spec: "0 1 * * *"
    args:
      mode: day
`

type notifyRecorder struct {
	mu     sync.Mutex
	states []string
}

func (n *notifyRecorder) notify(state string) {
	n.mu.Lock()
	n.states = append(n.states, state)
	n.mu.Unlock()
}

func (n *notifyRecorder) get() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.states...)
}

func TestAppEndToEnd(t *testing.T) {
	up := fakeUpstream(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "mirrord.yaml")
	writeConfig(t, cfgPath, up.URL, dir, rankingSchedule)

	a, err := New(cfgPath)
	require.NoError(t, err)
	rec := &notifyRecorder{}
	a.notify = rec.notify

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	require.Equal(t, []string{"sync", "transfer"}, a.Pools().Names())

	scheds := a.Trigger().Schedules()
	require.Len(t, scheds, 1)
	require.Equal(t, "ranking-daily", scheds[0].Name)
	require.Equal(t, "sync", scheds[0].Pool)

	require.True(t, a.Trigger().RunNow("ranking-daily"))

	require.Eventually(t, func() bool {
		for id := int64(1); id <= 3; id++ {
			it, ok, err := a.store.Item(context.Background(), id)
			if err != nil || !ok || !it.Usable {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		runs, err := a.store.RecentRuns(context.Background(), storage.RunQuery{Pool: "sync", JobID: "ranking-daily"})
		return err == nil && len(runs) == 1 && runs[0].Outcome == "succeeded"
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		runs, err := a.store.RecentRuns(context.Background(), storage.RunQuery{Pool: "transfer"})
		return err == nil && len(runs) == 3
	}, 5*time.Second, 10*time.Millisecond)

	// Reload: the schedule goes away without a restart.
	writeConfig(t, cfgPath, up.URL, dir, "")
	require.Eventually(t, func() bool { return len(a.Trigger().Schedules()) == 0 }, 5*time.Second, 20*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	require.Equal(t, []string{daemon.SdNotifyReady, daemon.SdNotifyStopping}, rec.get())
	require.False(t, a.Pools().MustGet("sync").Running())
}

func TestCheck(t *testing.T) {
	up := fakeUpstream(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "mirrord.yaml")

	writeConfig(t, cfgPath, up.URL, dir, rankingSchedule)
	cfg, err := Check(cfgPath)
	require.NoError(t, err)
	require.Len(t, cfg.Schedules, 1)
	_, err = os.Stat(filepath.Join(dir, "mirrord.runs.jsonl"))
	require.True(t, os.IsNotExist(err), "check must not open storage")

	writeConfig(t, cfgPath, up.URL, dir, `schedules:
  - name: bad-mode
    job: mirror.ranking
    pool: sync
    spec: "@hourly"
    args:
      mode: yearly
`)
	_, err = Check(cfgPath)
	require.ErrorContains(t, err, "unknown ranking mode")

	writeConfig(t, cfgPath, up.URL, dir, `schedules:
  - name: nope
    job: does.not.exist
    pool: sync
    spec: "@hourly"
`)
	_, err = Check(cfgPath)
	require.ErrorIs(t, err, trigger.ErrUnknownJob)

	writeConfig(t, cfgPath, up.URL, dir, `schedules:
  - name: bad-spec
    job: mirror.trending
    pool: sync
    spec: "61 * * * *"
`)
	_, err = Check(cfgPath)
	require.ErrorContains(t, err, "bad-spec")
}
