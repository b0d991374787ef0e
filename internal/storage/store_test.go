package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "mirrord/pkg/logx"
)

func openTestStore(t *testing.T, driver, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func forEachDriver(t *testing.T, fn func(t *testing.T, driver, path string)) {
	for _, tc := range []struct{ driver, file string }{
		{driver: "file", file: "mirrord.store"},
		{driver: "sqlite", file: "mirrord.db"},
	} {
		t.Run(tc.driver, func(t *testing.T) {
			fn(t, tc.driver, filepath.Join(t.TempDir(), "data", tc.file))
		})
	}
}

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		require.Nil(t, st)
	}
	_, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop())
	require.Error(t, err)
}

func TestRunsNewestFirst(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver, path string) {
		ctx := context.Background()
		st := openTestStore(t, driver, path)

		base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
		for i := 0; i < 5; i++ {
			pool := "sync"
			if i%2 == 1 {
				pool = "transfer"
			}
			require.NoError(t, st.AppendRun(ctx, RunRecord{
				Pool:      pool,
				JobID:     fmt.Sprintf("job-%d", i),
				RunID:     fmt.Sprintf("run-%d", i),
				Outcome:   "succeeded",
				Submitted: base,
				Started:   base.Add(time.Second),
				Finished:  base.Add(time.Duration(i+2) * time.Second),
				Duration:  time.Duration(i+1) * time.Second,
			}))
		}

		all, err := st.RecentRuns(ctx, RunQuery{})
		require.NoError(t, err)
		require.Len(t, all, 5)
		require.Equal(t, "job-4", all[0].JobID)
		require.Equal(t, 5*time.Second, all[0].Duration)
		require.True(t, all[0].Started.Equal(base.Add(time.Second)))

		transfer, err := st.RecentRuns(ctx, RunQuery{Pool: "transfer", Limit: 1})
		require.NoError(t, err)
		require.Len(t, transfer, 1)
		require.Equal(t, "job-3", transfer[0].JobID)

		byJob, err := st.RecentRuns(ctx, RunQuery{JobID: "job-2"})
		require.NoError(t, err)
		require.Len(t, byJob, 1)
		require.Equal(t, "run-2", byJob[0].RunID)

		require.NoError(t, st.Close())

		// History survives a reopen.
		st = openTestStore(t, driver, path)
		defer st.Close()
		again, err := st.RecentRuns(ctx, RunQuery{Limit: 2})
		require.NoError(t, err)
		require.Len(t, again, 2)
		require.Equal(t, "job-4", again[0].JobID)
	})
}

func TestItemsKeepTransferState(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver, path string) {
		ctx := context.Background()
		st := openTestStore(t, driver, path)

		require.NoError(t, st.UpsertItems(ctx, []Item{
			{ID: 42, Title: "first", Author: "a", Tags: []string{"x", "y"}, Mode: "day", Rank: 1, SourceURL: "https://img/42.png"},
			{ID: 43, Title: "second", SourceURL: "https://img/43.png"},
		}))
		require.NoError(t, st.MarkStored(ctx, 42, "https://bucket/pixiv/42.png"))
		require.ErrorIs(t, st.MarkStored(ctx, 99, "nope"), ErrNotFound)

		// Refresh with the same asset keeps the stored copy.
		require.NoError(t, st.UpsertItems(ctx, []Item{{ID: 42, Title: "renamed", Mode: "day", Rank: 3, SourceURL: "https://img/42.png"}}))
		it, ok, err := st.Item(ctx, 42)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "renamed", it.Title)
		require.Equal(t, 3, it.Rank)
		require.True(t, it.Usable)
		require.Equal(t, "https://bucket/pixiv/42.png", it.StoredURL)

		// A new upstream asset invalidates it.
		require.NoError(t, st.UpsertItems(ctx, []Item{{ID: 42, Title: "renamed", SourceURL: "https://img/42-v2.png"}}))
		it, _, err = st.Item(ctx, 42)
		require.NoError(t, err)
		require.False(t, it.Usable)
		require.Empty(t, it.StoredURL)

		require.NoError(t, st.Close())
		st = openTestStore(t, driver, path)
		defer st.Close()
		it, ok, err = st.Item(ctx, 43)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "second", it.Title)

		_, ok, err = st.Item(ctx, 7)
		require.NoError(t, err)
		require.False(t, ok)
	})
}
