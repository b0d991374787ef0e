package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "mirrord/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// sqliteKeepRuns bounds the runs table; older rows are pruned periodically.
const sqliteKeepRuns = 10000

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if r.Finished.IsZero() {
		r.Finished = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(pool, job_id, run_id, name, outcome, err, submitted_at, started_at, finished_at, duration_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.Pool, r.JobID, nullStr(r.RunID), nullStr(r.Name), r.Outcome, nullStr(r.Error),
		millis(r.Submitted), millis(r.Started), r.Finished.UnixMilli(), r.Duration.Milliseconds(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.pruneRuns(pctx); perr != nil {
			s.log.Debug("run prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, q RunQuery) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pool, job_id, run_id, name, outcome, err, submitted_at, started_at, finished_at, duration_ms
		   FROM runs
		  WHERE (? = '' OR pool = ?) AND (? = '' OR job_id = ?)
		  ORDER BY id DESC
		  LIMIT ?`,
		q.Pool, q.Pool, q.JobID, q.JobID, q.limit(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r                    RunRecord
			runID, name, errText sql.NullString
			sub, start           sql.NullInt64
			fin, durMS           int64
		)
		if err := rows.Scan(&r.Pool, &r.JobID, &runID, &name, &r.Outcome, &errText, &sub, &start, &fin, &durMS); err != nil {
			return nil, err
		}
		r.RunID, r.Name, r.Error = runID.String, name.String, errText.String
		r.Submitted = fromMillis(sub)
		r.Started = fromMillis(start)
		r.Finished = time.UnixMilli(fin)
		r.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertItems(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Transfer state survives a refresh unless the upstream asset changed.
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO items(id, title, author, tags, mode, rank, source_url, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   title=excluded.title, author=excluded.author, tags=excluded.tags,
		   mode=excluded.mode, rank=excluded.rank, updated_at=excluded.updated_at,
		   stored_url=CASE WHEN items.source_url IS excluded.source_url OR items.source_url IS NULL THEN items.stored_url ELSE NULL END,
		   usable=CASE WHEN items.source_url IS excluded.source_url OR items.source_url IS NULL THEN items.usable ELSE 0 END,
		   source_url=excluded.source_url`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, it := range items {
		tags, err := json.Marshal(it.Tags)
		if err != nil {
			return err
		}
		updated := it.UpdatedAt
		if updated.IsZero() {
			updated = now
		}
		if _, err := stmt.ExecContext(ctx,
			it.ID, it.Title, nullStr(it.Author), string(tags), nullStr(it.Mode), it.Rank, nullStr(it.SourceURL), updated.UnixMilli(),
		); err != nil {
			return fmt.Errorf("upsert item %d: %w", it.ID, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Item(ctx context.Context, id int64) (Item, bool, error) {
	var (
		it                             Item
		author, tags, mode, src, store sql.NullString
		usable                         int
		updated                        int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, author, tags, mode, rank, source_url, stored_url, usable, updated_at FROM items WHERE id = ?`, id,
	).Scan(&it.ID, &it.Title, &author, &tags, &mode, &it.Rank, &src, &store, &usable, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, err
	}
	it.Author, it.Mode, it.SourceURL, it.StoredURL = author.String, mode.String, src.String, store.String
	it.Usable = usable != 0
	it.UpdatedAt = time.UnixMilli(updated)
	if tags.Valid && tags.String != "" && tags.String != "null" {
		if err := json.Unmarshal([]byte(tags.String), &it.Tags); err != nil {
			return Item{}, false, fmt.Errorf("item %d tags: %w", id, err)
		}
	}
	return it, true, nil
}

func (s *sqliteStore) MarkStored(ctx context.Context, id int64, url string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET stored_url = ?, usable = 1, updated_at = ? WHERE id = ?`,
		url, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) pruneRuns(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id <= (SELECT MAX(id) FROM runs) - ?`, sqliteKeepRuns)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func millis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}
