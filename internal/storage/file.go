package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "mirrord/pkg/logx"
)

const (
	fileRecentRuns   = 1000
	fileCompactEvery = 1000
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.runs.jsonl           (append-only JSON Lines)
//   - <prefix>.items.snapshot.json  (periodic snapshot)
//   - <prefix>.items.journal.jsonl  (append-only journal)
//
// The last fileRecentRuns runs are kept in memory for RecentRuns. The item
// journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsFile *os.File
	recent   []RunRecord // oldest first

	itemsSnapshotPath string
	itemsJournalFile  *os.File
	items             map[int64]Item
	itemWrites        int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	runsPath := prefix + ".runs.jsonl"
	snapPath := prefix + ".items.snapshot.json"
	journalPath := prefix + ".items.journal.jsonl"

	recent, err := loadRecentRuns(runsPath, fileRecentRuns)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run history unreadable; starting empty", logx.Err(err))
	}
	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	items := map[int64]Item{}
	if err := loadItemsSnapshot(snapPath, items); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("item snapshot unreadable", logx.Err(err))
	}
	if err := replayItemsJournal(journalPath, items); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("item journal unreadable", logx.Err(err))
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, err
	}

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("runs", len(recent)), logx.Int("items", len(items)))
	return &fileStore{
		log:               log,
		runsFile:          rf,
		recent:            recent,
		itemsSnapshotPath: snapPath,
		itemsJournalFile:  jf,
		items:             items,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.runsFile != nil {
		errs = append(errs, s.runsFile.Close())
		s.runsFile = nil
	}
	if s.itemsJournalFile != nil {
		if s.itemWrites > 0 {
			errs = append(errs, s.compactLocked())
		}
		errs = append(errs, s.itemsJournalFile.Close())
		s.itemsJournalFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.Finished.IsZero() {
		r.Finished = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.runsFile).Encode(r); err != nil {
		return err
	}
	s.recent = append(s.recent, r)
	if len(s.recent) > fileRecentRuns {
		s.recent = append(s.recent[:0], s.recent[len(s.recent)-fileRecentRuns:]...)
	}
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, q RunQuery) ([]RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil, ErrClosed
	}
	out := make([]RunRecord, 0, q.limit())
	for i := len(s.recent) - 1; i >= 0 && len(out) < q.limit(); i-- {
		if q.match(s.recent[i]) {
			out = append(out, s.recent[i])
		}
	}
	return out, nil
}

func (s *fileStore) UpsertItems(ctx context.Context, items []Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.itemsJournalFile == nil {
		return ErrClosed
	}
	now := time.Now()
	for _, it := range items {
		if old, ok := s.items[it.ID]; ok {
			it = old.merge(it)
		}
		if it.UpdatedAt.IsZero() {
			it.UpdatedAt = now
		}
		if err := s.putLocked(it); err != nil {
			return err
		}
	}
	return nil
}

func (s *fileStore) Item(ctx context.Context, id int64) (Item, bool, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	return it, ok, nil
}

func (s *fileStore) MarkStored(ctx context.Context, id int64, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.itemsJournalFile == nil {
		return ErrClosed
	}
	it, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	it.StoredURL = url
	it.Usable = true
	it.UpdatedAt = time.Now()
	return s.putLocked(it)
}

// putLocked journals it and updates the in-memory index.
func (s *fileStore) putLocked(it Item) error {
	if err := json.NewEncoder(s.itemsJournalFile).Encode(it); err != nil {
		return err
	}
	s.items[it.ID] = it
	s.itemWrites++
	if s.itemWrites%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("item compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.itemsSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	list := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		list = append(list, it)
	}
	if err := json.NewEncoder(f).Encode(list); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.itemsSnapshotPath); err != nil {
		return err
	}
	if err := s.itemsJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.itemsJournalFile.Seek(0, 2)
	return err
}

func loadRecentRuns(path string, keep int) ([]RunRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		out = append(out, r)
		if len(out) > 2*keep {
			out = append(out[:0], out[len(out)-keep:]...)
		}
	}
	if len(out) > keep {
		out = out[len(out)-keep:]
	}
	return out, sc.Err()
}

func loadItemsSnapshot(path string, out map[int64]Item) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var list []Item
	if err := json.NewDecoder(f).Decode(&list); err != nil {
		return err
	}
	for _, it := range list {
		out[it.ID] = it
	}
	return nil
}

func replayItemsJournal(path string, out map[int64]Item) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var it Item
		if err := json.Unmarshal(sc.Bytes(), &it); err != nil || it.ID == 0 {
			continue
		}
		out[it.ID] = it
	}
	return sc.Err()
}
