package mirror

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"time"

	"mirrord/internal/jobpool"
	"mirrord/internal/storage"
	logx "mirrord/pkg/logx"
)

const (
	TransferJobName = "mirror.transfer"
	RankingJobName  = "mirror.ranking"
	TrendingJobName = "mirror.trending"

	trendingMode = "trending"
	keyPrefix    = "mirror"
)

// Modes lists the ranking modes the upstream accepts.
var Modes = []string{
	"day", "week", "month", "day_male", "day_female",
	"week_original", "week_rookie", "day_manga", "day_r18",
	"day_male_r18", "day_female_r18", "week_r18", "week_r18g",
}

var ErrUnknownMode = errors.New("unknown ranking mode")

// Submitter is the part of the transfer pool the service needs.
type Submitter interface {
	Submit(job jobpool.Job, opts ...jobpool.SubmitOption)
}

type Service struct {
	src      Source
	store    storage.Store
	objects  ObjectStore
	transfer Submitter
	log      logx.Logger
	now      func() time.Time
}

func New(src Source, store storage.Store, objects ObjectStore, transfer Submitter, log logx.Logger) (*Service, error) {
	switch {
	case src == nil:
		return nil, errors.New("mirror: source is nil")
	case store == nil:
		return nil, errors.New("mirror: storage is required")
	case objects == nil:
		return nil, errors.New("mirror: object store is nil")
	case transfer == nil:
		return nil, errors.New("mirror: transfer pool is nil")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		src:      src,
		store:    store,
		objects:  objects,
		transfer: transfer,
		log:      log.With(logx.String("comp", "mirror")),
		now:      time.Now,
	}, nil
}

func validMode(mode string) bool {
	for _, m := range Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// SyncRanking refreshes one ranking and queues asset transfers.
// It returns the number of entries stored.
func (s *Service) SyncRanking(ctx context.Context, mode string) (int, error) {
	if !validMode(mode) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	entries, err := s.src.Ranking(ctx, mode)
	if err != nil {
		return 0, fmt.Errorf("ranking %s: %w", mode, err)
	}
	items := make([]storage.Item, 0, len(entries))
	for i, e := range entries {
		items = append(items, s.item(e, mode, i+1))
	}
	return s.persist(ctx, items)
}

// SyncTrending refreshes the trending tags and queues asset transfers.
func (s *Service) SyncTrending(ctx context.Context) (int, error) {
	tags, err := s.src.Trending(ctx)
	if err != nil {
		return 0, fmt.Errorf("trending: %w", err)
	}
	items := make([]storage.Item, 0, len(tags))
	for i, tt := range tags {
		it := s.item(tt.Entry, trendingMode, i+1)
		if tt.Tag != "" && !contains(it.Tags, tt.Tag) {
			it.Tags = append([]string{tt.Tag}, it.Tags...)
		}
		items = append(items, it)
	}
	return s.persist(ctx, items)
}

func (s *Service) item(e Entry, mode string, rank int) storage.Item {
	return storage.Item{
		ID:        e.ID,
		Title:     e.Title,
		Author:    e.Author,
		Tags:      e.Tags,
		Mode:      mode,
		Rank:      rank,
		SourceURL: e.ImageURL,
		UpdatedAt: s.now(),
	}
}

func (s *Service) persist(ctx context.Context, items []storage.Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	if err := s.store.UpsertItems(ctx, items); err != nil {
		return 0, fmt.Errorf("upsert items: %w", err)
	}
	queued := 0
	for _, it := range items {
		cur, ok, err := s.store.Item(ctx, it.ID)
		if err != nil {
			return len(items), err
		}
		if !ok || cur.Usable || cur.SourceURL == "" {
			continue
		}
		s.EnqueueTransfer(it.ID)
		queued++
	}
	s.log.Info("mirror sync stored items", logx.Int("items", len(items)), logx.Int("transfers", queued))
	return len(items), nil
}

// EnqueueTransfer submits a transfer for id. Repeated calls while one is
// pending or running are deduplicated by the pool.
func (s *Service) EnqueueTransfer(id int64) {
	s.transfer.Submit(jobpool.SyncFunc(func(ctx context.Context) error {
		return s.TransferAsset(ctx, id)
	}), jobpool.WithName(TransferJobName), jobpool.WithArgs(id))
}

// TransferAsset copies an item's asset into the object store and records
// its URL. Items already usable are skipped.
func (s *Service) TransferAsset(ctx context.Context, id int64) error {
	it, ok, err := s.store.Item(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("item %d: %w", id, storage.ErrNotFound)
	}
	if it.Usable || it.SourceURL == "" {
		return nil
	}
	key, err := objectKey(it.SourceURL)
	if err != nil {
		return fmt.Errorf("item %d: %w", id, err)
	}

	has, err := s.objects.Has(ctx, key)
	if err != nil {
		return fmt.Errorf("item %d: %w", id, err)
	}
	if !has {
		data, err := s.src.Download(ctx, it.SourceURL)
		if err != nil {
			return fmt.Errorf("item %d: %w", id, err)
		}
		if err := s.objects.Put(ctx, key, data); err != nil {
			return fmt.Errorf("item %d: put %s: %w", id, key, err)
		}
	}
	if err := s.store.MarkStored(ctx, id, s.objects.URL(key)); err != nil {
		return fmt.Errorf("item %d: %w", id, err)
	}
	s.log.Debug("asset stored", logx.Int64("item", id), logx.String("key", key), logx.Bool("reused", has))
	return nil
}

func objectKey(sourceURL string) (string, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return "", err
	}
	base := path.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		return "", fmt.Errorf("no file name in %q", sourceURL)
	}
	return path.Join(keyPrefix, base), nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
