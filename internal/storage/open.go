package storage

import (
	"context"
	"errors"
	"strings"

	logx "mirrord/pkg/logx"
)

// Store is the persistence API used by the app and the mirror service.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns matching runs, newest first.
	RecentRuns(ctx context.Context, q RunQuery) ([]RunRecord, error)
	UpsertItems(ctx context.Context, items []Item) error
	Item(ctx context.Context, id int64) (Item, bool, error)
	// MarkStored records the object storage URL of an item's asset.
	MarkStored(ctx context.Context, id int64, url string) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
