package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
	ErrNotFound = errors.New("item not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is one finished (or discarded) job run.
type RunRecord struct {
	Pool      string        `json:"pool"`
	JobID     string        `json:"job_id"`
	RunID     string        `json:"run_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	Submitted time.Time     `json:"submitted"`
	Started   time.Time     `json:"started,omitempty"`
	Finished  time.Time     `json:"finished"`
	Duration  time.Duration `json:"duration"`
}

// RunQuery filters RecentRuns. Zero fields match everything.
type RunQuery struct {
	Pool  string
	JobID string
	Limit int // default 50
}

func (q RunQuery) limit() int {
	if q.Limit <= 0 {
		return 50
	}
	return q.Limit
}

func (q RunQuery) match(r RunRecord) bool {
	return (q.Pool == "" || q.Pool == r.Pool) && (q.JobID == "" || q.JobID == r.JobID)
}

// Item is a mirrored content entry. SourceURL points at the upstream asset;
// StoredURL is set once the asset has been transferred to object storage.
type Item struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Author    string    `json:"author,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	Rank      int       `json:"rank,omitempty"`
	SourceURL string    `json:"source_url,omitempty"`
	StoredURL string    `json:"stored_url,omitempty"`
	Usable    bool      `json:"usable"`
	UpdatedAt time.Time `json:"updated_at"`
}

// merge applies an upstream refresh to a stored item. Transfer state is kept.
func (it Item) merge(fresh Item) Item {
	fresh.StoredURL = it.StoredURL
	fresh.Usable = it.Usable
	if fresh.SourceURL != it.SourceURL && it.SourceURL != "" {
		// A new upstream asset invalidates the stored copy.
		fresh.StoredURL = ""
		fresh.Usable = false
	}
	return fresh
}
