package trigger

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mirrord/internal/jobpool"
	logx "mirrord/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// Submitter is the part of a pool a schedule fires into.
type Submitter interface {
	Name() string
	Submit(job jobpool.Job, opts ...jobpool.SubmitOption)
}

// Options tune a single schedule.
type Options struct {
	// Jitter delays each fire by a random amount in [0, Jitter).
	Jitter time.Duration
	// Timeout bounds each run; zero leaves the job unbounded.
	Timeout time.Duration
}

type scheduleDef struct {
	name    string
	spec    string // robfig/cron syntax
	pool    Submitter
	job     jobpool.Job
	opt     Options
	entryID cron.EntryID
	spread  time.Duration
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	stop   chan struct{}
	defs   []scheduleDef
	jitter *jitterSource

	statsMu sync.Mutex
	stats   map[string]*fireStats
}

type fireStats struct {
	fires uint64
	last  time.Time
}

// ScheduleInfo describes a registered schedule.
type ScheduleInfo struct {
	Name   string        `json:"name"`
	Spec   string        `json:"spec"`
	Pool   string        `json:"pool"`
	Jitter time.Duration `json:"jitter,omitempty"`
	Spread time.Duration `json:"spread,omitempty"`
	Next   time.Time     `json:"next,omitempty"`
	Prev   time.Time     `json:"prev,omitempty"`
	Fires  uint64        `json:"fires"`
	Last   time.Time     `json:"last,omitempty"`
}
