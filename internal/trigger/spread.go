package trigger

import (
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays the first fire of an interval schedule and then
// delegates to the base schedule.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// jitterSource is a mutex-guarded rand shared by spreads and fire jitter.
type jitterSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newJitterSource() *jitterSource {
	return &jitterSource{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// upTo returns a random duration in [0, max), mixed with tag so schedules
// registered in the same instant do not line up.
func (j *jitterSource) upTo(max time.Duration, tag string) time.Duration {
	if max <= 0 {
		return 0
	}
	j.mu.Lock()
	n := j.rng.Int63()
	j.mu.Unlock()
	n ^= int64(fnv64a(tag) >> 1)
	if n < 0 {
		n = -n
	}
	return time.Duration(n % int64(max))
}

func intervalWithSpread(every time.Duration, now time.Time, tag string, js *jitterSource) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spreadMax := every
	if spreadMax > maxStartupSpread {
		spreadMax = maxStartupSpread
	}
	if spreadMax <= 0 {
		return base, 0
	}
	spread := js.upTo(spreadMax, tag)
	return &spreadSchedule{base: base, first: now.Add(every + spread)}, spread
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
