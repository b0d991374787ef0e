package trigger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"mirrord/internal/jobpool"
	logx "mirrord/pkg/logx"
)

// AddSchedule registers job to be submitted into pool on every fire of
// schedule. A schedule with the same name is replaced.
func (s *Service) AddSchedule(name, schedule string, pool Submitter, job jobpool.Job, opt Options) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if pool == nil || job == nil {
		return fmt.Errorf("schedule %s: pool and job required", name)
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	spec := ps.CronSpec()
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(spec); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{name: name, spec: spec, pool: pool, job: job, opt: opt})
	if s.c == nil {
		// Armed on Start.
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.armLocked(d); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	fields := []logx.Field{logx.String("schedule", name), logx.String("spec", spec), logx.String("pool", pool.Name())}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return nil
}

// Remove unregisters the schedule called name. It reports whether one existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("schedule", name))
	}
	return removed
}

// RemoveAll unregisters every schedule; used before re-applying config.
func (s *Service) RemoveAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
	}
	s.defs = nil
}

// RunNow submits the schedule's job immediately, outside its timetable.
func (s *Service) RunNow(name string) bool {
	s.mu.Lock()
	var (
		d  scheduleDef
		ok bool
	)
	for _, cand := range s.defs {
		if cand.name == name {
			d, ok = cand, true
			break
		}
	}
	s.mu.Unlock()
	if ok {
		s.submit(d)
	}
	return ok
}

// Schedules returns registered schedules sorted by name.
func (s *Service) Schedules() []ScheduleInfo {
	s.mu.Lock()
	defs := append([]scheduleDef(nil), s.defs...)
	c := s.c
	s.mu.Unlock()

	out := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		info := ScheduleInfo{
			Name:   d.name,
			Spec:   d.spec,
			Pool:   d.pool.Name(),
			Jitter: d.opt.Jitter,
			Spread: d.spread,
		}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		s.statsMu.Lock()
		if st := s.stats[d.name]; st != nil {
			info.Fires, info.Last = st.fires, st.last
		}
		s.statsMu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) removeLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

// armLocked registers d with the running cron. Interval schedules get a
// startup spread.
func (s *Service) armLocked(d *scheduleDef) error {
	def := *d
	stop := s.stop
	job := cron.FuncJob(func() {
		if def.opt.Jitter > 0 {
			select {
			case <-time.After(s.jitter.upTo(def.opt.Jitter, def.name)):
			case <-stop:
				return
			}
		}
		s.submit(def)
	})

	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(every); err == nil && dur > 0 {
			sched, spread := intervalWithSpread(dur, time.Now().In(s.loc), d.name, s.jitter)
			d.spread = spread
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}
	d.spread = 0
	id, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

// submit hands one fire to the pool. The schedule name is the job
// identity, so a fire is dropped while the previous one is in flight.
func (s *Service) submit(d scheduleDef) {
	job := d.job
	if d.opt.Timeout > 0 {
		job = jobpool.WithTimeout(job, d.opt.Timeout)
	}
	d.pool.Submit(job, jobpool.WithID(d.name), jobpool.WithName(d.name))

	s.statsMu.Lock()
	st := s.stats[d.name]
	if st == nil {
		st = &fireStats{}
		s.stats[d.name] = st
	}
	st.fires++
	st.last = time.Now()
	s.statsMu.Unlock()
	s.log.Debug("schedule fired", logx.String("schedule", d.name), logx.String("pool", d.pool.Name()))
}

// previewNextRunsLocked lists the next n fire times when debug logging is on.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
