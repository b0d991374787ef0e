package app

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mirrord/internal/eventbus"
	"mirrord/internal/jobpool"
	"mirrord/internal/storage"
	logx "mirrord/pkg/logx"
)

const (
	historyPrefix = "job."
	historyBuffer = 512
)

// persistHistory stores every terminal job event as a run record. On
// cancel it drains what is already buffered so shutdown outcomes are kept.
func (a *App) persistHistory(ctx context.Context, events <-chan eventbus.Event) {
	write := func(e eventbus.Event) {
		if !e.Terminal() {
			return
		}
		ev, ok := e.Data.(jobpool.JobEvent)
		if !ok {
			return
		}
		wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.store.AppendRun(wctx, runRecord(e, ev)); err != nil {
			a.log.Warn("run history write failed", logx.String("job", ev.ID), logx.Err(err))
		}
	}
	for {
		select {
		case e := <-events:
			write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-events:
					write(e)
				default:
					return
				}
			}
		}
	}
}

func newDroppedCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirrord",
		Subsystem: "eventbus",
		Name:      "dropped_events_total",
		Help:      "Events a full subscriber missed.",
	}, []string{"subscriber"})
}

// busDropped counts missed events per subscriber. A missed terminal job
// event is a lost run record, so it is logged too.
func (a *App) busDropped(prefix string, e eventbus.Event) {
	label := prefix
	if label == "" {
		label = "all"
	}
	a.dropped.WithLabelValues(label).Inc()
	if prefix == historyPrefix && e.Terminal() {
		fields := []logx.Field{logx.String("type", e.Type)}
		if ev, ok := e.Data.(jobpool.JobEvent); ok {
			fields = append(fields, logx.String("pool", ev.Pool), logx.String("job", ev.ID))
		}
		a.log.Warn("run history event dropped", fields...)
	}
}

func runRecord(e eventbus.Event, ev jobpool.JobEvent) storage.RunRecord {
	outcome := ev.Outcome
	if outcome == "" {
		outcome = strings.TrimPrefix(e.Type, "job.")
	}
	finished := e.Time
	if finished.IsZero() {
		finished = time.Now()
	}
	return storage.RunRecord{
		Pool:      ev.Pool,
		JobID:     ev.ID,
		RunID:     ev.RunID,
		Name:      ev.Name,
		Outcome:   outcome,
		Error:     ev.Error,
		Submitted: ev.Submitted,
		Started:   ev.Started,
		Finished:  finished,
		Duration:  ev.Duration,
	}
}
