package jobpool

import (
	"context"
	"errors"

	logx "mirrord/pkg/logx"
)

// reap receives finished runs, reports them and hands the slot back to the actor.
func (p *Pool) reap(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-p.results:
			o := p.report(r)
			p.send(func(st *poolState) { p.reclaim(st, r, o) })
		}
	}
}

func (p *Pool) report(r result) Outcome {
	e := r.exec
	err := r.err
	o := Classify(err)
	var failed *JobFailedError
	if o == OutcomeFailed && !errors.As(err, &failed) {
		failed = &JobFailedError{ID: e.id, Err: err}
		err = failed
	}
	took := r.finished.Sub(e.started)

	fields := []logx.Field{
		logx.String("job", e.id),
		logx.String("run", e.runID),
		logx.Duration("took", took),
	}
	switch o {
	case OutcomeSucceeded:
		p.log.Debug("job succeeded", fields...)
	case OutcomeCancelled:
		p.log.Warn("job cancelled", append(fields, logx.Err(err))...)
	case OutcomeTimedOut:
		p.log.Warn("job timed out", append(fields, logx.Err(err))...)
	default:
		if failed.Stack != "" {
			fields = append(fields, logx.Stack(failed.Stack))
		}
		p.log.Error("job failed", append(fields, logx.Err(err))...)
	}

	p.metrics.finished(p.name, o, took)
	ev := e.event()
	ev.Outcome = o.String()
	ev.Duration = took
	if err != nil {
		ev.Error = err.Error()
	}
	p.publish("job."+o.String(), ev)
	return o
}
