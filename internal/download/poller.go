package download

import (
	"context"
	"errors"
	"time"

	"dlwatch/internal/engine"
	"dlwatch/internal/logging"
)

// removeTimeout bounds best-effort engine cleanup after the task context ended.
const removeTimeout = 5 * time.Second

// poller samples one task on a fixed interval. It is the only goroutine that
// writes to the task's stream.
type poller struct {
	src       engine.Source
	reg       *Registry
	e         *Entry
	interval  time.Duration
	maxErrors int
	hooks     Hooks
}

func (p *poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	lastPercent := -1
	for {
		select {
		case o := <-p.e.finish:
			p.deliver(o)
			return
		case <-ctx.Done():
			p.release()
			return
		case <-p.e.sink.Canceled():
			p.release()
			return
		case <-ticker.C:
		}

		if !p.reg.Live(p.e) {
			p.deliver(<-p.e.finish)
			return
		}

		snap, err := p.src.Query(ctx, p.e.id)
		if err != nil {
			if ctx.Err() != nil {
				p.release()
				return
			}
			if errors.Is(err, engine.ErrUnavailable) {
				p.conclude(ctx, outcome{err: stateLost(p.e.id, nil), source: sourcePoll})
				return
			}
			failures++
			logging.LogQueryError(string(p.e.id), failures, err)
			if failures >= p.maxErrors {
				p.conclude(ctx, outcome{err: stateLost(p.e.id, err), source: sourcePoll})
				return
			}
			continue
		}
		failures = 0

		switch snap.Status {
		case engine.StatusSuccessful:
			p.conclude(ctx, completed(p.e.id, snap, sourcePoll))
			return
		case engine.StatusFailed:
			p.conclude(ctx, outcome{err: transferFailed(p.e.id, snap), source: sourcePoll})
			return
		}

		percent := snap.Percent()
		if percent != lastPercent {
			lastPercent = percent
			p.e.percent.Store(int32(percent))
			logging.LogTaskProgress(string(p.e.id), percent, snap.BytesDownloaded, snap.BytesTotal)
			if p.hooks != nil {
				p.hooks.OnProgress(p.e.id, percent)
			}
		}
		if !p.reg.Live(p.e) {
			p.deliver(<-p.e.finish)
			return
		}
		// A false Send means the consumer canceled; the next loop releases.
		p.e.sink.Send(Event{Percent: percent})
	}
}

// conclude tries to win the registry removal for o. When the listener got
// there first its outcome is delivered instead.
func (p *poller) conclude(ctx context.Context, o outcome) {
	if !p.reg.Remove(p.e.id, p.e) {
		p.deliver(<-p.e.finish)
		return
	}
	if errors.Is(o.err, ErrStateLost) {
		removeFromSource(ctx, p.src, p.e.id)
	}
	p.deliver(o)
}

// release drops the entry after the consumer went away. The engine transfer
// keeps running.
func (p *poller) release() {
	if !p.reg.Remove(p.e.id, p.e) {
		// The listener already owns the terminal outcome; record it, the
		// consumer will not see it.
		o := <-p.e.finish
		p.report(o)
		p.e.sink.Abort()
		return
	}
	logging.LogTaskReleased(string(p.e.id))
	p.e.sink.Abort()
}

func (p *poller) deliver(o outcome) {
	p.report(o)
	if o.err != nil {
		p.e.sink.Fail(o.err)
		return
	}
	p.e.sink.Finish(o.event)
}

func (p *poller) report(o outcome) {
	id := p.e.id
	if o.err != nil {
		logging.LogTaskError(string(id), o.source, o.err)
		if p.hooks != nil {
			state := StateFailed
			if errors.Is(o.err, ErrStateLost) {
				state = StateLost
			}
			p.hooks.OnStateChange(id, state, "", o.err.Error())
		}
		return
	}

	p.e.percent.Store(100)
	logging.LogTaskComplete(string(id), o.event.Path, o.source)
	if p.hooks != nil {
		p.hooks.OnStateChange(id, StateCompleted, o.event.Path, "")
		if p.e.notify {
			p.hooks.OnNotify(id, o.event.Path)
		}
	}
}

func removeFromSource(ctx context.Context, src engine.Source, id engine.TaskID) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
	defer cancel()
	if err := src.Remove(rctx, id); err != nil {
		logging.With(ctx).Warn("engine remove failed", "event", "task_remove_error", "task_id", string(id), "error", err)
	}
}
