package download

import (
	"context"
	"errors"
	"sync"

	"dlwatch/internal/engine"
	"dlwatch/internal/logging"
)

// Listener reacts to the engine's push completion signal. It never writes to
// a stream: when it wins the registry removal it hands the terminal outcome
// to the task's poller through the entry's finish slot.
type Listener struct {
	src engine.Source
	reg *Registry
	wg  sync.WaitGroup
}

func NewListener(src engine.Source, reg *Registry) *Listener {
	return &Listener{src: src, reg: reg}
}

// HandleCompletion processes one completion signal for id. Signals for ids
// that are not live are ignored.
func (l *Listener) HandleCompletion(ctx context.Context, id engine.TaskID) {
	e, ok := l.reg.Lookup(id)
	logging.LogCompletionSignal(string(id), ok)
	if !ok {
		return
	}

	snap, err := l.src.Query(ctx, id)
	if err != nil {
		if !errors.Is(err, engine.ErrUnavailable) {
			logging.LogQueryError(string(id), 1, err)
			return
		}
		if l.reg.Remove(id, e) {
			e.finish <- outcome{err: stateLost(id, nil), source: sourceSignal}
			removeFromSource(ctx, l.src, id)
		}
		return
	}

	if snap.Status != engine.StatusSuccessful {
		if l.reg.Remove(id, e) {
			e.finish <- outcome{err: transferFailed(id, snap), source: sourceSignal}
		}
		return
	}

	if l.reg.Remove(id, e) {
		e.finish <- completed(id, snap, sourceSignal)
	}
}

// Run handles every id received on signals, each in its own goroutine, until
// ctx ends or signals is closed. It waits for in-flight handlers before
// returning.
func (l *Listener) Run(ctx context.Context, signals <-chan engine.TaskID) error {
	defer l.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case id, ok := <-signals:
			if !ok {
				return nil
			}
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				l.HandleCompletion(ctx, id)
			}()
		}
	}
}
