package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dlwatch/internal/engine"
	"dlwatch/internal/logging"
	"dlwatch/internal/stream"
)

const (
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultMaxQueryErrors = 5
)

// Options configures a Tracker. Zero values select the defaults.
type Options struct {
	PollInterval   time.Duration
	MaxQueryErrors int
	// Buffer is the channel capacity of each stream.
	Buffer int
	Hooks  Hooks
}

// Tracker enqueues transfers on an engine and streams their progress until
// each one ends exactly once.
type Tracker struct {
	src      engine.Source
	reg      *Registry
	listener *Listener
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewTracker creates a tracker observing src.
func NewTracker(src engine.Source, opts Options) *Tracker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxQueryErrors <= 0 {
		opts.MaxQueryErrors = DefaultMaxQueryErrors
	}
	if opts.Buffer <= 0 {
		opts.Buffer = stream.DefaultBuffer
	}
	reg := NewRegistry(0, opts.Buffer)
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		src:      src,
		reg:      reg,
		listener: NewListener(src, reg),
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start enqueues req and returns its progress stream. The stream ends when
// the transfer ends, when the caller cancels it, or when ctx is done.
func (t *Tracker) Start(ctx context.Context, req engine.Request) (*Stream, error) {
	if t.stopped() {
		return nil, ErrShuttingDown
	}
	id, err := t.src.Enqueue(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	s, err := t.watch(ctx, id, req)
	if errors.Is(err, ErrShuttingDown) {
		// Nothing will observe the task we just enqueued.
		removeFromSource(ctx, t.src, id)
	}
	return s, err
}

// Fetch enqueues req and waits for the final file path.
func (t *Tracker) Fetch(ctx context.Context, req engine.Request) (string, error) {
	s, err := t.Start(ctx, req)
	if err != nil {
		return "", err
	}
	return stream.First[Event](ctx, s, func(ev Event) (string, bool) {
		return ev.Path, ev.Terminal()
	})
}

// Watch streams progress for a task that was enqueued earlier, e.g. before a
// restart.
func (t *Tracker) Watch(ctx context.Context, id engine.TaskID) (*Stream, error) {
	return t.watch(ctx, id, engine.Request{})
}

func (t *Tracker) watch(ctx context.Context, id engine.TaskID, req engine.Request) (*Stream, error) {
	e, err := t.reg.Register(id, req)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}

	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		t.reg.Remove(id, e)
		return nil, ErrShuttingDown
	}
	t.wg.Add(1)
	t.mu.Unlock()

	logging.LogTaskRegistered(string(id), req.URL)
	if t.opts.Hooks != nil {
		t.opts.Hooks.OnStart(id, req)
	}

	pctx, cancel := context.WithCancel(t.ctx)
	stop := context.AfterFunc(ctx, cancel)
	// A poller blocked on a full buffer only wakes up through the sink.
	unbind := context.AfterFunc(pctx, e.sink.Cancel)
	p := &poller{
		src:       t.src,
		reg:       t.reg,
		e:         e,
		interval:  t.opts.PollInterval,
		maxErrors: t.opts.MaxQueryErrors,
		hooks:     t.opts.Hooks,
	}
	go func() {
		defer t.wg.Done()
		defer cancel()
		defer stop()
		defer unbind()
		p.run(pctx)
	}()

	return &Stream{Stream: e.sink, ID: id}, nil
}

// HandleCompletion forwards one push completion signal to the listener.
func (t *Tracker) HandleCompletion(ctx context.Context, id engine.TaskID) {
	t.listener.HandleCompletion(ctx, id)
}

// Listener exposes the completion listener so it can be run on a signal
// channel.
func (t *Tracker) Listener() *Listener { return t.listener }

// Active returns the live tasks.
func (t *Tracker) Active() []ActiveTask {
	return t.reg.Snapshot("")
}

// StopAccepting makes Start and Watch return ErrShuttingDown.
func (t *Tracker) StopAccepting() {
	t.mu.Lock()
	t.closing = true
	t.mu.Unlock()
}

// Shutdown stops accepting, releases every live stream and waits for the
// pollers to exit; safe to call multiple times. Engine transfers keep
// running.
func (t *Tracker) Shutdown() {
	t.StopAccepting()
	t.cancel()
	t.wg.Wait()
}

func (t *Tracker) stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}
