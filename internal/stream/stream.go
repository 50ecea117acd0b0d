// Package stream provides a single-consumer event stream that ends with
// exactly one outcome: a final value, a failure, or cancellation.
//
// A Stream has one producer goroutine. The producer calls Send for
// intermediate values and then exactly one of Finish, Fail or Abort. The
// consumer ranges over C and inspects Err once the channel is closed.
package stream

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrCanceled is reported by Err when the consumer canceled the stream.
	ErrCanceled = errors.New("stream_canceled")

	// ErrNoMatch is returned by First when the stream ended cleanly without a
	// value accepted by the pick function.
	ErrNoMatch = errors.New("stream_no_match")
)

// DefaultBuffer is the channel capacity used when New is given a
// non-positive buffer.
const DefaultBuffer = 16

// Stream carries values of type T from one producer to one consumer.
type Stream[T any] struct {
	ch       chan T
	canceled chan struct{}
	done     chan struct{}

	cancelOnce sync.Once

	mu     sync.Mutex
	closed bool
	err    error
}

// New creates an open stream.
func New[T any](buffer int) *Stream[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Stream[T]{
		ch:       make(chan T, buffer),
		canceled: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// C returns the receive side. It is closed after the terminal outcome.
func (s *Stream[T]) C() <-chan T { return s.ch }

// Done is closed together with C.
func (s *Stream[T]) Done() <-chan struct{} { return s.done }

// Canceled is closed once the consumer calls Cancel.
func (s *Stream[T]) Canceled() <-chan struct{} { return s.canceled }

// Cancel tells the producer the consumer is gone. Safe to call repeatedly
// and after the stream has closed.
func (s *Stream[T]) Cancel() {
	s.cancelOnce.Do(func() { close(s.canceled) })
}

// Err reports how the stream ended: nil after Finish, the failure after
// Fail, ErrCanceled after Abort. It returns nil while the stream is open.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Closed reports whether a terminal outcome has been recorded.
func (s *Stream[T]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Send delivers v, blocking until the consumer has buffer room or cancels.
// It returns false when v was not delivered.
func (s *Stream[T]) Send(v T) bool {
	if s.Closed() || s.isCanceled() {
		return false
	}
	select {
	case s.ch <- v:
		return true
	case <-s.canceled:
		return false
	}
}

// Finish delivers v as the last value and closes the stream. It returns
// false if the stream was already closed.
func (s *Stream[T]) Finish(v T) bool {
	if s.Closed() {
		return false
	}
	if !s.Send(v) {
		return s.close(ErrCanceled)
	}
	return s.close(nil)
}

// Fail closes the stream with err. A canceled stream keeps ErrCanceled.
func (s *Stream[T]) Fail(err error) bool {
	if s.isCanceled() {
		return s.close(ErrCanceled)
	}
	return s.close(err)
}

// Abort closes the stream after consumer cancellation.
func (s *Stream[T]) Abort() bool {
	return s.close(ErrCanceled)
}

func (s *Stream[T]) close(err error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.err = err
	s.mu.Unlock()

	close(s.ch)
	close(s.done)
	return true
}

func (s *Stream[T]) isCanceled() bool {
	select {
	case <-s.canceled:
		return true
	default:
		return false
	}
}

// Source is the consumer view of a stream.
type Source[T any] interface {
	C() <-chan T
	Err() error
	Cancel()
}

// First consumes src until pick accepts a value and returns the picked
// result. The stream is canceled on return so the producer can release its
// resources. A stream that fails yields its error; one that ends cleanly
// without a match yields ErrNoMatch.
func First[T, R any](ctx context.Context, src Source[T], pick func(T) (R, bool)) (R, error) {
	var zero R
	defer src.Cancel()
	for {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case v, ok := <-src.C():
			if !ok {
				if err := src.Err(); err != nil {
					return zero, err
				}
				return zero, ErrNoMatch
			}
			if r, ok := pick(v); ok {
				return r, nil
			}
		}
	}
}
