// Package stream provides a cold, cancellable push sequence.
//
// A Stream does nothing until it is consumed. The first consumer starts the Producer,
// which pushes through an Emitter:
//
//	Ready()      production has started (distinguishes "no data yet" from "never")
//	Next(v)      one item, delivered in push order
//	Close(err)   completion; err == nil is success
//
// The consumer either registers callbacks with Subscribe or pulls items with Recv,
// and may cancel early with Close. Whatever ends the stream, the cleanup function
// returned by the Producer runs exactly once.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

var (
	// ErrCanceled is the terminal error of a stream closed by its consumer.
	ErrCanceled = errors.New("stream: canceled")
	// ErrAlreadySubscribed is returned when a second consumer attaches to a stream.
	ErrAlreadySubscribed = errors.New("stream: already subscribed")
)

// Producer starts production and returns an optional cleanup func.
// It must not block; long-running producers spawn their own goroutine.
type Producer[T any] func(e *Emitter[T]) (cleanup func())

// Observer receives stream events. Any callback may be nil.
// Callbacks run on the producer's goroutine and should not block.
type Observer[T any] struct {
	OnReady func()
	OnNext  func(T)
	OnClose func(err error)
}

// Stream is a single-consumer push sequence.
type Stream[T any] struct {
	produce Producer[T]

	mu         sync.Mutex
	subscribed bool
	recvMode   bool
	done       bool
	err        error
	cleanup    func()
	obs        Observer[T]
	queue      []T // Recv buffer, unbounded

	readyOnce sync.Once
	ready     chan struct{}
	doneCh    chan struct{}
	notify    chan struct{}
}

// New returns a stream that runs produce on first consumption.
func New[T any](produce Producer[T]) *Stream[T] {
	return &Stream[T]{
		produce: produce,
		ready:   make(chan struct{}),
		doneCh:  make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
}

// Of returns a stream that signals ready, emits items in order and completes.
func Of[T any](items ...T) *Stream[T] {
	return New(func(e *Emitter[T]) func() {
		go func() {
			e.Ready()
			for _, item := range items {
				if !e.Next(item) {
					return
				}
			}
			e.Close(nil)
		}()
		return nil
	})
}

// Fail returns a stream that terminates with err as soon as it is consumed.
func Fail[T any](err error) *Stream[T] {
	return New(func(e *Emitter[T]) func() {
		e.Close(err)
		return nil
	})
}

// Subscribe attaches obs and starts the producer.
// Subscribing to a stream that was already closed by its consumer is a no-op.
func (s *Stream[T]) Subscribe(obs Observer[T]) error {
	s.mu.Lock()
	if s.subscribed {
		s.mu.Unlock()
		return ErrAlreadySubscribed
	}
	s.subscribed = true
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.obs = obs
	s.mu.Unlock()

	cleanup := s.produce(&Emitter[T]{s: s})

	s.mu.Lock()
	if s.done {
		// The producer finished synchronously; finish() had nothing to clean up yet.
		s.mu.Unlock()
		if cleanup != nil {
			cleanup()
		}
		return nil
	}
	s.cleanup = cleanup
	s.mu.Unlock()
	return nil
}

// Recv returns the next item. It returns io.EOF after successful completion,
// ErrCanceled after Close, or the producer's error. The first Recv starts the producer.
func (s *Stream[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	if err := s.startRecv(); err != nil {
		return zero, err
	}
	for {
		s.mu.Lock()
		if s.done && errors.Is(s.err, ErrCanceled) {
			s.mu.Unlock()
			return zero, ErrCanceled
		}
		if len(s.queue) > 0 {
			v := s.queue[0]
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return v, nil
		}
		if s.done {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return zero, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.doneCh:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func (s *Stream[T]) startRecv() error {
	s.mu.Lock()
	if s.recvMode {
		s.mu.Unlock()
		return nil
	}
	if s.subscribed {
		s.mu.Unlock()
		return ErrAlreadySubscribed
	}
	s.recvMode = true
	s.mu.Unlock()

	return s.Subscribe(Observer[T]{OnNext: s.enqueue})
}

func (s *Stream[T]) enqueue(v T) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Close cancels the stream. The producer's cleanup runs; observers are not notified.
// Closing an already terminated stream has no effect.
func (s *Stream[T]) Close() {
	s.finish(ErrCanceled, false)
}

// Ready is closed once the producer has signalled Ready.
func (s *Stream[T]) Ready() <-chan struct{} { return s.ready }

// Done is closed when the stream terminates for any reason.
func (s *Stream[T]) Done() <-chan struct{} { return s.doneCh }

// Err returns the terminal error: nil while running or after successful completion.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream[T]) finish(err error, notify bool) bool {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return false
	}
	s.done = true
	s.err = err
	cleanup := s.cleanup
	s.cleanup = nil
	obs := s.obs
	close(s.doneCh)
	s.mu.Unlock()

	if notify && obs.OnClose != nil {
		obs.OnClose(err)
	}
	if cleanup != nil {
		cleanup()
	}
	return true
}

// Emitter is the producer's handle on a stream.
type Emitter[T any] struct {
	s *Stream[T]
}

// Ready signals that production has started. Only the first call has an effect.
func (e *Emitter[T]) Ready() {
	s := e.s
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	obs := s.obs
	s.mu.Unlock()

	s.readyOnce.Do(func() {
		close(s.ready)
		if obs.OnReady != nil {
			obs.OnReady()
		}
	})
}

// Next delivers one item. It reports false once the stream has terminated,
// which tells the producer to stop.
func (e *Emitter[T]) Next(v T) bool {
	s := e.s
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return false
	}
	obs := s.obs
	s.mu.Unlock()

	if obs.OnNext != nil {
		obs.OnNext(v)
	}
	return true
}

// Close terminates the stream; err == nil means successful completion.
// It reports false if the stream had already terminated.
func (e *Emitter[T]) Close(err error) bool {
	return e.s.finish(err, true)
}

// Done is closed when the stream terminates, including consumer cancellation.
func (e *Emitter[T]) Done() <-chan struct{} { return e.s.doneCh }

// Collect drains s with Recv until it terminates. A successful completion returns a nil error.
func Collect[T any](ctx context.Context, s *Stream[T]) ([]T, error) {
	var items []T
	for {
		v, err := s.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return items, nil
		}
		if err != nil {
			return items, err
		}
		items = append(items, v)
	}
}
