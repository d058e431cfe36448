// Package supervisor manages goroutines tied to a shared context.
//
//   - Named goroutines (for logging/debug)
//   - Panic recovery
//   - Optional cancel-on-first-error
//   - Graceful stop with timeout-aware waiting
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"msgfleet/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	// Counters are best-effort operational metrics.
	started uint64
	active  int64

	log         logx.Logger
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // stores error
	doneOnce    sync.Once
	doneCh      chan struct{}
	wg          sync.WaitGroup
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first non-nil
// error returned by any goroutine.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	v := s.firstErr.Load()
	if v == nil {
		return nil
	}
	if err, ok := v.(error); ok {
		return err
	}
	return nil
}

// Active reports how many supervised goroutines are currently running.
func (s *Supervisor) Active() int64 {
	if s == nil {
		return 0
	}
	return atomic.LoadInt64(&s.active)
}

// Go starts fn under the supervisor. Panics are recovered and recorded as
// errors. The name is used only for logging.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)

	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)

		err := s.run(name, fn)
		if err != nil && err != context.Canceled {
			s.record(err)
			if !s.log.IsZero() {
				s.log.Error("goroutine exited with error", logx.String("name", name), logx.Err(err))
			}
		}
	}()
}

func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", name, r)
			if !s.log.IsZero() {
				s.log.Error("goroutine panic",
					logx.String("name", name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) record(err error) {
	s.errOnce.Do(func() {
		s.firstErr.Store(err)
		if s.cancelOnErr {
			s.cancel()
		}
	})
}

// Stop cancels the context and waits for all goroutines, or returns early
// when ctx expires (goroutines keep draining in the background).
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()

	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-s.doneCh:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once all supervised goroutines have exited after Stop.
func (s *Supervisor) Done() <-chan struct{} { return s.doneCh }
