// Package watchdog bounds a blocking open call with a wall-clock deadline.
// The guarded call runs on the caller's goroutine and is expected to poll a
// shared interrupt flag; a companion goroutine raises the flag once the
// deadline passes and is always joined before Guard returns.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrOpenTimeout is returned when the deadline fired before the guarded call
// returned.
var ErrOpenTimeout = errors.New("watchdog: open timed out")

type clock interface {
	NewTimer(d time.Duration) timer
}

type timer interface {
	C() <-chan time.Time
	Stop() bool
}

type realClock struct{}

func (realClock) NewTimer(d time.Duration) timer { return realTimer{time.NewTimer(d)} }

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// Watchdog guards open calls with a fixed timeout.
type Watchdog struct {
	log     *slog.Logger
	timeout time.Duration
	clock   clock
}

// New creates a Watchdog. A timeout <= 0 disables the deadline. If log is
// nil, slog.Default() is used.
func New(timeout time.Duration, log *slog.Logger) *Watchdog {
	if log == nil {
		log = slog.Default()
	}
	return &Watchdog{
		log:     log.With("component", "watchdog"),
		timeout: timeout,
		clock:   realClock{},
	}
}

// Guard runs open on the calling goroutine. If the timeout elapses or ctx is
// canceled first, flag is set to true so that open can abandon its work. Once
// the flag has been raised by the watchdog the result is ErrOpenTimeout
// (wrapping any error from open), even if open went on to succeed.
func (w *Watchdog) Guard(ctx context.Context, flag *atomic.Bool, open func() error) error {
	done := make(chan struct{})
	var fired atomic.Bool
	var canceled atomic.Bool

	var after <-chan time.Time
	if w.timeout > 0 {
		t := w.clock.NewTimer(w.timeout)
		defer t.Stop()
		after = t.C()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-done:
		case <-after:
			fired.Store(true)
			flag.Store(true)
			w.log.Warn("open deadline exceeded, interrupting", "timeout", w.timeout)
		case <-ctx.Done():
			canceled.Store(true)
			flag.Store(true)
		}
	}()

	err := open()
	close(done)
	wg.Wait()

	switch {
	case fired.Load() && err != nil:
		return fmt.Errorf("%w after %v: %w", ErrOpenTimeout, w.timeout, err)
	case fired.Load():
		return fmt.Errorf("%w after %v", ErrOpenTimeout, w.timeout)
	case canceled.Load():
		return fmt.Errorf("watchdog: open canceled: %w", ctx.Err())
	}
	return err
}
