// Package worker provides two reusable channel-driven background-loop
// shapes: a generic channel Listener and an interval Ticker with
// optional jitter, used by the flush worker, the WAL janitor, and the
// compactor.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/zhangyunhao116/fastrand"
)

// Listener runs handler for every value received on in until ctx is
// cancelled.
type Listener[T any] struct {
	in      <-chan T
	handler func(T)

	wg     sync.WaitGroup
	cancel func()
}

// NewListener creates a Listener over in; handler runs on the
// background goroutine once Start is called.
func NewListener[T any](in <-chan T, handler func(T)) *Listener[T] {
	return &Listener[T]{in: in, handler: handler, cancel: func() {}}
}

// Start launches the background goroutine.
func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case v, ok := <-l.in:
				if !ok {
					return
				}
				l.handler(v)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to exit.
func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
}

// Ticker runs tick on a fixed interval, jittered by up to jitter on
// each wakeup so that several Tickers in one process (compaction poll,
// WAL janitor) don't all wake in lockstep.
type Ticker struct {
	interval time.Duration
	jitter   time.Duration
	tick     func(ctx context.Context)

	wg     sync.WaitGroup
	cancel func()
}

// NewTicker creates a Ticker that calls tick roughly every interval,
// plus up to jitter of random delay per wakeup.
func NewTicker(interval, jitter time.Duration, tick func(ctx context.Context)) *Ticker {
	return &Ticker{interval: interval, jitter: jitter, tick: tick, cancel: func() {}}
}

// Start launches the background loop on its own goroutine.
func (t *Ticker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			d := t.interval
			if t.jitter > 0 {
				d += time.Duration(fastrand.Int63n(int64(t.jitter)))
			}
			select {
			case <-time.After(d):
				t.tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the loop and waits for it to return.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
}
