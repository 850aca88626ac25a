package worker_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"redish/internal/worker"
)

func TestListenerRunsHandlerForEachValue(t *testing.T) {
	ch := make(chan int, 4)
	var sum atomic.Int64

	l := worker.NewListener(ch, func(v int) { sum.Add(int64(v)) })
	l.Start(context.Background())

	ch <- 1
	ch <- 2
	ch <- 3
	require.Eventually(t, func() bool { return sum.Load() == 6 }, time.Second, time.Millisecond)

	l.Stop()
}

func TestListenerStopsOnChannelClose(t *testing.T) {
	ch := make(chan int)
	l := worker.NewListener(ch, func(int) {})
	l.Start(context.Background())
	close(ch)
	l.Stop() // must not block
}

func TestTickerFiresRepeatedly(t *testing.T) {
	var count atomic.Int64
	tk := worker.NewTicker(5*time.Millisecond, 0, func(ctx context.Context) { count.Add(1) })
	tk.Start(context.Background())

	require.Eventually(t, func() bool { return count.Load() >= 3 }, time.Second, time.Millisecond)
	tk.Stop()
}

func TestTickerStopIsClean(t *testing.T) {
	tk := worker.NewTicker(time.Millisecond, time.Millisecond, func(ctx context.Context) {})
	tk.Start(context.Background())
	tk.Stop()
	tk.Stop() // idempotent-ish: must not deadlock a second call after cancel
}
