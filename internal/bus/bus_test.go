package bus

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishSubscribeFIFO(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("run_results:1")
	defer b.Release(sub)

	b.Publish("run_results:1", []byte("a"))
	b.Publish("run_results:1", []byte("b"))

	ctx := context.Background()
	msg, ok := sub.Next(ctx)
	require.True(t, ok)
	require.Equal(t, "a", string(msg))

	msg, ok = sub.Next(ctx)
	require.True(t, ok)
	require.Equal(t, "b", string(msg))
}

func TestLateSubscriberSeesNothingPrior(t *testing.T) {
	b := New()
	defer b.Close()

	b.Publish("run_results:1", []byte("missed"))

	sub := b.Subscribe("run_results:1")
	defer b.Release(sub)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := sub.Next(ctx)
	require.False(t, ok)
}

func TestReleaseUnblocksNext(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("run_results:1")

	done := make(chan bool, 1)
	go func() {
		_, ok := sub.Next(context.Background())
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	b.Release(sub)

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock after Release")
	}
}

func TestSlowSubscriberDropsOldestAndCountsIt(t *testing.T) {
	var drops int64
	b := New(WithBufferSize(4), WithDropCounter(func(string) {
		atomic.AddInt64(&drops, 1)
	}))
	defer b.Close()

	sub := b.Subscribe("run_results:1")
	defer b.Release(sub)

	for i := 0; i < 10; i++ {
		b.Publish("run_results:1", []byte(fmt.Sprintf("%d", i)))
	}

	require.Equal(t, int64(6), atomic.LoadInt64(&drops))

	ctx := context.Background()
	msg, ok := sub.Next(ctx)
	require.True(t, ok)
	require.Equal(t, "6", string(msg)) // oldest 0-5 dropped, 6-9 remain
}

func TestSubscriberIsolation(t *testing.T) {
	b := New(WithBufferSize(2))
	defer b.Close()

	slow := b.Subscribe("run_results:1")
	defer b.Release(slow)
	fast := b.Subscribe("run_results:1")
	defer b.Release(fast)

	for i := 0; i < 5; i++ {
		b.Publish("run_results:1", []byte(fmt.Sprintf("%d", i)))
	}

	ctx := context.Background()
	// The fast subscriber reads from its own buffer regardless of the slow
	// one's backlog.
	msg, ok := fast.Next(ctx)
	require.True(t, ok)
	require.Equal(t, "3", string(msg)) // buffer of 2 kept the last two: "3","4"
}
