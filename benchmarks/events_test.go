package benchmarks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/randalmurphal/procbus/pkg/procbus"
	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
)

// benchFanOut emits from the hub and waits until every worker listener
// has seen the event.
func benchFanOut(b *testing.B, n int) {
	t := newTree(b, n, envelope.JSON)
	var wg sync.WaitGroup
	for _, w := range t.workers {
		if _, err := w.Listen(procbus.MainTag, "tick", func(context.Context, procbus.Value) error {
			wg.Done()
			return nil
		}); err != nil {
			b.Fatal(err)
		}
	}
	waitSubscribed(b, t, n)

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		wg.Add(n)
		if err := t.hub.Notify(ctx, "tick", i); err != nil {
			b.Fatal(err)
		}
		wg.Wait()
	}
}

func waitSubscribed(b *testing.B, t *tree, n int) {
	deadline := time.Now().Add(time.Second)
	for len(t.hub.Events().Subscribers(procbus.MainTag, "tick")) < n {
		if time.Now().After(deadline) {
			b.Fatal("workers did not subscribe")
		}
		time.Sleep(time.Millisecond)
	}
}

// BenchmarkEvents_FanOut_1 delivers a hub event to one worker.
func BenchmarkEvents_FanOut_1(b *testing.B) {
	benchFanOut(b, 1)
}

// BenchmarkEvents_FanOut_8 delivers a hub event to eight workers.
func BenchmarkEvents_FanOut_8(b *testing.B) {
	benchFanOut(b, 8)
}
