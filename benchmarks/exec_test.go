package benchmarks

import (
	"context"
	"testing"

	"github.com/randalmurphal/procbus/pkg/procbus"
	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
)

func benchHubToWorker(b *testing.B, codec envelope.Codec) {
	t := newTree(b, 1, codec)
	ctx := context.Background()
	target := workerName(0)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := procbus.Call[int](ctx, t.hub, target, "double", i); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkExec_HubToWorker_JSON measures one round trip over a JSON pipe.
func BenchmarkExec_HubToWorker_JSON(b *testing.B) {
	benchHubToWorker(b, envelope.JSON)
}

// BenchmarkExec_HubToWorker_CBOR measures one round trip over a CBOR pipe.
func BenchmarkExec_HubToWorker_CBOR(b *testing.B) {
	benchHubToWorker(b, envelope.CBOR)
}

// BenchmarkExec_WorkerToWorker measures a call relayed through the hub.
func BenchmarkExec_WorkerToWorker(b *testing.B) {
	t := newTree(b, 2, envelope.JSON)
	ctx := context.Background()
	target := workerName(1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := procbus.Call[int](ctx, t.workers[0], target, "double", i); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkExec_HubLocal measures a call the hub serves itself.
func BenchmarkExec_HubLocal(b *testing.B) {
	t := newTree(b, 0, envelope.JSON)
	if err := t.hub.Handle("double", double); err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := procbus.Call[int](ctx, t.hub, procbus.MainTag, "double", i); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkExec_Parallel measures concurrent callers sharing one worker.
func BenchmarkExec_Parallel(b *testing.B) {
	t := newTree(b, 1, envelope.CBOR)
	ctx := context.Background()
	target := workerName(0)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if _, err := procbus.Call[int](ctx, t.hub, target, "double", i); err != nil {
				b.Error(err)
				return
			}
			i++
		}
	})
}
