package benchmarks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/randalmurphal/procbus/pkg/procbus"
	"github.com/randalmurphal/procbus/pkg/procbus/channel"
	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// tree is a hub with n workers named w0..wn-1 connected over pipes.
type tree struct {
	hub     *procbus.Hub
	workers []*procbus.Worker
}

func newTree(b *testing.B, n int, codec envelope.Codec) *tree {
	b.Helper()
	t := &tree{hub: procbus.NewHub(procbus.WithLogger(quiet), procbus.WithCodec(codec))}
	for i := range n {
		hubEnd, workerEnd := channel.Pipe(codec, channel.WithLogger(quiet))
		name := workerName(i)
		if err := t.hub.Register(name, hubEnd); err != nil {
			b.Fatal(err)
		}
		w, err := procbus.NewWorker(workerEnd, procbus.WithLogger(quiet))
		if err != nil {
			b.Fatal(err)
		}
		if err := w.Handle("double", double); err != nil {
			b.Fatal(err)
		}
		t.workers = append(t.workers, w)
	}
	b.Cleanup(func() {
		for _, w := range t.workers {
			_ = w.Close()
		}
		_ = t.hub.Close()
	})
	return t
}

func workerName(i int) string {
	return fmt.Sprintf("w%d", i)
}

func double(_ context.Context, p procbus.Params) (any, error) {
	var n int
	if err := p.Decode(0, &n); err != nil {
		return nil, err
	}
	return n * 2, nil
}
