package channel

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
	perr "github.com/randalmurphal/procbus/pkg/procbus/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "PROCBUS_CHANNEL_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "echo" {
		runEchoHelper()
		return
	}
	os.Exit(m.Run())
}

// runEchoHelper sends every received envelope straight back.
func runEchoHelper() {
	s := Stdio(envelope.JSON, WithLogger(slog.New(slog.NewTextHandler(os.Stderr, nil))))
	s.Subscribe(func(env *envelope.Envelope) {
		_ = s.Send(context.Background(), env)
	})
	os.Stderr.WriteString("echo helper ready\n")
	<-s.Done()
	os.Exit(0)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collector records inbound envelopes.
type collector struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
}

func (c *collector) listen(env *envelope.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
}

func (c *collector) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.envs))
	for i, e := range c.envs {
		out[i] = e.Event
	}
	return out
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func TestPipeDeliversInOrder(t *testing.T) {
	a, b := Pipe(envelope.JSON, WithLogger(quietLogger()))
	defer a.Close()

	var got collector
	b.Subscribe(got.listen)

	ctx := context.Background()
	want := make([]string, 50)
	for i := range want {
		want[i] = string(rune('a' + i%26))
		require.NoError(t, a.Send(ctx, envelope.NewEmit(want[i], nil)))
	}

	require.Eventually(t, func() bool { return got.len() == len(want) }, time.Second, time.Millisecond)
	assert.Equal(t, want, got.events())
}

func TestPipeUnsubscribe(t *testing.T) {
	a, b := Pipe(envelope.JSON)
	defer a.Close()

	var first, second collector
	unsub := b.Subscribe(first.listen)
	b.Subscribe(second.listen)
	unsub()
	unsub()

	require.NoError(t, a.Send(context.Background(), envelope.NewEmit("x", nil)))
	require.Eventually(t, func() bool { return second.len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, first.len())
}

func TestPipeCloseClosesBothEnds(t *testing.T) {
	a, b := Pipe(envelope.JSON)
	require.NoError(t, b.Close())

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("peer not closed")
	}

	err := a.Send(context.Background(), envelope.NewEmit("x", nil))
	assert.ErrorIs(t, err, perr.ErrChannelClosed)
}

func TestPipeCloseBothEndsReturns(t *testing.T) {
	a, b := Pipe(envelope.JSON)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, a.Close())
		assert.NoError(t, b.Close())
		assert.NoError(t, a.Close())
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("closing a pipe did not return")
	}
	<-a.Done()
	<-b.Done()
}

func TestSendHonoursContext(t *testing.T) {
	a, _ := Pipe(envelope.JSON)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.Send(ctx, envelope.NewEmit("x", nil)), context.Canceled)
	assert.ErrorIs(t, a.Send(context.Background(), nil), perr.ErrInvalidParams)
}

func TestListenerPanicDoesNotStopDelivery(t *testing.T) {
	a, b := Pipe(envelope.JSON, WithLogger(quietLogger()))
	defer a.Close()

	var got collector
	b.Subscribe(func(*envelope.Envelope) { panic("listener bug") })
	b.Subscribe(got.listen)

	ctx := context.Background()
	require.NoError(t, a.Send(ctx, envelope.NewEmit("one", nil)))
	require.NoError(t, a.Send(ctx, envelope.NewEmit("two", nil)))

	require.Eventually(t, func() bool { return got.len() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"one", "two"}, got.events())
}

func TestStreamRoundTrip(t *testing.T) {
	for _, codec := range []envelope.Codec{envelope.JSON, envelope.CBOR} {
		t.Run(codec.Name(), func(t *testing.T) {
			r1, w1 := io.Pipe()
			r2, w2 := io.Pipe()
			a := NewStream(r1, w2, codec, WithLogger(quietLogger()))
			b := NewStream(r2, w1, codec, WithLogger(quietLogger()))
			defer a.Close()
			defer b.Close()

			var got collector
			b.Subscribe(got.listen)

			params, err := envelope.EncodeParams(codec, 21)
			require.NoError(t, err)
			require.NoError(t, a.Send(context.Background(), envelope.NewRequest(1, "tok", "w1", "double", params)))

			require.Eventually(t, func() bool { return got.len() == 1 }, time.Second, time.Millisecond)
			env := got.envs[0]
			assert.Equal(t, "double", env.Action)

			var n int
			require.NoError(t, envelope.NewParams(codec, env.Params).Decode(0, &n))
			assert.Equal(t, 21, n)
		})
	}
}

func frame(payload []byte) []byte {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	return append(header[:], payload...)
}

func TestStreamDrainsBeforeEOF(t *testing.T) {
	r, w := io.Pipe()
	s := NewStream(r, io.Discard, envelope.JSON, WithLogger(quietLogger()))

	var got collector
	s.Subscribe(got.listen)

	go func() {
		for _, ev := range []string{"a", "b", "c"} {
			data, _ := envelope.JSON.Marshal(envelope.NewEmit(ev, nil))
			_, _ = w.Write(frame(data))
		}
		_ = w.Close()
	}()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("stream did not close on EOF")
	}
	assert.Equal(t, []string{"a", "b", "c"}, got.events())
	assert.NoError(t, s.Err())
}

func TestStreamDropsMalformedFrame(t *testing.T) {
	r, w := io.Pipe()
	s := NewStream(r, io.Discard, envelope.JSON, WithLogger(quietLogger()))
	defer s.Close()

	var got collector
	s.Subscribe(got.listen)

	good, err := envelope.JSON.Marshal(envelope.NewEmit("ok", nil))
	require.NoError(t, err)

	go func() {
		_, _ = w.Write(frame([]byte("{not json")))
		_, _ = w.Write(frame(good))
	}()

	require.Eventually(t, func() bool { return got.len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"ok"}, got.events())
}

func TestStreamRejectsOversizedFrames(t *testing.T) {
	r, w := io.Pipe()
	s := NewStream(r, io.Discard, envelope.JSON, WithLogger(quietLogger()), WithMaxFrameSize(16))
	defer s.Close()

	big := envelope.NewEmit("a-very-long-event-name", nil)
	assert.ErrorIs(t, s.Send(context.Background(), big), perr.ErrInvalidParams)

	go func() { _, _ = w.Write(frame(make([]byte, 32))) }()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("stream did not close on oversized frame")
	}
	var protoErr *perr.ProtocolError
	assert.ErrorAs(t, s.Err(), &protoErr)
}

func TestStreamSendAfterClose(t *testing.T) {
	r, _ := io.Pipe()
	s := NewStream(r, io.Discard, envelope.JSON)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Send(context.Background(), envelope.NewEmit("x", nil)), perr.ErrChannelClosed)
}

func TestSpawnEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := Spawn(ctx, Command{
		Name: "echo",
		Path: os.Args[0],
		Args: []string{"-test.run=^$"},
		Env:  []string{helperEnv + "=echo"},
	}, envelope.JSON, WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.NotZero(t, p.PID())

	var got collector
	p.Subscribe(got.listen)

	require.NoError(t, p.Send(ctx, envelope.NewEmit("ping", nil)))
	require.Eventually(t, func() bool { return got.len() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ping"}, got.events())

	assert.NoError(t, p.Close())
	select {
	case <-p.Done():
	default:
		t.Fatal("stream still open after Close")
	}
}

func TestSpawnRequiresPath(t *testing.T) {
	_, err := Spawn(context.Background(), Command{Name: "x"}, envelope.JSON)
	assert.Error(t, err)
}

func TestFramesWaitForFirstSubscriber(t *testing.T) {
	a, b := Pipe(envelope.JSON, WithLogger(quietLogger()))
	defer a.Close()

	for _, ev := range []string{"early", "later"} {
		require.NoError(t, a.Send(context.Background(), envelope.NewEmit(ev, nil)))
	}
	time.Sleep(10 * time.Millisecond)

	var got collector
	b.Subscribe(got.listen)
	require.Eventually(t, func() bool { return got.len() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"early", "later"}, got.events())
}

func TestMuxStartsAllListenersTogether(t *testing.T) {
	a, b := Pipe(envelope.JSON, WithLogger(quietLogger()))
	defer a.Close()

	mux := NewMux(b)
	var first, second collector
	mux.Subscribe(first.listen)

	require.NoError(t, a.Send(context.Background(), envelope.NewEmit("one", nil)))
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, first.len(), "nothing is delivered before Start")

	unsub := mux.Subscribe(second.listen)
	mux.Start()
	mux.Start()
	require.Eventually(t, func() bool { return first.len() == 1 && second.len() == 1 }, time.Second, time.Millisecond)

	unsub()
	require.NoError(t, a.Send(context.Background(), envelope.NewEmit("two", nil)))
	require.Eventually(t, func() bool { return first.len() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, second.len())

	assert.Equal(t, "json", mux.Codec().Name())
	require.NoError(t, mux.Close())
	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("closing the mux must close the channel")
	}
}
