package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/randalmurphal/procbus/pkg/procbus/action"
	"github.com/randalmurphal/procbus/pkg/procbus/channel"
	"github.com/randalmurphal/procbus/pkg/procbus/dispatcher"
	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
	perr "github.com/randalmurphal/procbus/pkg/procbus/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testWorker is the worker side of a pipe: a served handler table and a
// worker-role dispatcher.
type testWorker struct {
	ch       channel.Channel
	handlers *action.Registry
	disp     *dispatcher.Dispatcher
}

func attach(t *testing.T, b *Broker, name string, codec envelope.Codec) *testWorker {
	t.Helper()
	hubEnd, workerEnd := channel.Pipe(codec, channel.WithLogger(quietLogger()))

	w := &testWorker{ch: workerEnd, handlers: action.NewRegistry(action.WithLogger(quietLogger()))}
	stop := w.handlers.Serve(context.Background(), workerEnd)
	disp, err := dispatcher.New(dispatcher.RoleWorker, envelope.NewToken(), workerEnd, dispatcher.WithLogger(quietLogger()))
	require.NoError(t, err)
	w.disp = disp
	t.Cleanup(func() {
		stop()
		disp.Destroy()
		_ = workerEnd.Close()
	})

	require.NoError(t, b.Register(name, hubEnd))
	return w
}

func newBroker(t *testing.T) (*Broker, *action.Registry) {
	t.Helper()
	local := action.NewRegistry(action.WithLogger(quietLogger()))
	b := New(envelope.NewToken(), local, WithLogger(quietLogger()))
	t.Cleanup(b.Close)
	return b, local
}

func double(_ context.Context, p envelope.Params) (any, error) {
	var n int
	if err := p.Decode(0, &n); err != nil {
		return nil, err
	}
	return n * 2, nil
}

func decodeInt(t *testing.T, v envelope.Value) int {
	t.Helper()
	var n int
	require.NoError(t, v.Decode(&n))
	return n
}

func TestRegisterErrors(t *testing.T) {
	b, _ := newBroker(t)
	attach(t, b, "w1", envelope.JSON)

	a, _ := channel.Pipe(envelope.JSON)
	defer a.Close()

	err := b.Register("w1", a)
	assert.ErrorIs(t, err, perr.ErrAlreadyRegistered)
	var regErr *perr.RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, "w1", regErr.Name)
	select {
	case <-a.Done():
		t.Fatal("rejected channel was closed")
	default:
	}
	assert.Equal(t, []string{"w1"}, b.Workers())

	assert.ErrorIs(t, b.Register("main", a), perr.ErrInvalidParams)
	assert.ErrorIs(t, b.Register("", a), perr.ErrInvalidParams)
	assert.ErrorIs(t, b.Register("w2", nil), perr.ErrNotInitialized)

	assert.ErrorIs(t, b.Unregister("ghost"), perr.ErrNotRegistered)
}

func TestHubExecOnWorker(t *testing.T) {
	b, _ := newBroker(t)
	w := attach(t, b, "w1", envelope.JSON)
	require.NoError(t, w.handlers.Handle("double", double))

	v, err := b.Exec(context.Background(), "w1", "double", 21)
	require.NoError(t, err)
	assert.Equal(t, 42, decodeInt(t, v))
}

func TestExecUnknownTarget(t *testing.T) {
	b, _ := newBroker(t)

	_, err := b.Exec(context.Background(), "missing-worker", "noop")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.ErrorIs(t, err, perr.ErrTargetNotFound)
}

func TestUnregisterThenExec(t *testing.T) {
	b, _ := newBroker(t)
	w := attach(t, b, "w1", envelope.JSON)
	require.NoError(t, w.handlers.Handle("double", double))

	require.NoError(t, b.Unregister("w1"))
	assert.False(t, b.Has("w1"))
	assert.Empty(t, b.Workers())

	_, err := b.Exec(context.Background(), "w1", "double", 1)
	assert.ErrorIs(t, err, perr.ErrTargetNotFound)

	// The name can be reused.
	attach(t, b, "w1", envelope.JSON)
	assert.Equal(t, []string{"w1"}, b.Workers())
}

func TestWorkerCallsMain(t *testing.T) {
	b, local := newBroker(t)
	require.NoError(t, local.Handle("double", double))
	w := attach(t, b, "w1", envelope.JSON)

	v, err := w.disp.Exec(context.Background(), "main", "double", 5)
	require.NoError(t, err)
	assert.Equal(t, 10, decodeInt(t, v))

	_, err = w.disp.Exec(context.Background(), "main", "missing")
	var remote *perr.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "not set")
	assert.ErrorIs(t, err, perr.ErrActionNotSet)
}

func TestWorkerToWorkerAcrossCodecs(t *testing.T) {
	b, _ := newBroker(t)
	w1 := attach(t, b, "w1", envelope.JSON)
	w2 := attach(t, b, "w2", envelope.CBOR)
	require.NoError(t, w2.handlers.Handle("double", double))

	v, err := w1.disp.Exec(context.Background(), "w2", "double", 21)
	require.NoError(t, err)
	assert.Equal(t, "json", v.Codec().Name())
	assert.Equal(t, 42, decodeInt(t, v))
}

func TestWorkerToMissingWorker(t *testing.T) {
	b, _ := newBroker(t)
	w1 := attach(t, b, "w1", envelope.JSON)

	_, err := w1.disp.Exec(context.Background(), "ghost", "noop")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.ErrorIs(t, err, perr.ErrTargetNotFound)
}

func TestNestedErrorIsRelayed(t *testing.T) {
	b, _ := newBroker(t)
	w1 := attach(t, b, "w1", envelope.JSON)
	w2 := attach(t, b, "w2", envelope.JSON)
	require.NoError(t, w2.handlers.Handle("boom", func(context.Context, envelope.Params) (any, error) {
		return nil, errors.New("kaboom")
	}))

	_, err := w1.disp.Exec(context.Background(), "w2", "boom")
	var remote *perr.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "kaboom", remote.Message)
}

func TestMalformedRequestWithIDGetsError(t *testing.T) {
	b, _ := newBroker(t)
	w := attach(t, b, "w1", envelope.JSON)

	responses := make(chan *envelope.Envelope, 1)
	w.ch.Subscribe(func(env *envelope.Envelope) {
		if env.Type == envelope.TypeResponse && env.Token() == "raw" {
			responses <- env
		}
	})
	require.NoError(t, w.ch.Send(context.Background(), envelope.NewRequest(9, "raw", "main", "", nil)))

	select {
	case resp := <-responses:
		require.NotNil(t, resp.Error)
		assert.Equal(t, "ProtocolError", resp.Error.Name)
		assert.Equal(t, uint64(9), resp.RequestID())
	case <-time.After(time.Second):
		t.Fatal("no error response")
	}
}

func TestRequestWithWrongVersionIsDropped(t *testing.T) {
	b, local := newBroker(t)
	require.NoError(t, local.Handle("double", double))
	w := attach(t, b, "w1", envelope.JSON)

	responses := make(chan *envelope.Envelope, 2)
	w.ch.Subscribe(func(env *envelope.Envelope) {
		if env.Type == envelope.TypeResponse && env.Token() == "raw" {
			responses <- env
		}
	})

	params, err := envelope.EncodeParams(envelope.JSON, 21)
	require.NoError(t, err)
	stale := envelope.NewRequest(1, "raw", "main", "double", params)
	stale.Version = "2.0.0"
	require.NoError(t, w.ch.Send(context.Background(), stale))

	select {
	case resp := <-responses:
		t.Fatalf("unexpected response to request %d", resp.RequestID())
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, w.ch.Send(context.Background(), envelope.NewRequest(2, "raw", "main", "double", params)))
	select {
	case resp := <-responses:
		assert.Equal(t, uint64(2), resp.RequestID())
		assert.Nil(t, resp.Error)
	case <-time.After(time.Second):
		t.Fatal("no response")
	}
}

func TestUnregisterRejectsPendingCalls(t *testing.T) {
	b, _ := newBroker(t)
	w := attach(t, b, "w1", envelope.JSON)

	started := make(chan struct{})
	require.NoError(t, w.handlers.Handle("hang", func(ctx context.Context, _ envelope.Params) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	errs := make(chan error, 1)
	go func() {
		_, err := b.Exec(context.Background(), "w1", "hang")
		errs <- err
	}()
	<-started
	require.NoError(t, b.Unregister("w1"))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, perr.ErrDispatcherClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call not rejected")
	}
}

func TestForwardTranscodes(t *testing.T) {
	b, _ := newBroker(t)
	w := attach(t, b, "w1", envelope.CBOR)
	require.NoError(t, w.handlers.Handle("double", double))

	raw, err := envelope.EncodeParams(envelope.JSON, 4)
	require.NoError(t, err)
	v, err := b.Forward(context.Background(), "w1", "double", envelope.NewParams(envelope.JSON, raw))
	require.NoError(t, err)
	assert.Equal(t, 8, decodeInt(t, v))

	d, ok := b.Dispatcher("w1")
	require.True(t, ok)
	assert.Equal(t, 0, d.Pending())
}
