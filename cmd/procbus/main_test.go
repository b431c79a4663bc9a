package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/randalmurphal/procbus/pkg/procbus"
	"github.com/randalmurphal/procbus/pkg/procbus/channel"
	"github.com/randalmurphal/procbus/pkg/procbus/config"
	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
	perr "github.com/randalmurphal/procbus/pkg/procbus/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const workerModeEnv = "PROCBUS_CLI_WORKER"

// TestMain lets the test binary stand in for the procbus binary when the
// hub spawns it as a worker.
func TestMain(m *testing.M) {
	if os.Getenv(workerModeEnv) == "1" {
		rootCmd.SetArgs(os.Args[1:])
		if err := rootCmd.Execute(); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// lockedBuffer is a log sink safe for concurrent writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pipeSpawner runs each worker in a goroutine behind an in-memory pipe.
func pipeSpawner(t *testing.T, codec envelope.Codec, wg *sync.WaitGroup) spawnFunc {
	return func(ctx context.Context, w config.WorkerConfig) (channel.Channel, error) {
		hubEnd, workerEnd := channel.Pipe(codec)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := runWorker(ctx, workerEnd, w.Name, procbus.WithLogger(discardLogger()))
			assert.NoError(t, err)
		}()
		return hubEnd, nil
	}
}

func TestRunHubInProcess(t *testing.T) {
	for _, codecName := range []string{"json", "cbor"} {
		t.Run(codecName, func(t *testing.T) {
			cfg := config.Defaults().Merge(config.Config{
				Codec:       codecName,
				Metrics:     true,
				CallTimeout: 5 * time.Second,
				Workers:     []config.WorkerConfig{{Name: "alpha"}, {Name: "beta"}},
			})
			require.NoError(t, cfg.Validate())
			codec, err := envelope.CodecByName(codecName)
			require.NoError(t, err)

			var logs lockedBuffer
			var wg sync.WaitGroup
			err = runHub(context.Background(), cfg, newLogger(&logs, slog.LevelInfo, "text"), pipeSpawner(t, codec, &wg), false)
			require.NoError(t, err, logs.String())
			wg.Wait()

			out := logs.String()
			assert.Contains(t, out, "workers ready")
			assert.Contains(t, out, "worker -> worker")
			assert.Contains(t, out, "worker -> hub")
			assert.Contains(t, out, "remote failure relayed")
			assert.Contains(t, out, "event broadcast acknowledged")
			assert.Contains(t, out, "name=procbus.calls")
		})
	}
}

func TestRunHubNoWorkers(t *testing.T) {
	var logs lockedBuffer
	spawn := func(context.Context, config.WorkerConfig) (channel.Channel, error) {
		t.Fatal("spawn must not be called")
		return nil, nil
	}
	err := runHub(context.Background(), config.Defaults(), newLogger(&logs, slog.LevelInfo, "text"), spawn, false)
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "no workers configured")
}

func TestRunHubWorkerNeverReady(t *testing.T) {
	cfg := config.Defaults().Merge(config.Config{
		CallTimeout: 100 * time.Millisecond,
		Workers:     []config.WorkerConfig{{Name: "mute"}},
	})
	spawn := func(context.Context, config.WorkerConfig) (channel.Channel, error) {
		hubEnd, _ := channel.Pipe(envelope.JSON)
		return hubEnd, nil
	}
	err := runHub(context.Background(), cfg, discardLogger(), spawn, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "mute")
}

func TestRunHubInterrupted(t *testing.T) {
	cfg := config.Defaults().Merge(config.Config{
		CallTimeout: 5 * time.Second,
		Workers:     []config.WorkerConfig{{Name: "mute"}},
	})
	spawn := func(context.Context, config.WorkerConfig) (channel.Channel, error) {
		hubEnd, _ := channel.Pipe(envelope.JSON)
		return hubEnd, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	var logs lockedBuffer
	err := runHub(ctx, cfg, newLogger(&logs, slog.LevelInfo, "text"), spawn, false)
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "interrupted while waiting for workers")
}

func TestInterrupted(t *testing.T) {
	live := context.Background()
	done, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, interrupted(done, nil))
	assert.False(t, interrupted(live, context.Canceled))
	assert.False(t, interrupted(done, errors.New("boom")))
	assert.True(t, interrupted(done, fmt.Errorf("wait: %w", context.Canceled)))
	assert.True(t, interrupted(done, perr.ErrDispatcherClosed))
}

func TestRunHubSubprocess(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}
	self, err := os.Executable()
	require.NoError(t, err)

	cfg := config.Defaults().Merge(config.Config{
		Codec:       "cbor",
		CallTimeout: 10 * time.Second,
		Workers: []config.WorkerConfig{
			{Name: "alpha", Env: map[string]string{workerModeEnv: "1"}},
			{Name: "beta", Env: map[string]string{workerModeEnv: "1"}},
		},
	})
	require.NoError(t, cfg.Validate())

	var logs lockedBuffer
	logger := newLogger(&logs, slog.LevelInfo, "text")
	err = runHub(context.Background(), cfg, logger, processSpawner(cfg, self, logger), false)
	require.NoError(t, err, logs.String())
	assert.Contains(t, logs.String(), "event broadcast acknowledged")
}

func TestWorkerCommand(t *testing.T) {
	cfg := config.Defaults().Merge(config.Config{Codec: "cbor", Tracing: true})

	cmd := workerCommand(cfg, config.WorkerConfig{Name: "a", Args: []string{"--x"}}, "/bin/procbus")
	assert.Equal(t, "/bin/procbus", cmd.Path)
	assert.Equal(t, []string{
		"worker", "--name", "a", "--codec", "cbor", "--log-level", "info", "--tracing", "--x",
	}, cmd.Args)

	custom := config.WorkerConfig{
		Name:    "b",
		Command: "./resize",
		Args:    []string{"-q"},
		Env:     map[string]string{"K": "v"},
		Dir:     "/tmp",
	}
	cmd = workerCommand(cfg, custom, "/bin/procbus")
	assert.Equal(t, channel.Command{
		Name: "b",
		Path: "./resize",
		Args: []string{"-q"},
		Env:  []string{"K=v"},
		Dir:  "/tmp",
	}, cmd)
}

func TestReadyGate(t *testing.T) {
	gate := newReadyGate()
	require.NoError(t, gate.wait(context.Background()), "no expectations means ready")

	gate = newReadyGate()
	gate.expect("a")
	gate.expect("b")
	require.NoError(t, gate.listener("a")(context.Background(), procbus.Value{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := gate.wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[b]")

	require.NoError(t, gate.listener("b")(context.Background(), procbus.Value{}))
	require.NoError(t, gate.listener("b")(context.Background(), procbus.Value{}))
	assert.NoError(t, gate.wait(context.Background()))
}

func TestTelemetrySummary(t *testing.T) {
	ctx := context.Background()
	var logs lockedBuffer
	tel := newTelemetry(config.Config{Metrics: true}, newLogger(&logs, slog.LevelInfo, "text"))
	defer func() { _ = tel.shutdown(ctx) }()

	tel.metrics.RecordCall(ctx, "w1", "double", time.Millisecond, nil)
	tel.metrics.RecordCall(ctx, "w1", "double", time.Millisecond, assert.AnError)
	tel.metrics.RecordDropped(ctx, "unknown_request")

	totals, err := tel.summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.0, totals["procbus.calls"])
	assert.Equal(t, 1.0, totals["procbus.call.errors"])
	assert.Equal(t, 2.0, totals["procbus.call.latency_ms.count"])
	assert.Equal(t, 1.0, totals["procbus.messages.dropped"])

	tel.logSummary(ctx)
	assert.Contains(t, logs.String(), "name=procbus.calls value=2")
}

func TestTelemetryDisabled(t *testing.T) {
	tel := newTelemetry(config.Defaults(), discardLogger())
	totals, err := tel.summary(context.Background())
	require.NoError(t, err)
	assert.Nil(t, totals)
	assert.NoError(t, tel.shutdown(context.Background()))
}

func TestSpanLogger(t *testing.T) {
	var logs lockedBuffer
	tel := newTelemetry(config.Config{Tracing: true}, newLogger(&logs, slog.LevelInfo, "json"))

	ctx, parent := tel.spans.StartExecSpan(context.Background(), "w1", "double")
	_, child := tel.spans.StartHandleSpan(ctx, "double")
	tel.spans.EndSpanWithError(child, nil)
	tel.spans.EndSpanWithError(parent, assert.AnError)
	require.NoError(t, tel.shutdown(context.Background()))

	out := logs.String()
	assert.Contains(t, out, `"name":"procbus.exec"`)
	assert.Contains(t, out, `"name":"procbus.handle"`)
	assert.Contains(t, out, `"parent_id"`)
	assert.Contains(t, out, `"status":"Error"`)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, slog.LevelWarn, "json").Info("hidden")
	newLogger(&buf, slog.LevelWarn, "json").Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	newLogger(&buf, slog.LevelInfo, "text").Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}
