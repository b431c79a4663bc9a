package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/randalmurphal/procbus/pkg/procbus"
	"github.com/randalmurphal/procbus/pkg/procbus/channel"
	"github.com/randalmurphal/procbus/pkg/procbus/config"
	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
	perr "github.com/randalmurphal/procbus/pkg/procbus/errors"
	"github.com/spf13/cobra"
)

var hubFlags struct {
	config  string
	codec   string
	metrics bool
	tracing bool
	serve   bool
}

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Spawn the configured workers and route between them",
	Long: `Starts every worker listed in the config file, waits for each to report
ready, then runs a short round of calls and events through the tree:
hub to worker, worker to worker, worker to hub and an event broadcast.

With --serve the hub keeps routing until interrupted.`,
	RunE: runHubCmd,
}

func init() {
	f := hubCmd.Flags()
	f.StringVarP(&hubFlags.config, "config", "c", "", "config file (.yaml, .yml or .json)")
	f.StringVar(&hubFlags.codec, "codec", "", "envelope codec: json or cbor (overrides config)")
	f.BoolVar(&hubFlags.metrics, "metrics", false, "log a metrics summary on exit")
	f.BoolVar(&hubFlags.tracing, "tracing", false, "log finished spans")
	f.BoolVar(&hubFlags.serve, "serve", false, "keep running after the demo until interrupted")
	rootCmd.AddCommand(hubCmd)
}

func runHubCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(hubFlags.config)
	if err != nil {
		return err
	}
	cfg = cfg.Merge(config.Config{
		Codec:     hubFlags.codec,
		LogLevel:  logLevel,
		LogFormat: logFormat,
		Metrics:   hubFlags.metrics,
		Tracing:   hubFlags.tracing,
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate procbus binary: %w", err)
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Level(), cfg.LogFormat)
	return runHub(cmd.Context(), cfg, logger, processSpawner(cfg, self, logger), hubFlags.serve)
}

// spawnFunc starts one worker and returns the channel that reaches it.
type spawnFunc func(ctx context.Context, w config.WorkerConfig) (channel.Channel, error)

func processSpawner(cfg config.Config, self string, logger *slog.Logger) spawnFunc {
	return func(ctx context.Context, w config.WorkerConfig) (channel.Channel, error) {
		codec, err := envelope.CodecByName(cfg.Codec)
		if err != nil {
			return nil, err
		}
		proc, err := channel.Spawn(ctx, workerCommand(cfg, w, self), codec, channel.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		logger.Debug("worker started", slog.String("worker", w.Name), slog.Int("pid", proc.PID()))
		return proc, nil
	}
}

// workerCommand resolves how to start w. Without a command the procbus
// binary runs itself in worker mode; configured args are appended.
func workerCommand(cfg config.Config, w config.WorkerConfig, self string) channel.Command {
	cmd := channel.Command{
		Name: w.Name,
		Path: w.Command,
		Args: w.Args,
		Env:  w.Environ(),
		Dir:  w.Dir,
	}
	if cmd.Path != "" {
		return cmd
	}

	args := []string{"worker", "--name", w.Name, "--codec", cfg.Codec}
	if cfg.LogLevel != "" {
		args = append(args, "--log-level", cfg.LogLevel)
	}
	if cfg.Tracing {
		args = append(args, "--tracing")
	}
	cmd.Path = self
	cmd.Args = append(args, w.Args...)
	return cmd
}

// runHub starts the workers, waits until each has announced itself, runs
// the demo round and tears everything down.
func runHub(ctx context.Context, cfg config.Config, logger *slog.Logger, spawn spawnFunc, serve bool) error {
	codec, err := envelope.CodecByName(cfg.Codec)
	if err != nil {
		return err
	}
	tel := newTelemetry(cfg, logger)
	hub := procbus.NewHub(
		procbus.WithLogger(logger),
		procbus.WithCodec(codec),
		procbus.WithMetrics(tel.metrics),
		procbus.WithSpans(tel.spans),
	)
	defer func() {
		if err := hub.Close(); err != nil {
			logger.Warn("closing hub", slog.String("error", err.Error()))
		}
		tel.logSummary(context.WithoutCancel(ctx))
		_ = tel.shutdown(context.WithoutCancel(ctx))
	}()

	acks := make(chan string, len(cfg.Workers))
	if err := registerHubActions(hub, logger, acks); err != nil {
		return err
	}

	gate := newReadyGate()
	for _, w := range cfg.Workers {
		if _, err := hub.Listen(w.Name, "ready", gate.listener(w.Name)); err != nil {
			return err
		}
		gate.expect(w.Name)
	}

	for _, w := range cfg.Workers {
		ch, err := spawn(ctx, w)
		if err != nil {
			return fmt.Errorf("start worker %s: %w", w.Name, err)
		}
		if err := hub.Register(w.Name, ch); err != nil {
			_ = ch.Close()
			return fmt.Errorf("register worker %s: %w", w.Name, err)
		}
	}

	readyCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	err = gate.wait(readyCtx)
	cancel()
	if interrupted(ctx, err) {
		logger.Info("interrupted while waiting for workers")
		return nil
	}
	if err != nil {
		return fmt.Errorf("waiting for workers: %w", err)
	}
	logger.Info("workers ready", slog.Any("workers", hub.Workers()))

	err = runDemo(ctx, hub, cfg.CallTimeout, logger, acks)
	if interrupted(ctx, err) {
		logger.Info("interrupted", slog.String("error", err.Error()))
		return nil
	}
	if err != nil {
		return err
	}

	if serve {
		logger.Info("serving until interrupted")
		<-ctx.Done()
	}
	return nil
}

// interrupted reports whether err is the hub's own context being cancelled.
func interrupted(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil && perr.IsCancelled(err)
}

func registerHubActions(hub *procbus.Hub, logger *slog.Logger, acks chan<- string) error {
	if err := hub.Handle("info", func(context.Context, procbus.Params) (any, error) {
		return map[string]any{
			"token":   hub.Token(),
			"workers": hub.Workers(),
		}, nil
	}); err != nil {
		return err
	}
	return hub.Handle("tick.ack", func(_ context.Context, p procbus.Params) (any, error) {
		var name string
		var seq int
		if err := p.Decode(0, &name); err != nil {
			return nil, err
		}
		if err := p.Decode(1, &seq); err != nil {
			return nil, err
		}
		logger.Debug("tick acknowledged", slog.String("worker", name), slog.Int("seq", seq))
		select {
		case acks <- name:
		default:
		}
		return true, nil
	})
}

// runDemo drives one round of traffic through every route the hub offers.
func runDemo(ctx context.Context, hub *procbus.Hub, timeout time.Duration, logger *slog.Logger, acks <-chan string) error {
	workers := hub.Workers()
	if len(workers) == 0 {
		logger.Info("no workers configured")
		return nil
	}
	call := func(target, action string, params ...any) (procbus.Value, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return hub.Exec(callCtx, target, action, params...)
	}

	for _, name := range workers {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		n, err := procbus.Call[int](callCtx, hub, name, "double", 21)
		cancel()
		if err != nil {
			return fmt.Errorf("%s.double: %w", name, err)
		}
		logger.Info("hub -> worker", slog.String("worker", name), slog.Int("double(21)", n))
	}

	first := workers[0]
	if len(workers) > 1 {
		v, err := call(first, "relay", workers[1], "double", 5)
		if err != nil {
			return fmt.Errorf("%s relay to %s: %w", first, workers[1], err)
		}
		var n int
		if err := v.Decode(&n); err != nil {
			return err
		}
		logger.Info("worker -> worker", slog.String("from", first), slog.String("to", workers[1]), slog.Int("double(5)", n))
	}

	v, err := call(first, "relay", procbus.MainTag, "info")
	if err != nil {
		return fmt.Errorf("%s relay to main: %w", first, err)
	}
	var info struct {
		Workers []string `json:"workers"`
	}
	if err := v.Decode(&info); err != nil {
		return err
	}
	logger.Info("worker -> hub", slog.String("from", first), slog.Any("workers", info.Workers))

	_, err = call(first, "boom")
	var remote *perr.RemoteError
	if !errors.As(err, &remote) {
		return fmt.Errorf("%s.boom: expected a remote error, got %v", first, err)
	}
	logger.Info("remote failure relayed",
		slog.String("worker", first),
		slog.String("name", remote.Name),
		slog.String("category", perr.Categorize(err).String()),
	)

	if err := hub.Notify(ctx, "tick", map[string]int{"seq": 1}); err != nil {
		return fmt.Errorf("notify tick: %w", err)
	}
	return awaitAcks(ctx, acks, workers, timeout, logger)
}

// awaitAcks waits until every worker has answered the tick event.
func awaitAcks(ctx context.Context, acks <-chan string, workers []string, timeout time.Duration, logger *slog.Logger) error {
	pending := slices.Clone(workers)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for len(pending) > 0 {
		select {
		case name := <-acks:
			pending = slices.DeleteFunc(pending, func(s string) bool { return s == name })
		case <-timer.C:
			return fmt.Errorf("tick not acknowledged by %v", pending)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	logger.Info("event broadcast acknowledged", slog.Int("workers", len(workers)))
	return nil
}

// readyGate tracks which workers have emitted "ready".
type readyGate struct {
	mu      sync.Mutex
	pending map[string]bool
	done    chan struct{}
	closed  bool
}

func newReadyGate() *readyGate {
	return &readyGate{pending: make(map[string]bool), done: make(chan struct{})}
}

func (g *readyGate) expect(name string) {
	g.mu.Lock()
	g.pending[name] = true
	g.mu.Unlock()
}

func (g *readyGate) listener(name string) procbus.ListenerFunc {
	return func(context.Context, procbus.Value) error {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.pending, name)
		if len(g.pending) == 0 && !g.closed {
			g.closed = true
			close(g.done)
		}
		return nil
	}
}

func (g *readyGate) wait(ctx context.Context) error {
	g.mu.Lock()
	if len(g.pending) == 0 && !g.closed {
		g.closed = true
		close(g.done)
	}
	g.mu.Unlock()

	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		defer g.mu.Unlock()
		names := make([]string, 0, len(g.pending))
		for name := range g.pending {
			names = append(names, name)
		}
		slices.Sort(names)
		return fmt.Errorf("%w: still waiting for %v", ctx.Err(), names)
	}
}
