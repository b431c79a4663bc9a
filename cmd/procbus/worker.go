package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/procbus/pkg/procbus"
	"github.com/randalmurphal/procbus/pkg/procbus/channel"
	"github.com/randalmurphal/procbus/pkg/procbus/config"
	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
	"github.com/spf13/cobra"
)

var workerFlags struct {
	name    string
	codec   string
	tracing bool
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve demo actions over stdin and stdout",
	Long: `Runs the worker side of the protocol on stdin and stdout. The hub starts
this command for every configured worker that has no command of its own.`,
	RunE: runWorkerCmd,
}

func init() {
	f := workerCmd.Flags()
	f.StringVar(&workerFlags.name, "name", "", "name the hub registered this worker under")
	f.StringVar(&workerFlags.codec, "codec", "json", "envelope codec: json or cbor")
	f.BoolVar(&workerFlags.tracing, "tracing", false, "log finished spans")
	_ = workerCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(workerCmd)
}

func runWorkerCmd(cmd *cobra.Command, _ []string) error {
	cfg := config.Defaults().Merge(config.Config{
		Codec:     workerFlags.codec,
		LogLevel:  logLevel,
		LogFormat: logFormat,
		Tracing:   workerFlags.tracing,
	})
	if err := cfg.Validate(); err != nil {
		return err
	}
	codec, err := envelope.CodecByName(cfg.Codec)
	if err != nil {
		return err
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.Level(), cfg.LogFormat).
		With(slog.String("worker", workerFlags.name))
	tel := newTelemetry(cfg, logger)
	defer func() { _ = tel.shutdown(context.WithoutCancel(cmd.Context())) }()

	ch := channel.Stdio(codec, channel.WithLogger(logger))
	defer func() { _ = ch.Close() }()

	return runWorker(cmd.Context(), ch, workerFlags.name,
		procbus.WithLogger(logger),
		procbus.WithSpans(tel.spans),
	)
}

// runWorker serves the demo actions on ch until the hub closes it or ctx
// is cancelled.
func runWorker(ctx context.Context, ch channel.Channel, name string, opts ...procbus.Option) error {
	w, err := procbus.NewWorker(ch, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	if err := registerWorkerActions(w); err != nil {
		return err
	}

	_, err = w.Listen(procbus.MainTag, "tick", func(ctx context.Context, data procbus.Value) error {
		var tick struct {
			Seq int `json:"seq"`
		}
		if err := data.Decode(&tick); err != nil {
			return err
		}
		_, err := w.Exec(ctx, procbus.MainTag, "tick.ack", name, tick.Seq)
		return err
	})
	if err != nil {
		return fmt.Errorf("listen for ticks: %w", err)
	}

	if err := w.Notify(ctx, "ready", name); err != nil {
		return fmt.Errorf("announce ready: %w", err)
	}

	select {
	case <-ch.Done():
	case <-ctx.Done():
	}
	return nil
}

func registerWorkerActions(w *procbus.Worker) error {
	handlers := map[string]procbus.Handler{
		"double": func(_ context.Context, p procbus.Params) (any, error) {
			var n int
			if err := p.Decode(0, &n); err != nil {
				return nil, err
			}
			return n * 2, nil
		},
		"echo": func(_ context.Context, p procbus.Params) (any, error) {
			return p.At(0), nil
		},
		// relay(target, action, args...) calls action on target and
		// returns its result.
		"relay": func(ctx context.Context, p procbus.Params) (any, error) {
			var target, action string
			if err := p.Decode(0, &target); err != nil {
				return nil, err
			}
			if err := p.Decode(1, &action); err != nil {
				return nil, err
			}
			args := make([]any, 0, p.Len())
			for i := 2; i < p.Len(); i++ {
				args = append(args, p.At(i))
			}
			return w.Exec(ctx, target, action, args...)
		},
		"boom": func(context.Context, procbus.Params) (any, error) {
			panic("boom")
		},
	}
	for name, fn := range handlers {
		if err := w.Handle(name, fn); err != nil {
			return err
		}
	}
	return nil
}
