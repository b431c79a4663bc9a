// Command procbus runs a hub that spawns worker processes and routes calls
// and events between them, or the worker side of that protocol.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "procbus",
	Short: "Hub and worker processes talking over stdio",
	Long: `procbus connects a hub process to worker processes over their stdin and stdout.
Workers call actions on the hub or on each other by name, and subscribe to
events emitted anywhere in the tree.`,
	SilenceUsage: true,
}

var (
	logLevel  string
	logFormat string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger. Workers must log to stderr since
// stdout carries envelopes.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
