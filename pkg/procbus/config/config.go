package config

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
	perr "github.com/randalmurphal/procbus/pkg/procbus/errors"
)

// Config holds hub settings and the workers it spawns.
type Config struct {
	Codec         string
	LogLevel      string
	LogFormat     string
	Metrics       bool
	Tracing       bool
	CallTimeout   time.Duration
	ShutdownGrace time.Duration
	Workers       []WorkerConfig
}

// WorkerConfig describes one worker process.
type WorkerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

// Defaults returns the settings used when a file leaves a field unset.
func Defaults() Config {
	return Config{
		Codec:         "json",
		LogLevel:      "info",
		LogFormat:     "text",
		CallTimeout:   30 * time.Second,
		ShutdownGrace: 5 * time.Second,
	}
}

// Merge returns c with every set field of source applied over it.
// Booleans can only be switched on. A non-empty worker list replaces c's.
func (c Config) Merge(source Config) Config {
	if source.Codec != "" {
		c.Codec = source.Codec
	}
	if source.LogLevel != "" {
		c.LogLevel = source.LogLevel
	}
	if source.LogFormat != "" {
		c.LogFormat = source.LogFormat
	}
	if source.Metrics {
		c.Metrics = true
	}
	if source.Tracing {
		c.Tracing = true
	}
	if source.CallTimeout > 0 {
		c.CallTimeout = source.CallTimeout
	}
	if source.ShutdownGrace > 0 {
		c.ShutdownGrace = source.ShutdownGrace
	}
	if len(source.Workers) > 0 {
		c.Workers = slices.Clone(source.Workers)
	}
	return c
}

// Validate reports the first problem that would stop a hub from starting.
func (c Config) Validate() error {
	if _, err := envelope.CodecByName(c.Codec); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q: %w", c.LogFormat, perr.ErrInvalidParams)
	}

	seen := make(map[string]bool, len(c.Workers))
	for i, w := range c.Workers {
		switch {
		case w.Name == "":
			return fmt.Errorf("config: worker %d has no name: %w", i, perr.ErrInvalidParams)
		case w.Name == envelope.MainTag:
			return fmt.Errorf("config: worker name %q is reserved: %w", w.Name, perr.ErrInvalidParams)
		case seen[w.Name]:
			return fmt.Errorf("config: worker %q listed twice: %w", w.Name, perr.ErrAlreadyRegistered)
		}
		seen[w.Name] = true
	}
	return nil
}

// Level returns the slog level named by LogLevel, or info when it is unset
// or unknown.
func (c Config) Level() slog.Level {
	lvl, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Worker returns the worker entry with the given name.
func (c Config) Worker(name string) (WorkerConfig, bool) {
	for _, w := range c.Workers {
		if w.Name == name {
			return w, true
		}
	}
	return WorkerConfig{}, false
}

// Environ returns the worker environment as KEY=VALUE pairs sorted by key.
func (w WorkerConfig) Environ() []string {
	keys := make([]string, 0, len(w.Env))
	for k := range w.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+w.Env[k])
	}
	return out
}

func parseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("unknown log level %q: %w", s, perr.ErrInvalidParams)
	}
	return lvl, nil
}
