package config

import (
	"fmt"
	"time"
)

// values reads typed fields out of a decoded YAML or JSON document.
// Missing keys and type mismatches yield the zero value.
type values map[string]any

func (v values) str(key string) string {
	s, _ := v[key].(string)
	return s
}

func (v values) flag(key string) bool {
	b, _ := v[key].(bool)
	return b
}

// duration accepts a time.ParseDuration string or a number of seconds.
func (v values) duration(key string) time.Duration {
	switch val := v[key].(type) {
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	case float64:
		return time.Duration(val * float64(time.Second))
	case int:
		return time.Duration(val) * time.Second
	case int64:
		return time.Duration(val) * time.Second
	}
	return 0
}

func (v values) strs(key string) []string {
	raw, ok := v[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		out = append(out, scalar(item))
	}
	return out
}

func (v values) stringMap(key string) map[string]string {
	raw, ok := v[key].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, item := range raw {
		out[k] = scalar(item)
	}
	return out
}

func (v values) list(key string) []values {
	raw, ok := v[key].([]any)
	if !ok {
		return nil
	}
	out := make([]values, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, values(m))
		}
	}
	return out
}

// scalar renders numbers and booleans the way they were written, so
// `PORT: 8080` in an env block becomes "8080".
func scalar(item any) string {
	switch val := item.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

func (v values) config() Config {
	cfg := Config{
		Codec:         v.str("codec"),
		LogLevel:      v.str("log_level"),
		LogFormat:     v.str("log_format"),
		Metrics:       v.flag("metrics"),
		Tracing:       v.flag("tracing"),
		CallTimeout:   v.duration("call_timeout"),
		ShutdownGrace: v.duration("shutdown_grace"),
	}
	for _, w := range v.list("workers") {
		cfg.Workers = append(cfg.Workers, WorkerConfig{
			Name:    w.str("name"),
			Command: w.str("command"),
			Args:    w.strs("args"),
			Env:     w.stringMap("env"),
			Dir:     w.str("dir"),
		})
	}
	return cfg
}
