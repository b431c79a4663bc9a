package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// decoders maps a config file extension to the parser for its contents.
var decoders = map[string]func([]byte) (Config, error){
	".yaml": FromYAML,
	".yml":  FromYAML,
	".json": FromJSON,
}

// FromFile reads a hub config file. The extension picks the parser.
func FromFile(path string) (Config, error) {
	ext := strings.ToLower(filepath.Ext(path))
	decode, ok := decoders[ext]
	if !ok {
		return Config{}, fmt.Errorf("unsupported config file extension: %q", ext)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := decode(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// FromYAML parses a hub config document:
//
//	codec: cbor
//	log_level: debug
//	call_timeout: 10s
//	workers:
//	  - name: resize
//	    command: ./resize
//	    env: {THREADS: "4"}
//
// Keys that are missing or hold the wrong type leave their field zero, so
// Merge over Defaults fills them in.
func FromYAML(data []byte) (Config, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return values(doc).config(), nil
}

// FromJSON parses the JSON form of the document FromYAML accepts.
// Durations are strings such as "750ms" or numbers of seconds.
func FromJSON(data []byte) (Config, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return values(doc).config(), nil
}

// Load reads path and applies it over Defaults. An empty path yields the
// defaults. The result is validated.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		fromFile, err := FromFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = cfg.Merge(fromFile)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
