/*
Package config loads procbus hub settings from YAML or JSON.

# File Format

	codec: cbor
	log_level: debug
	log_format: json
	metrics: true
	tracing: false
	call_timeout: 30s
	shutdown_grace: 5s
	workers:
	  - name: resize
	    command: ./bin/resize-worker
	    args: ["--quality", "80"]
	    env:
	      RESIZE_CACHE: /tmp/resize
	  - name: ocr

A worker without a command runs the procbus binary itself in worker mode.

# Loading

	cfg, err := config.FromFile("procbus.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	cfg = config.Defaults().Merge(cfg)
	if err := cfg.Validate(); err != nil {
	    log.Fatal(err)
	}

# Type Coercion

Durations accept a string parsed with time.ParseDuration ("30s", "1m30s")
or a number interpreted as seconds. Values of the wrong type fall back to
the zero value, which Merge treats as unset.
*/
package config
