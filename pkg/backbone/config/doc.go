/*
Package config loads backbone configuration.

# Documents

Config is a typed, read-only view over a decoded YAML or JSON document.
Accessors take a default and return it when the key is missing or holds a
value of the wrong shape, so callers never deal with type assertions:

	cfg, err := config.FromFile("backbone.yaml")
	if err != nil {
	    return err
	}
	pipelines := cfg.Sub("pipelines")
	size := pipelines.Sub("ingest").Int("queue_size", 256)

Durations accept Go duration strings ("250ms", "1h30m") or bare numbers of
seconds.

# Settings

Settings is the resolved configuration of a backbone process. LoadSettings
reads a file, applies the BACKBONE_* environment overrides and validates the
result:

	mode: production
	domains: [billing, shipping]
	categories:
	  - {name: billing, owner: billing, delivery: durable}
	pipelines:
	  ingest: {partitions: 8, queue_size: 1024}
	retry:
	  transient: {max_attempts: 5, initial_backoff: 200ms}
	store: {driver: sqlite, dsn: /var/lib/backbone/state.db}
	http: {addr: ":8080", debug: false}

Sections that are present must be mappings, and categories must be a list.
The validation mode is always taken from configuration.
*/
package config
