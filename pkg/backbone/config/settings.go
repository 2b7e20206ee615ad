package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/randalmurphal/backbone/pkg/backbone/deadletter"
	bberrors "github.com/randalmurphal/backbone/pkg/backbone/errors"
	"github.com/randalmurphal/backbone/pkg/backbone/event"
	"github.com/randalmurphal/backbone/pkg/backbone/pipeline"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Environment variables applied over the file.
const (
	EnvMode         = "BACKBONE_MODE"
	EnvStoreDriver  = "BACKBONE_STORE_DRIVER"
	EnvStoreDSN     = "BACKBONE_STORE_DSN"
	EnvHTTPAddr     = "BACKBONE_HTTP_ADDR"
	EnvRedisAddr    = "BACKBONE_REDIS_ADDR"
	EnvKafkaBrokers = "BACKBONE_KAFKA_BROKERS"
)

// Settings is the resolved configuration of a backbone process.
type Settings struct {
	Mode       event.Mode
	Domains    []event.Domain
	Categories []event.Category

	// Pipelines holds per-pipeline overrides. Zero fields keep the engine
	// defaults.
	Pipelines map[pipeline.Kind]pipeline.Config

	// Retry holds per-class policy overrides on top of the defaults.
	Retry map[bberrors.Class]bberrors.Policy

	DeadLetter deadletter.MonitorConfig
	Fanout     pipeline.FanoutConfig
	Lineage    LineageSettings
	Store      StoreSettings
	Kafka      KafkaSettings
	HTTP       HTTPSettings
}

// LineageSettings configures the correlation cache.
type LineageSettings struct {
	CacheTTL time.Duration

	// RedisAddr selects a shared Redis cache. Empty keeps the cache in memory.
	RedisAddr   string
	RedisPrefix string
}

// StoreSettings selects durable storage.
type StoreSettings struct {
	Driver string
	DSN    string
}

// KafkaSettings configures the Kafka bridges. No brokers disables them.
type KafkaSettings struct {
	Brokers      []string
	ForwardTopic string
	IngressTopic string
	GroupID      string
}

// HTTPSettings configures the HTTP API.
type HTTPSettings struct {
	Addr string

	// Debug runs the router in gin debug mode and logs every request.
	Debug bool
}

// sections are the top-level keys that must hold a mapping.
var sections = []string{"pipelines", "retry", "deadletter", "fanout", "lineage", "store", "kafka", "http"}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Mode:       event.ModeStrict,
		Pipelines:  make(map[pipeline.Kind]pipeline.Config),
		Retry:      make(map[bberrors.Class]bberrors.Policy),
		DeadLetter: deadletter.DefaultMonitorConfig,
		Fanout:     pipeline.DefaultFanoutConfig,
		Lineage:    LineageSettings{CacheTTL: 10 * time.Minute, RedisPrefix: "backbone:lineage:"},
		Store:      StoreSettings{Driver: DriverMemory},
		Kafka:      KafkaSettings{GroupID: "backbone"},
		HTTP:       HTTPSettings{Addr: ":8080"},
	}
}

// LoadSettings reads path, applies environment overrides and validates the
// result. An empty path uses defaults plus the environment.
func LoadSettings(path string) (Settings, error) {
	cfg := New(nil)
	if path != "" {
		var err error
		if cfg, err = FromFile(path); err != nil {
			return Settings{}, err
		}
	}
	s, err := SettingsFrom(cfg)
	if err != nil {
		return Settings{}, err
	}
	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return Settings{}, err
	}
	return s, s.Validate()
}

// SettingsFrom resolves settings from a document. It does not consult the
// environment.
func SettingsFrom(c Config) (Settings, error) {
	s := DefaultSettings()
	var errs []error

	for _, key := range sections {
		if !c.Has(key) {
			continue
		}
		if v := c.Any(key, nil); v != nil {
			if _, ok := asMap(v); !ok {
				errs = append(errs, fmt.Errorf("%s: must be a mapping, got %T", key, v))
			}
		}
	}
	if v := c.Any("categories", nil); v != nil {
		if _, ok := v.([]any); !ok {
			errs = append(errs, fmt.Errorf("categories: must be a list, got %T", v))
		}
	}

	mode, err := event.ParseMode(c.String("mode", ""))
	if err != nil {
		errs = append(errs, err)
	}
	s.Mode = mode

	for _, d := range c.StringSlice("domains", nil) {
		s.Domains = append(s.Domains, event.Domain(d))
	}
	for i, cc := range c.Maps("categories") {
		delivery, err := event.ParseDelivery(cc.String("delivery", ""))
		if err != nil {
			errs = append(errs, fmt.Errorf("categories[%d]: %w", i, err))
			continue
		}
		s.Categories = append(s.Categories, event.Category{
			Name:        cc.String("name", ""),
			Owner:       event.Domain(cc.String("owner", "")),
			Delivery:    delivery,
			Description: cc.String("description", ""),
		})
	}

	pipes := c.Sub("pipelines")
	for _, key := range pipes.Keys() {
		kind, err := pipeline.ParseKind(key)
		if err != nil {
			errs = append(errs, fmt.Errorf("pipelines: %w", err))
			continue
		}
		p := pipes.Sub(key)
		s.Pipelines[kind] = pipeline.Config{
			Partitions:      p.Int("partitions", 0),
			QueueSize:       p.Int("queue_size", 0),
			EnqueueTimeout:  p.Duration("enqueue_timeout", 0),
			DeliveryTimeout: p.Duration("delivery_timeout", 0),
			BatchSize:       p.Int("batch_size", 0),
			FlushInterval:   p.Duration("flush_interval", 0),
			PollInterval:    p.Duration("poll_interval", 0),

			RestartBackoff:    p.Duration("restart_backoff", 0),
			MaxRestartBackoff: p.Duration("max_restart_backoff", 0),
		}
	}

	retry := c.Sub("retry")
	defaults := bberrors.DefaultPolicies()
	for _, key := range retry.Keys() {
		class, err := bberrors.ParseClass(key)
		if err != nil {
			errs = append(errs, fmt.Errorf("retry: %w", err))
			continue
		}
		r := retry.Sub(key)
		base := defaults[class]
		s.Retry[class] = bberrors.Policy{
			MaxAttempts:    r.Int("max_attempts", base.MaxAttempts),
			InitialBackoff: r.Duration("initial_backoff", base.InitialBackoff),
			MaxBackoff:     r.Duration("max_backoff", base.MaxBackoff),
			BackoffFactor:  r.Float("factor", base.BackoffFactor),
			Jitter:         r.Float("jitter", base.Jitter),
			Timeout:        r.Duration("timeout", base.Timeout),
		}
	}

	dl := c.Sub("deadletter")
	s.DeadLetter = deadletter.MonitorConfig{
		AlertDepth:    dl.Int("alert_depth", s.DeadLetter.AlertDepth),
		AlertAge:      dl.Duration("alert_age", s.DeadLetter.AlertAge),
		CheckInterval: dl.Duration("check_interval", s.DeadLetter.CheckInterval),
	}

	fo := c.Sub("fanout")
	s.Fanout = pipeline.FanoutConfig{
		ThresholdPerMinute:    fo.Float("threshold_per_minute", s.Fanout.ThresholdPerMinute),
		Sustain:               fo.Duration("sustain", s.Fanout.Sustain),
		MaxConsumersPerDomain: fo.Int("max_consumers_per_domain", s.Fanout.MaxConsumersPerDomain),
	}

	lin := c.Sub("lineage")
	s.Lineage = LineageSettings{
		CacheTTL:    lin.Duration("cache_ttl", s.Lineage.CacheTTL),
		RedisAddr:   lin.String("redis_addr", s.Lineage.RedisAddr),
		RedisPrefix: lin.String("redis_prefix", s.Lineage.RedisPrefix),
	}

	st := c.Sub("store")
	s.Store = StoreSettings{
		Driver: strings.ToLower(st.String("driver", s.Store.Driver)),
		DSN:    st.String("dsn", s.Store.DSN),
	}

	k := c.Sub("kafka")
	s.Kafka = KafkaSettings{
		Brokers:      k.StringSlice("brokers", nil),
		ForwardTopic: k.String("forward_topic", ""),
		IngressTopic: k.String("ingress_topic", ""),
		GroupID:      k.String("group_id", s.Kafka.GroupID),
	}

	h := c.Sub("http")
	s.HTTP = HTTPSettings{
		Addr:  h.String("addr", s.HTTP.Addr),
		Debug: h.Bool("debug", s.HTTP.Debug),
	}

	if err := errors.Join(errs...); err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// ApplyEnv overrides settings from the environment. lookup is usually
// os.LookupEnv. Empty values are ignored.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	getEnv := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := getEnv(EnvMode); ok {
		mode, err := event.ParseMode(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMode, err)
		}
		s.Mode = mode
	}
	if v, ok := getEnv(EnvStoreDriver); ok {
		s.Store.Driver = strings.ToLower(v)
	}
	if v, ok := getEnv(EnvStoreDSN); ok {
		s.Store.DSN = v
	}
	if v, ok := getEnv(EnvHTTPAddr); ok {
		s.HTTP.Addr = v
	}
	if v, ok := getEnv(EnvRedisAddr); ok {
		s.Lineage.RedisAddr = v
	}
	if v, ok := getEnv(EnvKafkaBrokers); ok {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		s.Kafka.Brokers = brokers
	}
	return nil
}

// Validate checks cross-field constraints.
func (s Settings) Validate() error {
	var errs []error
	switch s.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if s.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store: driver %s needs a dsn", s.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown driver %q", s.Store.Driver))
	}
	if len(s.Kafka.Brokers) > 0 && s.Kafka.ForwardTopic == "" && s.Kafka.IngressTopic == "" {
		errs = append(errs, errors.New("kafka: brokers set but no forward_topic or ingress_topic"))
	}
	if s.Kafka.IngressTopic != "" && s.Kafka.GroupID == "" {
		errs = append(errs, errors.New("kafka: ingress_topic needs a group_id"))
	}
	if _, err := s.Taxonomy(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Taxonomy builds the initial taxonomy from the configured categories and
// domains.
func (s Settings) Taxonomy() (*event.Taxonomy, error) {
	t, err := event.NewTaxonomy(s.Categories, s.Domains...)
	if err != nil {
		return nil, fmt.Errorf("taxonomy: %w", err)
	}
	return t, nil
}

// Policies builds the retry policy table.
func (s Settings) Policies() *bberrors.PolicyTable {
	return bberrors.NewPolicyTable(s.Retry)
}
