// Package config defines the feedstream configuration document and its
// defaults and validation rules.
//
// A single YAML file describes the whole process:
//
//	logging:    zap logger settings
//	supervisor: health-check cadence, restart and dead-letter policy
//	queue:      backend type, topic names, broker or store endpoints
//	tracing:    OpenTelemetry exporter settings
//	server:     operational HTTP listener
//	connectors: one entry per polled source
//
// Example usage:
//
//	cfg := config.Default()
//	if err := config.Load("feedstream.yaml", cfg); err != nil {
//	    return err
//	}
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
package config

import (
	"fmt"
	"time"

	"github.com/ajitpratap0/feedstream/pkg/logger"
)

// Queue backend types.
const (
	QueueTypeBuffer = "buffer"
	QueueTypeBroker = "broker"
	QueueTypeStore  = "store"
)

// FeedTypeHTTP selects the HTTP polling fetcher.
const FeedTypeHTTP = "http"

// Feed payload formats understood by the HTTP collaborator.
const (
	FormatJSON = "json"
	FormatAvro = "avro"
)

// AppConfig is the root configuration document.
type AppConfig struct {
	Logging    logger.Config     `yaml:"logging" json:"logging"`
	Supervisor SupervisorConfig  `yaml:"supervisor" json:"supervisor"`
	Queue      QueueConfig       `yaml:"queue" json:"queue"`
	Tracing    TracingConfig     `yaml:"tracing" json:"tracing"`
	Server     ServerConfig      `yaml:"server" json:"server"`
	Connectors []ConnectorConfig `yaml:"connectors" json:"connectors"`
}

// ConnectorConfig holds the immutable per-connector polling and resilience
// settings. Every duration must be positive.
type ConnectorConfig struct {
	Name string `yaml:"name" json:"name"`

	// PollInterval is the delay between the end of one poll and the next.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// MaxConsecutiveFailures opens the breaker once reached.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
	// BreakerCooldown is how long the breaker stays open.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown" json:"breaker_cooldown"`
	// FetchTimeout bounds a single fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`
	// RetryDelay is the pause before a fetch collaborator's in-request retry.
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`

	Feed FeedConfig `yaml:"feed" json:"feed"`
}

// FeedConfig describes the upstream an HTTP collaborator polls.
type FeedConfig struct {
	Type    string            `yaml:"type" json:"type"`
	URL     string            `yaml:"url" json:"url"`
	Format  string            `yaml:"format" json:"format"`
	Source  string            `yaml:"source" json:"source"`
	Headers map[string]string `yaml:"headers" json:"headers"`
	// RateLimit caps outbound requests per second; zero disables it.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
}

// SupervisorConfig controls the ingestion supervisor.
type SupervisorConfig struct {
	HealthCheckInterval        time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
	RestartUnhealthyConnectors bool          `yaml:"restart_unhealthy_connectors" json:"restart_unhealthy_connectors"`
	DeadLetterEnabled          bool          `yaml:"dead_letter_enabled" json:"dead_letter_enabled"`
}

// TopicsConfig names the fixed topic set.
type TopicsConfig struct {
	RawData       string `yaml:"raw_data" json:"raw_data"`
	ProcessedData string `yaml:"processed_data" json:"processed_data"`
	Predictions   string `yaml:"predictions" json:"predictions"`
	Alerts        string `yaml:"alerts" json:"alerts"`
	DeadLetter    string `yaml:"dead_letter" json:"dead_letter"`
}

// All returns every configured topic name.
func (t TopicsConfig) All() []string {
	return []string{t.RawData, t.ProcessedData, t.Predictions, t.Alerts, t.DeadLetter}
}

// QueueConfig selects and configures the queue backend.
type QueueConfig struct {
	Type   string       `yaml:"type" json:"type"`
	Topics TopicsConfig `yaml:"topics" json:"topics"`

	// Broker settings.
	Brokers  []string `yaml:"brokers" json:"brokers"`
	GroupID  string   `yaml:"group_id" json:"group_id"`
	ClientID string   `yaml:"client_id" json:"client_id"`

	// Store settings.
	StoreAddress   string `yaml:"store_address" json:"store_address"`
	StorePassword  string `yaml:"store_password" json:"store_password"`
	StoreDB        int    `yaml:"store_db" json:"store_db"`
	StoreKeyPrefix string `yaml:"store_key_prefix" json:"store_key_prefix"`

	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	Environment string  `yaml:"environment" json:"environment"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate"`
}

// ServerConfig configures the operational HTTP listener.
type ServerConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	ListenAddress string `yaml:"listen_address" json:"listen_address"`
}

// DefaultTopics returns the standard topic names.
func DefaultTopics() TopicsConfig {
	return TopicsConfig{
		RawData:       "raw-data",
		ProcessedData: "processed-data",
		Predictions:   "predictions",
		Alerts:        "alerts",
		DeadLetter:    "dead-letter",
	}
}

// DefaultQueueConfig returns an in-process buffer configuration.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Type:           QueueTypeBuffer,
		Topics:         DefaultTopics(),
		GroupID:        "feedstream",
		ClientID:       "feedstream",
		StoreKeyPrefix: "feedstream:",
		DialTimeout:    5 * time.Second,
	}
}

// DefaultSupervisorConfig returns the supervisor defaults.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		HealthCheckInterval:        30 * time.Second,
		RestartUnhealthyConnectors: true,
		DeadLetterEnabled:          true,
	}
}

// DefaultConnectorConfig returns connector defaults for name.
func DefaultConnectorConfig(name string) ConnectorConfig {
	return ConnectorConfig{
		Name:                   name,
		PollInterval:           time.Minute,
		MaxConsecutiveFailures: 5,
		BreakerCooldown:        5 * time.Minute,
		FetchTimeout:           30 * time.Second,
		RetryDelay:             5 * time.Second,
		Feed:                   FeedConfig{Type: FeedTypeHTTP, Format: FormatJSON},
	}
}

// Default returns a complete configuration with every default applied.
func Default() *AppConfig {
	return &AppConfig{
		Logging:    logger.DefaultConfig(),
		Supervisor: DefaultSupervisorConfig(),
		Queue:      DefaultQueueConfig(),
		Tracing: TracingConfig{
			ServiceName: "feedstream",
			Environment: "development",
			SampleRate:  1.0,
		},
		Server: ServerConfig{
			Enabled:       true,
			ListenAddress: ":8080",
		},
	}
}

// ApplyDefaults fills zero-valued connector fields from DefaultConnectorConfig.
// Connectors come from a YAML list, so they cannot be pre-populated before Load.
func (c *AppConfig) ApplyDefaults() {
	for i := range c.Connectors {
		cc := &c.Connectors[i]
		def := DefaultConnectorConfig(cc.Name)
		if cc.PollInterval == 0 {
			cc.PollInterval = def.PollInterval
		}
		if cc.MaxConsecutiveFailures == 0 {
			cc.MaxConsecutiveFailures = def.MaxConsecutiveFailures
		}
		if cc.BreakerCooldown == 0 {
			cc.BreakerCooldown = def.BreakerCooldown
		}
		if cc.FetchTimeout == 0 {
			cc.FetchTimeout = def.FetchTimeout
		}
		if cc.RetryDelay == 0 {
			cc.RetryDelay = def.RetryDelay
		}
		if cc.Feed.Type == "" {
			cc.Feed.Type = def.Feed.Type
		}
		if cc.Feed.Format == "" {
			cc.Feed.Format = def.Feed.Format
		}
		if cc.Feed.Source == "" {
			cc.Feed.Source = cc.Name
		}
	}
}

// Validate checks the whole document.
func (c *AppConfig) Validate() error {
	if err := c.Supervisor.Validate(); err != nil {
		return err
	}
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing sample_rate must be within [0,1], got %v", c.Tracing.SampleRate)
	}
	if c.Server.Enabled && c.Server.ListenAddress == "" {
		return fmt.Errorf("server listen_address is required when the server is enabled")
	}

	seen := make(map[string]struct{}, len(c.Connectors))
	for i := range c.Connectors {
		cc := &c.Connectors[i]
		if err := cc.Validate(); err != nil {
			return err
		}
		if _, dup := seen[cc.Name]; dup {
			return fmt.Errorf("duplicate connector name %q", cc.Name)
		}
		seen[cc.Name] = struct{}{}
		if cc.Feed.URL == "" {
			return fmt.Errorf("connector %q: feed url is required", cc.Name)
		}
		switch cc.Feed.Format {
		case FormatJSON, FormatAvro:
		default:
			return fmt.Errorf("connector %q: unknown feed format %q", cc.Name, cc.Feed.Format)
		}
		if cc.Feed.RateLimit < 0 {
			return fmt.Errorf("connector %q: rate_limit must not be negative", cc.Name)
		}
	}
	return nil
}

// Validate enforces the polling invariants.
func (cc *ConnectorConfig) Validate() error {
	if cc.Name == "" {
		return fmt.Errorf("connector name is required")
	}
	durations := []struct {
		field string
		value time.Duration
	}{
		{"poll_interval", cc.PollInterval},
		{"breaker_cooldown", cc.BreakerCooldown},
		{"fetch_timeout", cc.FetchTimeout},
		{"retry_delay", cc.RetryDelay},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("connector %q: %s must be positive, got %s", cc.Name, d.field, d.value)
		}
	}
	if cc.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("connector %q: max_consecutive_failures must be positive, got %d", cc.Name, cc.MaxConsecutiveFailures)
	}
	return nil
}

// Validate checks supervisor settings.
func (s *SupervisorConfig) Validate() error {
	if s.HealthCheckInterval <= 0 {
		return fmt.Errorf("supervisor health_check_interval must be positive, got %s", s.HealthCheckInterval)
	}
	return nil
}

// Validate checks queue settings.
func (q *QueueConfig) Validate() error {
	switch q.Type {
	case QueueTypeBuffer:
	case QueueTypeBroker:
		if len(q.Brokers) == 0 {
			return fmt.Errorf("queue type %q requires at least one broker", q.Type)
		}
		if q.GroupID == "" {
			return fmt.Errorf("queue type %q requires a group_id", q.Type)
		}
	case QueueTypeStore:
		if q.StoreAddress == "" {
			return fmt.Errorf("queue type %q requires store_address", q.Type)
		}
	default:
		return fmt.Errorf("unknown queue type %q", q.Type)
	}
	for _, topic := range q.Topics.All() {
		if topic == "" {
			return fmt.Errorf("all queue topics must be named")
		}
	}
	return nil
}
