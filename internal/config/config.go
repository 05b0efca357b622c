// Package config loads the gateway's configuration, grounded on the
// teacher's env-tag-driven pattern: environment variables are the source
// of truth, a .env file is a convenience layer for local development, and
// a struct is populated and validated once at startup.
//
// The scalar settings (gateway.*, bus.url, historian.*) follow that
// pattern directly. The topology sections — bus.streams[], bus.consumers[],
// historian.consumers[] — are slices of structs that don't fit env-tag
// parsing, so they're loaded from a JSON topology file whose path is
// itself an env-tag field. Unknown keys in that file are warned about,
// not rejected, per the "Unknown keys should warn, not fail" design note.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/fleetgate/gateway/internal/domain"
	"github.com/fleetgate/gateway/internal/historian"
)

// Config is the complete, validated gateway configuration.
type Config struct {
	// Gateway / Session Core
	MaxMessageSize            int           `env:"GATEWAY_MAX_MESSAGE_SIZE" envDefault:"65536"`
	MessageRateLimitPerSecond int           `env:"GATEWAY_MESSAGE_RATE_LIMIT_PER_SECOND" envDefault:"100"`
	OutgoingBufferSize        int           `env:"GATEWAY_OUTGOING_BUFFER_SIZE" envDefault:"256"`
	AuthenticationTimeout     time.Duration `env:"GATEWAY_AUTHENTICATION_TIMEOUT_SECONDS" envDefault:"10s"`
	PingInterval              time.Duration `env:"GATEWAY_PING_INTERVAL_SECONDS" envDefault:"30s"`
	PingTimeout               time.Duration `env:"GATEWAY_PING_TIMEOUT_SECONDS" envDefault:"10s"`
	ShutdownDrainTimeout      time.Duration `env:"GATEWAY_SHUTDOWN_DRAIN_TIMEOUT_SECONDS" envDefault:"10s"`
	ListenAddr                string        `env:"GATEWAY_LISTEN_ADDR" envDefault:":8080"`
	AdminListenAddr           string        `env:"GATEWAY_ADMIN_LISTEN_ADDR" envDefault:":9090"`
	JWTSigningSecret          string        `env:"GATEWAY_JWT_SIGNING_SECRET"`
	JWTIssuer                 string        `env:"GATEWAY_JWT_ISSUER"`
	JWTAudience               string        `env:"GATEWAY_JWT_AUDIENCE"`
	JWTClockSkew              time.Duration `env:"GATEWAY_JWT_CLOCK_SKEW_SECONDS" envDefault:"5s"`
	AckMode                   string        `env:"GATEWAY_ACK_MODE" envDefault:"after_enqueue"`
	ConnectionAcceptRatePerSecond int       `env:"GATEWAY_CONNECTION_ACCEPT_RATE_PER_SECOND" envDefault:"50"`
	ConnectionAcceptBurst         int       `env:"GATEWAY_CONNECTION_ACCEPT_BURST" envDefault:"100"`

	// Durable Bus Adapter
	BusURL                  string        `env:"BUS_URL" envDefault:"nats://localhost:4222"`
	BusClientName           string        `env:"BUS_CLIENT_NAME" envDefault:"fleetgate-gateway"`
	BusReconnectWait        time.Duration `env:"BUS_RECONNECT_WAIT" envDefault:"2s"`
	BusConnectTimeout       time.Duration `env:"BUS_CONNECT_TIMEOUT" envDefault:"10s"`
	BusMaxReconnects        int           `env:"BUS_MAX_RECONNECTS" envDefault:"-1"`
	BusDefaultBatchSize     int           `env:"BUS_DEFAULT_CONSUMER_BATCH_SIZE" envDefault:"50"`
	BusDefaultFetchTimeout  time.Duration `env:"BUS_DEFAULT_CONSUMER_FETCH_TIMEOUT" envDefault:"5s"`
	BusPublishInitialDelay  time.Duration `env:"BUS_PUBLISH_RETRY_INITIAL_DELAY" envDefault:"100ms"`
	BusPublishMaxDelay      time.Duration `env:"BUS_PUBLISH_RETRY_MAX_DELAY" envDefault:"5s"`
	BusPublishBackoffFactor float64       `env:"BUS_PUBLISH_RETRY_BACKOFF_MULTIPLIER" envDefault:"2.0"`
	BusPublishMaxRetries    int           `env:"BUS_PUBLISH_RETRY_MAX_RETRIES" envDefault:"5"`
	BusPublishAddJitter     bool          `env:"BUS_PUBLISH_RETRY_ADD_JITTER" envDefault:"true"`

	// Historian Ingestion Core
	HistorianBatchSize           int           `env:"HISTORIAN_BATCH_SIZE" envDefault:"100"`
	HistorianBatchTimeout        time.Duration `env:"HISTORIAN_BATCH_TIMEOUT_MS" envDefault:"1000ms"`
	HistorianEnableAuditLogging  bool          `env:"HISTORIAN_ENABLE_AUDIT_LOGGING" envDefault:"true"`
	HistorianEnableIntegrityCheck bool         `env:"HISTORIAN_ENABLE_INTEGRITY_CHECKS" envDefault:"true"`
	HistorianDBConnectionString  string        `env:"HISTORIAN_DB_CONNECTION_STRING" envDefault:"postgres://localhost:5432/fleetgate?sslmode=disable"`

	// Logging / metrics
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Topology (streams, consumers, historian feeds) lives in a JSON file;
	// see loadTopology.
	TopologyFile string `env:"GATEWAY_TOPOLOGY_FILE" envDefault:"topology.json"`

	Streams            []domain.StreamConfig
	Consumers          []domain.ConsumerConfig
	HistorianConsumers []historian.ConsumerSpec
}

// PublishRetry bundles the bus.publish_retry.* settings into the shape the
// Durable Bus Adapter's retry helper expects.
type PublishRetry struct {
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	MaxRetries        int
	AddJitter         bool
}

// SessionAckMode maps GATEWAY_ACK_MODE to the domain.AckMode enum.
// Anything other than "after_socket_write" is treated as the default
// AckAfterEnqueue policy.
func (c *Config) SessionAckMode() domain.AckMode {
	if c.AckMode == "after_socket_write" {
		return domain.AckAfterSocketWrite
	}
	return domain.AckAfterEnqueue
}

func (c *Config) PublishRetry() PublishRetry {
	return PublishRetry{
		InitialDelay:      c.BusPublishInitialDelay,
		MaxDelay:          c.BusPublishMaxDelay,
		BackoffMultiplier: c.BusPublishBackoffFactor,
		MaxRetries:        c.BusPublishMaxRetries,
		AddJitter:         c.BusPublishAddJitter,
	}
}

// Load reads .env (if present), parses environment variables, loads the
// topology file, and validates the result. Priority: env vars > .env file
// > defaults, matching the teacher's LoadConfig.
func Load(log zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("no .env file found, using environment variables only")
	} else {
		log.Info().Msg("loaded configuration overrides from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}

	if err := cfg.loadTopology(log); err != nil {
		return nil, fmt.Errorf("config: load topology: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return cfg, nil
}

// topologyFile is the on-disk shape of GATEWAY_TOPOLOGY_FILE.
type topologyFile struct {
	Streams            []streamEntry   `json:"streams"`
	Consumers          []consumerEntry `json:"consumers"`
	HistorianConsumers []historianEntry `json:"historian_consumers"`
}

type streamEntry struct {
	Name           string   `json:"name"`
	Subjects       []string `json:"subjects"`
	Retention      string   `json:"retention"`
	Storage        string   `json:"storage"`
	MaxAge         string   `json:"max_age"`
	MaxMessages    int64    `json:"max_messages"`
	MaxBytes       int64    `json:"max_bytes"`
	MaxMessageSize int32    `json:"max_message_size"`
	Replicas       int      `json:"replicas"`
	Discard        string   `json:"discard"`
	DenyDelete     bool     `json:"deny_delete"`
	DenyPurge      bool     `json:"deny_purge"`
	AllowDirect    bool     `json:"allow_direct"`
	AllowRollup    bool     `json:"allow_rollup"`
	Description    string   `json:"description"`
}

type consumerEntry struct {
	Name           string `json:"name"`
	Stream         string `json:"stream"`
	FilterSubject  string `json:"filter_subject"`
	AckPolicy      string `json:"ack_policy"`
	AckWait        string `json:"ack_wait"`
	MaxDeliver     int    `json:"max_deliver"`
	MaxAckPending  int    `json:"max_ack_pending"`
	DeliverPolicy  string `json:"deliver_policy"`
	ReplayPolicy   string `json:"replay_policy"`
	Type           string `json:"type"`
	DeliverSubject string `json:"deliver_subject"`
	DeliverGroup   string `json:"deliver_group"`
	IdleHeartbeat  string `json:"idle_heartbeat"`
	FlowControl    bool   `json:"flow_control"`
}

type historianEntry struct {
	Name          string `json:"name"`
	Stream        string `json:"stream"`
	FilterSubject string `json:"filter_subject"`
	DataType      string `json:"data_type"`
	Enabled       bool   `json:"enabled"`
}

// loadTopology reads and decodes TopologyFile. A missing file is not an
// error: a gateway with no configured streams/consumers simply starts with
// an empty topology. Streams and consumers come only from this file; the
// admin surface has no route for adding them at runtime.
func (c *Config) loadTopology(log zerolog.Logger) error {
	raw, err := os.ReadFile(c.TopologyFile)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", c.TopologyFile).Msg("no topology file found, starting with empty streams/consumers")
			return nil
		}
		return err
	}

	warnUnknownTopLevelKeys(raw, topologyFile{}, log)

	var tf topologyFile
	if err := json.Unmarshal(raw, &tf); err != nil {
		return fmt.Errorf("parse %s: %w", c.TopologyFile, err)
	}

	for _, s := range tf.Streams {
		maxAge, err := time.ParseDuration(orDefault(s.MaxAge, "0s"))
		if err != nil {
			return fmt.Errorf("stream %s: max_age: %w", s.Name, err)
		}
		c.Streams = append(c.Streams, domain.StreamConfig{
			Name:           s.Name,
			Subjects:       s.Subjects,
			Retention:      domain.Retention(orDefault(s.Retention, string(domain.RetentionLimits))),
			Storage:        domain.StorageType(orDefault(s.Storage, string(domain.StorageFile))),
			MaxAge:         maxAge,
			MaxBytes:       s.MaxBytes,
			MaxMessages:    s.MaxMessages,
			MaxMessageSize: s.MaxMessageSize,
			Replicas:       orDefaultInt(s.Replicas, 1),
			Discard:        domain.Discard(orDefault(s.Discard, string(domain.DiscardOld))),
			DenyDelete:     s.DenyDelete,
			DenyPurge:      s.DenyPurge,
			AllowDirect:    s.AllowDirect,
			AllowRollup:    s.AllowRollup,
			Description:    s.Description,
		})
	}

	for _, cons := range tf.Consumers {
		ackWait, err := time.ParseDuration(orDefault(cons.AckWait, "30s"))
		if err != nil {
			return fmt.Errorf("consumer %s: ack_wait: %w", cons.Name, err)
		}
		idleHB, err := time.ParseDuration(orDefault(cons.IdleHeartbeat, "0s"))
		if err != nil {
			return fmt.Errorf("consumer %s: idle_heartbeat: %w", cons.Name, err)
		}
		c.Consumers = append(c.Consumers, domain.ConsumerConfig{
			DurableName:    cons.Name,
			Stream:         cons.Stream,
			FilterSubject:  cons.FilterSubject,
			AckPolicy:      domain.AckPolicy(orDefault(cons.AckPolicy, string(domain.AckExplicit))),
			AckWait:        ackWait,
			MaxDeliver:     orDefaultInt(cons.MaxDeliver, 5),
			MaxAckPending:  orDefaultInt(cons.MaxAckPending, 1000),
			DeliverPolicy:  domain.DeliverPolicy(orDefault(cons.DeliverPolicy, string(domain.DeliverAll))),
			ReplayPolicy:   domain.ReplayPolicy(orDefault(cons.ReplayPolicy, string(domain.ReplayInstant))),
			Type:           domain.ConsumerType(orDefault(cons.Type, string(domain.ConsumerPull))),
			DeliverSubject: cons.DeliverSubject,
			DeliverGroup:   cons.DeliverGroup,
			IdleHeartbeat:  idleHB,
			FlowControl:    cons.FlowControl,
		})
	}

	for _, h := range tf.HistorianConsumers {
		c.HistorianConsumers = append(c.HistorianConsumers, historian.ConsumerSpec{
			Name:          h.Name,
			Stream:        h.Stream,
			FilterSubject: h.FilterSubject,
			DataType:      domain.DataType(h.DataType),
			Enabled:       h.Enabled,
		})
	}

	return nil
}

// warnUnknownTopLevelKeys logs (does not fail on) any top-level topology
// key the struct doesn't recognize, per the "Unknown keys should warn, not
// fail" design note.
func warnUnknownTopLevelKeys(raw []byte, shape any, log zerolog.Logger) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return
	}
	known := map[string]bool{"streams": true, "consumers": true, "historian_consumers": true}
	for key := range generic {
		if !known[key] {
			log.Warn().Str("key", key).Msg("unrecognized topology key, ignoring")
		}
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// Validate checks configuration for internal consistency beyond what
// env-tag parsing already enforces.
func (c *Config) Validate() error {
	if c.MaxMessageSize < 1 {
		return fmt.Errorf("GATEWAY_MAX_MESSAGE_SIZE must be > 0, got %d", c.MaxMessageSize)
	}
	if c.MessageRateLimitPerSecond < 1 {
		return fmt.Errorf("GATEWAY_MESSAGE_RATE_LIMIT_PER_SECOND must be > 0, got %d", c.MessageRateLimitPerSecond)
	}
	if c.OutgoingBufferSize < 1 {
		return fmt.Errorf("GATEWAY_OUTGOING_BUFFER_SIZE must be > 0, got %d", c.OutgoingBufferSize)
	}
	if c.ConnectionAcceptRatePerSecond < 1 {
		return fmt.Errorf("GATEWAY_CONNECTION_ACCEPT_RATE_PER_SECOND must be > 0, got %d", c.ConnectionAcceptRatePerSecond)
	}
	if c.ConnectionAcceptBurst < 1 {
		return fmt.Errorf("GATEWAY_CONNECTION_ACCEPT_BURST must be > 0, got %d", c.ConnectionAcceptBurst)
	}
	if c.PingTimeout >= c.PingInterval {
		return fmt.Errorf("GATEWAY_PING_TIMEOUT_SECONDS (%s) must be < GATEWAY_PING_INTERVAL_SECONDS (%s)", c.PingTimeout, c.PingInterval)
	}
	if c.BusURL == "" {
		return fmt.Errorf("BUS_URL is required")
	}
	if c.HistorianBatchSize < 1 {
		return fmt.Errorf("HISTORIAN_BATCH_SIZE must be > 0, got %d", c.HistorianBatchSize)
	}
	if c.HistorianDBConnectionString == "" {
		return fmt.Errorf("HISTORIAN_DB_CONNECTION_STRING is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	validAckModes := map[string]bool{"after_enqueue": true, "after_socket_write": true}
	if !validAckModes[c.AckMode] {
		return fmt.Errorf("GATEWAY_ACK_MODE must be one of: after_enqueue, after_socket_write (got: %s)", c.AckMode)
	}
	if c.JWTSigningSecret == "" {
		return fmt.Errorf("GATEWAY_JWT_SIGNING_SECRET is required")
	}

	for _, s := range c.Streams {
		if s.Name == "" {
			return fmt.Errorf("topology: stream entry missing name")
		}
		if len(s.Subjects) == 0 {
			return fmt.Errorf("topology: stream %s has no subjects", s.Name)
		}
	}
	for _, cons := range c.Consumers {
		if cons.Name == "" || cons.Stream == "" {
			return fmt.Errorf("topology: consumer entry missing name or stream")
		}
	}
	for _, h := range c.HistorianConsumers {
		if h.Name == "" || h.Stream == "" {
			return fmt.Errorf("topology: historian consumer entry missing name or stream")
		}
	}

	return nil
}

// LogConfig emits the loaded configuration as structured fields, matching
// the teacher's LogConfig debug helper.
func (c *Config) LogConfig(log zerolog.Logger) {
	log.Info().
		Str("bus_url", c.BusURL).
		Str("bus_client_name", c.BusClientName).
		Int("max_message_size", c.MaxMessageSize).
		Int("message_rate_limit_per_second", c.MessageRateLimitPerSecond).
		Int("outgoing_buffer_size", c.OutgoingBufferSize).
		Dur("authentication_timeout", c.AuthenticationTimeout).
		Dur("ping_interval", c.PingInterval).
		Dur("ping_timeout", c.PingTimeout).
		Int("historian_batch_size", c.HistorianBatchSize).
		Dur("historian_batch_timeout", c.HistorianBatchTimeout).
		Bool("historian_enable_audit_logging", c.HistorianEnableAuditLogging).
		Int("stream_count", len(c.Streams)).
		Int("consumer_count", len(c.Consumers)).
		Int("historian_consumer_count", len(c.HistorianConsumers)).
		Str("log_level", c.LogLevel).
		Msg("configuration loaded")
}
