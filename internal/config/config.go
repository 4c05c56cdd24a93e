// Package config loads and validates watcher configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/feedsentry/feedsentry/internal/watch"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging     LoggingConfig      `mapstructure:"logging"`
	State       StateConfig        `mapstructure:"state"`
	Fetch       FetchConfig        `mapstructure:"fetch"`
	Relay       RelayConfig        `mapstructure:"relay"`
	Channels    ChannelsConfig     `mapstructure:"channels"`
	Archive     ArchiveConfig      `mapstructure:"archive"`
	Ops         OpsConfig          `mapstructure:"ops"`
	Poller      PollerConfig       `mapstructure:"poller"`
	Sources     []watch.Source     `mapstructure:"sources"`
	Credentials []watch.Credential `mapstructure:"credentials"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// StateConfig selects and configures the state store backend.
type StateConfig struct {
	// Provider is one of memory, sqlite, postgres.
	Provider   string         `mapstructure:"provider"`
	SQLitePath string         `mapstructure:"sqlite_path"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls the pgx connection pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// FetchConfig governs direct fetches and the retry policy.
type FetchConfig struct {
	UserAgent   string        `mapstructure:"user_agent"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// RelayConfig points the watcher at a relay server.
type RelayConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Addr           string        `mapstructure:"addr"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ChannelsConfig enables and configures the alert channels.
type ChannelsConfig struct {
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	WSPush    WSPushConfig    `mapstructure:"ws_push"`
	RawSocket RawSocketConfig `mapstructure:"raw_socket"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// DeliveryRetryConfig bounds one channel's delivery retries.
type DeliveryRetryConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// Policy materializes the retry knobs, filling defaults for unset values.
func (r DeliveryRetryConfig) Policy() watch.RetryPolicy {
	maxRetries := r.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	base := r.BackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	ceiling := r.BackoffMax
	if ceiling <= 0 {
		ceiling = 5 * time.Second
	}
	return watch.NewRetryPolicy(maxRetries, base, ceiling)
}

// TelegramConfig holds the bot credentials for the Telegram channel.
type TelegramConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Token   string              `mapstructure:"token"`
	ChatID  int64               `mapstructure:"chat_id"`
	Retry   DeliveryRetryConfig `mapstructure:"retry"`
}

// WSPushConfig points the websocket channel at its receiver.
type WSPushConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	URL     string              `mapstructure:"url"`
	Retry   DeliveryRetryConfig `mapstructure:"retry"`
}

// RawSocketConfig configures the plain-TCP push channel.
type RawSocketConfig struct {
	Enabled    bool                `mapstructure:"enabled"`
	Addr       string              `mapstructure:"addr"`
	ClientName string              `mapstructure:"client_name"`
	Username   string              `mapstructure:"username"`
	Password   string              `mapstructure:"password"`
	Retry      DeliveryRetryConfig `mapstructure:"retry"`
}

// PubSubConfig holds metadata for the Pub/Sub channel.
type PubSubConfig struct {
	Enabled   bool                `mapstructure:"enabled"`
	ProjectID string              `mapstructure:"project_id"`
	TopicName string              `mapstructure:"topic_name"`
	Retry     DeliveryRetryConfig `mapstructure:"retry"`
}

// ArchiveConfig selects where raw fetch bodies are kept.
type ArchiveConfig struct {
	// Provider is one of none, local, gcs.
	Provider string `mapstructure:"provider"`
	BaseDir  string `mapstructure:"base_dir"`
	Bucket   string `mapstructure:"bucket"`
}

// OpsConfig controls the operations HTTP server and alerting.
type OpsConfig struct {
	Port int `mapstructure:"port"`
	// AlertChannel names the channel that receives operational alerts.
	AlertChannel  string        `mapstructure:"alert_channel"`
	AlertInterval time.Duration `mapstructure:"alert_interval"`
	EscalateAfter int           `mapstructure:"escalate_after"`
}

// PollerConfig governs the watch loops.
type PollerConfig struct {
	DefaultCadence time.Duration `mapstructure:"default_cadence"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FEEDSENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("state.provider", "sqlite")
	v.SetDefault("state.sqlite_path", "feedsentry.db")
	v.SetDefault("fetch.user_agent", "feedsentry/0.1")
	v.SetDefault("fetch.timeout", "15s")
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.backoff_base", "250ms")
	v.SetDefault("fetch.backoff_max", "5s")
	v.SetDefault("relay.dial_timeout", "10s")
	v.SetDefault("relay.request_timeout", "90s")
	v.SetDefault("archive.provider", "none")
	v.SetDefault("ops.port", 9090)
	v.SetDefault("ops.alert_interval", "5m")
	v.SetDefault("ops.escalate_after", 3)
	v.SetDefault("poller.default_cadence", "1m")
}

// Validate enforces required values and cross-references.
func (c Config) Validate() error {
	switch c.State.Provider {
	case "memory":
	case "sqlite":
		if c.State.SQLitePath == "" {
			return fmt.Errorf("state.sqlite_path must be set for the sqlite provider")
		}
	case "postgres":
		if c.State.Postgres.DSN == "" {
			return fmt.Errorf("state.postgres.dsn must be set for the postgres provider")
		}
	default:
		return fmt.Errorf("state.provider must be one of memory, sqlite, postgres")
	}

	switch c.Archive.Provider {
	case "", "none":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local provider")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("archive.provider must be one of none, local, gcs")
	}

	if c.Ops.Port <= 0 {
		return fmt.Errorf("ops.port must be > 0")
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return fmt.Errorf("channels.telegram.token must be set when telegram is enabled")
	}
	if c.Channels.WSPush.Enabled && c.Channels.WSPush.URL == "" {
		return fmt.Errorf("channels.ws_push.url must be set when ws_push is enabled")
	}
	if c.Channels.RawSocket.Enabled && c.Channels.RawSocket.Addr == "" {
		return fmt.Errorf("channels.raw_socket.addr must be set when raw_socket is enabled")
	}
	if c.Channels.PubSub.Enabled && (c.Channels.PubSub.ProjectID == "" || c.Channels.PubSub.TopicName == "") {
		return fmt.Errorf("channels.pubsub.project_id and topic_name must be set when pubsub is enabled")
	}
	if c.Relay.Enabled && c.Relay.Addr == "" {
		return fmt.Errorf("relay.addr must be set when the relay is enabled")
	}

	enabled := c.enabledChannels()
	credentials := make(map[string]struct{}, len(c.Credentials))
	for i, cred := range c.Credentials {
		if cred.ID == "" {
			return fmt.Errorf("credentials[%d].id must be set", i)
		}
		switch cred.Kind {
		case watch.CredentialBasic, watch.CredentialToken, watch.CredentialCookieJar:
		default:
			return fmt.Errorf("credential %s has unknown kind %q", cred.ID, cred.Kind)
		}
		switch cred.Policy {
		case watch.ValidityFixedExpiry, watch.ValidityRollingWindow:
			if cred.Window <= 0 {
				return fmt.Errorf("credential %s has policy %q but no positive window, so it could never become valid",
					cred.ID, cred.Policy)
			}
		case watch.ValidityManualRefresh:
		default:
			return fmt.Errorf("credential %s has unknown policy %q", cred.ID, cred.Policy)
		}
		credentials[cred.ID] = struct{}{}
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for i, source := range c.Sources {
		if source.ID == "" {
			return fmt.Errorf("sources[%d].id must be set", i)
		}
		if _, dup := seen[source.ID]; dup {
			return fmt.Errorf("source %s is declared twice", source.ID)
		}
		seen[source.ID] = struct{}{}
		if source.URL == "" {
			return fmt.Errorf("source %s has no url", source.ID)
		}
		switch source.Strategy {
		case "", watch.StrategyDirect, watch.StrategyRelayed:
		case watch.StrategyAuthenticated:
			if source.CredentialID == "" {
				return fmt.Errorf("source %s is authenticated but names no credential", source.ID)
			}
		default:
			return fmt.Errorf("source %s has unknown strategy %q", source.ID, source.Strategy)
		}
		switch source.Scheme {
		case "", watch.SchemeMonotonic, watch.SchemeHash:
		default:
			return fmt.Errorf("source %s has unknown scheme %q", source.ID, source.Scheme)
		}
		if source.CredentialID != "" {
			if _, ok := credentials[source.CredentialID]; !ok {
				return fmt.Errorf("source %s references unknown credential %s", source.ID, source.CredentialID)
			}
		}
		if source.Strategy == watch.StrategyRelayed && !c.Relay.Enabled && !source.RelayFallback {
			return fmt.Errorf("source %s needs the relay but relay.enabled is false", source.ID)
		}
		for _, channel := range source.Channels {
			if _, ok := enabled[channel]; !ok {
				return fmt.Errorf("source %s references unconfigured channel %q", source.ID, channel)
			}
		}
	}

	if c.Ops.AlertChannel != "" {
		if _, ok := enabled[c.Ops.AlertChannel]; !ok {
			return fmt.Errorf("ops.alert_channel %q is not an enabled channel", c.Ops.AlertChannel)
		}
	}
	return nil
}

// CredentialMap derives the source-to-credential index the session
// manager consumes.
func (c Config) CredentialMap() map[string]string {
	out := make(map[string]string)
	for _, source := range c.Sources {
		if source.CredentialID != "" {
			out[source.ID] = source.CredentialID
		}
	}
	return out
}

func (c Config) enabledChannels() map[string]struct{} {
	enabled := make(map[string]struct{})
	if c.Channels.Telegram.Enabled {
		enabled["telegram"] = struct{}{}
	}
	if c.Channels.WSPush.Enabled {
		enabled["ws-push"] = struct{}{}
	}
	if c.Channels.RawSocket.Enabled {
		enabled["raw-socket"] = struct{}{}
	}
	if c.Channels.PubSub.Enabled {
		enabled["pubsub"] = struct{}{}
	}
	return enabled
}
