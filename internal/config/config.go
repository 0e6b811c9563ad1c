package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	TransportWebSocket = "websocket"
	TransportPostgres  = "postgres"
	TransportRedis     = "redis"
	TransportAMQP      = "amqp"
)

var transports = []string{TransportWebSocket, TransportPostgres, TransportRedis, TransportAMQP}

type Config struct {
	DatabaseDSN    string `mapstructure:"database_dsn"`
	MigrateOnStart bool   `mapstructure:"migrate_on_start"`
	// DebugAddr serves the local api next to /debug/vars and /metrics.
	DebugAddr      string `mapstructure:"debug_addr"`
	SigningSecret  string `mapstructure:"signing_secret"`
	ViewerToken    string `mapstructure:"viewer_token"`

	FeedTransport string `mapstructure:"feed_transport"`
	WebSocketURL  string `mapstructure:"websocket_url"`
	RedisAddr     string `mapstructure:"redis_addr"`
	AMQPURL       string `mapstructure:"amqp_url"`
	AMQPExchange  string `mapstructure:"amqp_exchange"`

	RetryMaxAttempts int           `mapstructure:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	RetryStableAfter time.Duration `mapstructure:"retry_stable_after"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ProfileCacheTTL  time.Duration `mapstructure:"profile_cache_ttl"`

	// SigningKey is SigningSecret decoded by Validate.
	SigningKey []byte `mapstructure:"-"`
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, errors.New("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug_addr", "localhost:6060")
	v.SetDefault("feed_transport", TransportPostgres)
	v.SetDefault("amqp_exchange", "jobsync.changes")
	v.SetDefault("retry_max_attempts", 5)
	v.SetDefault("retry_base_delay", time.Second)
	v.SetDefault("retry_max_delay", 30*time.Second)
	v.SetDefault("retry_stable_after", 30*time.Second)
	v.SetDefault("handshake_timeout", 10*time.Second)
	v.SetDefault("profile_cache_ttl", 10*time.Minute)
	v.SetDefault("migrate_on_start", false)
}

// Load reads jobsync.yml from path (or the working directory when path is
// empty), overlays JOBSYNC_* environment variables and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("jobsync")
		v.SetConfigType("yml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("jobsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only applies to keys viper knows about
	for _, key := range []string{"database_dsn", "signing_secret", "viewer_token", "websocket_url", "redis_addr", "amqp_url"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks required fields and decodes the signing secret.
func (c *Config) Validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database DSN cannot be empty")
	}
	if c.SigningSecret == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(c.SigningSecret)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey

	if !slices.Contains(transports, c.FeedTransport) {
		return fmt.Errorf("unknown feed transport %q", c.FeedTransport)
	}
	switch c.FeedTransport {
	case TransportWebSocket:
		if c.WebSocketURL == "" {
			return fmt.Errorf("websocket url cannot be empty")
		}
	case TransportRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis address cannot be empty")
		}
	case TransportAMQP:
		if c.AMQPURL == "" {
			return fmt.Errorf("amqp url cannot be empty")
		}
	}

	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be positive")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base <= max")
	}
	if c.RetryStableAfter < 0 {
		return fmt.Errorf("retry stable period cannot be negative")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive")
	}

	return nil
}
