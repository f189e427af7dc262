// Package config provides configuration management for clawgate.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/liteclaw/clawgate/internal/routing"
)

// ErrConfigNotFound indicates no usable config file was found.
var ErrConfigNotFound = errors.New("config not found")

// Config matches the structure of clawgate.json
type Config struct {
	Env      map[string]string `json:"env,omitempty" yaml:"env" mapstructure:"env"`
	Gateway  GatewayConfig     `json:"gateway" yaml:"gateway" mapstructure:"gateway"`
	Routing  RoutingConfig     `json:"routing" yaml:"routing" mapstructure:"routing"`
	Delivery DeliveryConfig    `json:"delivery" yaml:"delivery" mapstructure:"delivery"`
	Session  SessionConfig     `json:"session" yaml:"session" mapstructure:"session"`
	Channels ChannelsConfig    `json:"channels" yaml:"channels" mapstructure:"channels"`
	Logging  LoggingConfig     `json:"logging" yaml:"logging" mapstructure:"logging"`
	Tracing  TracingConfig     `json:"tracing" yaml:"tracing" mapstructure:"tracing"`
}

type GatewayConfig struct {
	Port            int               `json:"port" yaml:"port" mapstructure:"port" validate:"min=0,max=65535"`
	Bind            string            `json:"bind" yaml:"bind" mapstructure:"bind"`
	Auth            GatewayAuth       `json:"auth" yaml:"auth" mapstructure:"auth"`
	AllowedOrigins  []string          `json:"allowedOrigins" yaml:"allowedOrigins" mapstructure:"allowedOrigins"`
	MaxConnections  int               `json:"maxConnections" yaml:"maxConnections" mapstructure:"maxConnections" validate:"min=0"`
	RateLimit       RateLimitConfig   `json:"rateLimit" yaml:"rateLimit" mapstructure:"rateLimit"`
	MessageRate     MessageRateConfig `json:"messageRate" yaml:"messageRate" mapstructure:"messageRate"`
	Outbound        OutboundConfig    `json:"outbound" yaml:"outbound" mapstructure:"outbound"`
	MaxPayloadBytes int64             `json:"maxPayloadBytes" yaml:"maxPayloadBytes" mapstructure:"maxPayloadBytes" validate:"min=0"`
	TickInterval    time.Duration     `json:"tickInterval" yaml:"tickInterval" mapstructure:"tickInterval"`
	HealthInterval  time.Duration     `json:"healthInterval" yaml:"healthInterval" mapstructure:"healthInterval"`
	ShutdownTimeout time.Duration     `json:"shutdownTimeout" yaml:"shutdownTimeout" mapstructure:"shutdownTimeout"`
}

type GatewayAuth struct {
	Mode  string `json:"mode" yaml:"mode" mapstructure:"mode" validate:"omitempty,oneof=token none"`
	Token string `json:"token" yaml:"token" mapstructure:"token"`
}

type RateLimitConfig struct {
	Enabled bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	RPS     float64 `json:"rps" yaml:"rps" mapstructure:"rps"`
	Burst   int     `json:"burst" yaml:"burst" mapstructure:"burst"`
}

// MessageRateConfig limits RPC requests per connection. PerSecond 0 disables it.
type MessageRateConfig struct {
	PerSecond float64 `json:"perSecond" yaml:"perSecond" mapstructure:"perSecond" validate:"min=0"`
	Burst     int     `json:"burst" yaml:"burst" mapstructure:"burst" validate:"min=0"`
}

type OutboundConfig struct {
	Capacity int    `json:"capacity" yaml:"capacity" mapstructure:"capacity" validate:"min=1"`
	Overflow string `json:"overflow" yaml:"overflow" mapstructure:"overflow" validate:"oneof=drop-oldest disconnect"`
}

type RoutingConfig struct {
	DefaultAgent string         `json:"defaultAgent" yaml:"defaultAgent" mapstructure:"defaultAgent"`
	Rules        []routing.Rule `json:"rules" yaml:"rules" mapstructure:"rules" validate:"dive"`
	RulesFile    string         `json:"rulesFile" yaml:"rulesFile" mapstructure:"rulesFile"`
}

type DeliveryConfig struct {
	Workers            int           `json:"workers" yaml:"workers" mapstructure:"workers" validate:"min=1"`
	MaxAttempts        int           `json:"maxAttempts" yaml:"maxAttempts" mapstructure:"maxAttempts" validate:"min=1"`
	BaseDelay          time.Duration `json:"baseDelay" yaml:"baseDelay" mapstructure:"baseDelay"`
	MaxDelay           time.Duration `json:"maxDelay" yaml:"maxDelay" mapstructure:"maxDelay"`
	ExponentialBackoff bool          `json:"exponentialBackoff" yaml:"exponentialBackoff" mapstructure:"exponentialBackoff"`
	Capacity           int           `json:"capacity" yaml:"capacity" mapstructure:"capacity" validate:"min=0"`
	MessageTTL         time.Duration `json:"messageTTL" yaml:"messageTTL" mapstructure:"messageTTL"`
	Retention          time.Duration `json:"retention" yaml:"retention" mapstructure:"retention"`
	Breaker            BreakerConfig `json:"breaker" yaml:"breaker" mapstructure:"breaker"`
}

// SessionConfig controls agent session bookkeeping. A zero IdleTTL keeps
// sessions forever.
type SessionConfig struct {
	IdleTTL time.Duration `json:"idleTTL" yaml:"idleTTL" mapstructure:"idleTTL"`
}

type BreakerConfig struct {
	Threshold uint32        `json:"threshold" yaml:"threshold" mapstructure:"threshold"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

type ChannelsConfig struct {
	Webhooks []WebhookConfig `json:"webhooks" yaml:"webhooks" mapstructure:"webhooks" validate:"dive"`
}

type WebhookConfig struct {
	ID        string        `json:"id" yaml:"id" mapstructure:"id" validate:"required"`
	AccountID string        `json:"accountId" yaml:"accountId" mapstructure:"accountId"`
	URL       string        `json:"url" yaml:"url" mapstructure:"url" validate:"required,url"`
	Token     string        `json:"token" yaml:"token" mapstructure:"token"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `json:"format" yaml:"format" mapstructure:"format" validate:"omitempty,oneof=json console"`
}

type TracingConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Exporter string `json:"exporter" yaml:"exporter" mapstructure:"exporter"`
}

// StateDir returns the clawgate state directory path.
// Can be overridden via CLAWGATE_STATE_DIR environment variable.
// Default: ~/.clawgate
func StateDir() string {
	if override := strings.TrimSpace(os.Getenv("CLAWGATE_STATE_DIR")); override != "" {
		return expandPath(override)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".clawgate"
	}
	return filepath.Join(home, ".clawgate")
}

// ConfigPath returns the default config file path.
// Can be overridden via CLAWGATE_CONFIG_PATH environment variable.
// Default: ~/.clawgate/clawgate.json
func ConfigPath() string {
	if override := strings.TrimSpace(os.Getenv("CLAWGATE_CONFIG_PATH")); override != "" {
		return expandPath(override)
	}
	return filepath.Join(StateDir(), "clawgate.json")
}

// expandPath expands ~ to home directory and resolves the path.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return absPath
}

// LoadViper loads the configuration into a Viper instance. When no config file
// exists the instance still carries defaults and environment overrides, and
// ErrConfigNotFound is returned alongside it.
func LoadViper() (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	if configPath := strings.TrimSpace(os.Getenv("CLAWGATE_CONFIG_PATH")); configPath != "" {
		expandedPath := expandPath(configPath)
		fileInfo, err := os.Stat(expandedPath)
		if err == nil && fileInfo.IsDir() {
			v.SetConfigName("clawgate")
			v.AddConfigPath(expandedPath)
		} else {
			v.SetConfigFile(expandedPath)
		}
	} else {
		// clawgate.json, clawgate.yaml, ...
		v.SetConfigName("clawgate")
		v.AddConfigPath(StateDir())
	}

	v.SetEnvPrefix("CLAWGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return v, ErrConfigNotFound
		}
		return nil, err
	}

	return v, nil
}

// Load reads the configuration from file and environment variables.
func Load() (*Config, error) {
	v, err := LoadViper()
	if err != nil {
		return nil, err
	}
	return unmarshal(v)
}

// LoadOrDefault is Load, falling back to defaults and environment overrides when
// no config file exists.
func LoadOrDefault() (*Config, error) {
	v, err := LoadViper()
	if err != nil && !errors.Is(err, ErrConfigNotFound) {
		return nil, err
	}
	return unmarshal(v)
}

// Default returns the built-in defaults.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := unmarshal(v)
	if err != nil {
		// Defaults always decode.
		panic(err)
	}
	return cfg
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Inject the env block before expansion so ${KEY} can refer to it.
	for k, val := range cfg.Env {
		expandedVal := os.ExpandEnv(val)
		_ = os.Setenv(k, expandedVal)
		cfg.Env[k] = expandedVal
	}

	expandEnvVars(&cfg)
	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Gateway defaults
	v.SetDefault("gateway.port", 18789)
	v.SetDefault("gateway.bind", "loopback")
	v.SetDefault("gateway.auth.mode", "token")
	v.SetDefault("gateway.auth.token", "")
	v.SetDefault("gateway.allowedOrigins", []string{})
	v.SetDefault("gateway.maxConnections", 100)
	v.SetDefault("gateway.rateLimit.enabled", true)
	v.SetDefault("gateway.rateLimit.rps", 10)
	v.SetDefault("gateway.rateLimit.burst", 20)
	v.SetDefault("gateway.messageRate.perSecond", 60)
	v.SetDefault("gateway.messageRate.burst", 60)
	v.SetDefault("gateway.outbound.capacity", 256)
	v.SetDefault("gateway.outbound.overflow", "drop-oldest")
	v.SetDefault("gateway.maxPayloadBytes", 1<<20)
	v.SetDefault("gateway.tickInterval", 30*time.Second)
	v.SetDefault("gateway.healthInterval", 60*time.Second)
	v.SetDefault("gateway.shutdownTimeout", 10*time.Second)

	// Delivery defaults
	v.SetDefault("delivery.workers", 4)
	v.SetDefault("delivery.maxAttempts", 3)
	v.SetDefault("delivery.baseDelay", time.Second)
	v.SetDefault("delivery.maxDelay", time.Minute)
	v.SetDefault("delivery.exponentialBackoff", true)
	v.SetDefault("delivery.capacity", 10000)
	v.SetDefault("delivery.messageTTL", time.Hour)
	v.SetDefault("delivery.retention", time.Hour)
	v.SetDefault("delivery.breaker.threshold", 5)
	v.SetDefault("delivery.breaker.timeout", 30*time.Second)

	v.SetDefault("session.idleTTL", 24*time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
}

// expandEnvVars expands environment variables in secret-bearing fields.
func expandEnvVars(cfg *Config) {
	cfg.Gateway.Auth.Token = os.ExpandEnv(cfg.Gateway.Auth.Token)
	for i := range cfg.Channels.Webhooks {
		cfg.Channels.Webhooks[i].Token = os.ExpandEnv(cfg.Channels.Webhooks[i].Token)
		cfg.Channels.Webhooks[i].URL = os.ExpandEnv(cfg.Channels.Webhooks[i].URL)
	}
}

// Save saves the configuration to the config file as JSON.
func Save(cfg *Config) error {
	configPath := ConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Delivery.MaxDelay > 0 && c.Delivery.BaseDelay > c.Delivery.MaxDelay {
		return fmt.Errorf("delivery.baseDelay (%s) exceeds delivery.maxDelay (%s)", c.Delivery.BaseDelay, c.Delivery.MaxDelay)
	}

	seen := make(map[string]bool)
	for _, rule := range c.Routing.Rules {
		if seen[rule.ID] {
			return fmt.Errorf("duplicate routing rule id %q", rule.ID)
		}
		seen[rule.ID] = true
	}

	seen = make(map[string]bool)
	for _, hook := range c.Channels.Webhooks {
		if seen[hook.ID] {
			return fmt.Errorf("duplicate webhook channel id %q", hook.ID)
		}
		seen[hook.ID] = true
	}

	return nil
}

// ListenHost resolves the bind mode to a host.
func (g GatewayConfig) ListenHost() string {
	switch g.Bind {
	case "", "loopback":
		return "127.0.0.1"
	case "lan", "all":
		return "0.0.0.0"
	default:
		return g.Bind
	}
}
