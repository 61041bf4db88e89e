package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"bookingcoord/internal/backoff"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Redis      RedisConfig      `yaml:"redis"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Backend    BackendConfig    `yaml:"backend"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Retry      RetryConfig      `yaml:"retry"`
	Drafts     DraftsConfig     `yaml:"drafts"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	API        APIConfig        `yaml:"api"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
}

// BackendConfig points at the slot/booking collaborator.
type BackendConfig struct {
	BaseURL   string          `yaml:"base_url"`
	Token     string          `yaml:"token"`
	Timeout   time.Duration   `yaml:"timeout"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// SlotCacheTTL caches slot lookups in Redis; zero disables the cache.
	SlotCacheTTL time.Duration `yaml:"slot_cache_ttl"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type RealtimeConfig struct {
	URL           string        `yaml:"url"`
	Origin        string        `yaml:"origin"`
	Token         string        `yaml:"token"`
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`
	Outbox        OutboxConfig  `yaml:"outbox"`
}

// OutboxConfig enables queueing of broadcasts made while disconnected.
// Off by default: publishes while disconnected are dropped.
type OutboxConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxRetries    int           `yaml:"max_retries"`
	QueueKey      string        `yaml:"queue_key"`
	DeadLetterKey string        `yaml:"dead_letter_key"`
	PollInterval  time.Duration `yaml:"poll_interval"`
}

type RetryConfig struct {
	Slots   RetryPolicyConfig `yaml:"slots"`
	Submit  RetryPolicyConfig `yaml:"submit"`
	Actions RetryPolicyConfig `yaml:"actions"`
}

type RetryPolicyConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// Policy converts the config block into an executor policy.
func (r RetryPolicyConfig) Policy() backoff.Policy {
	return backoff.Policy{
		MaxAttempts:    r.MaxAttempts,
		BaseDelay:      r.BaseDelay,
		MaxDelay:       r.MaxDelay,
		AttemptTimeout: r.AttemptTimeout,
	}
}

type DraftsConfig struct {
	TTL       time.Duration `yaml:"ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

type DispatchConfig struct {
	MaxTracked int `yaml:"max_tracked"`
}

type APIConfig struct {
	Enabled   bool            `yaml:"enabled"`
	HTTP      APIHTTPConfig   `yaml:"http"`
	Auth      APIAuthConfig   `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Port int `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; values from it are only used through ${VAR} expansion below.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return errors.New("backend base_url is required")
	}
	if _, err := url.ParseRequestURI(c.Backend.BaseURL); err != nil {
		return fmt.Errorf("backend base_url: %w", err)
	}

	u, err := url.Parse(c.Realtime.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("realtime url must be a ws:// or wss:// URL, got %q", c.Realtime.URL)
	}
	if c.Realtime.ReconnectMax < c.Realtime.ReconnectBase {
		return errors.New("realtime reconnect_max must be >= reconnect_base")
	}

	for name, p := range map[string]RetryPolicyConfig{
		"slots":   c.Retry.Slots,
		"submit":  c.Retry.Submit,
		"actions": c.Retry.Actions,
	} {
		if err := p.Policy().Validate(); err != nil {
			return fmt.Errorf("retry.%s: %w", name, err)
		}
	}

	if c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return errors.New("api auth enabled but no api_keys configured")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "bookingcoord"
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 10 * time.Second
	}

	if c.Realtime.ReconnectBase == 0 {
		c.Realtime.ReconnectBase = 250 * time.Millisecond
	}
	if c.Realtime.ReconnectMax == 0 {
		c.Realtime.ReconnectMax = 5 * time.Second
	}
	if c.Realtime.Origin == "" {
		c.Realtime.Origin = "http://localhost/"
	}
	if c.Realtime.Outbox.MaxRetries == 0 {
		c.Realtime.Outbox.MaxRetries = 5
	}
	if c.Realtime.Outbox.QueueKey == "" {
		c.Realtime.Outbox.QueueKey = "realtime:outbox"
	}
	if c.Realtime.Outbox.DeadLetterKey == "" {
		c.Realtime.Outbox.DeadLetterKey = "realtime:outbox:deadletter"
	}
	if c.Realtime.Outbox.PollInterval == 0 {
		c.Realtime.Outbox.PollInterval = time.Second
	}

	defaultRetry(&c.Retry.Slots, 3, time.Second)
	defaultRetry(&c.Retry.Submit, 3, time.Second)
	defaultRetry(&c.Retry.Actions, 3, 500*time.Millisecond)

	if c.Drafts.TTL == 0 {
		c.Drafts.TTL = 24 * time.Hour
	}
	if c.Drafts.KeyPrefix == "" {
		c.Drafts.KeyPrefix = "draft:"
	}
	if c.Dispatch.MaxTracked == 0 {
		c.Dispatch.MaxTracked = 500
	}

	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
}

func defaultRetry(p *RetryPolicyConfig, attempts int, base time.Duration) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = attempts
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = base
	}
	if p.AttemptTimeout == 0 {
		p.AttemptTimeout = 10 * time.Second
	}
}
