package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// Config holds all configuration for the orchestrator.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Approval  ApprovalConfig  `mapstructure:"approval"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServiceConfig holds service identity.
type ServiceConfig struct {
	Name        string `mapstructure:"name" envconfig:"SERVICE_NAME" default:"flowcore"`
	Environment string `mapstructure:"environment" envconfig:"ENVIRONMENT" default:"development"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port         int           `mapstructure:"port" envconfig:"HTTP_PORT" default:"8080"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
}

// MongoConfig holds document store configuration.
type MongoConfig struct {
	URL      string `mapstructure:"url" envconfig:"MONGO_URL" default:"mongodb://localhost:27017"`
	Database string `mapstructure:"database" envconfig:"MONGO_DATABASE" default:"flowcore"`
}

// RedisConfig holds Redis configuration for lock, cache and rate limiter.
type RedisConfig struct {
	Host         string        `mapstructure:"host" envconfig:"REDIS_HOST" default:"localhost"`
	Port         int           `mapstructure:"port" envconfig:"REDIS_PORT" default:"6379"`
	Password     string        `mapstructure:"password" envconfig:"REDIS_PASSWORD"`
	DB           int           `mapstructure:"db" envconfig:"REDIS_DB" default:"0"`
	PoolSize     int           `mapstructure:"pool_size" envconfig:"REDIS_POOL_SIZE" default:"10"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"REDIS_WRITE_TIMEOUT" default:"3s"`
}

// EngineConfig holds workflow engine tuning.
type EngineConfig struct {
	WorkerPoolSize  int           `mapstructure:"worker_pool_size" envconfig:"ENGINE_WORKER_POOL_SIZE"`
	QueueSize       int           `mapstructure:"queue_size" envconfig:"ENGINE_QUEUE_SIZE" default:"1000"`
	DefaultTimeout  time.Duration `mapstructure:"default_timeout" envconfig:"ENGINE_DEFAULT_TIMEOUT" default:"5m"`
	LockTTL         time.Duration `mapstructure:"lock_ttl" envconfig:"ENGINE_LOCK_TTL" default:"60s"`
	RecoveryEnabled bool          `mapstructure:"recovery_enabled" envconfig:"ENGINE_RECOVERY_ENABLED" default:"true"`
}

// ApprovalConfig holds the approval subsystem configuration.
type ApprovalConfig struct {
	HMACSecret      string        `mapstructure:"hmac_secret" envconfig:"APPROVAL_HMAC_SECRET" required:"true"`
	DefaultTimeout  time.Duration `mapstructure:"default_timeout" envconfig:"APPROVAL_DEFAULT_TIMEOUT" default:"24h"`
	PublicBaseURL   string        `mapstructure:"public_base_url" envconfig:"APPROVAL_PUBLIC_BASE_URL" default:"http://localhost:8080"`
	RequireAssignee bool          `mapstructure:"require_assignee" envconfig:"APPROVAL_REQUIRE_ASSIGNEE" default:"false"`
}

// WebhookConfig holds webhook ingress configuration.
type WebhookConfig struct {
	DefaultSecret string `mapstructure:"default_secret" envconfig:"WEBHOOK_SECRET"`
}

// NotifierConfig holds the outbound notification endpoint. Workflows with
// notify_on_failure or notify_on_success set post their terminal status
// there. Disabled when URL is empty.
type NotifierConfig struct {
	URL     string        `mapstructure:"url" envconfig:"NOTIFIER_URL"`
	Timeout time.Duration `mapstructure:"timeout" envconfig:"NOTIFIER_TIMEOUT" default:"10s"`
}

// RateLimitConfig holds fixed-window limiter tiers.
type RateLimitConfig struct {
	Enabled        bool          `mapstructure:"enabled" envconfig:"RATE_LIMIT_ENABLED" default:"true"`
	Window         time.Duration `mapstructure:"window" envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
	APIMax         int           `mapstructure:"api_max" envconfig:"RATE_LIMIT_API_MAX" default:"100"`
	ExecuteMax     int           `mapstructure:"execute_max" envconfig:"RATE_LIMIT_EXECUTE_MAX" default:"60"`
	ProviderMax    int           `mapstructure:"provider_max" envconfig:"RATE_LIMIT_PROVIDER_MAX" default:"60"`
	ProviderWindow time.Duration `mapstructure:"provider_window" envconfig:"RATE_LIMIT_PROVIDER_WINDOW" default:"1m"`
}

// ProviderCredential holds one AI provider's credentials.
type ProviderCredential struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// ProvidersConfig maps provider id to credentials. Environment form:
// PROVIDER_<ID>_API_KEY and PROVIDER_<ID>_BASE_URL.
type ProvidersConfig struct {
	Gemini      ProviderCredential `mapstructure:"gemini" envconfig:"PROVIDER_GEMINI"`
	Groq        ProviderCredential `mapstructure:"groq" envconfig:"PROVIDER_GROQ"`
	Kimi        ProviderCredential `mapstructure:"kimi" envconfig:"PROVIDER_KIMI"`
	HuggingFace ProviderCredential `mapstructure:"huggingface" envconfig:"PROVIDER_HUGGINGFACE"`
	Qwen        ProviderCredential `mapstructure:"qwen" envconfig:"PROVIDER_QWEN"`
	GLM4        ProviderCredential `mapstructure:"glm4" envconfig:"PROVIDER_GLM4"`
}

// Map returns the configured credentials keyed by provider id.
func (p ProvidersConfig) Map() map[string]ProviderCredential {
	return map[string]ProviderCredential{
		"gemini":      p.Gemini,
		"groq":        p.Groq,
		"kimi":        p.Kimi,
		"huggingface": p.HuggingFace,
		"qwen":        p.Qwen,
		"glm4":        p.GLM4,
	}
}

// KafkaConfig holds the optional event mirror configuration. Mirroring is
// off when Brokers is empty.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" envconfig:"KAFKA_BROKERS"`
	Topic   string   `mapstructure:"topic" envconfig:"KAFKA_TOPIC" default:"flowcore.events"`
}

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level  string `mapstructure:"level" envconfig:"LOG_LEVEL" default:"info"`
	Format string `mapstructure:"format" envconfig:"LOG_FORMAT" default:"json"`
}

// TelemetryConfig holds tracing configuration.
type TelemetryConfig struct {
	TracingEnabled bool   `mapstructure:"tracing_enabled" envconfig:"TRACING_ENABLED" default:"false"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint" envconfig:"JAEGER_ENDPOINT" default:"http://localhost:14268/api/traces"`
}

// Load loads configuration from an optional config.yaml and the environment.
// Environment variables win.
func Load() (*Config, error) {
	var cfg Config

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	if cfg.Engine.WorkerPoolSize <= 0 {
		cfg.Engine.WorkerPoolSize = runtime.NumCPU() * 4
	}

	return &cfg, nil
}

// Addr returns the Redis address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction reports whether the service runs in production mode.
func (c *ServiceConfig) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
