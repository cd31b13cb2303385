package config

import (
	"time"

	"github.com/spf13/viper"
)

// AgentConfig declares one analysis agent in the orchestration graph. Local
// names resolve to built-in agents; an Endpoint turns the entry into a
// remote HTTP agent.
type AgentConfig struct {
	Name       string        `mapstructure:"name"`
	Endpoint   string        `mapstructure:"endpoint"`
	DependsOn  []string      `mapstructure:"depends_on"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	Idempotent bool          `mapstructure:"idempotent"`
	Optional   bool          `mapstructure:"optional"`
	Fallback   string        `mapstructure:"fallback"`
}

// Config holds typed configuration for the orchestrator service.
type Config struct {
	LogLevel     string
	HTTPPort     string
	MetricsAddr  string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	OTelEndpoint string

	EventsTopic   string
	FeedbackTopic string

	DefaultTaskTimeout   time.Duration
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	MaxAdaptations       int
	FeedbackPollInterval time.Duration
	FeedbackMaxPolls     int
	FeedbackFallback     string

	BreakerThreshold int
	BreakerCoolDown  time.Duration

	RateLimit  int
	RateWindow time.Duration

	Agents []AgentConfig
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		LogLevel:     v.GetString("log_level"),
		HTTPPort:     v.GetString("http_port"),
		MetricsAddr:  v.GetString("metrics_addr"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		EventsTopic:   v.GetString("events_topic"),
		FeedbackTopic: v.GetString("feedback_topic"),

		DefaultTaskTimeout:   v.GetDuration("default_task_timeout"),
		RetryBaseDelay:       v.GetDuration("retry_base_delay"),
		RetryMaxDelay:        v.GetDuration("retry_max_delay"),
		MaxAdaptations:       v.GetInt("max_adaptations"),
		FeedbackPollInterval: v.GetDuration("feedback_poll_interval"),
		FeedbackMaxPolls:     v.GetInt("feedback_max_polls"),
		FeedbackFallback:     v.GetString("feedback_fallback"),

		BreakerThreshold: v.GetInt("breaker_threshold"),
		BreakerCoolDown:  v.GetDuration("breaker_cooldown"),

		RateLimit:  v.GetInt("rate_limit"),
		RateWindow: v.GetDuration("rate_window"),
	}
	if err := v.UnmarshalKey("agents", &cfg.Agents); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
