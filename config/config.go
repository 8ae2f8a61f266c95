package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the tastescout service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Search    SearchConfig    `mapstructure:"search"`
	Trust     TrustConfig     `mapstructure:"trust"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Session   SessionConfig   `mapstructure:"session"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
	Listen   string `mapstructure:"listen"`
}

// LLMConfig contains LLM provider configuration
type LLMConfig struct {
	APIKey        string        `mapstructure:"api_key"`
	BaseURL       string        `mapstructure:"base_url"`
	Model         string        `mapstructure:"model"`
	FallbackModel string        `mapstructure:"fallback_model"`
	EmbedModel    string        `mapstructure:"embed_model"`
	Temperature   float64       `mapstructure:"temperature"`
	MaxTokens     int           `mapstructure:"max_tokens"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// SearchConfig bounds the phased search pipeline
type SearchConfig struct {
	PhaseTimeout       time.Duration `mapstructure:"phase_timeout"`
	SessionBudget      time.Duration `mapstructure:"session_budget"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay      time.Duration `mapstructure:"retry_max_delay"`
	KeywordsPerPhase   int           `mapstructure:"keywords_per_phase"`
	NotesPerKeyword    int           `mapstructure:"notes_per_keyword"`
	EvidenceWorkers    int           `mapstructure:"evidence_workers"`
	EventBufferSize    int           `mapstructure:"event_buffer_size"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	StreamIdleTimeout  time.Duration `mapstructure:"stream_idle_timeout"`
	MaxConcurrentRuns  int           `mapstructure:"max_concurrent_runs"`
}

// TrustConfig exposes trust scoring weights and verdict thresholds.
// These are product-tuned parameters, not algorithmic contracts.
type TrustConfig struct {
	LocalWeight             float64 `mapstructure:"local_weight"`
	AdPenalty               float64 `mapstructure:"ad_penalty"`
	AuthenticAbove          float64 `mapstructure:"authentic_above"`
	SuspectBelow            float64 `mapstructure:"suspect_below"`
	MinClassifiableEvidence int     `mapstructure:"min_classifiable_evidence"`
}

// RetrievalConfig contains note-search and POI lookup settings
type RetrievalConfig struct {
	NotesEndpoint string        `mapstructure:"notes_endpoint"`
	NotesAPIKey   string        `mapstructure:"notes_api_key"`
	AmapAPIKey    string        `mapstructure:"amap_api_key"`
	AmapEndpoint  string        `mapstructure:"amap_endpoint"`
	MaxResults    int           `mapstructure:"max_results"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// SessionConfig contains the two cache tiers behind the session store
type SessionConfig struct {
	ContextWindow int            `mapstructure:"context_window"`
	Redis         RedisConfig    `mapstructure:"redis"`
	Postgres      PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains fast-tier connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// PostgresConfig contains durable-tier connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// TelemetryConfig contains monitoring settings
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	CostTracking bool `mapstructure:"cost_tracking"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("tastescout")
	viper.SetConfigType("json")
	if path != "" {
		viper.AddConfigPath(path)
	}
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("TASTESCOUT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	overrideFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("general.debug", false)
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.listen", ":10080")

	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.fallback_model", "gpt-4o-mini")
	viper.SetDefault("llm.embed_model", "text-embedding-3-small")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.max_tokens", 4096)
	viper.SetDefault("llm.timeout", "60s")

	viper.SetDefault("search.phase_timeout", "45s")
	viper.SetDefault("search.session_budget", "5m")
	viper.SetDefault("search.max_retries", 3)
	viper.SetDefault("search.retry_base_delay", "500ms")
	viper.SetDefault("search.retry_max_delay", "8s")
	viper.SetDefault("search.keywords_per_phase", 3)
	viper.SetDefault("search.notes_per_keyword", 4)
	viper.SetDefault("search.evidence_workers", 4)
	viper.SetDefault("search.event_buffer_size", 256)
	viper.SetDefault("search.heartbeat_interval", "15s")
	viper.SetDefault("search.stream_idle_timeout", "5m")
	viper.SetDefault("search.max_concurrent_runs", 8)

	viper.SetDefault("trust.local_weight", 0.7)
	viper.SetDefault("trust.ad_penalty", 0.4)
	viper.SetDefault("trust.authentic_above", 0.6)
	viper.SetDefault("trust.suspect_below", 0.35)
	viper.SetDefault("trust.min_classifiable_evidence", 1)

	viper.SetDefault("retrieval.amap_endpoint", "https://restapi.amap.com/v3")
	viper.SetDefault("retrieval.max_results", 20)
	viper.SetDefault("retrieval.timeout", "30s")

	viper.SetDefault("session.context_window", 10)
	viper.SetDefault("session.redis.host", "localhost")
	viper.SetDefault("session.redis.port", 6379)
	viper.SetDefault("session.redis.db", 0)
	viper.SetDefault("session.redis.ttl", "24h")
	viper.SetDefault("session.redis.timeout", "5s")
	viper.SetDefault("session.postgres.port", 5432)
	viper.SetDefault("session.postgres.sslmode", "disable")
	viper.SetDefault("session.postgres.timeout", "5s")

	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.cost_tracking", true)
}

// overrideFromEnv overrides configuration with environment variables
// for sensitive data that should not live in the config file.
func overrideFromEnv() {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		viper.Set("llm.api_key", apiKey)
	}
	if base := os.Getenv("OPENAI_API_BASE"); base != "" {
		viper.Set("llm.base_url", base)
	}
	if apiKey := os.Getenv("NOTES_API_KEY"); apiKey != "" {
		viper.Set("retrieval.notes_api_key", apiKey)
	}
	if apiKey := os.Getenv("AMAP_API_KEY"); apiKey != "" {
		viper.Set("retrieval.amap_api_key", apiKey)
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		viper.Set("session.redis.host", host)
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			viper.Set("session.redis.port", p)
		}
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		viper.Set("session.redis.password", password)
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		viper.Set("session.postgres.url", url)
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		viper.Set("session.postgres.host", host)
	}
	if port := os.Getenv("POSTGRES_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			viper.Set("session.postgres.port", p)
		}
	}
	if user := os.Getenv("POSTGRES_USER"); user != "" {
		viper.Set("session.postgres.user", user)
	}
	if pass := os.Getenv("POSTGRES_PASSWORD"); pass != "" {
		viper.Set("session.postgres.password", pass)
	}
	if db := os.Getenv("POSTGRES_DB"); db != "" {
		viper.Set("session.postgres.dbname", db)
	}
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Trust.AuthenticAbove <= config.Trust.SuspectBelow {
		return fmt.Errorf("trust.authentic_above (%f) must be greater than trust.suspect_below (%f)",
			config.Trust.AuthenticAbove, config.Trust.SuspectBelow)
	}
	if config.Trust.LocalWeight <= 0 {
		return fmt.Errorf("trust.local_weight must be positive")
	}
	if config.Search.MaxRetries < 0 {
		return fmt.Errorf("search.max_retries cannot be negative")
	}
	if config.Session.Redis.TTL <= 0 {
		return fmt.Errorf("session.redis.ttl must be positive")
	}
	return nil
}

// DSN builds the Postgres connection string for the durable tier.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	if p.Host == "" || p.DBName == "" {
		return ""
	}
	sslmode := p.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, sslmode)
}
