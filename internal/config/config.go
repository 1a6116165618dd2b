// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	DBPath          string
	BudgetFile      string // optional YAML overlay for token budgets
	LLM             LLMConfig
	Query           QueryConfig
	Context         ContextConfig
	Metadata        MetadataConfig
	SSE             SSEConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
}

// LLMConfig configures the language-model collaborator.
type LLMConfig struct {
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// QueryConfig configures the query-execution collaborator.
type QueryConfig struct {
	Addr    string
	MaxRows int
	Timeout time.Duration
}

// ContextConfig bounds the context forwarded to the language model.
type ContextConfig struct {
	HistoryLimit     int
	MaxMessageChars  int
	HistoryMaxChars  int
	AnalysisMaxRows  int
	AnalysisMaxChars int
}

// MetadataConfig controls the metadata cache.
type MetadataConfig struct {
	TTL             time.Duration
	MaxStaleness    time.Duration
	RefreshInterval time.Duration
}

// SSEConfig controls event streaming.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	MaxRequestBodySize int64
	BufferSize         int
}

// RateLimitConfig controls the per-user chat rate limiter.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}
	metadataTTL := getEnvDuration("METADATA_TTL", 5*time.Minute)

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/insight.db"),
		BudgetFile:  getEnv("BUDGET_FILE", ""),
		LLM: LLMConfig{
			APIKey:      getEnv("GEMINI_API_KEY", ""),
			Model:       getEnv("LLM_MODEL", "gemini-2.5-flash"),
			Temperature: getEnvFloat("LLM_TEMPERATURE", 0.2),
			Timeout:     getEnvDuration("LLM_TIMEOUT", 60*time.Second),
		},
		Query: QueryConfig{
			Addr:    getEnv("QUERY_SERVICE_ADDR", "localhost:50061"),
			MaxRows: getEnvInt("QUERY_MAX_ROWS", 1000),
			Timeout: getEnvDuration("QUERY_TIMEOUT", 2*time.Minute),
		},
		Context: ContextConfig{
			HistoryLimit:     getEnvInt("HISTORY_LIMIT", 5),
			MaxMessageChars:  getEnvInt("MAX_MESSAGE_CHARS", 2000),
			HistoryMaxChars:  getEnvInt("HISTORY_MAX_CHARS", 6000),
			AnalysisMaxRows:  getEnvInt("ANALYSIS_MAX_ROWS", 200),
			AnalysisMaxChars: getEnvInt("ANALYSIS_MAX_CHARS", 20000),
		},
		Metadata: MetadataConfig{
			TTL:             metadataTTL,
			MaxStaleness:    getEnvDuration("METADATA_MAX_STALENESS", 24*time.Hour),
			RefreshInterval: getEnvDuration("METADATA_REFRESH_INTERVAL", metadataTTL),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE", 15*time.Second),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
			BufferSize:         getEnvInt("STREAM_BUFFER", 32),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
//
//nolint:gocyclo // One flat check per field reads better than a table here.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("LLM_TEMPERATURE must be within [0, 2]")
	}
	if c.Query.Addr == "" {
		return fmt.Errorf("QUERY_SERVICE_ADDR cannot be empty")
	}
	if c.Query.MaxRows <= 0 {
		return fmt.Errorf("QUERY_MAX_ROWS must be > 0")
	}
	if c.Context.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be > 0")
	}
	if c.Context.MaxMessageChars <= 0 {
		return fmt.Errorf("MAX_MESSAGE_CHARS must be > 0")
	}
	if c.Context.AnalysisMaxRows <= 0 || c.Context.AnalysisMaxChars <= 0 {
		return fmt.Errorf("ANALYSIS_MAX_ROWS and ANALYSIS_MAX_CHARS must be > 0")
	}
	if c.Metadata.TTL <= 0 {
		return fmt.Errorf("METADATA_TTL must be > 0")
	}
	if c.Metadata.MaxStaleness < c.Metadata.TTL {
		return fmt.Errorf("METADATA_MAX_STALENESS must be >= METADATA_TTL")
	}
	if c.SSE.BufferSize <= 0 {
		return fmt.Errorf("STREAM_BUFFER must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go duration strings ("90s", "5m") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
