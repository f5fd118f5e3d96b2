// Package config provides configuration for the agent-ui service.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the service configuration.
type Config struct {
	// Server settings
	HTTPPort int
	WSPort   int

	// Database
	DatabaseURL string

	// Agent settings
	AgentMode         string
	AgentEndpoint     string
	LLMBaseURL        string
	LLMAPIKey         string
	LLMModel          string
	MaxTurns          int
	MaxMalformedArgs  int
	AgentRetryBackoff time.Duration

	// Timeouts
	AgentTimeout       time.Duration
	ToolTimeout        time.Duration
	InterruptTimeout   time.Duration
	SessionIdleTimeout time.Duration

	// Streaming
	ReplayBufferSize     int
	EventChannelSize     int
	SubscriberBufferSize int

	// Inbound limits
	APIKey       string
	InboundRate  float64
	InboundBurst int

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:             getEnvInt("HTTP_PORT", 8080),
		WSPort:               getEnvInt("WS_PORT", 8090),
		DatabaseURL:          getEnv("DATABASE_URL", "file:agui.db?cache=shared&mode=rwc"),
		AgentMode:            getEnv("AGENT_MODE", "llm"),
		AgentEndpoint:        getEnv("AGENT_ENDPOINT", "http://localhost:9000"),
		LLMBaseURL:           getEnv("LLM_BASE_URL", "http://localhost:4000"),
		LLMAPIKey:            getEnv("LLM_API_KEY", ""),
		LLMModel:             getEnv("LLM_MODEL", "gpt-4o-mini"),
		MaxTurns:             getEnvInt("MAX_TURNS", 16),
		MaxMalformedArgs:     getEnvInt("MAX_MALFORMED_ARGS", 2),
		AgentRetryBackoff:    time.Duration(getEnvInt("AGENT_RETRY_BACKOFF_MS", 500)) * time.Millisecond,
		AgentTimeout:         time.Duration(getEnvInt("AGENT_TIMEOUT_MS", 300000)) * time.Millisecond,
		ToolTimeout:          time.Duration(getEnvInt("TOOL_TIMEOUT_MS", 60000)) * time.Millisecond,
		InterruptTimeout:     time.Duration(getEnvInt("INTERRUPT_TIMEOUT_MS", 600000)) * time.Millisecond,
		SessionIdleTimeout:   time.Duration(getEnvInt("SESSION_IDLE_TIMEOUT_MS", 1800000)) * time.Millisecond,
		ReplayBufferSize:     getEnvInt("REPLAY_BUFFER_SIZE", 1024),
		EventChannelSize:     getEnvInt("EVENT_CHANNEL_SIZE", 256),
		SubscriberBufferSize: getEnvInt("SUBSCRIBER_BUFFER_SIZE", 256),
		APIKey:               getEnv("API_KEY", ""),
		InboundRate:          getEnvFloat("INBOUND_RATE", 20),
		InboundBurst:         getEnvInt("INBOUND_BURST", 40),
		PingInterval:         time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:         time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:          time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize:       int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
	}
	return cfg
}

// Default returns the configuration used when no environment is set.
func Default() *Config {
	return &Config{
		HTTPPort:             8080,
		WSPort:               8090,
		DatabaseURL:          ":memory:",
		AgentMode:            "mock",
		MaxTurns:             16,
		MaxMalformedArgs:     2,
		AgentRetryBackoff:    500 * time.Millisecond,
		AgentTimeout:         5 * time.Minute,
		ToolTimeout:          time.Minute,
		InterruptTimeout:     10 * time.Minute,
		SessionIdleTimeout:   30 * time.Minute,
		ReplayBufferSize:     1024,
		EventChannelSize:     256,
		SubscriberBufferSize: 256,
		InboundRate:          20,
		InboundBurst:         40,
		PingInterval:         30 * time.Second,
		WriteTimeout:         10 * time.Second,
		ReadTimeout:          time.Minute,
		MaxMessageSize:       65536,
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
