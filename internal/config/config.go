// Package config provides environment configuration for the chat bridge.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Transport names accepted in TRANSPORT.
const (
	TransportNATS      = "nats"
	TransportWebSocket = "ws"
)

// Config holds all configuration for the application.
type Config struct {
	// Bridge server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	AllowedOrigins     []string

	// Bridge auth
	BridgeSecret string

	// Session credential
	SessionToken     string
	SessionTokenFile string

	// Transport settings
	Transport    string
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	WebSocketURL string

	// Connection
	ConnectBackoff    time.Duration
	ConnectMaxBackoff time.Duration
	ReconnectGiveUp   time.Duration
	RequestTimeout    time.Duration

	// Conversations
	PageSize    int
	MatchWindow time.Duration
	SendTimeout time.Duration

	// Typing
	TypingIdleTimeout time.Duration
	TypingRemoteTTL   time.Duration

	// Moderation
	ModerationFailMode      string
	ModerationRevealTerm    bool
	ModerationTermsURL      string
	ModerationRefresh       time.Duration
	ModerationMinRefreshGap time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	Environment string
	LogLevel    string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8787"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		AllowedOrigins:     getListEnv("ALLOWED_ORIGINS", []string{"http://localhost:*", "http://127.0.0.1:*"}),

		BridgeSecret: getEnv("BRIDGE_SECRET", "development-secret-change-in-production"),

		SessionToken:     getEnv("SESSION_TOKEN", ""),
		SessionTokenFile: getEnv("SESSION_TOKEN_FILE", ""),

		// Transport
		Transport:    strings.ToLower(getEnv("TRANSPORT", TransportNATS)),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		WebSocketURL: getEnv("WS_URL", "ws://localhost:8080/realtime"),

		// Connection
		ConnectBackoff:    getDurationEnv("CONNECT_BACKOFF", 500*time.Millisecond),
		ConnectMaxBackoff: getDurationEnv("CONNECT_MAX_BACKOFF", 30*time.Second),
		ReconnectGiveUp:   getDurationEnv("RECONNECT_GIVE_UP", 5*time.Minute),
		RequestTimeout:    getDurationEnv("REQUEST_TIMEOUT", 10*time.Second),

		// Conversations
		PageSize:    getIntEnv("PAGE_SIZE", 50),
		MatchWindow: getDurationEnv("MATCH_WINDOW", 30*time.Second),
		SendTimeout: getDurationEnv("SEND_TIMEOUT", 15*time.Second),

		// Typing
		TypingIdleTimeout: getDurationEnv("TYPING_IDLE_TIMEOUT", 4*time.Second),
		TypingRemoteTTL:   getDurationEnv("TYPING_REMOTE_TTL", 6*time.Second),

		// Moderation
		ModerationFailMode:      getEnv("MODERATION_FAIL_MODE", "closed"),
		ModerationRevealTerm:    getBoolEnv("MODERATION_REVEAL_TERM", true),
		ModerationTermsURL:      getEnv("MODERATION_TERMS_URL", ""),
		ModerationRefresh:       getDurationEnv("MODERATION_REFRESH", 5*time.Minute),
		ModerationMinRefreshGap: getDurationEnv("MODERATION_MIN_REFRESH_GAP", 10*time.Second),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		Environment: getEnv("ENV", "production"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
