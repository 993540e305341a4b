package main

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/thenexusengine/ladbid/internal/adapters/lockerdome"
	"github.com/thenexusengine/ladbid/internal/config"
	"github.com/thenexusengine/ladbid/pkg/breaker"
)

// ServerConfig holds all server configuration
type ServerConfig struct {
	// Server
	Port string

	// Exchange
	ExchangeEndpoint string
	ExchangeTimeout  time.Duration

	// Consent
	ConsentEnabled       bool
	ConsentTimeout       time.Duration
	ConsentLookupTimeout time.Duration

	// Redis carries the cross-frame CMP protocol
	RedisURL            string
	CMPCallChannel      string
	CMPReturnChannel    string
	CMPResponderEnabled bool

	// Database backs the consent platform
	DatabaseConfig *DatabaseConfig

	// Circuit breaker on the exchange transport
	BreakerFailureThreshold int
	BreakerTimeout          time.Duration
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// ParseConfig parses configuration from flags and environment variables
func ParseConfig() *ServerConfig {
	port := flag.String("port", getEnvOrDefault("LADBID_PORT", "8000"), "Server port")
	endpoint := flag.String("endpoint", getEnvOrDefault("LADBID_ENDPOINT", config.DefaultExchangeEndpoint), "Exchange bid endpoint")
	timeout := flag.Duration("timeout", getEnvDurationOrDefault("LADBID_TIMEOUT", config.DefaultExchangeTimeout), "Exchange request timeout")
	consentEnabled := flag.Bool("consent", getEnvBoolOrDefault("CONSENT_ENABLED", true), "Gate dispatch on a consent lookup")
	consentTimeout := flag.Duration("consent-timeout", getEnvDurationOrDefault("CONSENT_TIMEOUT", config.DefaultConsentTimeout), "How long dispatch waits for consent")
	flag.Parse()

	cfg := &ServerConfig{
		Port:                    *port,
		ExchangeEndpoint:        *endpoint,
		ExchangeTimeout:         *timeout,
		ConsentEnabled:          *consentEnabled,
		ConsentTimeout:          *consentTimeout,
		ConsentLookupTimeout:    getEnvDurationOrDefault("CONSENT_LOOKUP_TIMEOUT", config.DefaultConsentLookupTimeout),
		RedisURL:                os.Getenv("REDIS_URL"),
		CMPCallChannel:          getEnvOrDefault("CMP_CALL_CHANNEL", config.DefaultCMPCallChannel),
		CMPReturnChannel:        getEnvOrDefault("CMP_RETURN_CHANNEL", config.DefaultCMPReturnChannel),
		CMPResponderEnabled:     getEnvBoolOrDefault("CMP_RESPONDER_ENABLED", true),
		BreakerFailureThreshold: getEnvIntOrDefault("BREAKER_FAILURE_THRESHOLD", config.DefaultBreakerFailureThreshold),
		BreakerTimeout:          getEnvDurationOrDefault("BREAKER_TIMEOUT", config.DefaultBreakerTimeout),
	}

	// Parse database config if DB_HOST is set
	if dbHost := os.Getenv("DB_HOST"); dbHost != "" {
		cfg.DatabaseConfig = &DatabaseConfig{
			Host:     dbHost,
			Port:     getEnvOrDefault("DB_PORT", "5432"),
			User:     getEnvOrDefault("DB_USER", "ladbid"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			Name:     getEnvOrDefault("DB_NAME", "ladbid"),
			SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
		}
	}

	return cfg
}

// ToAdapterConfig converts ServerConfig to lockerdome.Config
func (c *ServerConfig) ToAdapterConfig() lockerdome.Config {
	return lockerdome.Config{
		Endpoint:             c.ExchangeEndpoint,
		ConsentEnabled:       c.ConsentEnabled,
		ConsentTimeout:       c.ConsentTimeout,
		ConsentLookupTimeout: c.ConsentLookupTimeout,
	}
}

// ToBreakerConfig converts ServerConfig to breaker.Config
func (c *ServerConfig) ToBreakerConfig(onStateChange func(from, to breaker.State)) *breaker.Config {
	cfg := breaker.DefaultConfig()
	if c.BreakerFailureThreshold > 0 {
		cfg.FailureThreshold = c.BreakerFailureThreshold
	}
	if c.BreakerTimeout > 0 {
		cfg.Timeout = c.BreakerTimeout
	}
	cfg.OnStateChange = onStateChange
	return cfg
}

// getEnvOrDefault returns the environment variable value or a default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBoolOrDefault returns the environment variable as bool or a default
func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}

// getEnvDurationOrDefault accepts Go durations ("250ms") or plain
// milliseconds ("250")
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
