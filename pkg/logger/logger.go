// Package logger provides structured logging for the adapter service
package logger

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// serviceName is attached to every log line
const serviceName = "ladbid"

// Log is the global logger instance
var Log zerolog.Logger

func init() {
	Log = zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json or console
	TimeFormat string
}

// contextKey is a private type for context keys
type contextKey string

const (
	// RequestIDKey is the context key for request IDs
	RequestIDKey contextKey = "request_id"
	// AuctionIDKey is the context key for auction IDs
	AuctionIDKey contextKey = "auction_id"
)

// DefaultConfig returns the default logger configuration, honoring
// LOG_LEVEL and LOG_FORMAT
func DefaultConfig() Config {
	return Config{
		Level:      getEnv("LOG_LEVEL", "info"),
		Format:     getEnv("LOG_FORMAT", "json"),
		TimeFormat: time.RFC3339,
	}
}

// Init initializes the global logger
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	var output zerolog.Logger
	if cfg.Format == "console" {
		output = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: cfg.TimeFormat,
		})
	} else {
		output = zerolog.New(os.Stdout)
	}

	Log = output.Level(level).With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// WithRequestID returns a context carrying the request ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithAuctionID returns a context carrying the auction ID
func WithAuctionID(ctx context.Context, auctionID string) context.Context {
	return context.WithValue(ctx, AuctionIDKey, auctionID)
}

// FromContext returns a logger enriched with IDs found in the context
func FromContext(ctx context.Context) *zerolog.Logger {
	l := Log.With()
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		l = l.Str("request_id", requestID)
	}
	if auctionID, ok := ctx.Value(AuctionIDKey).(string); ok && auctionID != "" {
		l = l.Str("auction_id", auctionID)
	}
	logger := l.Logger()
	return &logger
}

// Bidder returns a logger for bidder events
func Bidder(bidderCode string) *zerolog.Logger {
	l := Log.With().Str("bidder", bidderCode).Logger()
	return &l
}

// HTTP returns a logger for HTTP events
func HTTP() *zerolog.Logger {
	l := Log.With().Str("component", "http").Logger()
	return &l
}

// Consent returns a logger for consent platform events
func Consent() *zerolog.Logger {
	l := Log.With().Str("component", "consent").Logger()
	return &l
}

// RequestLogger tracks a single request's lifetime
type RequestLogger struct {
	logger zerolog.Logger
	start  time.Time
}

// NewRequestLogger creates a request-scoped logger
func NewRequestLogger(requestID string) *RequestLogger {
	return &RequestLogger{
		logger: Log.With().Str("request_id", requestID).Logger(),
		start:  time.Now(),
	}
}

// WithField returns a copy of the logger with an extra field
func (rl *RequestLogger) WithField(key string, value interface{}) *RequestLogger {
	return &RequestLogger{
		logger: rl.logger.With().Interface(key, value).Logger(),
		start:  rl.start,
	}
}

// Duration returns the time elapsed since the logger was created
func (rl *RequestLogger) Duration() time.Duration {
	return time.Since(rl.start)
}

// LogComplete logs request completion with status and duration
func (rl *RequestLogger) LogComplete(status int) {
	rl.logger.Info().
		Int("status", status).
		Float64("duration_ms", float64(rl.Duration().Microseconds())/1000.0).
		Msg("request completed")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
