// Package middleware provides HTTP middleware for the adapter service
package middleware

import (
	"net/http"
	"os"
	"strconv"

	"github.com/thenexusengine/ladbid/internal/config"
	"github.com/thenexusengine/ladbid/pkg/logger"
)

// SizeLimitConfig holds request size limit configuration
type SizeLimitConfig struct {
	Enabled      bool
	MaxBodySize  int64 // bytes
	MaxURLLength int
}

// DefaultSizeLimitConfig reads LADBID_MAX_BODY_SIZE and LADBID_MAX_URL_LENGTH,
// falling back to the shared defaults
func DefaultSizeLimitConfig() *SizeLimitConfig {
	maxBody, err := strconv.ParseInt(os.Getenv("LADBID_MAX_BODY_SIZE"), 10, 64)
	if err != nil || maxBody <= 0 {
		maxBody = config.DefaultMaxBodySize
	}

	maxURL, err := strconv.Atoi(os.Getenv("LADBID_MAX_URL_LENGTH"))
	if err != nil || maxURL <= 0 {
		maxURL = config.DefaultMaxURLLength
	}

	return &SizeLimitConfig{
		Enabled:      os.Getenv("LADBID_SIZE_LIMIT_ENABLED") != "false",
		MaxBodySize:  maxBody,
		MaxURLLength: maxURL,
	}
}

// SizeLimiter rejects oversized bid requests before they reach a handler
type SizeLimiter struct {
	config SizeLimitConfig
}

// NewSizeLimiter creates a new size limiter
func NewSizeLimiter(cfg *SizeLimitConfig) *SizeLimiter {
	if cfg == nil {
		cfg = DefaultSizeLimitConfig()
	}
	return &SizeLimiter{config: *cfg}
}

// Middleware returns the size limiting middleware handler
func (sl *SizeLimiter) Middleware(next http.Handler) http.Handler {
	if !sl.config.Enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.URL.String()) > sl.config.MaxURLLength {
			logger.HTTP().Warn().Str("path", r.URL.Path).Int("url_length", len(r.URL.String())).Msg("URL too long")
			writeJSONError(w, "URL too long", http.StatusRequestURITooLong)
			return
		}

		if r.ContentLength > sl.config.MaxBodySize {
			logger.HTTP().Warn().Str("path", r.URL.Path).Int64("content_length", r.ContentLength).Msg("request body too large")
			writeJSONError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}

		// Chunked bodies are cut off at the limit while being read
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, sl.config.MaxBodySize)
		}

		next.ServeHTTP(w, r)
	})
}

// Config returns a copy of the limiter configuration
func (sl *SizeLimiter) Config() SizeLimitConfig {
	return sl.config
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
