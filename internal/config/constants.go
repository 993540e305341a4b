// Package config provides shared configuration constants for the adapter service
package config

import "time"

// Server timeout defaults
const (
	// ServerReadTimeout is the maximum duration for reading the entire request
	ServerReadTimeout = 5 * time.Second

	// ServerWriteTimeout is the maximum duration before timing out writes of the response
	ServerWriteTimeout = 10 * time.Second

	// ServerIdleTimeout is the maximum time to wait for the next request when keep-alives are enabled
	ServerIdleTimeout = 120 * time.Second

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout = 30 * time.Second
)

// Size limiting defaults
const (
	// DefaultMaxBodySize is the default maximum request body size (1MB)
	DefaultMaxBodySize = 1024 * 1024

	// DefaultMaxURLLength is the default maximum URL length (8KB)
	DefaultMaxURLLength = 8192
)

// Exchange defaults
const (
	// DefaultExchangeEndpoint is the LockerDome bid endpoint
	DefaultExchangeEndpoint = "https://lockerdome.com/ladbid/prebid"

	// DefaultExchangeTimeout bounds the single bid request to the exchange
	DefaultExchangeTimeout = 1000 * time.Millisecond
)

// Consent defaults
const (
	// DefaultConsentTimeout is how long dispatch waits for the consent platform
	DefaultConsentTimeout = 200 * time.Millisecond

	// DefaultConsentLookupTimeout bounds a lookup that outlived the dispatch
	// timeout, after which its listener is released
	DefaultConsentLookupTimeout = 2 * time.Second

	// DefaultCMPCallChannel carries __cmpCall messages to the consent platform
	DefaultCMPCallChannel = "ladbid:cmp:call"

	// DefaultCMPReturnChannel carries __cmpReturn messages back
	DefaultCMPReturnChannel = "ladbid:cmp:return"
)

// Circuit breaker defaults for the exchange transport
const (
	// DefaultBreakerFailureThreshold is the consecutive failures before opening
	DefaultBreakerFailureThreshold = 5

	// DefaultBreakerTimeout is how long the breaker stays open
	DefaultBreakerTimeout = 30 * time.Second
)
