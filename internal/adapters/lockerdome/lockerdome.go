// Package lockerdome implements the LockerDome bid adapter
package lockerdome

import (
	"context"
	"time"

	"github.com/thenexusengine/ladbid/internal/adapters"
	"github.com/thenexusengine/ladbid/internal/consent"
	"github.com/thenexusengine/ladbid/pkg/logger"
)

// BidderCode tags every bid this adapter produces
const BidderCode = "lockerdome"

const (
	defaultEndpoint             = "https://lockerdome.com/ladbid/prebid"
	defaultConsentTimeout       = 200 * time.Millisecond
	defaultConsentLookupTimeout = 2 * time.Second
)

// Recorder receives adapter metrics. *metrics.Metrics implements it.
type Recorder interface {
	RecordAdapterCall(bidder string, duration time.Duration)
	RecordBid(bidder, status string, cpm float64)
	RecordBail(bidder, reason string)
	RecordBidderRequest(bidder string, latency time.Duration, hasError, timedOut bool)
	RecordConsentLookup(strategy, outcome string, duration time.Duration)
	RecordDispatch(trigger string)
	RecordLateConsent(strategy string)
	RecordConsentSignal(signalType string, hasConsent bool)
	RecordMalformedConsent()
}

// Config holds adapter settings
type Config struct {
	Endpoint string
	// ConsentEnabled gates dispatch on a consent lookup
	ConsentEnabled bool
	// ConsentTimeout is how long dispatch waits for the lookup
	ConsentTimeout time.Duration
	// ConsentLookupTimeout bounds the lookup itself
	ConsentLookupTimeout time.Duration
}

// DefaultConfig returns the production settings
func DefaultConfig() Config {
	return Config{
		Endpoint:             defaultEndpoint,
		ConsentEnabled:       true,
		ConsentTimeout:       defaultConsentTimeout,
		ConsentLookupTimeout: defaultConsentLookupTimeout,
	}
}

// Adapter implements the LockerDome bidder
type Adapter struct {
	cfg       Config
	transport adapters.Transport
	host      *consent.Host
	metrics   Recorder
}

// Option configures an Adapter
type Option func(*Adapter)

// WithConsentHost sets the consent environment
func WithConsentHost(h *consent.Host) Option {
	return func(a *Adapter) { a.host = h }
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(a *Adapter) {
		if r != nil {
			a.metrics = r
		}
	}
}

// New creates a new LockerDome adapter. A nil transport makes every
// auction resolve as no-bid.
func New(cfg Config, transport adapters.Transport, opts ...Option) *Adapter {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.ConsentTimeout <= 0 {
		cfg.ConsentTimeout = defaultConsentTimeout
	}
	if cfg.ConsentLookupTimeout < cfg.ConsentTimeout {
		cfg.ConsentLookupTimeout = defaultConsentLookupTimeout
		if cfg.ConsentLookupTimeout < cfg.ConsentTimeout {
			cfg.ConsentLookupTimeout = cfg.ConsentTimeout
		}
	}

	a := &Adapter{
		cfg:       cfg,
		transport: transport,
		metrics:   nopRecorder{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CallBids implements adapters.Adapter
func (a *Adapter) CallBids(ctx context.Context, auction *adapters.Auction, sink adapters.BidSink) {
	if auction == nil {
		return
	}
	start := time.Now()

	c := a.awaitConsent(ctx, auction)
	if err := a.dispatch(ctx, auction, c, sink); err != nil {
		a.metrics.RecordBail(BidderCode, string(adapters.ErrorCode(err)))
		logger.Bidder(BidderCode).Warn().
			Err(err).
			Str("auction_id", auction.ID).
			Int("requests", len(auction.Bids)).
			Msg("bailing: all requests resolved as no-bid")
	}

	a.metrics.RecordAdapterCall(BidderCode, time.Since(start))
}

// Info returns bidder information
func Info() adapters.BidderInfo {
	return adapters.BidderInfo{
		Enabled:    true,
		Endpoint:   defaultEndpoint,
		Maintainer: &adapters.MaintainerInfo{Email: "bidding@lockerdome.com"},
		MediaTypes: []string{"banner"},
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordAdapterCall(string, time.Duration) {}
func (nopRecorder) RecordBid(string, string, float64) {}
func (nopRecorder) RecordBail(string, string) {}
func (nopRecorder) RecordBidderRequest(string, time.Duration, bool, bool) {}
func (nopRecorder) RecordConsentLookup(string, string, time.Duration) {}
func (nopRecorder) RecordDispatch(string) {}
func (nopRecorder) RecordLateConsent(string) {}
func (nopRecorder) RecordConsentSignal(string, bool) {}
func (nopRecorder) RecordMalformedConsent() {}
