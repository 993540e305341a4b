package lockerdome

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/thenexusengine/ladbid/internal/adapters"
	"github.com/thenexusengine/ladbid/internal/consent"
	"github.com/thenexusengine/ladbid/pkg/logger"
)

// Dispatch triggers
const (
	triggerImmediate = "immediate"
	triggerConsent   = "consent"
	triggerFailure   = "failure"
	triggerTimeout   = "timeout"
	triggerCanceled  = "canceled"
)

// gate releases an auction's bid request exactly once. The first trigger
// to flip dispatched publishes its consent; every later trigger is a no-op.
type gate struct {
	dispatched atomic.Bool
	released   chan release
}

type release struct {
	consent *consent.Consent
	trigger string
}

func newGate() *gate {
	return &gate{released: make(chan release, 1)}
}

func (g *gate) open(c *consent.Consent, trigger string) bool {
	if !g.dispatched.CompareAndSwap(false, true) {
		return false
	}
	g.released <- release{consent: c, trigger: trigger}
	return true
}

// awaitConsent blocks until the consent lookup completes or the consent
// timeout fires, whichever is first, and returns the consent to forward.
// The lookup keeps running after a timeout until its own deadline; its
// result is then discarded.
func (a *Adapter) awaitConsent(ctx context.Context, auction *adapters.Auction) *consent.Consent {
	strategy := a.host.Strategy()
	if !a.cfg.ConsentEnabled || strategy == consent.StrategyNone {
		a.metrics.RecordDispatch(triggerImmediate)
		return nil
	}

	log := logger.Consent().With().
		Str("auction_id", auction.ID).
		Str("strategy", string(strategy)).
		Logger()

	g := newGate()
	req := lookupRequest(auction)

	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ConsentLookupTimeout)
	go func() {
		defer cancel()

		began := time.Now()
		c, err := a.host.Lookup(lookupCtx, req)
		a.metrics.RecordConsentLookup(string(strategy), lookupOutcome(err), time.Since(began))

		var won bool
		if err != nil {
			log.Debug().Err(err).Msg("consent lookup failed")
			won = g.open(nil, triggerFailure)
		} else {
			won = g.open(c, triggerConsent)
		}
		if !won {
			a.metrics.RecordLateConsent(string(strategy))
			log.Debug().Dur("elapsed", time.Since(began)).Msg("discarding late consent result")
		}
	}()

	timer := time.AfterFunc(a.cfg.ConsentTimeout, func() {
		g.open(nil, triggerTimeout)
	})
	defer timer.Stop()

	var r release
	select {
	case r = <-g.released:
	case <-ctx.Done():
		g.open(nil, triggerCanceled)
		r = <-g.released
	}

	a.metrics.RecordDispatch(r.trigger)
	if r.consent != nil {
		a.checkConsent(r.consent, &log)
	}
	return r.consent
}

// checkConsent validates the consent string. Malformed strings are still
// forwarded.
func (a *Adapter) checkConsent(c *consent.Consent, log *zerolog.Logger) {
	a.metrics.RecordConsentSignal("gdpr", c.ConsentString != "")

	version, err := consent.Validate(c.ConsentString)
	if err != nil {
		a.metrics.RecordMalformedConsent()
		log.Warn().Err(err).Bool("gdpr_applies", c.GDPRApplies).Msg("forwarding malformed consent string")
		return
	}
	log.Debug().Uint8("tcf_version", version).Bool("gdpr_applies", c.GDPRApplies).Msg("consent received")
}

// lookupRequest sizes the safe frame registration from the first size of
// the first bid, defaulting to 1x1
func lookupRequest(auction *adapters.Auction) consent.Request {
	req := consent.Request{Width: 1, Height: 1, UserID: auction.UserID}
	if len(auction.Bids) > 0 && auction.Bids[0] != nil && len(auction.Bids[0].Sizes) > 0 {
		req.Width = auction.Bids[0].Sizes[0].W
		req.Height = auction.Bids[0].Sizes[0].H
	}
	return req
}

func lookupOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, consent.ErrCMPNotFound):
		return "not_found"
	case errors.Is(err, consent.ErrCMPFailure):
		return "cmp_failure"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
