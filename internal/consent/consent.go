// Package consent discovers a consent management platform (CMP) and asks it
// for the user's vendor consents.
//
// Three discovery strategies are tried in priority order: a platform
// reachable directly (same frame), a safe frame host that proxies CMP calls,
// and a cross-frame messenger speaking the __cmpCall/__cmpReturn protocol.
package consent

import (
	"context"
	"encoding/json"
	"errors"
)

// CommandGetVendorConsents is the CMP command issued by every lookup
const CommandGetVendorConsents = "getVendorConsents"

var (
	// ErrLocatorNotFound is returned by Messenger.Locate when no CMP frame exists
	ErrLocatorNotFound = errors.New("consent: cmp locator not found")

	// ErrCMPNotFound is the lookup failure when no strategy reaches a CMP
	ErrCMPNotFound = errors.New("consent: CMP not found")

	// ErrCMPFailure means the CMP answered with success set to false
	ErrCMPFailure = errors.New("consent: cmp reported failure")

	// ErrUnsupportedCommand is returned by platforms for unknown commands
	ErrUnsupportedCommand = errors.New("consent: unsupported cmp command")

	// ErrMalformedConsent marks a consent string that does not decode
	ErrMalformedConsent = errors.New("consent: malformed consent string")
)

// Consent is the signal forwarded to the exchange
type Consent struct {
	GDPRApplies   bool   `json:"gdprApplies"`
	ConsentString string `json:"consentString"`
}

// Strategy names the discovery strategy a lookup used
type Strategy string

const (
	StrategyNone      Strategy = "none"
	StrategyPlatform  Strategy = "platform"
	StrategySafeFrame Strategy = "safeframe"
	StrategyMessenger Strategy = "messenger"
)

// Platform is a CMP callable directly
type Platform interface {
	Call(ctx context.Context, command string, parameter json.RawMessage) (*Consent, error)
}

// SafeFrameData is the payload of a safe frame host message
type SafeFrameData struct {
	VendorConsents *Consent `json:"vendorConsents"`
}

// SafeFrame is a safe frame host. Register installs the message handler for
// a creative of the given size; CMP asks the host to run a CMP command and
// answer through the registered handler with a "cmpReturn" message.
type SafeFrame interface {
	SupportsCMP() bool
	Register(width, height int, handler func(msgName string, data SafeFrameData))
	CMP(command string)
}

// Frame is a located CMP frame that accepts posted messages
type Frame interface {
	PostMessage(ctx context.Context, msg []byte) error
}

// Messenger is the cross-frame channel. Listen installs the single message
// listener and returns the function removing it; Locate finds the CMP frame
// or returns ErrLocatorNotFound.
type Messenger interface {
	Listen(ctx context.Context, handler func(msg []byte)) (stop func(), err error)
	Locate(ctx context.Context) (Frame, error)
}

// Host is the consent environment injected into the adapter. Nil members
// are absent strategies.
type Host struct {
	Platform  Platform
	SafeFrame SafeFrame
	Messenger Messenger
}

// Request carries what a lookup needs from the auction
type Request struct {
	// Width and Height size the safe frame registration
	Width  int
	Height int
	// UserID identifies whose consents are asked for; empty when unknown
	UserID string
}

type callParameter struct {
	UserID string `json:"userId"`
}

// Parameter returns the command parameter sent to platforms and frames
func (r Request) Parameter() json.RawMessage {
	if r.UserID == "" {
		return nil
	}
	raw, err := json.Marshal(callParameter{UserID: r.UserID})
	if err != nil {
		return nil
	}
	return raw
}

// Strategy returns the strategy Lookup will use
func (h *Host) Strategy() Strategy {
	switch {
	case h == nil:
		return StrategyNone
	case h.Platform != nil:
		return StrategyPlatform
	case h.SafeFrame != nil && h.SafeFrame.SupportsCMP():
		return StrategySafeFrame
	case h.Messenger != nil:
		return StrategyMessenger
	default:
		return StrategyNone
	}
}

// Lookup asks the highest priority CMP for vendor consents. It blocks until
// the CMP answers, the lookup fails, or ctx is done, and always releases any
// listener it installed before returning.
func (h *Host) Lookup(ctx context.Context, req Request) (*Consent, error) {
	switch h.Strategy() {
	case StrategyPlatform:
		return h.Platform.Call(ctx, CommandGetVendorConsents, req.Parameter())
	case StrategySafeFrame:
		return lookupSafeFrame(ctx, h.SafeFrame, req)
	case StrategyMessenger:
		return lookupCrossFrame(ctx, h.Messenger, CommandGetVendorConsents, req.Parameter())
	default:
		return nil, ErrCMPNotFound
	}
}
