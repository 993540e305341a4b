// Package endpoints provides HTTP endpoint handlers
package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/thenexusengine/ladbid/internal/adapters"
	"github.com/thenexusengine/ladbid/internal/adapters/lockerdome"
	"github.com/thenexusengine/ladbid/pkg/logger"
)

// maxRequestBodySize limits request body reads to prevent OOM attacks (1MB)
const maxRequestBodySize = 1024 * 1024

// errPageUnavailable is reported when the caller did not expose a usable
// page URL
var errPageUnavailable = errors.New("page location unavailable")

// BidsRequest is the body of POST /bids
type BidsRequest struct {
	AuctionID  string                 `json:"auctionId"`
	BidderCode string                 `json:"bidderCode,omitempty"`
	Bids       []*adapters.BidRequest `json:"bids"`
	Page       *PageRequest           `json:"page,omitempty"`
	User       *UserRequest           `json:"user,omitempty"`
}

// PageRequest carries the top-level page location
type PageRequest struct {
	URL      string `json:"url"`
	Referrer string `json:"referrer"`
}

// UserRequest identifies the user the consent lookup is for
type UserRequest struct {
	ID string `json:"id"`
}

// SlotBid is one resolved bid tagged with its ad slot
type SlotBid struct {
	PlacementCode string `json:"placementCode"`
	*adapters.Bid
}

// BidsResponse is the answer to POST /bids, one bid per request
type BidsResponse struct {
	AuctionID string     `json:"auctionId"`
	Bids      []*SlotBid `json:"bids"`
}

// BidderSource resolves a bidder code to its adapter
type BidderSource interface {
	Get(bidderCode string) (adapters.AdapterWithInfo, bool)
}

// BidsHandler handles /bids requests
type BidsHandler struct {
	registry BidderSource
}

// NewBidsHandler creates a new bids handler
func NewBidsHandler(registry BidderSource) *BidsHandler {
	return &BidsHandler{registry: registry}
}

// ServeHTTP runs one auction through the requested adapter
func (h *BidsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var req BidsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		logger.HTTP().Warn().Err(err).Msg("Invalid JSON in bids request")
		writeError(w, "Invalid JSON in request body", http.StatusBadRequest)
		return
	}

	if err := validateBidsRequest(&req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	bidderCode := req.BidderCode
	if bidderCode == "" {
		bidderCode = lockerdome.BidderCode
	}
	entry, ok := h.registry.Get(bidderCode)
	if !ok || !entry.Info.Enabled {
		writeError(w, fmt.Sprintf("Unknown bidder: %s", bidderCode), http.StatusNotFound)
		return
	}

	if req.AuctionID == "" {
		req.AuctionID = uuid.NewString()
	}

	auction := &adapters.Auction{
		ID:      req.AuctionID,
		Bids:    req.Bids,
		Page:    requestPage(&req, r),
		Cookies: r.Cookies(),
	}
	if req.User != nil {
		auction.UserID = req.User.ID
	}

	resp := &BidsResponse{
		AuctionID: req.AuctionID,
		Bids:      make([]*SlotBid, 0, len(req.Bids)),
	}
	sink := adapters.BidSinkFunc(func(slotID string, bid *adapters.Bid) {
		resp.Bids = append(resp.Bids, &SlotBid{PlacementCode: slotID, Bid: bid})
	})

	ctx := logger.WithAuctionID(r.Context(), req.AuctionID)
	start := time.Now()
	entry.Adapter.CallBids(ctx, auction, sink)

	wins := 0
	for _, b := range resp.Bids {
		if b.IsWin() {
			wins++
		}
	}
	logger.FromContext(ctx).Info().
		Str("bidder", bidderCode).
		Int("requests", len(req.Bids)).
		Int("wins", wins).
		Dur("duration_ms", time.Since(start)).
		Msg("Auction completed")

	writeJSON(w, http.StatusOK, resp)
}

// validateBidsRequest rejects requests the adapter cannot resolve one to one
func validateBidsRequest(req *BidsRequest) error {
	if len(req.Bids) == 0 {
		return &ValidationError{Field: "bids", Message: "at least one bid required", Index: -1}
	}
	seen := make(map[string]bool, len(req.Bids))
	for i, bid := range req.Bids {
		if bid == nil {
			return &ValidationError{Field: "bids", Message: "null bid", Index: i}
		}
		if bid.RequestID == "" {
			return &ValidationError{Field: "bids[].bidId", Message: "required", Index: i}
		}
		if seen[bid.RequestID] {
			return &ValidationError{Field: "bids[].bidId", Message: "duplicate " + bid.RequestID, Index: i}
		}
		seen[bid.RequestID] = true
	}
	return nil
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
	Index   int
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s[%d]: %s", e.Field, e.Index, e.Message)
	}
	return e.Field + ": " + e.Message
}

// callerPage is the page as reported by the caller
type callerPage struct {
	url      string
	referrer string
	err      error
}

// Location implements adapters.PageInfo
func (p *callerPage) Location() (string, string, error) {
	return p.url, p.referrer, p.err
}

// requestPage takes the page from the body, falling back to the Referer
// header. A missing or non-absolute URL means the page is inaccessible.
func requestPage(req *BidsRequest, r *http.Request) *callerPage {
	p := &callerPage{}
	if req.Page != nil {
		p.url, p.referrer = req.Page.URL, req.Page.Referrer
	}
	if p.url == "" {
		p.url = r.Referer()
	}

	u, err := url.Parse(p.url)
	if p.url == "" || err != nil || !u.IsAbs() {
		p.err = errPageUnavailable
	}
	return p
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.HTTP().Error().Err(err).Msg("failed to encode response")
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
