package endpoints

import (
	"net/http"
	"time"
)

// StatusHandler handles /status requests
type StatusHandler struct{}

// NewStatusHandler creates a new status handler
func NewStatusHandler() *StatusHandler {
	return &StatusHandler{}
}

// ServeHTTP handles status requests
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// BidderLister is an interface for listing bidders
type BidderLister interface {
	ListEnabledBidders() []string
}

// InfoBiddersHandler handles /info/bidders requests
type InfoBiddersHandler struct {
	registry BidderLister
}

// NewInfoBiddersHandler creates a handler that queries the registry at
// request time
func NewInfoBiddersHandler(registry BidderLister) *InfoBiddersHandler {
	return &InfoBiddersHandler{registry: registry}
}

// ServeHTTP handles info/bidders requests
func (h *InfoBiddersHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bidders := []string{}
	if h.registry != nil {
		bidders = append(bidders, h.registry.ListEnabledBidders()...)
	}
	writeJSON(w, http.StatusOK, bidders)
}
