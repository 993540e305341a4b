package adapters

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the bid adapters available to the endpoints, keyed by
// bidder code
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]AdapterWithInfo
}

// DefaultRegistry is the process-wide registry used by the server
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]AdapterWithInfo)}
}

// Register adds an adapter under bidderCode. Registering a code twice is
// an error.
func (r *Registry) Register(bidderCode string, adapter Adapter, info BidderInfo) error {
	if bidderCode == "" {
		return fmt.Errorf("bidder code is required")
	}
	if adapter == nil {
		return fmt.Errorf("adapter %q is nil", bidderCode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[bidderCode]; exists {
		return fmt.Errorf("adapter %q already registered", bidderCode)
	}
	r.adapters[bidderCode] = AdapterWithInfo{Adapter: adapter, Info: info}
	return nil
}

// Get returns the adapter registered under bidderCode
func (r *Registry) Get(bidderCode string) (AdapterWithInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[bidderCode]
	return a, ok
}

// ListBidders returns the registered bidder codes in sorted order
func (r *Registry) ListBidders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codes := make([]string, 0, len(r.adapters))
	for code := range r.adapters {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// ListEnabledBidders returns the codes of enabled bidders in sorted order
func (r *Registry) ListEnabledBidders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codes := make([]string, 0, len(r.adapters))
	for code, a := range r.adapters {
		if a.Info.Enabled {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes
}

// RegisterAdapter registers an adapter in DefaultRegistry
func RegisterAdapter(bidderCode string, adapter Adapter, info BidderInfo) error {
	return DefaultRegistry.Register(bidderCode, adapter, info)
}
