package adapters

// BidStatus is the framework status code carried by every bid object
type BidStatus int

const (
	// StatusGood marks a bid carrying a price and creative
	StatusGood BidStatus = 1
	// StatusNoBid marks an explicit decline
	StatusNoBid BidStatus = 2
)

// String returns the status label used in logs and metrics
func (s BidStatus) String() string {
	switch s {
	case StatusGood:
		return "win"
	case StatusNoBid:
		return "nobid"
	default:
		return "unknown"
	}
}

// Bid is the framework-native bid object. A StatusNoBid bid carries only
// the bidder code and request ID.
type Bid struct {
	StatusCode BidStatus `json:"statusCode"`
	BidderCode string    `json:"bidderCode"`
	RequestID  string    `json:"requestId"`
	CPM        float64   `json:"cpm"`
	Width      float64   `json:"width"`
	Height     float64   `json:"height"`
	CreativeID string    `json:"creativeId"`
	Currency   string    `json:"currency"`
	NetRevenue bool      `json:"netRevenue"`
	Ad         string    `json:"ad"`
	TTL        float64   `json:"ttl"`
}

// NewBid is the bid factory: it returns an empty bid with the given status
func NewBid(status BidStatus) *Bid {
	return &Bid{StatusCode: status}
}

// IsWin reports whether the bid carries a price
func (b *Bid) IsWin() bool {
	return b.StatusCode == StatusGood
}
