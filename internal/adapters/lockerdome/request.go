package lockerdome

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/thenexusengine/ladbid/internal/adapters"
	"github.com/thenexusengine/ladbid/internal/consent"
)

// adUnitRequest is one entry of the exchange's bidRequests array
type adUnitRequest struct {
	RequestID string          `json:"requestId"`
	AdUnitID  string          `json:"adUnitId"`
	Sizes     []adapters.Size `json:"sizes"`
}

type gdprSignal struct {
	Applies bool   `json:"applies"`
	Consent string `json:"consent"`
}

// payload is the body the exchange expects
type payload struct {
	BidRequests []adUnitRequest `json:"bidRequests"`
	URL         string          `json:"url"`
	Referrer    string          `json:"referrer"`
	GDPR        *gdprSignal     `json:"gdpr,omitempty"`
}

// buildPayload collects the requests carrying an adUnitId. Requests without
// one never reach the exchange.
func buildPayload(auction *adapters.Auction, c *consent.Consent) *payload {
	sent := eligibleRequests(auction.Bids)
	p := &payload{BidRequests: make([]adUnitRequest, 0, len(sent))}

	for _, bid := range sent {
		sizes := bid.Sizes
		if sizes == nil {
			sizes = []adapters.Size{}
		}
		p.BidRequests = append(p.BidRequests, adUnitRequest{
			RequestID: bid.RequestID,
			AdUnitID:  bid.Params.AdUnitID,
			Sizes:     sizes,
		})
	}

	p.URL, p.Referrer = pageLocation(auction.Page)

	if c != nil {
		p.GDPR = &gdprSignal{
			Applies: c.GDPRApplies,
			Consent: c.ConsentString,
		}
	}
	return p
}

// eligibleRequests returns the requests that carry an adUnitId; only these
// are sent and only these can be matched by a server bid
func eligibleRequests(bids []*adapters.BidRequest) []*adapters.BidRequest {
	out := make([]*adapters.BidRequest, 0, len(bids))
	for _, bid := range bids {
		if bid != nil && bid.Params.AdUnitID != "" {
			out = append(out, bid)
		}
	}
	return out
}

// pageLocation reads the top-level page; an inaccessible page yields empty
// strings
func pageLocation(page adapters.PageInfo) (string, string) {
	if page == nil {
		return "", ""
	}
	pageURL, referrer, err := page.Location()
	if err != nil {
		return "", ""
	}
	return pageURL, referrer
}

func (a *Adapter) makeRequest(p *payload, cookies []*http.Cookie) (*adapters.RequestData, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, adapters.NewMarshalError(BidderCode, err)
	}

	headers := http.Header{}
	headers.Set("Content-Type", "text/plain")
	if cookie := cookieHeader(cookies); cookie != "" {
		headers.Set("Cookie", cookie)
	}

	return &adapters.RequestData{
		Method:  http.MethodPost,
		URI:     a.cfg.Endpoint,
		Body:    body,
		Headers: headers,
	}, nil
}

// cookieHeader forwards the caller's cookies the way a credentialed
// browser request would
func cookieHeader(cookies []*http.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
