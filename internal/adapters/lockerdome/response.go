package lockerdome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/buger/jsonparser"

	"github.com/thenexusengine/ladbid/internal/adapters"
	"github.com/thenexusengine/ladbid/internal/consent"
	"github.com/thenexusengine/ladbid/pkg/logger"
)

var errInvalidJSON = errors.New("response body is not valid JSON")

// serverBid is one priced answer from the exchange. Numeric fields are
// copied as received.
type serverBid struct {
	RequestID  string  `json:"requestId"`
	CPM        float64 `json:"cpm"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	CreativeID string  `json:"creativeId"`
	Currency   string  `json:"currency"`
	NetRevenue bool    `json:"netRevenue"`
	Ad         string  `json:"ad"`
	TTL        float64 `json:"ttl"`
}

// decodeServerBids requires a {"bids":[...]} body. Entries that are not
// objects or do not decode are skipped so they resolve as no-bids.
func decodeServerBids(body []byte) ([]serverBid, error) {
	if !json.Valid(body) {
		return nil, errInvalidJSON
	}
	raw, dataType, _, err := jsonparser.Get(body, "bids")
	if err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	if dataType != jsonparser.Array {
		return nil, fmt.Errorf("bids is %s, not an array", dataType)
	}

	var bids []serverBid
	skipped := 0
	_, err = jsonparser.ArrayEach(raw, func(value []byte, dt jsonparser.ValueType, _ int, _ error) {
		var sb serverBid
		if dt != jsonparser.Object || json.Unmarshal(value, &sb) != nil {
			skipped++
			return
		}
		bids = append(bids, sb)
	})
	if err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	if skipped > 0 {
		logger.Bidder(BidderCode).Debug().Int("skipped", skipped).Msg("skipped undecodable server bids")
	}
	return bids, nil
}

// dispatch sends the single exchange request and resolves every bid
// request through sink. A non-nil error is the bail reason; the requests
// are resolved either way.
func (a *Adapter) dispatch(ctx context.Context, auction *adapters.Auction, c *consent.Consent, sink adapters.BidSink) error {
	if a.transport == nil || !a.transport.Available() {
		a.bail(auction, sink)
		return adapters.NewUnavailableError(BidderCode)
	}

	req, err := a.makeRequest(buildPayload(auction, c), auction.Cookies)
	if err != nil {
		a.bail(auction, sink)
		return err
	}

	began := time.Now()
	resp, err := a.transport.Do(ctx, req)
	latency := time.Since(began)
	if err != nil {
		a.metrics.RecordBidderRequest(BidderCode, latency, true, errors.Is(err, context.DeadlineExceeded))
		a.bail(auction, sink)
		return adapters.NewConnectionError(BidderCode, err)
	}
	a.metrics.RecordBidderRequest(BidderCode, latency, false, false)

	if resp.StatusCode != http.StatusOK {
		a.bail(auction, sink)
		return adapters.NewBadStatusError(BidderCode, resp.StatusCode)
	}

	serverBids, err := decodeServerBids(resp.Body)
	if err != nil {
		a.bail(auction, sink)
		return adapters.NewParseError(BidderCode, err)
	}

	a.reconcile(auction, serverBids, sink)
	return nil
}

// bail resolves the auction as if the exchange answered {"bids":[]}
func (a *Adapter) bail(auction *adapters.Auction, sink adapters.BidSink) {
	a.reconcile(auction, nil, sink)
}

// reconcile turns server bids into wins and every request left without one
// into a no-bid. Only requests that were sent can win; server bids for any
// other or already resolved request ID are dropped.
func (a *Adapter) reconcile(auction *adapters.Auction, serverBids []serverBid, sink adapters.BidSink) {
	requests := adapters.BuildRequestMap(eligibleRequests(auction.Bids))
	resolved := make(map[string]bool, len(requests))

	for i := range serverBids {
		sb := &serverBids[i]
		req, ok := requests[sb.RequestID]
		if !ok || resolved[sb.RequestID] {
			logger.Bidder(BidderCode).Debug().
				Str("auction_id", auction.ID).
				Str("request_id", sb.RequestID).
				Bool("duplicate", ok).
				Msg("dropping server bid")
			continue
		}
		resolved[sb.RequestID] = true

		bid := adapters.NewBid(adapters.StatusGood)
		bid.BidderCode = BidderCode
		bid.RequestID = sb.RequestID
		bid.CPM = sb.CPM
		bid.Width = sb.Width
		bid.Height = sb.Height
		bid.CreativeID = sb.CreativeID
		bid.Currency = sb.Currency
		bid.NetRevenue = sb.NetRevenue
		bid.Ad = sb.Ad
		bid.TTL = sb.TTL

		a.metrics.RecordBid(BidderCode, bid.StatusCode.String(), bid.CPM)
		sink.AddBidResponse(req.SlotID, bid)
	}

	for _, req := range auction.Bids {
		if req == nil || resolved[req.RequestID] {
			continue
		}
		resolved[req.RequestID] = true

		bid := adapters.NewBid(adapters.StatusNoBid)
		bid.BidderCode = BidderCode
		bid.RequestID = req.RequestID

		a.metrics.RecordBid(BidderCode, bid.StatusCode.String(), 0)
		sink.AddBidResponse(req.SlotID, bid)
	}
}
