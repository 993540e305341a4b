package endpoints

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/thenexusengine/ladbid/internal/adapters"
	"github.com/thenexusengine/ladbid/internal/adapters/lockerdome"
)

// captureAdapter records the auction it was called with and resolves each
// request as a no-bid
type captureAdapter struct {
	auction *adapters.Auction
}

func (c *captureAdapter) CallBids(ctx context.Context, auction *adapters.Auction, sink adapters.BidSink) {
	c.auction = auction
	for _, req := range auction.Bids {
		bid := adapters.NewBid(adapters.StatusNoBid)
		bid.BidderCode = "capture"
		bid.RequestID = req.RequestID
		sink.AddBidResponse(req.SlotID, bid)
	}
}

func newRegistry(t *testing.T, code string, a adapters.Adapter, enabled bool) *adapters.Registry {
	t.Helper()
	r := adapters.NewRegistry()
	if err := r.Register(code, a, adapters.BidderInfo{Enabled: enabled}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return r
}

const validBids = `{"auctionId":"auc-1","bidderCode":"capture","bids":[{"bidId":"a1","placementCode":"slot-1","sizes":[[300,250]],"params":{"adUnitId":"123"}}],"page":{"url":"https://pub.example/article","referrer":"https://ref.example/"},"user":{"id":"u-9"}}`

func TestBidsHandler_MethodNotAllowed(t *testing.T) {
	handler := NewBidsHandler(adapters.NewRegistry())

	for _, method := range []string{"GET", "PUT", "DELETE", "PATCH"} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/bids", nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("expected 405, got %d", w.Code)
			}
		})
	}
}

func TestBidsHandler_BadRequests(t *testing.T) {
	handler := NewBidsHandler(newRegistry(t, "capture", &captureAdapter{}, true))

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"invalid json", `not json`, "Invalid JSON"},
		{"no bids", `{"auctionId":"x","bidderCode":"capture","bids":[]}`, "at least one bid"},
		{"missing bid id", `{"bidderCode":"capture","bids":[{"placementCode":"s"}]}`, "bidId"},
		{"duplicate bid id", `{"bidderCode":"capture","bids":[{"bidId":"a"},{"bidId":"a"}]}`, "duplicate a"},
		{"null bid", `{"bidderCode":"capture","bids":[null]}`, "null bid"},
		{"bad size", `{"bidderCode":"capture","bids":[{"bidId":"a","sizes":[[300]]}]}`, "Invalid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/bids", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
			var resp map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if !strings.Contains(resp["error"], tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, resp["error"])
			}
		})
	}
}

func TestBidsHandler_UnknownBidder(t *testing.T) {
	tests := []struct {
		name     string
		registry *adapters.Registry
	}{
		{"not registered", adapters.NewRegistry()},
		{"disabled", newRegistry(t, "capture", &captureAdapter{}, false)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/bids", strings.NewReader(validBids))
			w := httptest.NewRecorder()
			NewBidsHandler(tt.registry).ServeHTTP(w, req)

			if w.Code != http.StatusNotFound {
				t.Errorf("expected 404, got %d", w.Code)
			}
		})
	}
}

func TestBidsHandler_BuildsAuction(t *testing.T) {
	capture := &captureAdapter{}
	handler := NewBidsHandler(newRegistry(t, "capture", capture, true))

	req := httptest.NewRequest(http.MethodPost, "/bids", strings.NewReader(validBids))
	req.AddCookie(&http.Cookie{Name: "ld_uid", Value: "abc"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	a := capture.auction
	if a == nil {
		t.Fatal("adapter was not called")
	}
	if a.ID != "auc-1" || a.UserID != "u-9" {
		t.Errorf("unexpected auction identity %q / %q", a.ID, a.UserID)
	}
	wantBids := []*adapters.BidRequest{{
		RequestID: "a1",
		SlotID:    "slot-1",
		Sizes:     []adapters.Size{{W: 300, H: 250}},
		Params:    adapters.BidParams{AdUnitID: "123"},
	}}
	if diff := cmp.Diff(wantBids, a.Bids); diff != "" {
		t.Errorf("bids mismatch (-want +got):\n%s", diff)
	}
	if len(a.Cookies) != 1 || a.Cookies[0].Value != "abc" {
		t.Errorf("expected forwarded cookie, got %v", a.Cookies)
	}

	pageURL, referrer, err := a.Page.Location()
	if err != nil || pageURL != "https://pub.example/article" || referrer != "https://ref.example/" {
		t.Errorf("unexpected page %q %q %v", pageURL, referrer, err)
	}

	var resp BidsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.AuctionID != "auc-1" || len(resp.Bids) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Bids[0].PlacementCode != "slot-1" || resp.Bids[0].StatusCode != adapters.StatusNoBid {
		t.Errorf("unexpected bid %+v", resp.Bids[0])
	}
}

func TestBidsHandler_GeneratesAuctionID(t *testing.T) {
	capture := &captureAdapter{}
	handler := NewBidsHandler(newRegistry(t, "capture", capture, true))

	req := httptest.NewRequest(http.MethodPost, "/bids", strings.NewReader(`{"bidderCode":"capture","bids":[{"bidId":"a"}]}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if capture.auction.ID == "" {
		t.Error("expected a generated auction id")
	}
}

func TestRequestPage(t *testing.T) {
	tests := []struct {
		name         string
		page         *PageRequest
		referer      string
		wantURL      string
		wantReferrer string
		wantErr      bool
	}{
		{"from body", &PageRequest{URL: "https://a.example/", Referrer: "https://b.example/"}, "", "https://a.example/", "https://b.example/", false},
		{"referer fallback", nil, "https://c.example/page", "https://c.example/page", "", false},
		{"nothing supplied", nil, "", "", "", true},
		{"relative url", &PageRequest{URL: "/path"}, "", "/path", "", true},
		{"unparseable url", &PageRequest{URL: "http://[::1"}, "", "http://[::1", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/bids", nil)
			if tt.referer != "" {
				r.Header.Set("Referer", tt.referer)
			}
			p := requestPage(&BidsRequest{Page: tt.page}, r)
			u, ref, err := p.Location()
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if u != tt.wantURL || ref != tt.wantReferrer {
				t.Errorf("expected %q %q, got %q %q", tt.wantURL, tt.wantReferrer, u, ref)
			}
		})
	}
}

func TestBidsHandler_LockerDomeEndToEnd(t *testing.T) {
	var received []byte
	exchange := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"bids":[{"requestId":"a1","cpm":1.5,"width":300,"height":250,"creativeId":"c1","currency":"USD","netRevenue":true,"ad":"<div/>","ttl":60}]}`))
	}))
	defer exchange.Close()

	cfg := lockerdome.DefaultConfig()
	cfg.Endpoint = exchange.URL
	cfg.ConsentEnabled = false
	transport := adapters.NewGuardedTransport(adapters.NewHTTPClient(time.Second), nil, time.Second)

	registry := newRegistry(t, lockerdome.BidderCode, lockerdome.New(cfg, transport), true)
	handler := NewBidsHandler(registry)

	body := `{"auctionId":"auc-2","bids":[
		{"bidId":"a1","placementCode":"top","sizes":[[300,250]],"params":{"adUnitId":"123"}},
		{"bidId":"a2","placementCode":"side","sizes":[[160,600]],"params":{}}
	],"page":{"url":"https://pub.example/","referrer":""}}`
	req := httptest.NewRequest(http.MethodPost, "/bids", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(string(received), `"adUnitId":"123"`) || strings.Contains(string(received), `"a2"`) {
		t.Errorf("unexpected exchange payload %s", received)
	}

	var resp BidsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	got := make([]string, 0, len(resp.Bids))
	for _, b := range resp.Bids {
		got = append(got, b.PlacementCode+":"+b.StatusCode.String()+":"+b.BidderCode)
	}
	want := []string{"top:win:lockerdome", "side:nobid:lockerdome"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("bids mismatch (-want +got):\n%s", diff)
	}
	if resp.Bids[0].CPM != 1.5 || resp.Bids[0].Ad != "<div/>" {
		t.Errorf("win fields not copied: %+v", resp.Bids[0].Bid)
	}
}
