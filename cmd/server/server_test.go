package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thenexusengine/ladbid/internal/adapters"
	"github.com/thenexusengine/ladbid/internal/adapters/lockerdome"
	"github.com/thenexusengine/ladbid/internal/consent"
	"github.com/thenexusengine/ladbid/internal/metrics"
	"github.com/thenexusengine/ladbid/pkg/breaker"
	"github.com/thenexusengine/ladbid/pkg/logger"
	"github.com/thenexusengine/ladbid/pkg/redis"
)

func init() {
	logger.Init(logger.Config{
		Level:      "error",
		Format:     "json",
		TimeFormat: time.RFC3339,
	})
}

func testConfig(endpoint string) *ServerConfig {
	return &ServerConfig{
		Port:                 "8080",
		ExchangeEndpoint:     endpoint,
		ExchangeTimeout:      time.Second,
		ConsentEnabled:       true,
		ConsentTimeout:       200 * time.Millisecond,
		ConsentLookupTimeout: time.Second,
		CMPCallChannel:       "test:cmp:call",
		CMPReturnChannel:     "test:cmp:return",
		CMPResponderEnabled:  true,
	}
}

// newTestServer builds a server with private metrics and registry so tests
// never collide on the process-wide ones
func newTestServer(t *testing.T, cfg *ServerConfig) *Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	s, err := newServer(cfg, metrics.NewMetricsWithRegistry("ladbid_test", reg, reg), adapters.NewRegistry())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

func fakeExchange(t *testing.T, body string) (*httptest.Server, *[]string) {
	t.Helper()
	var payloads []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		payloads = append(payloads, string(raw))
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &payloads
}

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, req)
	return rr
}

func TestNewServer_MinimalConfig(t *testing.T) {
	s := newTestServer(t, testConfig("http://127.0.0.1:1"))

	if s.httpServer == nil || s.httpServer.Addr != ":8080" {
		t.Fatal("Expected HTTP server on :8080")
	}
	if s.metrics == nil || s.breaker == nil {
		t.Error("Expected metrics and breaker to be initialized")
	}
	if got := s.consentHost.Strategy(); got != consent.StrategyNone {
		t.Errorf("Expected no consent strategy without Redis or DB, got %q", got)
	}
	if s.responder != nil {
		t.Error("Expected no responder without Redis")
	}

	entry, ok := s.registry.Get(lockerdome.BidderCode)
	if !ok || !entry.Info.Enabled || entry.Info.Endpoint != "http://127.0.0.1:1" {
		t.Errorf("Expected lockerdome registered with configured endpoint, got %+v", entry.Info)
	}
}

func TestServer_BidsEndToEnd(t *testing.T) {
	exchange, payloads := fakeExchange(t, `{"bids":[{"requestId":"b1","cpm":2.25,"width":300,"height":250,"creativeId":"cr","currency":"USD","netRevenue":true,"ad":"<a/>","ttl":30}]}`)
	s := newTestServer(t, testConfig(exchange.URL))

	rr := serve(s, http.MethodPost, "/bids", `{"auctionId":"auc","bids":[
		{"bidId":"b1","placementCode":"p1","sizes":[[300,250]],"params":{"adUnitId":"u1"}},
		{"bidId":"b2","placementCode":"p2","sizes":[[728,90]],"params":{"adUnitId":"u2"}}
	],"page":{"url":"https://pub.example/","referrer":""}}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("Expected a request id header")
	}
	if len(*payloads) != 1 {
		t.Fatalf("Expected one exchange request, got %d", len(*payloads))
	}
	if strings.Contains((*payloads)[0], `"gdpr"`) {
		t.Errorf("Expected no gdpr field without a CMP, got %s", (*payloads)[0])
	}

	var resp struct {
		Bids []struct {
			PlacementCode string  `json:"placementCode"`
			StatusCode    int     `json:"statusCode"`
			CPM           float64 `json:"cpm"`
		} `json:"bids"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Bids) != 2 {
		t.Fatalf("Expected 2 bids, got %d", len(resp.Bids))
	}
	if resp.Bids[0].PlacementCode != "p1" || resp.Bids[0].StatusCode != 1 || resp.Bids[0].CPM != 2.25 {
		t.Errorf("Unexpected win %+v", resp.Bids[0])
	}
	if resp.Bids[1].PlacementCode != "p2" || resp.Bids[1].StatusCode != 2 {
		t.Errorf("Unexpected no-bid %+v", resp.Bids[1])
	}

	metricsResp := serve(s, http.MethodGet, "/metrics", "")
	if !strings.Contains(metricsResp.Body.String(), "ladbid_test_") {
		t.Error("Expected adapter metrics on /metrics")
	}
}

func TestServer_WithRedisMessenger(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	exchange, payloads := fakeExchange(t, `{"bids":[]}`)
	cfg := testConfig(exchange.URL)
	cfg.RedisURL = "redis://" + mr.Addr()
	s := newTestServer(t, cfg)

	if got := s.consentHost.Strategy(); got != consent.StrategyMessenger {
		t.Fatalf("Expected messenger strategy with Redis, got %q", got)
	}
	if s.responder != nil {
		t.Error("Expected no responder without a consent store")
	}

	// No CMP subscribes to the call channel, so the lookup fails fast and
	// the auction dispatches without consent
	rr := serve(s, http.MethodPost, "/bids", `{"bids":[{"bidId":"x","params":{"adUnitId":"1"}}]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if len(*payloads) != 1 || strings.Contains((*payloads)[0], `"gdpr"`) {
		t.Errorf("Expected one request without gdpr, got %v", *payloads)
	}

	ready := serve(s, http.MethodGet, "/health/ready", "")
	if ready.Code != http.StatusOK {
		t.Errorf("Expected ready with healthy Redis, got %d: %s", ready.Code, ready.Body.String())
	}
}

func TestServer_HealthHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	healthHandler().ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%v'", response["status"])
	}
	if _, ok := response["timestamp"]; !ok {
		t.Error("Expected 'timestamp' field in response")
	}
}

func TestServer_ReadyHandler(t *testing.T) {
	t.Run("no dependencies", func(t *testing.T) {
		rr := httptest.NewRecorder()
		readyHandler(nil, nil).ServeHTTP(rr, httptest.NewRequest("GET", "/health/ready", nil))

		if rr.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", rr.Code)
		}
		var response map[string]interface{}
		if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		checks := response["checks"].(map[string]interface{})
		redisCheck := checks["redis"].(map[string]interface{})
		if redisCheck["status"] != "disabled" {
			t.Errorf("Expected redis disabled, got %v", redisCheck["status"])
		}
	})

	t.Run("redis down", func(t *testing.T) {
		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("Failed to start miniredis: %v", err)
		}
		client, err := redis.New("redis://" + mr.Addr())
		if err != nil {
			t.Fatalf("Failed to connect: %v", err)
		}
		defer client.Close()
		mr.Close()

		rr := httptest.NewRecorder()
		readyHandler(client, nil).ServeHTTP(rr, httptest.NewRequest("GET", "/health/ready", nil))

		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected status 503, got %d", rr.Code)
		}
	})
}

func TestServer_AdminEndpoints(t *testing.T) {
	s := newTestServer(t, testConfig("http://127.0.0.1:1"))

	rr := serve(s, http.MethodGet, "/admin/circuit-breaker", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var stats map[string]map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if stats[exchangeBreakerName]["state"] != "closed" {
		t.Errorf("Expected closed breaker, got %v", stats[exchangeBreakerName])
	}

	s.breaker.ForceOpen()
	rr = serve(s, http.MethodPost, "/admin/circuit-breaker", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected reset to return 200, got %d", rr.Code)
	}
	if got := s.breaker.State(); got != breaker.StateClosed {
		t.Errorf("Expected breaker closed after reset, got %s", got)
	}
	if rr = serve(s, http.MethodDelete, "/admin/circuit-breaker", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for DELETE, got %d", rr.Code)
	}

	rr = serve(s, http.MethodGet, "/admin/consents/user-1", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without a database, got %d", rr.Code)
	}

	rr = serve(s, http.MethodGet, "/info/bidders", "")
	var bidders []string
	if err := json.Unmarshal(rr.Body.Bytes(), &bidders); err != nil {
		t.Fatalf("Failed to decode bidders: %v", err)
	}
	if len(bidders) != 1 || bidders[0] != lockerdome.BidderCode {
		t.Errorf("Expected [lockerdome], got %v", bidders)
	}
}

func TestServer_RegisterTwiceFails(t *testing.T) {
	registry := adapters.NewRegistry()
	cfg := testConfig("http://127.0.0.1:1")

	reg1 := prometheus.NewRegistry()
	if _, err := newServer(cfg, metrics.NewMetricsWithRegistry("a", reg1, reg1), registry); err != nil {
		t.Fatalf("First server failed: %v", err)
	}
	reg2 := prometheus.NewRegistry()
	if _, err := newServer(cfg, metrics.NewMetricsWithRegistry("b", reg2, reg2), registry); err == nil {
		t.Error("Expected duplicate registration to fail")
	}
}
