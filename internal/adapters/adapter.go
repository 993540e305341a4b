// Package adapters provides the bid adapter framework
package adapters

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/thenexusengine/ladbid/pkg/logger"
)

// maxResponseSize limits exchange response size to prevent OOM attacks
const maxResponseSize = 1024 * 1024 // 1MB

// Adapter defines the interface for bid adapters
type Adapter interface {
	// CallBids resolves every bid request of the auction through the sink,
	// exactly once per request, and never fails
	CallBids(ctx context.Context, auction *Auction, sink BidSink)
}

// Size is a creative size, encoded on the wire as [width, height]
type Size struct {
	W int
	H int
}

// MarshalJSON encodes the size as a two element array
func (s Size) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{s.W, s.H})
}

// UnmarshalJSON decodes a [width, height] pair
func (s *Size) UnmarshalJSON(data []byte) error {
	var pair []int
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("size must be [width, height], got %d values", len(pair))
	}
	s.W, s.H = pair[0], pair[1]
	return nil
}

// BidParams holds the bidder-specific parameters of one ad slot
type BidParams struct {
	AdUnitID string `json:"adUnitId"`
}

// BidRequest is one ad slot's request for a price quote
type BidRequest struct {
	RequestID string    `json:"bidId"`
	SlotID    string    `json:"placementCode"`
	Sizes     []Size    `json:"sizes"`
	Params    BidParams `json:"params"`
}

// PageInfo exposes the top-level page the auction runs on. Location fails
// when the page is not accessible to the caller.
type PageInfo interface {
	Location() (pageURL, referrer string, err error)
}

// Auction is the fixed input of one CallBids invocation
type Auction struct {
	ID      string
	Bids    []*BidRequest
	Page    PageInfo
	UserID  string
	Cookies []*http.Cookie
}

// BidSink receives resolved bids on behalf of the host framework
type BidSink interface {
	AddBidResponse(slotID string, bid *Bid)
}

// BidSinkFunc adapts a function to BidSink
type BidSinkFunc func(slotID string, bid *Bid)

// AddBidResponse implements BidSink
func (f BidSinkFunc) AddBidResponse(slotID string, bid *Bid) {
	f(slotID, bid)
}

// RequestData represents an HTTP request to the exchange
type RequestData struct {
	Method  string
	URI     string
	Body    []byte
	Headers http.Header
}

// ResponseData represents an HTTP response from the exchange
type ResponseData struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// BidderInfo describes a registered bidder
type BidderInfo struct {
	Enabled     bool
	Maintainer  *MaintainerInfo
	GVLVendorID int
	Endpoint    string
	MediaTypes  []string
}

// MaintainerInfo contains maintainer info
type MaintainerInfo struct {
	Email string
}

// AdapterWithInfo wraps an adapter with its info
type AdapterWithInfo struct {
	Adapter Adapter
	Info    BidderInfo
}

// HTTPClient defines the interface for HTTP requests
type HTTPClient interface {
	Do(ctx context.Context, req *RequestData, timeout time.Duration) (*ResponseData, error)
}

// DefaultHTTPClient implements HTTPClient
type DefaultHTTPClient struct {
	client *http.Client
}

// NewHTTPClient creates an HTTP client with connection pooling tuned for a
// single exchange host
func NewHTTPClient(timeout time.Duration) *DefaultHTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 25,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,

		TLSClientConfig: &tls.Config{
			ClientSessionCache: tls.NewLRUClientSessionCache(16),
			MinVersion:         tls.VersionTLS12,
		},

		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}

	return &DefaultHTTPClient{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// Do executes an HTTP request, honoring the shorter of the parent deadline
// and timeout
func (c *DefaultHTTPClient) Do(ctx context.Context, req *RequestData, timeout time.Duration) (*ResponseData, error) {
	if timeout > 0 {
		if deadline, hasDeadline := ctx.Deadline(); hasDeadline {
			if remaining := time.Until(deadline); remaining < timeout {
				timeout = remaining
			}
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URI, nil)
	if err != nil {
		return nil, err
	}

	if len(req.Body) > 0 {
		httpReq.Body = &bodyReader{data: req.Body}
		httpReq.ContentLength = int64(len(req.Body))
	}

	for k, v := range req.Headers {
		httpReq.Header[k] = v
	}

	resp, err := c.client.Do(httpReq) //nolint:bodyclose
	if err != nil {
		return nil, err
	}

	type readResult struct {
		data []byte
		err  error
	}
	readCh := make(chan readResult, 1)

	go func() {
		defer resp.Body.Close()
		limitedReader := io.LimitReader(resp.Body, maxResponseSize+1) // +1 to detect overflow
		data, err := io.ReadAll(limitedReader)
		readCh <- readResult{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		// Closing the body unblocks the read goroutine
		resp.Body.Close()
		result := <-readCh
		if result.err != nil && !errors.Is(result.err, io.EOF) {
			logger.Log.Debug().
				Err(result.err).
				Str("uri", req.URI).
				Msg("read error during context cancellation (masked by timeout)")
		}
		return nil, ctx.Err()
	case result := <-readCh:
		if result.err != nil {
			return nil, result.err
		}
		if len(result.data) > maxResponseSize {
			return nil, fmt.Errorf("response too large: exceeded %d bytes", maxResponseSize)
		}
		return &ResponseData{
			StatusCode: resp.StatusCode,
			Body:       result.data,
			Headers:    resp.Header,
		}, nil
	}
}

// bodyReader wraps bytes for http.Request.Body
type bodyReader struct {
	data []byte
	pos  int
}

// Read implements io.Reader, returning io.EOF with the final bytes
func (r *bodyReader) Read(p []byte) (n int, err error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n = copy(p, r.data[r.pos:])
	r.pos += n
	if r.pos >= len(r.data) {
		return n, io.EOF
	}
	return n, nil
}

// Close implements io.Closer
func (r *bodyReader) Close() error {
	return nil
}
