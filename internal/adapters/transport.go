package adapters

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/thenexusengine/ladbid/pkg/breaker"
)

// Transport is the network channel an adapter sends its bid request on.
// Available reports whether a request can be sent right now; an adapter
// that finds no available transport bails without sending.
type Transport interface {
	Available() bool
	Do(ctx context.Context, req *RequestData) (*ResponseData, error)
}

// errServerStatus marks a 5xx answer as a failure for the breaker only
var errServerStatus = errors.New("exchange returned server error")

// GuardedTransport sends requests through an HTTPClient behind a circuit
// breaker. It is unavailable while the breaker rejects requests.
type GuardedTransport struct {
	client  HTTPClient
	breaker *breaker.CircuitBreaker
	timeout time.Duration
}

// NewGuardedTransport creates a transport; a nil breaker disables guarding
func NewGuardedTransport(client HTTPClient, cb *breaker.CircuitBreaker, timeout time.Duration) *GuardedTransport {
	return &GuardedTransport{
		client:  client,
		breaker: cb,
		timeout: timeout,
	}
}

// Available implements Transport
func (t *GuardedTransport) Available() bool {
	if t == nil || t.client == nil {
		return false
	}
	return t.breaker == nil || t.breaker.Ready()
}

// Do implements Transport. A 5xx response is returned to the caller and
// counted as a failure by the breaker.
func (t *GuardedTransport) Do(ctx context.Context, req *RequestData) (*ResponseData, error) {
	if t.breaker == nil {
		return t.client.Do(ctx, req, t.timeout)
	}

	var resp *ResponseData
	err := t.breaker.Execute(func() error {
		var doErr error
		resp, doErr = t.client.Do(ctx, req, t.timeout)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return errServerStatus
		}
		return nil
	})
	if errors.Is(err, errServerStatus) {
		return resp, nil
	}
	return resp, err
}

// Breaker returns the guarding circuit breaker, or nil
func (t *GuardedTransport) Breaker() *breaker.CircuitBreaker {
	return t.breaker
}
