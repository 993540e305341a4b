package adapters

import (
	"fmt"
)

// BidderErrorCode classifies adapter failures
type BidderErrorCode string

const (
	ErrorCodeMarshal     BidderErrorCode = "MARSHAL_ERROR"
	ErrorCodeBadStatus   BidderErrorCode = "BAD_STATUS"
	ErrorCodeParse       BidderErrorCode = "PARSE_ERROR"
	ErrorCodeUnavailable BidderErrorCode = "TRANSPORT_UNAVAILABLE"
	ErrorCodeConnection  BidderErrorCode = "CONNECTION_ERROR"
)

// BidderError represents a standardized adapter error
type BidderError struct {
	BidderCode string
	Code       BidderErrorCode
	Message    string
	Cause      error
}

func (e *BidderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Code, e.BidderCode, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.BidderCode, e.Message)
}

func (e *BidderError) Unwrap() error {
	return e.Cause
}

// NewMarshalError creates a standardized marshal error
func NewMarshalError(bidderCode string, cause error) *BidderError {
	return &BidderError{
		BidderCode: bidderCode,
		Code:       ErrorCodeMarshal,
		Message:    "failed to marshal request",
		Cause:      cause,
	}
}

// NewBadStatusError creates a standardized status code error
func NewBadStatusError(bidderCode string, statusCode int) *BidderError {
	return &BidderError{
		BidderCode: bidderCode,
		Code:       ErrorCodeBadStatus,
		Message:    fmt.Sprintf("unexpected status: %d", statusCode),
	}
}

// NewParseError creates a standardized parse error
func NewParseError(bidderCode string, cause error) *BidderError {
	return &BidderError{
		BidderCode: bidderCode,
		Code:       ErrorCodeParse,
		Message:    "failed to parse response",
		Cause:      cause,
	}
}

// NewUnavailableError reports that no usable transport exists
func NewUnavailableError(bidderCode string) *BidderError {
	return &BidderError{
		BidderCode: bidderCode,
		Code:       ErrorCodeUnavailable,
		Message:    "transport unavailable",
	}
}

// NewConnectionError wraps a transport-level failure
func NewConnectionError(bidderCode string, cause error) *BidderError {
	return &BidderError{
		BidderCode: bidderCode,
		Code:       ErrorCodeConnection,
		Message:    "request failed",
		Cause:      cause,
	}
}

// ErrorCode returns the BidderErrorCode of err, or "" when err is not a
// *BidderError
func ErrorCode(err error) BidderErrorCode {
	if be, ok := err.(*BidderError); ok {
		return be.Code
	}
	return ""
}

// BuildRequestMap indexes bid requests by request ID for O(1) lookups
func BuildRequestMap(bids []*BidRequest) map[string]*BidRequest {
	requestMap := make(map[string]*BidRequest, len(bids))
	for _, bid := range bids {
		if bid == nil {
			continue
		}
		requestMap[bid.RequestID] = bid
	}
	return requestMap
}
