package consent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/buger/jsonparser"
	"github.com/google/uuid"

	"github.com/thenexusengine/ladbid/pkg/logger"
)

const (
	callKey   = "__cmpCall"
	returnKey = "__cmpReturn"
)

// returnMarker is the substring every CMP answer carries
var returnMarker = []byte("cmpReturn")

// Call is the body of a __cmpCall message
type Call struct {
	Command   string          `json:"command"`
	Parameter json.RawMessage `json:"parameter"`
	CallID    string          `json:"callId"`
}

// Return is the body of a __cmpReturn message
type Return struct {
	CallID      string          `json:"callId"`
	ReturnValue json.RawMessage `json:"returnValue"`
	Success     bool            `json:"success"`
}

type callEnvelope struct {
	Call *Call `json:"__cmpCall"`
}

type returnEnvelope struct {
	Return *Return `json:"__cmpReturn"`
}

// EncodeCall serializes a __cmpCall message
func EncodeCall(c *Call) ([]byte, error) {
	if c.Parameter == nil {
		c.Parameter = json.RawMessage("null")
	}
	return json.Marshal(callEnvelope{Call: c})
}

// UserIDFromParameter returns the userId carried by a command parameter
func UserIDFromParameter(parameter json.RawMessage) string {
	if len(parameter) == 0 {
		return ""
	}
	userID, err := jsonparser.GetString(parameter, "userId")
	if err != nil {
		return ""
	}
	return userID
}

// DecodeCall extracts the __cmpCall body from a message. Messages that are
// not calls return ok == false.
func DecodeCall(msg []byte) (*Call, bool) {
	raw, dataType, _, err := jsonparser.Get(msg, callKey)
	if err != nil || dataType != jsonparser.Object {
		return nil, false
	}
	var c Call
	if err := json.Unmarshal(raw, &c); err != nil || c.CallID == "" {
		return nil, false
	}
	return &c, true
}

// EncodeReturn serializes a __cmpReturn message
func EncodeReturn(r *Return) ([]byte, error) {
	if r.ReturnValue == nil {
		r.ReturnValue = json.RawMessage("null")
	}
	return json.Marshal(returnEnvelope{Return: r})
}

// decodeReturn extracts the __cmpReturn body. Messages without the marker
// are rejected before any parsing.
func decodeReturn(msg []byte) (*Return, bool) {
	if !bytes.Contains(msg, returnMarker) {
		return nil, false
	}
	raw, dataType, _, err := jsonparser.Get(msg, returnKey)
	if err != nil || dataType != jsonparser.Object {
		return nil, false
	}
	var r Return
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, false
	}
	return &r, true
}

// correlationTable maps in-flight call IDs to their callbacks for one lookup
type correlationTable struct {
	mu        sync.Mutex
	callbacks map[string]func(*Return)
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{callbacks: make(map[string]func(*Return))}
}

func (t *correlationTable) add(callID string, cb func(*Return)) {
	t.mu.Lock()
	t.callbacks[callID] = cb
	t.mu.Unlock()
}

// take removes and returns the callback for callID
func (t *correlationTable) take(callID string) func(*Return) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cb, ok := t.callbacks[callID]
	if !ok {
		return nil
	}
	delete(t.callbacks, callID)
	return cb
}

func (t *correlationTable) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.callbacks)
}

// handle is the message listener
func (t *correlationTable) handle(msg []byte) {
	ret, ok := decodeReturn(msg)
	if !ok {
		return
	}
	cb := t.take(ret.CallID)
	if cb == nil {
		logger.Consent().Debug().Str("call_id", ret.CallID).Msg("dropping cmp return for unknown call")
		return
	}
	cb(ret)
}

func lookupCrossFrame(ctx context.Context, m Messenger, command string, parameter json.RawMessage) (*Consent, error) {
	table := newCorrelationTable()

	stop, err := m.Listen(ctx, table.handle)
	if err != nil {
		return nil, fmt.Errorf("listen for cmp returns: %w", err)
	}
	defer stop()

	frame, err := m.Locate(ctx)
	if err != nil {
		if errors.Is(err, ErrLocatorNotFound) {
			return nil, ErrCMPNotFound
		}
		return nil, fmt.Errorf("locate cmp: %w", err)
	}

	callID := uuid.NewString()
	resultCh := make(chan *Return, 1)
	table.add(callID, func(r *Return) { resultCh <- r })

	msg, err := EncodeCall(&Call{Command: command, Parameter: parameter, CallID: callID})
	if err != nil {
		return nil, fmt.Errorf("encode cmp call: %w", err)
	}
	if err := frame.PostMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("post cmp call: %w", err)
	}

	select {
	case ret := <-resultCh:
		if !ret.Success {
			return nil, ErrCMPFailure
		}
		return decodeConsent(ret.ReturnValue)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func decodeConsent(raw json.RawMessage) (*Consent, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var c Consent
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode cmp return value: %w", err)
	}
	return &c, nil
}
