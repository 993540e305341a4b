package consent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/thenexusengine/ladbid/pkg/logger"
	"github.com/thenexusengine/ladbid/pkg/redis"
)

const (
	defaultResponderTimeout = 500 * time.Millisecond
	// defaultResponderWorkers bounds the platform calls answered concurrently
	defaultResponderWorkers = 32
)

// Responder answers __cmpCall messages arriving on the call channel by
// asking a Platform and publishing __cmpReturn messages on the return
// channel. While it runs, PubSubMessenger lookups locate a CMP.
type Responder struct {
	client        *redis.Client
	platform      Platform
	callChannel   string
	returnChannel string
	timeout       time.Duration

	sub      *redis.Subscription
	slots    chan struct{}
	inFlight sync.WaitGroup
}

// NewResponder creates a responder; Start begins answering
func NewResponder(client *redis.Client, platform Platform, callChannel, returnChannel string) *Responder {
	return &Responder{
		client:        client,
		platform:      platform,
		callChannel:   callChannel,
		returnChannel: returnChannel,
		timeout:       defaultResponderTimeout,
		slots:         make(chan struct{}, defaultResponderWorkers),
	}
}

// Start subscribes to the call channel
func (r *Responder) Start(ctx context.Context) error {
	if r.sub != nil {
		return errors.New("consent: responder already started")
	}
	sub, err := r.client.Subscribe(ctx, r.callChannel, r.handle)
	if err != nil {
		return err
	}
	r.sub = sub
	logger.Consent().Info().
		Str("call_channel", r.callChannel).
		Str("return_channel", r.returnChannel).
		Msg("CMP responder started")
	return nil
}

// Stop unsubscribes and waits for in-flight answers to finish
func (r *Responder) Stop() {
	if r.sub == nil {
		return
	}
	r.sub.Close()
	<-r.sub.Done()
	r.inFlight.Wait()
}

// handle runs on the subscription's delivery goroutine. Each call is
// answered on its own worker so one slow platform call does not hold up
// the rest; delivery blocks once every worker is busy.
func (r *Responder) handle(msg []byte) {
	call, ok := DecodeCall(msg)
	if !ok {
		return
	}

	r.slots <- struct{}{}
	r.inFlight.Add(1)
	go func() {
		defer func() {
			<-r.slots
			r.inFlight.Done()
		}()
		r.answer(call)
	}()
}

func (r *Responder) answer(call *Call) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	ret := &Return{CallID: call.CallID, Success: true}
	c, err := r.platform.Call(ctx, call.Command, call.Parameter)
	if err != nil {
		ret.Success = false
		logger.Consent().Warn().
			Err(err).
			Str("command", call.Command).
			Str("call_id", call.CallID).
			Msg("CMP call failed")
	} else if c != nil {
		if ret.ReturnValue, err = json.Marshal(c); err != nil {
			ret.Success = false
		}
	}

	out, err := EncodeReturn(ret)
	if err != nil {
		logger.Consent().Error().Err(err).Msg("failed to encode cmp return")
		return
	}
	if err := r.client.Publish(ctx, r.returnChannel, out); err != nil {
		logger.Consent().Error().Err(err).Str("call_id", call.CallID).Msg("failed to publish cmp return")
	}
}
