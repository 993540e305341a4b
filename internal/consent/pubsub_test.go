package consent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/thenexusengine/ladbid/pkg/redis"
)

const (
	testCallChannel   = "ladbid:cmp:call"
	testReturnChannel = "ladbid:cmp:return"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("failed to connect to miniredis: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestPubSubMessenger_LocateWithoutResponder(t *testing.T) {
	client := newTestRedis(t)
	m := NewPubSubMessenger(client, testCallChannel, testReturnChannel)

	if _, err := m.Locate(context.Background()); !errors.Is(err, ErrLocatorNotFound) {
		t.Fatalf("expected ErrLocatorNotFound, got %v", err)
	}
	if _, err := (&Host{Messenger: m}).Lookup(context.Background(), Request{}); !errors.Is(err, ErrCMPNotFound) {
		t.Errorf("expected ErrCMPNotFound, got %v", err)
	}
}

func TestPubSubMessenger_EndToEnd(t *testing.T) {
	client := newTestRedis(t)

	platform := platformFunc(func(ctx context.Context, command string, parameter json.RawMessage) (*Consent, error) {
		if command != CommandGetVendorConsents {
			return nil, ErrUnsupportedCommand
		}
		if UserIDFromParameter(parameter) != "user-42" {
			return nil, nil
		}
		return &Consent{GDPRApplies: true, ConsentString: "stored-consent"}, nil
	})

	responder := NewResponder(client, platform, testCallChannel, testReturnChannel)
	if err := responder.Start(context.Background()); err != nil {
		t.Fatalf("start responder: %v", err)
	}
	defer responder.Stop()

	if err := responder.Start(context.Background()); err == nil {
		t.Error("expected second Start to fail")
	}

	host := &Host{Messenger: NewPubSubMessenger(client, testCallChannel, testReturnChannel)}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := host.Lookup(ctx, Request{UserID: "user-42"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if c == nil || !c.GDPRApplies || c.ConsentString != "stored-consent" {
		t.Errorf("unexpected consent %+v", c)
	}

	c, err = host.Lookup(ctx, Request{UserID: "unknown"})
	if err != nil {
		t.Fatalf("lookup for unknown user: %v", err)
	}
	if c != nil {
		t.Errorf("expected no consent for unknown user, got %+v", c)
	}
}

func TestPubSubMessenger_PlatformFailure(t *testing.T) {
	client := newTestRedis(t)

	platform := platformFunc(func(context.Context, string, json.RawMessage) (*Consent, error) {
		return nil, errors.New("database unavailable")
	})
	responder := NewResponder(client, platform, testCallChannel, testReturnChannel)
	if err := responder.Start(context.Background()); err != nil {
		t.Fatalf("start responder: %v", err)
	}
	defer responder.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	host := &Host{Messenger: NewPubSubMessenger(client, testCallChannel, testReturnChannel)}
	if _, err := host.Lookup(ctx, Request{UserID: "u"}); !errors.Is(err, ErrCMPFailure) {
		t.Errorf("expected ErrCMPFailure, got %v", err)
	}
}

func TestResponder_SlowCallDoesNotBlockOthers(t *testing.T) {
	client := newTestRedis(t)

	started := make(chan struct{})
	release := make(chan struct{})
	platform := platformFunc(func(ctx context.Context, _ string, parameter json.RawMessage) (*Consent, error) {
		if UserIDFromParameter(parameter) == "slow" {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &Consent{GDPRApplies: true, ConsentString: UserIDFromParameter(parameter)}, nil
	})

	responder := NewResponder(client, platform, testCallChannel, testReturnChannel)
	if err := responder.Start(context.Background()); err != nil {
		t.Fatalf("start responder: %v", err)
	}
	defer responder.Stop()

	host := &Host{Messenger: NewPubSubMessenger(client, testCallChannel, testReturnChannel)}

	slowDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := host.Lookup(ctx, Request{UserID: "slow"})
		slowDone <- err
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("slow call never reached the platform")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	c, err := host.Lookup(ctx, Request{UserID: "fast"})
	if err != nil {
		t.Fatalf("fast lookup blocked behind slow call: %v", err)
	}
	if c == nil || c.ConsentString != "fast" {
		t.Errorf("unexpected consent %+v", c)
	}

	close(release)
	if err := <-slowDone; err != nil {
		t.Errorf("slow lookup: %v", err)
	}
}
