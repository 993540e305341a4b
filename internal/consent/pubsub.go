package consent

import (
	"context"
	"fmt"

	"github.com/thenexusengine/ladbid/pkg/redis"
)

// PubSubMessenger carries the cross-frame protocol over Redis pub/sub.
// Calls are published on the call channel and answers arrive on the return
// channel. A CMP is located when something subscribes to the call channel.
type PubSubMessenger struct {
	client        *redis.Client
	callChannel   string
	returnChannel string
}

// NewPubSubMessenger creates a messenger over client
func NewPubSubMessenger(client *redis.Client, callChannel, returnChannel string) *PubSubMessenger {
	return &PubSubMessenger{
		client:        client,
		callChannel:   callChannel,
		returnChannel: returnChannel,
	}
}

// Listen implements Messenger
func (m *PubSubMessenger) Listen(ctx context.Context, handler func(msg []byte)) (func(), error) {
	sub, err := m.client.Subscribe(ctx, m.returnChannel, handler)
	if err != nil {
		return nil, err
	}
	return func() { sub.Close() }, nil
}

// Locate implements Messenger
func (m *PubSubMessenger) Locate(ctx context.Context) (Frame, error) {
	n, err := m.client.NumSub(ctx, m.callChannel)
	if err != nil {
		return nil, fmt.Errorf("count subscribers on %s: %w", m.callChannel, err)
	}
	if n == 0 {
		return nil, ErrLocatorNotFound
	}
	return &channelFrame{client: m.client, channel: m.callChannel}, nil
}

type channelFrame struct {
	client  *redis.Client
	channel string
}

func (f *channelFrame) PostMessage(ctx context.Context, msg []byte) error {
	return f.client.Publish(ctx, f.channel, msg)
}
