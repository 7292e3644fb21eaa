package redis

import (
	"context"
	"log"
)

// runPattern matches every channel Publisher writes to.
const runPattern = "pub:backtest:*"

// Subscriber relays published run summaries to a callback.
type Subscriber struct {
	client *Client
}

// NewSubscriber creates a Subscriber on client.
func NewSubscriber(client *Client) *Subscriber {
	return &Subscriber{client: client}
}

// Run pattern-subscribes to every run channel and calls fn for each message.
// It blocks until ctx is cancelled or the subscription closes.
func (s *Subscriber) Run(ctx context.Context, fn func(channel string, payload []byte)) error {
	pubsub := s.client.rdb.PSubscribe(ctx, runPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	log.Printf("[redis] subscribed to %s", runPattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Channel, []byte(msg.Payload))
		}
	}
}
