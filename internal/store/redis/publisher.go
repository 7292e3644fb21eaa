package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
)

// ChannelFor is the PubSub channel run summaries for symbol are published on.
func ChannelFor(symbol string) string {
	return "pub:backtest:" + symbol
}

type pendingPublish struct {
	channel string
	payload []byte
}

// Publisher publishes finished-run summaries. While the breaker is open,
// messages are buffered (oldest dropped past maxBuf) and flushed once it
// closes again.
type Publisher struct {
	client *Client

	mu     sync.Mutex
	buffer []pendingPublish
	maxBuf int

	// OnFlush is called after buffered messages are replayed.
	OnFlush func(count int)
}

// NewPublisher creates a Publisher on client. maxBuf <= 0 means 1000.
func NewPublisher(client *Client, maxBuf int) *Publisher {
	if maxBuf <= 0 {
		maxBuf = 1000
	}
	p := &Publisher{client: client, maxBuf: maxBuf}

	prev := client.cb.OnStateChange
	client.cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go p.flush(context.Background())
		}
	}
	return p
}

// Publish sends v as JSON on ChannelFor(symbol).
func (p *Publisher) Publish(ctx context.Context, symbol string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode publish payload: %w", err)
	}
	ch := ChannelFor(symbol)
	err = p.client.cb.Execute(func() error {
		return p.client.rdb.Publish(ctx, ch, data).Err()
	})
	if errors.Is(err, ErrCircuitOpen) {
		p.enqueue(pendingPublish{channel: ch, payload: data})
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis PUBLISH %s: %w", ch, err)
	}
	return nil
}

// Pending returns the number of buffered messages.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

func (p *Publisher) enqueue(m pendingPublish) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer) >= p.maxBuf {
		p.buffer = p.buffer[1:]
	}
	p.buffer = append(p.buffer, m)
}

func (p *Publisher) flush(ctx context.Context) {
	p.mu.Lock()
	pending := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	pipe := p.client.rdb.Pipeline()
	for _, m := range pending {
		pipe.Publish(ctx, m.channel, m.payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redis] flush of %d buffered publishes failed: %v", len(pending), err)
		return
	}
	log.Printf("[redis] flushed %d buffered publishes", len(pending))
	if p.OnFlush != nil {
		p.OnFlush(len(pending))
	}
}
