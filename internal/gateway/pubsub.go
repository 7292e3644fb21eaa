package gateway

import (
	"context"
	"log"
	"time"
)

// FeedSource delivers published run summaries until ctx ends.
type FeedSource interface {
	Run(ctx context.Context, fn func(channel string, payload []byte)) error
}

// PubSubRouter relays a FeedSource into the Hub, resubscribing after
// failures.
type PubSubRouter struct {
	hub   *Hub
	src   FeedSource
	retry time.Duration
}

// NewPubSubRouter creates a PubSubRouter backed by the given Hub.
func NewPubSubRouter(hub *Hub, src FeedSource) *PubSubRouter {
	return &PubSubRouter{hub: hub, src: src, retry: 2 * time.Second}
}

// Run blocks until ctx is cancelled.
func (r *PubSubRouter) Run(ctx context.Context) {
	for {
		err := r.src.Run(ctx, r.hub.Broadcast)
		if ctx.Err() != nil {
			return
		}
		log.Printf("[gateway] run feed stopped: %v; resubscribing in %s", err, r.retry)

		t := time.NewTimer(r.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}
