// Package redis caches loaded price series and publishes finished runs.
// Every round trip goes through one CircuitBreaker so a dead Redis costs a
// rejected call, not a timeout per request.
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Client is a go-redis client paired with its circuit breaker.
type Client struct {
	rdb *goredis.Client
	cb  *CircuitBreaker
}

// New connects to Redis and pings it.
func New(cfg Config) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	cb := NewCircuitBreaker(5, 10*time.Second)
	cb.OnStateChange = func(from, to State) {
		log.Printf("[redis] circuit %s -> %s", from, to)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Client{rdb: rdb, cb: cb}, nil
}

// Breaker exposes the circuit breaker for health checks.
func (c *Client) Breaker() *CircuitBreaker { return c.cb }

// Ping checks the connection through the breaker.
func (c *Client) Ping(ctx context.Context) error {
	return c.cb.Execute(func() error {
		return c.rdb.Ping(ctx).Err()
	})
}

// Close closes the underlying client.
func (c *Client) Close() error {
	return c.rdb.Close()
}
