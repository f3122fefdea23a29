package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const channelPrefix = "voice:session:"

// RedisBus implements Bus on redis pub/sub. It is the production bus: with
// several stateless gateways behind a load balancer, the worker that
// completes a job publishes to redis and only the gateway holding that
// session's websocket delivers it.
type RedisBus struct {
	client redis.UniversalClient
	log    zerolog.Logger
}

// NewRedisBus connects to redis and verifies the connection.
func NewRedisBus(ctx context.Context, redisURL string, log zerolog.Logger) (*RedisBus, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL must be provided")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisBus{
		client: client,
		log:    log.With().Str("component", "redis-bus").Logger(),
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channelPrefix+ev.SessionID, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe runs a receive loop on a dedicated pub/sub connection until the
// returned unsubscribe function is called or ctx is cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, sessionID string, h Handler) (func(), error) {
	sub := b.client.Subscribe(ctx, channelPrefix+sessionID)

	// Force the subscription to be established before returning so a
	// publish right after Subscribe cannot be lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to session channel: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ch := sub.Channel()
		for {
			select {
			case <-loopCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Warn().Err(err).Str("session_id", sessionID).Msg("dropping malformed bus event")
					continue
				}
				h(loopCtx, ev)
			}
		}
	}()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			cancel()
			_ = sub.Close()
			wg.Wait()
		})
	}
	return unsub, nil
}

func (b *RedisBus) Health(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the underlying redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
