package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/rbac"
	"github.com/oarkflow/rbac/logger"
)

// RedisBus is an rbac.InvalidationBus over Redis pub/sub. Every replica
// subscribes to the same channel.
type RedisBus struct {
	client  *redis.Client
	channel string
	log     logger.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

var _ rbac.InvalidationBus = (*RedisBus)(nil)

func NewRedisBus(client *redis.Client, channel string, log logger.Logger) *RedisBus {
	if channel == "" {
		channel = "rbac:invalidate"
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &RedisBus{client: client, channel: channel, log: log}
}

// NewRedisBusFromConfig dials Redis with the addr, password and db of cfg.
func NewRedisBusFromConfig(cfg rbac.RedisConfig, log logger.Logger) *RedisBus {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return NewRedisBus(client, cfg.Channel, log)
}

func (b *RedisBus) Publish(ctx context.Context, msg rbac.InvalidationMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode invalidation: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// Subscribe delivers every message on the channel to sub until the returned
// function is called or Close runs.
func (b *RedisBus) Subscribe(ctx context.Context, sub rbac.InvalidationSubscriber) (func(), error) {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-runCtx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg rbac.InvalidationMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					b.log.Warn("invalid invalidation payload", "channel", b.channel, "error", err)
					continue
				}
				if err := sub.OnInvalidate(runCtx, msg); err != nil {
					b.log.Warn("invalidation subscriber failed", "origin", msg.Origin, "error", err)
				}
			}
		}
	}()
	return cancel, nil
}

// Close stops every subscription and closes the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
	b.mu.Unlock()
	b.wg.Wait()
	return b.client.Close()
}
