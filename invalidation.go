package rbac

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/rbac/logger"
)

// InvalidationMessage tells other replicas that committed RBAC state
// changed and their rule tables and role caches must be rebuilt.
type InvalidationMessage struct {
	Origin    string    `json:"origin"`
	Operation string    `json:"operation"`
	At        time.Time `json:"at"`
}

type InvalidationSubscriber interface {
	OnInvalidate(ctx context.Context, msg InvalidationMessage) error
}

type InvalidationSubscriberFunc func(ctx context.Context, msg InvalidationMessage) error

func (f InvalidationSubscriberFunc) OnInvalidate(ctx context.Context, msg InvalidationMessage) error {
	return f(ctx, msg)
}

// InvalidationBus fans invalidation messages out to every replica.
type InvalidationBus interface {
	Publish(ctx context.Context, msg InvalidationMessage) error
	Subscribe(ctx context.Context, sub InvalidationSubscriber) (unsubscribe func(), err error)
}

// LocalBus is an in-process InvalidationBus. Messages are queued by Publish
// and delivered by a single dispatch goroutine started with Start.
type LocalBus struct {
	log      logger.Logger
	notifyCh chan InvalidationMessage
	stopCh   chan struct{}

	mu          sync.RWMutex
	subscribers map[int]InvalidationSubscriber
	nextID      int
	started     bool
	wg          sync.WaitGroup
}

func NewLocalBus(log logger.Logger) *LocalBus {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &LocalBus{
		log:         log,
		notifyCh:    make(chan InvalidationMessage, 1024),
		stopCh:      make(chan struct{}),
		subscribers: make(map[int]InvalidationSubscriber),
	}
}

func (b *LocalBus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case msg := <-b.notifyCh:
				for _, sub := range b.collectSubscribers() {
					if err := sub.OnInvalidate(ctx, msg); err != nil {
						b.log.Warn("invalidation subscriber failed", "origin", msg.Origin, "error", err)
					}
				}
			}
		}
	}()
}

func (b *LocalBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	b.mu.Unlock()

	close(b.stopCh)
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (b *LocalBus) Publish(ctx context.Context, msg InvalidationMessage) error {
	select {
	case b.notifyCh <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish invalidation: %w", ctx.Err())
	}
}

func (b *LocalBus) Subscribe(_ context.Context, sub InvalidationSubscriber) (func(), error) {
	if sub == nil {
		return func() {}, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = sub
	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}, nil
}

func (b *LocalBus) collectSubscribers() []InvalidationSubscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]InvalidationSubscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		out = append(out, s)
	}
	return out
}
