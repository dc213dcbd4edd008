package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liana/backend/internal/domain/scope"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultL1TTL        = 30 * time.Second
	defaultScopeChannel = "liana:scopes:invalidate"
	defaultCloseTimeout = 5 * time.Second
)

// TieredScopeStore implements a two-tier scope cache
// L1: local in-memory copy, kept for a short time
// L2: Redis, shared across instances
// Writes go to both tiers and are announced on a Pub/Sub channel so other
// instances drop their L1 copy.
type TieredScopeStore struct {
	l1      sync.Map // map[string]l1Entry
	l2      *RedisScopeStore
	client  redis.UniversalClient
	channel string
	l1TTL   time.Duration
	now     func() time.Time
	logger  *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}

	l1Hits   int64
	l1Misses int64
}

type l1Entry struct {
	entry    *scope.RenderingScopes
	cachedAt time.Time
}

// TieredScopeStoreOption is a functional option for configuring the store
type TieredScopeStoreOption func(*TieredScopeStore)

// WithL1TTL sets how long the local copy is trusted
func WithL1TTL(ttl time.Duration) TieredScopeStoreOption {
	return func(s *TieredScopeStore) {
		if ttl > 0 {
			s.l1TTL = ttl
		}
	}
}

// WithInvalidationChannel sets the Pub/Sub channel name
func WithInvalidationChannel(channel string) TieredScopeStoreOption {
	return func(s *TieredScopeStore) {
		s.channel = channel
	}
}

// WithTieredLogger sets the logger for the store
func WithTieredLogger(logger *zap.Logger) TieredScopeStoreOption {
	return func(s *TieredScopeStore) {
		s.logger = logger
	}
}

// NewTieredScopeStore creates a store in front of a Redis store
func NewTieredScopeStore(l2 *RedisScopeStore, opts ...TieredScopeStoreOption) *TieredScopeStore {
	s := &TieredScopeStore{
		l2:      l2,
		client:  l2.client,
		channel: defaultScopeChannel,
		l1TTL:   defaultL1TTL,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get reads L1, then L2
func (s *TieredScopeStore) Get(ctx context.Context, renderingID string) (*scope.RenderingScopes, error) {
	if v, ok := s.l1.Load(renderingID); ok {
		cached := v.(l1Entry)
		if s.now().Sub(cached.cachedAt) < s.l1TTL {
			atomic.AddInt64(&s.l1Hits, 1)
			return cached.entry, nil
		}
		s.l1.Delete(renderingID)
	}
	atomic.AddInt64(&s.l1Misses, 1)

	entry, err := s.l2.Get(ctx, renderingID)
	if err != nil || entry == nil {
		return entry, err
	}
	s.l1.Store(renderingID, l1Entry{entry: entry, cachedAt: s.now()})
	return entry, nil
}

// Set writes both tiers and notifies other instances
func (s *TieredScopeStore) Set(ctx context.Context, renderingID string, entry *scope.RenderingScopes) error {
	if entry == nil {
		return nil
	}
	s.l1.Store(renderingID, l1Entry{entry: entry, cachedAt: s.now()})
	if err := s.l2.Set(ctx, renderingID, entry); err != nil {
		return err
	}
	s.publish(ctx, renderingID)
	return nil
}

// Delete drops both tiers and notifies other instances
func (s *TieredScopeStore) Delete(ctx context.Context, renderingID string) error {
	s.l1.Delete(renderingID)
	if err := s.l2.Delete(ctx, renderingID); err != nil {
		return err
	}
	s.publish(ctx, renderingID)
	return nil
}

func (s *TieredScopeStore) publish(ctx context.Context, renderingID string) {
	if err := s.client.Publish(ctx, s.channel, renderingID).Err(); err != nil {
		s.logger.Warn("Failed to publish scope invalidation",
			zap.String("channel", s.channel),
			zap.String("rendering_id", renderingID),
			zap.Error(err))
	}
}

// StartInvalidationSubscription listens for invalidations published by other
// instances until ctx is done or Close is called. It returns once subscribed.
func (s *TieredScopeStore) StartInvalidationSubscription(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := s.client.Subscribe(subCtx, s.channel)
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to channel: %w", err)
	}

	s.cancel = cancel
	s.done = make(chan struct{})
	s.logger.Info("Subscribed to scope invalidation channel", zap.String("channel", s.channel))

	go func() {
		defer close(s.done)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					s.logger.Warn("Scope invalidation channel closed")
					return
				}
				s.l1.Delete(msg.Payload)
				s.logger.Debug("Dropped local scopes", zap.String("rendering_id", msg.Payload))
			}
		}
	}()
	return nil
}

// Close stops the subscription
func (s *TieredScopeStore) Close() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(defaultCloseTimeout):
		s.logger.Warn("Timed out waiting for scope invalidation subscriber to stop")
	}
	return nil
}

// Stats returns L1 hit and miss counters
func (s *TieredScopeStore) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&s.l1Hits), atomic.LoadInt64(&s.l1Misses)
}
