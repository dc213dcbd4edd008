package cache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/liana/backend/internal/domain/scope"
	"go.uber.org/zap"
)

// InMemoryScopeStore implements scope.Store in process memory.
// Entries are never evicted here: staleness is decided by the resolver, which
// keeps serving an old entry until its refresh lands.
type InMemoryScopeStore struct {
	entries sync.Map // map[string]*scope.RenderingScopes
	logger  *zap.Logger

	hits   int64
	misses int64
}

// InMemoryScopeStoreOption is a functional option for configuring the store
type InMemoryScopeStoreOption func(*InMemoryScopeStore)

// WithInMemoryLogger sets the logger for the store
func WithInMemoryLogger(logger *zap.Logger) InMemoryScopeStoreOption {
	return func(s *InMemoryScopeStore) {
		s.logger = logger
	}
}

// NewInMemoryScopeStore creates an empty store
func NewInMemoryScopeStore(opts ...InMemoryScopeStoreOption) *InMemoryScopeStore {
	s := &InMemoryScopeStore{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the cached scopes of a rendering, or nil on a miss
func (s *InMemoryScopeStore) Get(_ context.Context, renderingID string) (*scope.RenderingScopes, error) {
	if v, ok := s.entries.Load(renderingID); ok {
		atomic.AddInt64(&s.hits, 1)
		s.logger.Debug("Scope cache hit", zap.String("rendering_id", renderingID))
		return v.(*scope.RenderingScopes), nil
	}
	atomic.AddInt64(&s.misses, 1)
	s.logger.Debug("Scope cache miss", zap.String("rendering_id", renderingID))
	return nil, nil
}

// Set replaces the cached scopes of a rendering. The entry must not be modified afterwards.
func (s *InMemoryScopeStore) Set(_ context.Context, renderingID string, entry *scope.RenderingScopes) error {
	if entry == nil {
		return nil
	}
	s.entries.Store(renderingID, entry)
	return nil
}

// Delete drops the cached scopes of a rendering
func (s *InMemoryScopeStore) Delete(_ context.Context, renderingID string) error {
	s.entries.Delete(renderingID)
	return nil
}

// Stats returns hit and miss counters
func (s *InMemoryScopeStore) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&s.hits), atomic.LoadInt64(&s.misses)
}
