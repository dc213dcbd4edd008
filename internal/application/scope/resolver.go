package scope

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/liana/backend/internal/domain/filter"
	"github.com/liana/backend/internal/domain/identity"
	"github.com/liana/backend/internal/domain/scope"
	"github.com/liana/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrMissingRenderingID is returned when the user carries no rendering
	ErrMissingRenderingID = errors.New("scope: user has no rendering id")
	// ErrMissingCollection is returned when no collection name is given
	ErrMissingCollection = errors.New("scope: collection name is required")
)

// Cache lookup results reported to Metrics
const (
	LookupHit   = "hit"
	LookupStale = "stale"
	LookupMiss  = "miss"
)

// Metrics observes cache lookups and control plane fetches
type Metrics interface {
	RecordLookup(ctx context.Context, result string)
	RecordFetch(ctx context.Context, d time.Duration, err error)
}

type noopMetrics struct{}

func (noopMetrics) RecordLookup(context.Context, string) {}
func (noopMetrics) RecordFetch(context.Context, time.Duration, error) {}

// refreshTimeout bounds a shared or background fetch, which no single caller can cancel
const refreshTimeout = 30 * time.Second

// Resolver serves collection scopes per rendering, fetching them from the control plane
// and caching them with a TTL. Stale entries are served while a background refresh runs.
type Resolver struct {
	fetcher scope.Fetcher
	store   scope.Store
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics Metrics

	group      singleflight.Group
	mu         sync.Mutex
	refreshing map[string]struct{}
	wg         sync.WaitGroup
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithTTL sets how long fetched scopes stay fresh
func WithTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		r.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithMetrics reports cache lookups and fetches
func WithMetrics(m Metrics) ResolverOption {
	return func(r *Resolver) {
		if m != nil {
			r.metrics = m
		}
	}
}

// NewResolver creates a resolver over a fetcher and a cache store
func NewResolver(fetcher scope.Fetcher, store scope.Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		fetcher:    fetcher,
		store:      store,
		ttl:        scope.DefaultTTL,
		now:        time.Now,
		logger:     zap.NewNop(),
		metrics:    noopMetrics{},
		refreshing: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetScopeForUser returns the user's scope filter on a collection, with "$" placeholders
// resolved for that user, or nil when the collection has no scope.
func (r *Resolver) GetScopeForUser(ctx context.Context, user identity.User, collection string) (*filter.Node, error) {
	renderingID := user.RenderingIDString()
	if renderingID == "" {
		return nil, ErrMissingRenderingID
	}
	if collection == "" {
		return nil, ErrMissingCollection
	}

	entry, err := r.scopes(ctx, renderingID)
	if err != nil {
		return nil, err
	}

	s, ok := entry.Scopes[collection]
	if !ok || s.Filter == nil {
		return nil, nil
	}
	return substitute(s, user.IDString())
}

// AppendScopeForUser merges a serialized filter with the user's scope.
// It returns "" when there is neither.
func (r *Resolver) AppendScopeForUser(ctx context.Context, customFilter string, user identity.User, collection string) (string, error) {
	custom, err := filter.Parse(customFilter)
	if err != nil {
		return "", err
	}
	merged, err := r.AppendScopeNode(ctx, custom, user, collection)
	if err != nil {
		return "", err
	}
	return merged.String(), nil
}

// AppendScopeNode is AppendScopeForUser on parsed trees: {and: [custom, scope]}
func (r *Resolver) AppendScopeNode(ctx context.Context, custom *filter.Node, user identity.User, collection string) (*filter.Node, error) {
	scopeFilter, err := r.GetScopeForUser(ctx, user, collection)
	if err != nil {
		return nil, err
	}
	return filter.And(custom, scopeFilter), nil
}

// Invalidate drops the cached scopes of a rendering
func (r *Resolver) Invalidate(ctx context.Context, renderingID string) error {
	return r.store.Delete(ctx, renderingID)
}

// Wait blocks until background refreshes have completed
func (r *Resolver) Wait() {
	r.wg.Wait()
}

func (r *Resolver) scopes(ctx context.Context, renderingID string) (*scope.RenderingScopes, error) {
	entry, err := r.store.Get(ctx, renderingID)
	if err != nil {
		r.logger.Warn("Failed to read scope cache, fetching from control plane",
			zap.String("rendering_id", renderingID),
			zap.Error(err))
		entry = nil
	}

	if entry == nil {
		r.metrics.RecordLookup(ctx, LookupMiss)
		return r.fetch(ctx, renderingID)
	}

	if entry.IsStale(r.now(), r.ttl) {
		r.metrics.RecordLookup(ctx, LookupStale)
		r.refreshInBackground(ctx, renderingID)
		return entry, nil
	}
	r.metrics.RecordLookup(ctx, LookupHit)
	return entry, nil
}

// fetch loads scopes blocking the caller. Concurrent misses share one request,
// detached from the caller that started it; a cancelled caller stops waiting alone.
func (r *Resolver) fetch(ctx context.Context, renderingID string) (*scope.RenderingScopes, error) {
	ch := r.group.DoChan(renderingID, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		ctx, span := telemetry.StartServiceSpan(ctx, "scope", "fetch",
			telemetry.WithAttribute("rendering_id", renderingID))
		defer span.End()

		start := time.Now()
		scopes, err := r.fetcher.FetchScopes(ctx, renderingID)
		r.metrics.RecordFetch(ctx, time.Since(start), err)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("fetch scopes for rendering %s: %w", renderingID, err)
		}

		entry := &scope.RenderingScopes{FetchedAt: r.now(), Scopes: scopes}
		if err := r.store.Set(ctx, renderingID, entry); err != nil {
			r.logger.Warn("Failed to cache scopes",
				zap.String("rendering_id", renderingID),
				zap.Error(err))
		}
		return entry, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*scope.RenderingScopes), nil
	}
}

// refreshInBackground starts at most one refresh per rendering. Its failure
// is logged; callers keep the stale entry.
func (r *Resolver) refreshInBackground(ctx context.Context, renderingID string) {
	r.mu.Lock()
	if _, running := r.refreshing[renderingID]; running {
		r.mu.Unlock()
		return
	}
	r.refreshing[renderingID] = struct{}{}
	r.mu.Unlock()

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		defer func() {
			r.mu.Lock()
			delete(r.refreshing, renderingID)
			r.mu.Unlock()
		}()

		if _, err := r.fetch(bg, renderingID); err != nil {
			r.logger.Warn("Background scope refresh failed, serving stale scopes",
				zap.String("rendering_id", renderingID),
				zap.Error(err))
			return
		}
		r.logger.Debug("Scopes refreshed", zap.String("rendering_id", renderingID))
	}()
}

// substitute returns a copy of the scope filter with "$" placeholders replaced by
// the user's dynamic values. The cached filter is left untouched.
func substitute(s scope.Scope, userID string) (*filter.Node, error) {
	values, hasValues := s.DynamicScopesValues.Users[userID]

	return filter.Evaluate(s.Filter,
		func(aggregator filter.Aggregator, children []*filter.Node) (*filter.Node, error) {
			return filter.NewAggregation(aggregator, children...), nil
		},
		func(condition *filter.Node) (*filter.Node, error) {
			out := condition.Clone()
			placeholder, ok := out.Value.(string)
			if !ok || !strings.HasPrefix(placeholder, scope.PlaceholderPrefix) {
				return out, nil
			}
			if !hasValues {
				return nil, fmt.Errorf("scope: no dynamic values for user %s (placeholder %s)", userID, placeholder)
			}
			out.Value = values[placeholder]
			return out, nil
		},
	)
}
