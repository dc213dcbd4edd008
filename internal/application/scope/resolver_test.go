package scope

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liana/backend/internal/domain/filter"
	"github.com/liana/backend/internal/domain/identity"
	"github.com/liana/backend/internal/domain/scope"
	"github.com/liana/backend/internal/infrastructure/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeFetcher struct {
	calls  atomic.Int64
	mu     sync.Mutex
	scopes map[string]scope.Scope
	err    error
}

func (f *fakeFetcher) FetchScopes(_ context.Context, _ string) (map[string]scope.Scope, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.scopes, nil
}

func (f *fakeFetcher) set(scopes map[string]scope.Scope, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scopes = scopes
	f.err = err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func mustParse(t *testing.T, raw string) *filter.Node {
	t.Helper()
	node, err := filter.Parse(raw)
	require.NoError(t, err)
	return node
}

func teamScope(t *testing.T) map[string]scope.Scope {
	return map[string]scope.Scope{
		"books": {
			Filter: mustParse(t, `{"aggregator":"and","conditions":[`+
				`{"field":"team","operator":"equal","value":"$currentUser.team.name"},`+
				`{"field":"archived","operator":"equal","value":false}]}`),
			DynamicScopesValues: scope.DynamicValues{
				Users: map[string]map[string]any{
					"1": {"$currentUser.team.name": "Operations"},
					"2": {"$currentUser.team.name": "Sales"},
				},
			},
		},
	}
}

func newTestResolver(t *testing.T, fetcher *fakeFetcher, clock *fakeClock) *Resolver {
	return NewResolver(fetcher, cache.NewInMemoryScopeStore(),
		WithClock(clock.Now),
		WithLogger(zaptest.NewLogger(t)))
}

var (
	operator = identity.User{ID: 1, RenderingID: 34}
	seller   = identity.User{ID: 2, RenderingID: 34}
)

func TestGetScopeForUser_MissingArguments(t *testing.T) {
	r := newTestResolver(t, &fakeFetcher{}, &fakeClock{now: time.Now()})

	_, err := r.GetScopeForUser(context.Background(), identity.User{ID: 1}, "books")
	assert.ErrorIs(t, err, ErrMissingRenderingID)

	_, err = r.GetScopeForUser(context.Background(), operator, "")
	assert.ErrorIs(t, err, ErrMissingCollection)
}

func TestGetScopeForUser_SubstitutesPerUser(t *testing.T) {
	fetcher := &fakeFetcher{scopes: teamScope(t)}
	r := newTestResolver(t, fetcher, &fakeClock{now: time.Now()})
	ctx := context.Background()

	got, err := r.GetScopeForUser(ctx, operator, "books")
	require.NoError(t, err)
	assert.JSONEq(t, `{"aggregator":"and","conditions":[`+
		`{"field":"team","operator":"equal","value":"Operations"},`+
		`{"field":"archived","operator":"equal","value":false}]}`, got.String())

	got, err = r.GetScopeForUser(ctx, seller, "books")
	require.NoError(t, err)
	assert.Equal(t, "Sales", got.Conditions[0].Value)

	// the cached template keeps its placeholder
	entry, err := r.store.Get(ctx, "34")
	require.NoError(t, err)
	assert.Equal(t, "$currentUser.team.name", entry.Scopes["books"].Filter.Conditions[0].Value)
}

func TestGetScopeForUser_ConcurrentUsersDoNotInterfere(t *testing.T) {
	fetcher := &fakeFetcher{scopes: teamScope(t)}
	r := newTestResolver(t, fetcher, &fakeClock{now: time.Now()})
	ctx := context.Background()
	_, err := r.GetScopeForUser(ctx, operator, "books")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		user, want := operator, "Operations"
		if i%2 == 1 {
			user, want = seller, "Sales"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := r.GetScopeForUser(ctx, user, "books")
			if assert.NoError(t, err) {
				assert.Equal(t, want, got.Conditions[0].Value)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), fetcher.calls.Load())
}

func TestGetScopeForUser_UnknownUserValues(t *testing.T) {
	fetcher := &fakeFetcher{scopes: teamScope(t)}
	r := newTestResolver(t, fetcher, &fakeClock{now: time.Now()})

	_, err := r.GetScopeForUser(context.Background(), identity.User{ID: 99, RenderingID: 34}, "books")
	assert.Error(t, err)
}

func TestGetScopeForUser_NoScope(t *testing.T) {
	fetcher := &fakeFetcher{scopes: map[string]scope.Scope{
		"users": {Filter: nil},
	}}
	r := newTestResolver(t, fetcher, &fakeClock{now: time.Now()})

	got, err := r.GetScopeForUser(context.Background(), operator, "books")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = r.GetScopeForUser(context.Background(), operator, "users")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetScopeForUser_FetchError(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("control plane unreachable")}
	r := newTestResolver(t, fetcher, &fakeClock{now: time.Now()})

	_, err := r.GetScopeForUser(context.Background(), operator, "books")
	assert.ErrorContains(t, err, "control plane unreachable")
}

// blockingFetcher holds every fetch until released
type blockingFetcher struct {
	calls   atomic.Int64
	once    sync.Once
	started chan struct{}
	release chan struct{}
	scopes  map[string]scope.Scope
	ctxErr  atomic.Value
}

func (f *blockingFetcher) FetchScopes(ctx context.Context, _ string) (map[string]scope.Scope, error) {
	f.calls.Add(1)
	f.once.Do(func() { close(f.started) })
	<-f.release
	if err := ctx.Err(); err != nil {
		f.ctxErr.Store(err)
		return nil, err
	}
	return f.scopes, nil
}

func TestGetScopeForUser_CancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	fetcher := &blockingFetcher{
		started: make(chan struct{}),
		release: make(chan struct{}),
		scopes:  teamScope(t),
	}
	r := NewResolver(fetcher, cache.NewInMemoryScopeStore(), WithLogger(zaptest.NewLogger(t)))

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.GetScopeForUser(first, operator, "books")
		firstErr <- err
	}()
	<-fetcher.started

	type result struct {
		node *filter.Node
		err  error
	}
	second := make(chan result, 1)
	go func() {
		node, err := r.GetScopeForUser(context.Background(), seller, "books")
		second <- result{node, err}
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(fetcher.release)
	got := <-second
	require.NoError(t, got.err)
	assert.NotNil(t, got.node)
	assert.Nil(t, fetcher.ctxErr.Load(), "the shared fetch outlives the cancelled caller")
	assert.Equal(t, int64(1), fetcher.calls.Load())
}

func TestGetScopeForUser_CacheFreshness(t *testing.T) {
	fetcher := &fakeFetcher{scopes: teamScope(t)}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := newTestResolver(t, fetcher, clock)
	ctx := context.Background()

	_, err := r.GetScopeForUser(ctx, operator, "books")
	require.NoError(t, err)
	clock.Advance(scope.DefaultTTL - time.Second)
	_, err = r.GetScopeForUser(ctx, operator, "books")
	require.NoError(t, err)
	r.Wait()
	assert.Equal(t, int64(1), fetcher.calls.Load(), "within TTL")

	// the control plane now drops the scope; the stale entry is still served once
	fetcher.set(map[string]scope.Scope{}, nil)
	clock.Advance(time.Second)

	got, err := r.GetScopeForUser(ctx, operator, "books")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Operations", got.Conditions[0].Value)

	r.Wait()
	assert.Equal(t, int64(2), fetcher.calls.Load(), "after TTL")

	got, err = r.GetScopeForUser(ctx, operator, "books")
	require.NoError(t, err)
	assert.Nil(t, got)
	r.Wait()
	assert.Equal(t, int64(2), fetcher.calls.Load())
}

func TestGetScopeForUser_BackgroundRefreshFailureKeepsStale(t *testing.T) {
	fetcher := &fakeFetcher{scopes: teamScope(t)}
	clock := &fakeClock{now: time.Now()}
	r := newTestResolver(t, fetcher, clock)
	ctx := context.Background()

	_, err := r.GetScopeForUser(ctx, operator, "books")
	require.NoError(t, err)

	fetcher.set(nil, errors.New("timeout"))
	clock.Advance(scope.DefaultTTL)

	got, err := r.GetScopeForUser(ctx, operator, "books")
	require.NoError(t, err)
	assert.Equal(t, "Operations", got.Conditions[0].Value)
	r.Wait()

	got, err = r.GetScopeForUser(ctx, operator, "books")
	require.NoError(t, err)
	assert.Equal(t, "Operations", got.Conditions[0].Value)
	r.Wait()
}

func TestGetScopeForUser_CustomTTL(t *testing.T) {
	fetcher := &fakeFetcher{scopes: teamScope(t)}
	clock := &fakeClock{now: time.Now()}
	r := NewResolver(fetcher, cache.NewInMemoryScopeStore(), WithClock(clock.Now), WithTTL(time.Minute))
	ctx := context.Background()

	_, err := r.GetScopeForUser(ctx, operator, "books")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = r.GetScopeForUser(ctx, operator, "books")
	require.NoError(t, err)
	r.Wait()
	assert.Equal(t, int64(2), fetcher.calls.Load())
}

func TestInvalidate(t *testing.T) {
	fetcher := &fakeFetcher{scopes: teamScope(t)}
	r := newTestResolver(t, fetcher, &fakeClock{now: time.Now()})
	ctx := context.Background()

	_, err := r.GetScopeForUser(ctx, operator, "books")
	require.NoError(t, err)
	require.NoError(t, r.Invalidate(ctx, "34"))
	_, err = r.GetScopeForUser(ctx, operator, "books")
	require.NoError(t, err)
	assert.Equal(t, int64(2), fetcher.calls.Load())
}

func TestAppendScopeForUser(t *testing.T) {
	custom := `{"field":"title","operator":"contains","value":"Go"}`
	scoped := `{"field":"team","operator":"equal","value":"Operations"}`

	tests := []struct {
		name   string
		scopes map[string]scope.Scope
		custom string
		want   string
	}{
		{
			name:   "neither",
			scopes: map[string]scope.Scope{},
			custom: "",
			want:   "",
		},
		{
			name:   "custom only",
			scopes: map[string]scope.Scope{},
			custom: custom,
			want:   custom,
		},
		{
			name:   "scope only",
			scopes: teamScopeSimple(t),
			custom: "",
			want:   scoped,
		},
		{
			name:   "both, custom first",
			scopes: teamScopeSimple(t),
			custom: custom,
			want:   `{"aggregator":"and","conditions":[` + custom + `,` + scoped + `]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResolver(t, &fakeFetcher{scopes: tt.scopes}, &fakeClock{now: time.Now()})
			got, err := r.AppendScopeForUser(context.Background(), tt.custom, operator, "books")
			require.NoError(t, err)
			if tt.want == "" {
				assert.Empty(t, got)
				return
			}
			assert.JSONEq(t, tt.want, got)
		})
	}
}

func TestAppendScopeForUser_InvalidCustomFilter(t *testing.T) {
	r := newTestResolver(t, &fakeFetcher{}, &fakeClock{now: time.Now()})
	_, err := r.AppendScopeForUser(context.Background(), "not json", operator, "books")
	assert.Error(t, err)
}

func teamScopeSimple(t *testing.T) map[string]scope.Scope {
	return map[string]scope.Scope{
		"books": {
			Filter: mustParse(t, `{"field":"team","operator":"equal","value":"$team"}`),
			DynamicScopesValues: scope.DynamicValues{
				Users: map[string]map[string]any{"1": {"$team": "Operations"}},
			},
		},
	}
}

type recordingMetrics struct {
	mu      sync.Mutex
	lookups []string
	fetches []error
}

func (m *recordingMetrics) RecordLookup(_ context.Context, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups = append(m.lookups, result)
}

func (m *recordingMetrics) RecordFetch(_ context.Context, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches = append(m.fetches, err)
}

func TestResolver_RecordsMetrics(t *testing.T) {
	fetcher := &fakeFetcher{scopes: teamScope(t)}
	clock := &fakeClock{now: time.Now()}
	metrics := &recordingMetrics{}
	r := NewResolver(fetcher, cache.NewInMemoryScopeStore(), WithClock(clock.Now), WithMetrics(metrics))
	ctx := context.Background()

	for range 2 {
		_, err := r.GetScopeForUser(ctx, operator, "books")
		require.NoError(t, err)
	}
	clock.Advance(scope.DefaultTTL)
	_, err := r.GetScopeForUser(ctx, operator, "books")
	require.NoError(t, err)
	r.Wait()

	fetcher.set(nil, errors.New("control plane unreachable"))
	_, err = r.GetScopeForUser(ctx, identity.User{ID: 1, RenderingID: 35}, "books")
	require.Error(t, err)

	assert.Equal(t, []string{LookupMiss, LookupHit, LookupStale, LookupMiss}, metrics.lookups)
	require.Len(t, metrics.fetches, 3)
	assert.NoError(t, metrics.fetches[0])
	assert.NoError(t, metrics.fetches[1])
	assert.Error(t, metrics.fetches[2])
}
