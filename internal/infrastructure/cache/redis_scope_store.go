package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/liana/backend/internal/domain/scope"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// defaultScopeRetention keeps entries well past the scope TTL so instances can
// still serve stale scopes while one of them refreshes
const defaultScopeRetention = 24 * time.Hour

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// RedisScopeStore implements scope.Store on Redis, sharing fetched scopes between instances
type RedisScopeStore struct {
	client     redis.UniversalClient
	ownsClient bool
	keyPrefix  string
	retention  time.Duration
	logger     *zap.Logger
}

// RedisScopeStoreOption is a functional option for configuring the store
type RedisScopeStoreOption func(*RedisScopeStore)

// WithCacheLogger sets the logger for the store
func WithCacheLogger(logger *zap.Logger) RedisScopeStoreOption {
	return func(s *RedisScopeStore) {
		s.logger = logger
	}
}

// WithKeyPrefix sets the prefix of every key
func WithKeyPrefix(prefix string) RedisScopeStoreOption {
	return func(s *RedisScopeStore) {
		s.keyPrefix = prefix
	}
}

// WithRetention sets how long Redis keeps an entry
func WithRetention(d time.Duration) RedisScopeStoreOption {
	return func(s *RedisScopeStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

// NewRedisScopeStore connects to Redis and creates a store
func NewRedisScopeStore(cfg RedisConfig, opts ...RedisScopeStoreOption) (*RedisScopeStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := NewRedisScopeStoreWithClient(client, opts...)
	s.ownsClient = true
	return s, nil
}

// NewRedisScopeStoreWithClient creates a store with an existing client.
// The caller keeps ownership of the client.
func NewRedisScopeStoreWithClient(client redis.UniversalClient, opts ...RedisScopeStoreOption) *RedisScopeStore {
	s := &RedisScopeStore{
		client:    client,
		keyPrefix: "liana:scopes:",
		retention: defaultScopeRetention,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type redisScopeEntry struct {
	FetchedAt time.Time       `json:"fetchedAt"`
	Scopes    json.RawMessage `json:"scopes"`
}

func (s *RedisScopeStore) key(renderingID string) string {
	return s.keyPrefix + renderingID
}

// Get returns the cached scopes of a rendering, or nil on a miss
func (s *RedisScopeStore) Get(ctx context.Context, renderingID string) (*scope.RenderingScopes, error) {
	data, err := s.client.Get(ctx, s.key(renderingID)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.logger.Debug("Scope cache miss", zap.String("rendering_id", renderingID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scopes from cache: %w", err)
	}

	entry, err := decodeScopeEntry(data)
	if err != nil {
		s.logger.Error("Dropping corrupted scope cache entry",
			zap.String("rendering_id", renderingID),
			zap.Error(err))
		_ = s.client.Del(ctx, s.key(renderingID))
		return nil, nil
	}

	s.logger.Debug("Scope cache hit", zap.String("rendering_id", renderingID))
	return entry, nil
}

// Set stores the scopes of a rendering
func (s *RedisScopeStore) Set(ctx context.Context, renderingID string, entry *scope.RenderingScopes) error {
	if entry == nil {
		return nil
	}
	data, err := encodeScopeEntry(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal scopes: %w", err)
	}
	if err := s.client.Set(ctx, s.key(renderingID), data, s.retention).Err(); err != nil {
		return fmt.Errorf("failed to set scopes in cache: %w", err)
	}
	return nil
}

// Delete drops the cached scopes of a rendering
func (s *RedisScopeStore) Delete(ctx context.Context, renderingID string) error {
	if err := s.client.Del(ctx, s.key(renderingID)).Err(); err != nil {
		return fmt.Errorf("failed to delete scopes from cache: %w", err)
	}
	return nil
}

// Close closes the client if the store created it
func (s *RedisScopeStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}

func encodeScopeEntry(entry *scope.RenderingScopes) ([]byte, error) {
	scopes, err := scope.EncodeScopes(entry.Scopes)
	if err != nil {
		return nil, err
	}
	return json.Marshal(redisScopeEntry{FetchedAt: entry.FetchedAt, Scopes: scopes})
}

func decodeScopeEntry(data []byte) (*scope.RenderingScopes, error) {
	var raw redisScopeEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	scopes, err := scope.DecodeScopes(raw.Scopes)
	if err != nil {
		return nil, err
	}
	return &scope.RenderingScopes{FetchedAt: raw.FetchedAt, Scopes: scopes}, nil
}
