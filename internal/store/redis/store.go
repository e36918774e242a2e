package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vburojevic/replaykit/internal/session"
)

// keyPrefix namespaces session keys
const keyPrefix = "replaykit:session:"

// Client is the subset of redis.Cmdable the store uses
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

var _ Client = (*redis.Client)(nil)

// Store persists the sticky session under a single Redis key
type Store struct {
	client Client
	key    string
	ttl    time.Duration
}

var _ session.Store = (*Store)(nil)

// Options configure the Redis connection and key
type Options struct {
	Addr     string
	Password string
	DB       int
	// Key identifies the browsing context; it is prefixed with keyPrefix
	Key string
	// TTL expires abandoned sessions; zero keeps keys forever
	TTL time.Duration
}

// New connects to Redis and verifies the connection
func New(ctx context.Context, opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Key) == "" {
		return nil, errors.New("redis.New: key is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.New: ping: %w", err)
	}

	return NewWithClient(client, opts.Key, opts.TTL), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client Client, key string, ttl time.Duration) *Store {
	return &Store{client: client, key: SessionKey(key), ttl: ttl}
}

// SessionKey returns the Redis key for a browsing context
func SessionKey(key string) string {
	return keyPrefix + strings.TrimSpace(key)
}

// Key returns the Redis key used by the store
func (s *Store) Key() string {
	return s.key
}

func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("redis.Store.Close: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context) (*session.Session, error) {
	b, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis.Store.Load: %w", err)
	}
	var st session.Session
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("redis.Store.Load: decode: %w", err)
	}
	if st.ID == "" {
		return nil, nil
	}
	return &st, nil
}

func (s *Store) Save(ctx context.Context, st session.Session) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("redis.Store.Save: encode: %w", err)
	}
	if err := s.client.Set(ctx, s.key, b, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis.Store.Save: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis.Store.Delete: %w", err)
	}
	return nil
}
