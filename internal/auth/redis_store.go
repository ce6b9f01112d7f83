package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisSessionPrefix = "bitriver-relay:session:"

// RedisConfig holds connection settings for the Redis session store.
type RedisConfig struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	Timeout   time.Duration
}

// RedisSessionStore keeps sessions in Redis keyed by token hash. Redis key
// expiry tracks the idle expiry so PurgeExpired has nothing to do.
type RedisSessionStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

type redisSession struct {
	Subject           string    `json:"subject,omitempty"`
	Bundle            []byte    `json:"bundle"`
	ExpiresAt         time.Time `json:"expires_at"`
	AbsoluteExpiresAt time.Time `json:"absolute_expires_at"`
}

// NewRedisSessionStore connects to Redis and verifies the connection.
func NewRedisSessionStore(ctx context.Context, cfg RedisConfig) (*RedisSessionStore, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{addr},
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		MaxRetries:   2,
	})
	store := newRedisSessionStore(client, cfg.KeyPrefix, timeout)
	if err := store.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis session store: %w", err)
	}
	return store, nil
}

func newRedisSessionStore(client redis.UniversalClient, prefix string, timeout time.Duration) *RedisSessionStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisSessionPrefix
	}
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &RedisSessionStore{client: client, prefix: prefix, timeout: timeout}
}

// Save stores the session with a key TTL matching its idle expiry.
func (s *RedisSessionStore) Save(ctx context.Context, record SessionRecord) error {
	key, err := s.key(record.Token)
	if err != nil {
		return err
	}
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return s.Delete(ctx, record.Token)
	}
	payload, err := json.Marshal(redisSession{
		Subject:           record.Subject,
		Bundle:            record.Bundle,
		ExpiresAt:         record.ExpiresAt.UTC(),
		AbsoluteExpiresAt: record.AbsoluteExpiresAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Set(ctx, key, payload, ttl).Err()
}

// Get fetches the session for token.
func (s *RedisSessionStore) Get(ctx context.Context, token string) (SessionRecord, bool, error) {
	key, err := s.key(token)
	if err != nil {
		return SessionRecord{}, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, err
	}
	var stored redisSession
	if err := json.Unmarshal(raw, &stored); err != nil {
		return SessionRecord{}, false, fmt.Errorf("decode session: %w", err)
	}
	return SessionRecord{
		Token:             token,
		Subject:           stored.Subject,
		Bundle:            stored.Bundle,
		ExpiresAt:         stored.ExpiresAt,
		AbsoluteExpiresAt: stored.AbsoluteExpiresAt,
	}, true, nil
}

// Delete removes the session for token.
func (s *RedisSessionStore) Delete(ctx context.Context, token string) error {
	key, err := s.key(token)
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Del(ctx, key).Err()
}

// PurgeExpired is a no-op; Redis expires keys itself.
func (s *RedisSessionStore) PurgeExpired(context.Context, time.Time) error {
	return nil
}

// Ping checks connectivity to Redis.
func (s *RedisSessionStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

func (s *RedisSessionStore) key(token string) (string, error) {
	hashed, err := hashSessionToken(token)
	if err != nil {
		return "", err
	}
	return s.prefix + hashed, nil
}
