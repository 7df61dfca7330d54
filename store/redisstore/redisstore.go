// Package redisstore implements the portier nonce store on Redis so
// multiple relying-party workers can share login sessions.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed nonce store. Defaults can be loaded via
// envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all nonce keys. ENV: PORTIER_NONCE_PREFIX
	KeyPrefix string `env:"PORTIER_NONCE_PREFIX,default=portier:nonce:"`
	// TTL bounds how long an unconsumed login may stay pending.
	// ENV: PORTIER_NONCE_TTL
	TTL time.Duration `env:"PORTIER_NONCE_TTL,default=15m"`
}

// Store persists pending (nonce, email) pairs as prefixed keys with a
// TTL, so abandoned logins expire on their own.
type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "portier:nonce:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Store{client: cl, keyPrefix: prefix, ttl: ttl}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) nonceKey(nonce string) string { return s.keyPrefix + nonce }

func (s *Store) SaveNonce(ctx context.Context, nonce, email string) error {
	return s.client.Set(ctx, s.nonceKey(nonce), email, s.ttl).Err()
}

func (s *Store) ConsumeNonce(ctx context.Context, nonce, email string) (bool, error) {
	val, err := s.client.GetDel(ctx, s.nonceKey(nonce)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// The nonce is deleted regardless; a mismatched email means the pair
	// was never saved for this address.
	return val == email, nil
}
