// Package presence records which identities are connected to this gateway
// in Redis, so operators and other services can see who is online.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/gochat/internal/auth"
)

const (
	defaultPrefix = "gochat:presence:"
	defaultTTL    = 90 * time.Second
)

// ErrNotConfigured is returned by Dial when no address is given.
var ErrNotConfigured = errors.New("presence: redis address not configured")

// Config describes the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // key prefix, default "gochat:presence:"
	TTL      time.Duration // key lifetime, refreshed on every keep-alive
}

// Store keeps one hash per identity: field = connection id, value = unix
// admission time. The hash expires unless refreshed.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// Dial connects to Redis and pings it.
func Dial(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, ErrNotConfigured
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("presence: ping %s: %w", cfg.Addr, err)
	}
	return New(client, cfg), nil
}

// New wraps an existing client.
func New(client *redis.Client, cfg Config) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	return &Store{client: client, prefix: cfg.Prefix, ttl: cfg.TTL, now: time.Now}
}

func (s *Store) key(identity auth.Identity) string {
	return s.prefix + identity.String()
}

// Online records connID for identity.
func (s *Store) Online(ctx context.Context, identity auth.Identity, connID string) error {
	key := s.key(identity)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, connID, strconv.FormatInt(s.now().Unix(), 10))
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	return err
}

// Refresh extends the lifetime of identity's record.
func (s *Store) Refresh(ctx context.Context, identity auth.Identity, _ string) error {
	return s.client.Expire(ctx, s.key(identity), s.ttl).Err()
}

// Offline removes connID from identity's record.
func (s *Store) Offline(ctx context.Context, identity auth.Identity, connID string) error {
	return s.client.HDel(ctx, s.key(identity), connID).Err()
}

// Connections returns the connection ids currently recorded for identity.
func (s *Store) Connections(ctx context.Context, identity auth.Identity) ([]string, error) {
	fields, err := s.client.HKeys(ctx, s.key(identity)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return fields, err
}

// Close releases the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
