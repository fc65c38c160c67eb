package tokenstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces portal hashes.
const redisKeyPrefix = "crest:portals:"

// RedisStore keeps each portal as a hash whose fields mirror the portals table.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// Compile-time check to ensure RedisStore implements CredentialStore
var _ CredentialStore = (*RedisStore)(nil)

// OpenRedisStore parses a redis:// URL and verifies the connection.
func OpenRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url cannot be empty")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis parse: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return NewRedisStore(client), nil
}

// NewRedisStore wraps an existing client. Close closes the client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// Get reads the member's hash. An empty hash means the portal is not installed.
func (s *RedisStore) Get(ctx context.Context, memberID string) (Record, error) {
	fields, err := s.client.HGetAll(ctx, redisKeyPrefix+memberID).Result()
	if err != nil {
		return Record{}, fmt.Errorf("redis error: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}

	var ts int64
	if raw := fields["timestamp"]; raw != "" {
		ts, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("decoding timestamp for %s: %w", memberID, err)
		}
	}

	return Record{
		MemberID:     memberID,
		Endpoint:     fields["client_endpoint"],
		AccessToken:  fields["access_token"],
		RefreshToken: fields["refresh_token"],
		UpdatedAt:    fromUnixMicro(ts),
	}, nil
}

// Upsert overwrites all fields of the member's hash.
func (s *RedisStore) Upsert(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec = rec.stamped(s.now())

	err := s.client.HSet(ctx, redisKeyPrefix+rec.MemberID, map[string]any{
		"client_endpoint": rec.Endpoint,
		"access_token":    rec.AccessToken,
		"refresh_token":   rec.RefreshToken,
		"timestamp":       rec.UpdatedAt.UnixMicro(),
	}).Err()
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
