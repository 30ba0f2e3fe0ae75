package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/layer-3/notary/core"
)

// expiredRetention keeps expired challenges around long enough to answer
// "expired" rather than "not found" before Redis evicts them
const expiredRetention = 10 * time.Minute

// issueScript inserts a challenge only when the key is free.
// KEYS[1] challenge key; ARGV: address, issued_at ms, expires_at ms, ttl ms
var issueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'address', ARGV[1], 'issued_at', ARGV[2], 'expires_at', ARGV[3], 'consumed', '0')
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// claimScript performs the check-and-set in one server-side step.
// KEYS[1] challenge key; ARGV[1] now ms.
// Returns {code, address, issued_at, expires_at}; code is 0 not found,
// 1 already used, 2 expired, 3 claimed.
var claimScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'expires_at', 'consumed', 'address', 'issued_at')
if not v[1] then
	return {0}
end
if v[2] == '1' then
	return {1}
end
if tonumber(ARGV[1]) >= tonumber(v[1]) then
	return {2}
end
redis.call('HSET', KEYS[1], 'consumed', '1')
return {3, v[3], v[4], v[1]}
`)

const (
	claimNotFound = iota
	claimAlreadyUsed
	claimExpired
	claimOK
)

// RedisNonceStore is a Redis implementation of the NonceStore port
type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisNonceStore creates a new Redis nonce store
func NewRedisNonceStore(client redis.UniversalClient) *RedisNonceStore {
	return &RedisNonceStore{
		client: client,
		prefix: "notary:nonce:",
		now:    time.Now,
	}
}

func (s *RedisNonceStore) key(value string) string {
	return s.prefix + value
}

// Issue stores a fresh challenge with a Redis TTL past its expiry
func (s *RedisNonceStore) Issue(ctx context.Context, address string, ttl time.Duration) (*core.Challenge, error) {
	for {
		value, err := NewNonceValue()
		if err != nil {
			return nil, err
		}
		now := s.now()
		c := &core.Challenge{
			Value:          value,
			SubjectAddress: address,
			IssuedAt:       now,
			ExpiresAt:      now.Add(ttl),
		}
		inserted, err := issueScript.Run(ctx, s.client, []string{s.key(value)},
			address,
			c.IssuedAt.UnixMilli(),
			c.ExpiresAt.UnixMilli(),
			(ttl + expiredRetention).Milliseconds(),
		).Int()
		if err != nil {
			return nil, fmt.Errorf("failed to store challenge: %w", wrapRedisErr(err))
		}
		if inserted == 1 {
			return c, nil
		}
	}
}

// Claim consumes a challenge atomically
func (s *RedisNonceStore) Claim(ctx context.Context, value string) (*core.Challenge, error) {
	result, err := claimScript.Run(ctx, s.client, []string{s.key(value)}, s.now().UnixMilli()).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to claim challenge: %w", wrapRedisErr(err))
	}
	return decodeClaim(value, result)
}

// Sweep is a no-op: Redis evicts challenge keys through their TTL
func (s *RedisNonceStore) Sweep(ctx context.Context) (int, error) {
	return 0, nil
}

func decodeClaim(value string, result []any) (*core.Challenge, error) {
	if len(result) == 0 {
		return nil, fmt.Errorf("empty claim result")
	}
	code, _ := result[0].(int64)
	switch code {
	case claimNotFound:
		return nil, core.ErrNonceNotFound
	case claimAlreadyUsed:
		return nil, core.ErrNonceAlreadyUsed
	case claimExpired:
		return nil, core.ErrNonceExpired
	case claimOK:
	default:
		return nil, fmt.Errorf("unexpected claim result %d", code)
	}
	if len(result) != 4 {
		return nil, fmt.Errorf("unexpected claim result length %d", len(result))
	}
	address, _ := result[1].(string)
	issuedAt, _ := result[2].(string)
	expiresAt, _ := result[3].(string)
	return &core.Challenge{
		Value:          value,
		SubjectAddress: address,
		IssuedAt:       parseMillis(issuedAt),
		ExpiresAt:      parseMillis(expiresAt),
		Consumed:       true,
	}, nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func wrapRedisErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", core.ErrTransient, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", core.ErrTransient, err)
	}
	return err
}

// RedisTokenStore is a Redis implementation of the TokenStore port. Entries
// carry the remaining token lifetime as their TTL, so Redis drops them.
type RedisTokenStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisTokenStore creates a new Redis token store
func NewRedisTokenStore(client redis.UniversalClient) *RedisTokenStore {
	return &RedisTokenStore{
		client: client,
		prefix: "notary:invalidated:",
	}
}

// InvalidateToken marks a token as invalidated in Redis
func (s *RedisTokenStore) InvalidateToken(ctx context.Context, tokenID string, expiry time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+tokenID, "1", expiry).Err(); err != nil {
		return fmt.Errorf("failed to invalidate token: %w", wrapRedisErr(err))
	}
	return nil
}

// IsTokenInvalidated checks if a token is invalidated in Redis
func (s *RedisTokenStore) IsTokenInvalidated(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token invalidation: %w", wrapRedisErr(err))
	}
	return n > 0, nil
}
