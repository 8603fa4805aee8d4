package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	red "github.com/redis/go-redis/v9"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
)

const (
	fieldFailures    = "failures"
	fieldFirst       = "first"
	fieldLast        = "last"
	fieldLockedUntil = "locked_until"
)

// recordFailureScript applies one failed attempt to the counter hash. Times
// are Unix milliseconds. It returns {failures, first, locked_until, locked_now}.
var recordFailureScript = red.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local threshold = tonumber(ARGV[3])
local duration = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local failures = tonumber(redis.call('HGET', key, 'failures') or '0')
local first = tonumber(redis.call('HGET', key, 'first') or '0')
local locked = tonumber(redis.call('HGET', key, 'locked_until') or '0')

if locked > 0 and locked <= now then
	failures = 0
	locked = 0
end
if failures == 0 or (window > 0 and first + window <= now) then
	failures = 0
	first = now
end

failures = failures + 1
local locked_now = 0
if threshold > 0 and failures >= threshold and locked <= now then
	locked = now + duration
	locked_now = 1
end

redis.call('HSET', key, 'failures', failures, 'first', first, 'last', now, 'locked_until', locked)
redis.call('PEXPIRE', key, ttl)
return {failures, first, locked, locked_now}
`)

// LoginAttemptRepository implements port.LoginAttemptStore on Redis hashes.
// Counters expire on their own once both the window and the lock have lapsed.
type LoginAttemptRepository struct {
	client *red.Client
	prefix string
}

// NewLoginAttemptRepository constructs a counter store under keyPrefix.
func NewLoginAttemptRepository(client *red.Client, keyPrefix string) *LoginAttemptRepository {
	return &LoginAttemptRepository{client: client, prefix: keyPrefix}
}

// Get returns the counter for identity; a missing key is a clean counter.
func (r *LoginAttemptRepository) Get(ctx context.Context, identity string) (*domain.LoginAttemptCounter, error) {
	values, err := r.client.HGetAll(ctx, r.key(identity)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall login attempts: %w", err)
	}

	counter := &domain.LoginAttemptCounter{Identity: identity}
	if len(values) == 0 {
		return counter, nil
	}

	failures, err := parseInt(values[fieldFailures])
	if err != nil {
		return nil, err
	}
	first, err := parseInt(values[fieldFirst])
	if err != nil {
		return nil, err
	}
	last, err := parseInt(values[fieldLast])
	if err != nil {
		return nil, err
	}
	lockedUntil, err := parseInt(values[fieldLockedUntil])
	if err != nil {
		return nil, err
	}

	counter.Failures = int(failures)
	counter.FirstFailureAt = time.UnixMilli(first).UTC()
	counter.LastFailureAt = time.UnixMilli(last).UTC()
	if lockedUntil > 0 {
		until := time.UnixMilli(lockedUntil).UTC()
		counter.LockedUntil = &until
	}
	return counter, nil
}

// RecordFailure applies one failure atomically on the server.
func (r *LoginAttemptRepository) RecordFailure(ctx context.Context, identity string, policy domain.LockoutPolicy, at time.Time) (domain.LoginAttemptCounter, bool, error) {
	ttl := policy.Window + policy.Duration
	if ttl <= 0 {
		ttl = time.Hour
	}

	result, err := recordFailureScript.Run(ctx, r.client, []string{r.key(identity)},
		at.UnixMilli(),
		policy.Window.Milliseconds(),
		policy.Threshold,
		policy.Duration.Milliseconds(),
		ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return domain.LoginAttemptCounter{}, false, fmt.Errorf("redis record login failure: %w", err)
	}
	if len(result) != 4 {
		return domain.LoginAttemptCounter{}, false, fmt.Errorf("redis record login failure: unexpected reply %v", result)
	}

	counter := domain.LoginAttemptCounter{
		Identity:       identity,
		Failures:       int(result[0]),
		FirstFailureAt: time.UnixMilli(result[1]).UTC(),
		LastFailureAt:  time.UnixMilli(at.UnixMilli()).UTC(),
	}
	if result[2] > 0 {
		until := time.UnixMilli(result[2]).UTC()
		counter.LockedUntil = &until
	}
	return counter, result[3] == 1, nil
}

// Reset clears the counter after a successful authentication.
func (r *LoginAttemptRepository) Reset(ctx context.Context, identity string) error {
	if err := r.client.Del(ctx, r.key(identity)).Err(); err != nil {
		return fmt.Errorf("redis reset login attempts: %w", err)
	}
	return nil
}

func (r *LoginAttemptRepository) key(identity string) string {
	return buildKey(r.prefix, "login_attempts", strings.ToLower(strings.TrimSpace(identity)))
}

var _ port.LoginAttemptStore = (*LoginAttemptRepository)(nil)
