package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	red "github.com/redis/go-redis/v9"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
	"github.com/arklim/identity-core/internal/repository"
)

const (
	fieldPayload  = "payload"
	fieldAttempts = "attempts"
)

// incrementAttemptsScript bumps the attempt counter only while the challenge exists.
// Returns -1 when the key is gone.
var incrementAttemptsScript = red.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
return redis.call('HINCRBY', KEYS[1], 'attempts', 1)
`)

type storedChallenge struct {
	ID              string `json:"id"`
	AccountID       string `json:"account_id"`
	DeviceLabel     string `json:"device_label,omitempty"`
	DeviceIPAddress string `json:"device_ip,omitempty"`
	DeviceUserAgent string `json:"device_user_agent,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	ExpiresAt       int64  `json:"expires_at"`
}

// MFAChallengeRepository implements port.MFAChallengeStore. Each challenge is
// a hash that Redis expires at the challenge deadline.
type MFAChallengeRepository struct {
	client *red.Client
	prefix string
	now    func() time.Time
}

// NewMFAChallengeRepository constructs a challenge store under keyPrefix.
func NewMFAChallengeRepository(client *red.Client, keyPrefix string) *MFAChallengeRepository {
	return &MFAChallengeRepository{client: client, prefix: keyPrefix, now: time.Now}
}

// WithClock overrides the internal clock, used in tests.
func (r *MFAChallengeRepository) WithClock(clock func() time.Time) {
	if clock != nil {
		r.now = clock
	}
}

// Save stores the challenge until its ExpiresAt.
func (r *MFAChallengeRepository) Save(ctx context.Context, challenge domain.MFAChallenge) error {
	if challenge.ID == "" {
		return errors.New("challenge id is required")
	}
	ttl := challenge.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return errors.New("challenge already expired")
	}

	payload, err := json.Marshal(storedChallenge{
		ID:              challenge.ID,
		AccountID:       challenge.AccountID,
		DeviceLabel:     challenge.Device.Label,
		DeviceIPAddress: challenge.Device.IPAddress,
		DeviceUserAgent: challenge.Device.UserAgent,
		CreatedAt:       challenge.CreatedAt.UnixMilli(),
		ExpiresAt:       challenge.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}

	key := r.key(challenge.ID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		fieldPayload:  string(payload),
		fieldAttempts: challenge.Attempts,
	})
	pipe.PExpire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store challenge: %w", err)
	}
	return nil
}

// Get loads a live challenge.
func (r *MFAChallengeRepository) Get(ctx context.Context, id string) (*domain.MFAChallenge, error) {
	values, err := r.client.HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall challenge: %w", err)
	}
	raw, ok := values[fieldPayload]
	if !ok {
		return nil, repository.ErrNotFound
	}

	var stored storedChallenge
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("unmarshal challenge: %w", err)
	}
	attempts, err := parseInt(values[fieldAttempts])
	if err != nil {
		return nil, err
	}

	challenge := &domain.MFAChallenge{
		ID:        stored.ID,
		AccountID: stored.AccountID,
		Device: domain.DeviceInfo{
			Label:     stored.DeviceLabel,
			IPAddress: stored.DeviceIPAddress,
			UserAgent: stored.DeviceUserAgent,
		},
		Attempts:  int(attempts),
		CreatedAt: time.UnixMilli(stored.CreatedAt).UTC(),
		ExpiresAt: time.UnixMilli(stored.ExpiresAt).UTC(),
	}
	if !challenge.ExpiresAt.After(r.now()) {
		return nil, repository.ErrNotFound
	}
	return challenge, nil
}

// IncrementAttempts records one verification attempt and returns the new total.
func (r *MFAChallengeRepository) IncrementAttempts(ctx context.Context, id string) (int, error) {
	count, err := incrementAttemptsScript.Run(ctx, r.client, []string{r.key(id)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis increment challenge attempts: %w", err)
	}
	if count < 0 {
		return 0, repository.ErrNotFound
	}
	return int(count), nil
}

// Consume deletes the challenge; only the first caller gets true.
func (r *MFAChallengeRepository) Consume(ctx context.Context, id string) (bool, error) {
	deleted, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("redis delete challenge: %w", err)
	}
	return deleted > 0, nil
}

func (r *MFAChallengeRepository) key(id string) string {
	return buildKey(r.prefix, "mfa_challenge", id)
}

var _ port.MFAChallengeStore = (*MFAChallengeRepository)(nil)
