package memory

import (
	"context"
	"time"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
	"github.com/arklim/identity-core/internal/repository"
)

// LoginAttemptStore implements port.LoginAttemptStore.
type LoginAttemptStore struct {
	s *Store
}

func (l *LoginAttemptStore) Get(_ context.Context, identity string) (*domain.LoginAttemptCounter, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	counter, ok := l.s.data.attempts[identity]
	if !ok {
		return &domain.LoginAttemptCounter{Identity: identity}, nil
	}
	return &counter, nil
}

func (l *LoginAttemptStore) RecordFailure(ctx context.Context, identity string, policy domain.LockoutPolicy, at time.Time) (domain.LoginAttemptCounter, bool, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	counter := l.s.data.attempts[identity]
	counter.Identity = identity
	locked := counter.RegisterFailure(at, policy)
	track(ctx, l.s, "attempts", l.s.data.attempts, identity)
	l.s.data.attempts[identity] = counter
	return counter, locked, nil
}

func (l *LoginAttemptStore) Reset(ctx context.Context, identity string) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	track(ctx, l.s, "attempts", l.s.data.attempts, identity)
	delete(l.s.data.attempts, identity)
	return nil
}

// MFAChallengeStore implements port.MFAChallengeStore. Expired challenges read as missing.
type MFAChallengeStore struct {
	s *Store
}

func (c *MFAChallengeStore) Save(ctx context.Context, challenge domain.MFAChallenge) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	track(ctx, c.s, "challenges", c.s.data.challenges, challenge.ID)
	c.s.data.challenges[challenge.ID] = challenge
	return nil
}

func (c *MFAChallengeStore) Get(ctx context.Context, id string) (*domain.MFAChallenge, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	challenge, ok := c.live(ctx, id)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &challenge, nil
}

func (c *MFAChallengeStore) IncrementAttempts(ctx context.Context, id string) (int, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	challenge, ok := c.live(ctx, id)
	if !ok {
		return 0, repository.ErrNotFound
	}
	challenge.Attempts++
	track(ctx, c.s, "challenges", c.s.data.challenges, id)
	c.s.data.challenges[id] = challenge
	return challenge.Attempts, nil
}

func (c *MFAChallengeStore) Consume(ctx context.Context, id string) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if _, ok := c.live(ctx, id); !ok {
		return false, nil
	}
	track(ctx, c.s, "challenges", c.s.data.challenges, id)
	delete(c.s.data.challenges, id)
	return true, nil
}

func (c *MFAChallengeStore) live(ctx context.Context, id string) (domain.MFAChallenge, bool) {
	challenge, ok := c.s.data.challenges[id]
	if !ok {
		return domain.MFAChallenge{}, false
	}
	if !challenge.ExpiresAt.After(c.s.now()) {
		track(ctx, c.s, "challenges", c.s.data.challenges, id)
		delete(c.s.data.challenges, id)
		return domain.MFAChallenge{}, false
	}
	return challenge, true
}

// RateLimitStore implements port.RateLimitStore with per-identifier timestamp lists.
type RateLimitStore struct {
	s *Store
}

func (r *RateLimitStore) TrimWindow(ctx context.Context, identifier string, window time.Duration, reference time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cutoff := reference.Add(-window)
	var kept []time.Time
	for _, ts := range r.s.data.rateLimits[identifier] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	track(ctx, r.s, "rate_limits", r.s.data.rateLimits, identifier)
	if len(kept) == 0 {
		delete(r.s.data.rateLimits, identifier)
		return nil
	}
	r.s.data.rateLimits[identifier] = kept
	return nil
}

func (r *RateLimitStore) CountAttempts(_ context.Context, identifier string, window time.Duration, reference time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cutoff := reference.Add(-window)
	count := 0
	for _, ts := range r.s.data.rateLimits[identifier] {
		if ts.After(cutoff) && !ts.After(reference) {
			count++
		}
	}
	return count, nil
}

func (r *RateLimitStore) RecordAttempt(ctx context.Context, identifier string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	track(ctx, r.s, "rate_limits", r.s.data.rateLimits, identifier)
	r.s.data.rateLimits[identifier] = append(r.s.data.rateLimits[identifier], at)
	return nil
}

var (
	_ port.LoginAttemptStore = (*LoginAttemptStore)(nil)
	_ port.MFAChallengeStore = (*MFAChallengeStore)(nil)
	_ port.RateLimitStore    = (*RateLimitStore)(nil)
)
