package domain

import "time"

// LockoutPolicy configures failed-attempt accounting.
type LockoutPolicy struct {
	Threshold int
	Window    time.Duration
	Duration  time.Duration
}

// LoginAttemptCounter tracks consecutive authentication failures for one identity.
type LoginAttemptCounter struct {
	Identity       string
	Failures       int
	FirstFailureAt time.Time
	LastFailureAt  time.Time
	LockedUntil    *time.Time
}

// IsLocked reports whether the identity is locked at the supplied moment.
func (c LoginAttemptCounter) IsLocked(at time.Time) bool {
	return c.LockedUntil != nil && c.LockedUntil.After(at)
}

// WindowExpired reports whether the failure window has elapsed, so the next failure starts a new count.
func (c LoginAttemptCounter) WindowExpired(at time.Time, window time.Duration) bool {
	if c.Failures == 0 || window <= 0 {
		return c.Failures == 0
	}
	return !c.FirstFailureAt.Add(window).After(at)
}

// RegisterFailure applies one failed attempt under the policy and reports whether it locked the identity.
func (c *LoginAttemptCounter) RegisterFailure(at time.Time, policy LockoutPolicy) bool {
	if c.LockedUntil != nil && !c.LockedUntil.After(at) {
		c.Failures = 0
		c.LockedUntil = nil
	}
	if c.WindowExpired(at, policy.Window) {
		c.Failures = 0
		c.FirstFailureAt = at
	}
	c.Failures++
	c.LastFailureAt = at

	if policy.Threshold > 0 && c.Failures >= policy.Threshold && !c.IsLocked(at) {
		until := at.Add(policy.Duration)
		c.LockedUntil = &until
		return true
	}
	return false
}
