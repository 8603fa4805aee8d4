// Package memory is a process-local record store implementing every storage
// port. It backs the memory storage driver and the service tests.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
)

// Store holds all records behind one mutex. Every compare-and-swap the ports
// require is a single critical section here.
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex
	now  func() time.Time
	data state

	active   *unit
	versions map[string]uint64
	seq      uint64
}

type state struct {
	accounts      map[string]domain.Account
	emailIndex    map[string]string
	usernameIndex map[string]string
	external      map[string]domain.ExternalIdentity
	sessions      map[string]domain.Session
	mfa           map[string]domain.MFASettings
	backupCodes   map[string]map[string]domain.BackupCode
	resetTokens   map[string]domain.PasswordResetToken
	resetIndex    map[string]string
	apiKeys       map[string]domain.APIKey
	apiKeyIndex   map[string]string
	attempts      map[string]domain.LoginAttemptCounter
	challenges    map[string]domain.MFAChallenge
	rateLimits    map[string][]time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for TTL checks on challenges.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now: time.Now,
		data: state{
			accounts:      make(map[string]domain.Account),
			emailIndex:    make(map[string]string),
			usernameIndex: make(map[string]string),
			external:      make(map[string]domain.ExternalIdentity),
			sessions:      make(map[string]domain.Session),
			mfa:           make(map[string]domain.MFASettings),
			backupCodes:   make(map[string]map[string]domain.BackupCode),
			resetTokens:   make(map[string]domain.PasswordResetToken),
			resetIndex:    make(map[string]string),
			apiKeys:       make(map[string]domain.APIKey),
			apiKeyIndex:   make(map[string]string),
			attempts:      make(map[string]domain.LoginAttemptCounter),
			challenges:    make(map[string]domain.MFAChallenge),
			rateLimits:    make(map[string][]time.Time),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Accounts() *AccountRepository          { return &AccountRepository{s: s} }
func (s *Store) Sessions() *SessionRepository          { return &SessionRepository{s: s} }
func (s *Store) MFA() *MFARepository                   { return &MFARepository{s: s} }
func (s *Store) ResetTokens() *PasswordResetRepository { return &PasswordResetRepository{s: s} }
func (s *Store) APIKeys() *APIKeyRepository            { return &APIKeyRepository{s: s} }
func (s *Store) LoginAttempts() *LoginAttemptStore     { return &LoginAttemptStore{s: s} }
func (s *Store) MFAChallenges() *MFAChallengeStore     { return &MFAChallengeStore{s: s} }
func (s *Store) RateLimits() *RateLimitStore           { return &RateLimitStore{s: s} }

// WithinTx runs fn as one unit of work. Units are serialized; writes made
// through the unit's context are undone when fn fails or panics. A rollback
// skips entries another caller wrote after the unit did, so concurrent
// non-transactional writes survive. Nested calls join the outer unit.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if u, ok := ctx.Value(txKey{}).(*unit); ok && u.store == s {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	u := &unit{store: s, entries: make(map[string]*undoEntry)}
	s.mu.Lock()
	s.active = u
	s.versions = make(map[string]uint64)
	s.mu.Unlock()

	committed := false
	defer func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !committed {
			u.rollback(s.versions)
		}
		s.active = nil
		s.versions = nil
	}()

	if err := fn(context.WithValue(ctx, txKey{}, u)); err != nil {
		return err
	}
	committed = true
	return nil
}

type txKey struct{}

// unit is the undo log of one WithinTx call.
type unit struct {
	store   *Store
	entries map[string]*undoEntry
	order   []string
}

type undoEntry struct {
	version uint64
	restore func()
}

func (u *unit) rollback(versions map[string]uint64) {
	for i := len(u.order) - 1; i >= 0; i-- {
		id := u.order[i]
		entry := u.entries[id]
		if versions[id] == entry.version {
			entry.restore()
		}
	}
}

// track must run under s.mu right before table[key] changes. While a unit is
// open every write bumps the key version; writes through the unit also keep
// the value the key had before the unit first touched it.
func track[V any](ctx context.Context, s *Store, table string, m map[string]V, key string) {
	if s.active == nil {
		return
	}
	id := table + "\x00" + key
	s.seq++
	s.versions[id] = s.seq

	u, _ := ctx.Value(txKey{}).(*unit)
	if u != s.active {
		return
	}
	if entry, ok := u.entries[id]; ok {
		entry.version = s.seq
		return
	}
	prev, had := m[key]
	u.entries[id] = &undoEntry{
		version: s.seq,
		restore: func() {
			if had {
				m[key] = prev
			} else {
				delete(m, key)
			}
		},
	}
	u.order = append(u.order, id)
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneAPIKey(k domain.APIKey) domain.APIKey {
	k.Scopes = append([]string(nil), k.Scopes...)
	return k
}

func indexKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

var _ port.Transactor = (*Store)(nil)
