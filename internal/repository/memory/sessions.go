package memory

import (
	"context"
	"sort"
	"time"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
	"github.com/arklim/identity-core/internal/repository"
)

// SessionRepository implements port.SessionRepository.
type SessionRepository struct {
	s *Store
}

func (r *SessionRepository) Create(ctx context.Context, session domain.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.data.sessions[session.ID]; ok {
		return &repository.ConflictError{Field: "id"}
	}
	track(ctx, r.s, "sessions", r.s.data.sessions, session.ID)
	r.s.data.sessions[session.ID] = session
	return nil
}

func (r *SessionRepository) Get(_ context.Context, id string) (*domain.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	session, ok := r.s.data.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &session, nil
}

func (r *SessionRepository) ListActiveByAccount(_ context.Context, accountID string, at time.Time) ([]domain.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var sessions []domain.Session
	for _, session := range r.s.data.sessions {
		if session.AccountID == accountID && session.IsActive(at) {
			sessions = append(sessions, session)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// Rotate deactivates currentID and stores next in one critical section.
func (r *SessionRepository) Rotate(ctx context.Context, currentID string, next domain.Session, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	current, ok := r.s.data.sessions[currentID]
	if !ok {
		return repository.ErrNotFound
	}
	if !current.Active {
		return repository.ErrConflict
	}
	if _, exists := r.s.data.sessions[next.ID]; exists {
		return &repository.ConflictError{Field: "id"}
	}

	current.Revoke(at, domain.RevokeReasonRotated)
	replacedBy := next.ID
	current.ReplacedBy = &replacedBy
	track(ctx, r.s, "sessions", r.s.data.sessions, currentID)
	track(ctx, r.s, "sessions", r.s.data.sessions, next.ID)
	r.s.data.sessions[currentID] = current
	r.s.data.sessions[next.ID] = next
	return nil
}

func (r *SessionRepository) Revoke(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	session, ok := r.s.data.sessions[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if !session.Revoke(at, reason) {
		return false, nil
	}
	track(ctx, r.s, "sessions", r.s.data.sessions, id)
	r.s.data.sessions[id] = session
	return true, nil
}

func (r *SessionRepository) RevokeAllForAccount(ctx context.Context, accountID, reason string, at time.Time) (int, error) {
	return r.revokeWhere(ctx, reason, at, func(s domain.Session) bool { return s.AccountID == accountID }), nil
}

func (r *SessionRepository) RevokeFamily(ctx context.Context, familyID, reason string, at time.Time) (int, error) {
	return r.revokeWhere(ctx, reason, at, func(s domain.Session) bool { return s.FamilyID == familyID }), nil
}

func (r *SessionRepository) revokeWhere(ctx context.Context, reason string, at time.Time, match func(domain.Session) bool) int {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	count := 0
	for id, session := range r.s.data.sessions {
		if !match(session) {
			continue
		}
		if session.Revoke(at, reason) {
			track(ctx, r.s, "sessions", r.s.data.sessions, id)
			r.s.data.sessions[id] = session
			count++
		}
	}
	return count
}

var _ port.SessionRepository = (*SessionRepository)(nil)
