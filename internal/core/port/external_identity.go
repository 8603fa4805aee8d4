package port

import (
	"context"

	"github.com/arklim/identity-core/internal/core/domain"
)

// ExternalIdentityResolver completes a provider handshake for an authorization
// code and returns the normalized identity it asserts.
type ExternalIdentityResolver interface {
	ResolveExternalIdentity(ctx context.Context, code string) (*domain.ExternalUserInfo, error)
}
