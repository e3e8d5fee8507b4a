package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gradelab/gpuqueue/internal/domain"
)

// AuthService validates bearer credentials and manages their lifecycle.
// Secrets are hashed before they touch storage; the raw value exists only in
// the request.
type AuthService struct {
	Creds       domain.CredentialRepository
	MaxValidity time.Duration
}

// NewAuthService constructs an AuthService.
func NewAuthService(creds domain.CredentialRepository, maxValidity time.Duration) AuthService {
	return AuthService{Creds: creds, MaxValidity: maxValidity}
}

// HashSecret returns the storage form of a bearer secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves a bearer secret to an identity. Unknown, revoked and
// expired credentials are indistinguishable to the caller.
func (s AuthService) Authenticate(ctx domain.Context, secret string) (domain.Identity, error) {
	if secret == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing credential", domain.ErrUnauthenticated)
	}
	c, err := s.Creds.LookupByHash(ctx, HashSecret(secret))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: unknown credential", domain.ErrUnauthenticated)
	}
	if !c.Active {
		return domain.Identity{}, fmt.Errorf("%w: credential revoked", domain.ErrUnauthenticated)
	}
	if c.Expired(time.Now().UTC()) {
		return domain.Identity{}, fmt.Errorf("%w: credential expired", domain.ErrUnauthenticated)
	}
	return domain.Identity{Principal: c.Principal, Admin: c.Admin}, nil
}

// CreateCredential issues a credential for principal. Validity is clamped to
// MaxValidity; any previously active credential for the principal is revoked
// in the same transaction. Returns the stored record (hash, not secret).
func (s AuthService) CreateCredential(ctx domain.Context, principal, secret string, validity time.Duration, admin bool) (domain.Credential, error) {
	if principal == "" || secret == "" {
		return domain.Credential{}, fmt.Errorf("%w: principal and secret are required", domain.ErrInvalidArgument)
	}
	if validity <= 0 || validity > s.MaxValidity {
		validity = s.MaxValidity
	}
	now := time.Now().UTC()
	c := domain.Credential{
		Hash:      HashSecret(secret),
		Principal: principal,
		Admin:     admin,
		Active:    true,
		CreatedAt: now,
		ExpiresAt: now.Add(validity),
	}
	if err := s.Creds.Insert(ctx, c); err != nil {
		return domain.Credential{}, err
	}
	return c, nil
}

// Revoke deactivates the credential matching secret.
func (s AuthService) Revoke(ctx domain.Context, secret string) error {
	return s.Creds.Deactivate(ctx, HashSecret(secret))
}

// ListCredentials returns all credential records, newest first.
func (s AuthService) ListCredentials(ctx domain.Context) ([]domain.Credential, error) {
	return s.Creds.ListAll(ctx)
}
