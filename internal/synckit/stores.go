package synckit

import (
	"context"
	"time"
)

// Principal is an authenticated identity and its role set.
type Principal struct {
	ID          string
	Email       string
	DisplayName string
	Roles       []string
	Attributes  map[string]any
}

// HasRole reports whether the principal carries the given role.
func (principal Principal) HasRole(role string) bool {
	for _, held := range principal.Roles {
		if held == role {
			return true
		}
	}
	return false
}

// IdentityResolver looks up principals in whatever identity store backs the server.
type IdentityResolver interface {
	FindByID(ctx context.Context, userID string) (Principal, error)
	RolesOf(ctx context.Context, userID string) ([]string, error)
}

// CredentialVerifier checks a username/password pair and returns the matching principal.
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, username string, password string) (Principal, error)
}

// GoogleUserUpserter inserts or updates a principal from a verified Google identity.
type GoogleUserUpserter interface {
	UpsertGoogleUser(ctx context.Context, googleSub string, userEmail string, userDisplayName string) (Principal, error)
}

// RefreshTokenStore persists outstanding refresh tokens. All reads and writes
// happen inside a RefreshTokenTx so that sweep, consume, and insert form one
// atomic unit per renewal.
type RefreshTokenStore interface {
	Begin(ctx context.Context) (RefreshTokenTx, error)
}

// RefreshTokenTx is a single-use transactional view over the token store.
// Consume and Insert contend only on rows for the same owner; the
// implementations guarantee that two concurrent renewals cannot both consume
// the same (owner, key) row.
type RefreshTokenTx interface {
	// DeleteIssuedBefore removes every token created before the cutoff.
	DeleteIssuedBefore(cutoff time.Time) error
	// Consume removes the token matching (ownerID, refreshKey).
	// Returns ErrTokenNotFound when no live token matches.
	Consume(ownerID string, refreshKey string) error
	// Insert persists a fresh token for the owner and returns its opaque key.
	Insert(ownerID string) (refreshKey string, err error)
	// DeleteAllForOwner removes every token held by the owner (logout everywhere).
	DeleteAllForOwner(ownerID string) error
	Commit() error
	Rollback() error
}
