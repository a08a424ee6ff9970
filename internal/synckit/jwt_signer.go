package synckit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrEmptySubject indicates an access token was requested for an empty principal id.
var ErrEmptySubject = errors.New("jwt.mint.empty_subject")

// Signer mints self-contained access tokens for a principal. Token lifecycle
// lives in the renewal protocol; signature construction lives here.
type Signer interface {
	Sign(principal Principal, expiresAt time.Time) (accessToken string, err error)
}

// AccessClaims are embedded in every signed access token.
type AccessClaims struct {
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// JWTSigner signs HS256 access tokens with golang-jwt.
type JWTSigner struct {
	signingKey []byte
	issuer     string
	clock      Clock
}

// NewJWTSigner constructs a signer with the given key and issuer.
func NewJWTSigner(signingKey []byte, issuer string, clock Clock) *JWTSigner {
	if clock == nil {
		clock = SystemClock{}
	}
	return &JWTSigner{signingKey: signingKey, issuer: issuer, clock: clock}
}

// Sign mints a signed access token embedding the principal's id and roles.
func (signer *JWTSigner) Sign(principal Principal, expiresAt time.Time) (string, error) {
	if strings.TrimSpace(principal.ID) == "" {
		return "", fmt.Errorf("jwt.mint.failure: %w", ErrEmptySubject)
	}
	issuedAt := signer.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		UserID:          principal.ID,
		UserEmail:       principal.Email,
		UserDisplayName: principal.DisplayName,
		UserRoles:       principal.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    signer.issuer,
			Subject:   principal.ID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(signer.signingKey)
	if err != nil {
		return "", fmt.Errorf("jwt.mint.failure: %w", err)
	}
	return signed, nil
}
