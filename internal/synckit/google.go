package synckit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/idtoken"
)

var (
	// ErrInvalidGoogleToken indicates the Google ID token failed validation.
	ErrInvalidGoogleToken = errors.New("google.invalid_token")
	// ErrUnverifiedGoogleIdentity indicates the token lacked a verified email identity.
	ErrUnverifiedGoogleIdentity = errors.New("google.unverified_identity")
)

// GoogleTokenValidator validates Google ID tokens against an audience.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, googleIDToken string, audience string) (*idtoken.Payload, error)
}

type googleAPIValidator struct {
	validator *idtoken.Validator
}

func (wrapper googleAPIValidator) Validate(ctx context.Context, googleIDToken string, audience string) (*idtoken.Payload, error) {
	return wrapper.validator.Validate(ctx, googleIDToken, audience)
}

// NewGoogleTokenValidator constructs a validator backed by Google's public keys.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	validator, err := idtoken.NewValidator(ctx)
	if err != nil {
		return nil, fmt.Errorf("google.validator_init: %w", err)
	}
	return googleAPIValidator{validator: validator}, nil
}

// GoogleLogin exchanges a verified Google ID token for a local principal.
type GoogleLogin struct {
	validator   GoogleTokenValidator
	webClientID string
	identities  GoogleUserUpserter
	nonces      NonceStore
}

// NewGoogleLogin wires the Google sign-in exchange.
func NewGoogleLogin(validator GoogleTokenValidator, webClientID string, identities GoogleUserUpserter, nonces NonceStore) *GoogleLogin {
	return &GoogleLogin{
		validator:   validator,
		webClientID: webClientID,
		identities:  identities,
		nonces:      nonces,
	}
}

// Exchange validates the ID token and nonce and upserts the principal.
func (login *GoogleLogin) Exchange(ctx context.Context, googleIDToken string, nonce string) (Principal, error) {
	if strings.TrimSpace(googleIDToken) == "" || strings.TrimSpace(nonce) == "" {
		return Principal{}, ErrInvalidRequest
	}
	if consumeErr := login.nonces.Consume(ctx, nonce); consumeErr != nil {
		return Principal{}, fmt.Errorf("google.nonce: %w", ErrInvalidGoogleToken)
	}
	payload, validateErr := login.validator.Validate(ctx, googleIDToken, login.webClientID)
	if validateErr != nil {
		return Principal{}, fmt.Errorf("google.validate: %w", ErrInvalidGoogleToken)
	}
	issuerValue, okIssuer := payload.Claims["iss"].(string)
	if !okIssuer || (issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com") {
		return Principal{}, fmt.Errorf("google.issuer: %w", ErrInvalidGoogleToken)
	}
	googleSub, _ := payload.Claims["sub"].(string)
	userEmail, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	userDisplayName, _ := payload.Claims["name"].(string)
	if googleSub == "" || userEmail == "" || !emailVerified {
		return Principal{}, ErrUnverifiedGoogleIdentity
	}
	return login.identities.UpsertGoogleUser(ctx, googleSub, userEmail, userDisplayName)
}
