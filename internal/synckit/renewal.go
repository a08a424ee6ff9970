package synckit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RenewResult carries the freshly minted credential pair for one renewal.
// Every field is minted inside the call that returned it; nothing is reused
// across responses.
type RenewResult struct {
	AccessToken string
	ExpiresAt   time.Time
	ValidFor    time.Duration
	RefreshKey  string
	Principal   Principal
}

// Renewer validates and rotates refresh tokens and mints new access tokens.
type Renewer struct {
	tokens          RefreshTokenStore
	identities      IdentityResolver
	signer          Signer
	clock           Clock
	logger          *zap.Logger
	metrics         MetricsRecorder
	accessTTL       time.Duration
	refreshValidFor time.Duration
}

// NewRenewer wires the renewal protocol to its collaborators.
func NewRenewer(tokens RefreshTokenStore, identities IdentityResolver, signer Signer, clock Clock, logger *zap.Logger, metrics MetricsRecorder, accessTTL time.Duration, refreshValidFor time.Duration) *Renewer {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	return &Renewer{
		tokens:          tokens,
		identities:      identities,
		signer:          signer,
		clock:           clock,
		logger:          logger,
		metrics:         metrics,
		accessTTL:       accessTTL,
		refreshValidFor: refreshValidFor,
	}
}

// Renew exchanges a live refresh key for a fresh access token and a fresh
// refresh key. The presented key is consumed: replaying it fails with
// ErrInvalidToken. Expired tokens are swept before the lookup, so an expired
// key and an unknown key are indistinguishable to the caller.
func (renewer *Renewer) Renew(ctx context.Context, ownerID string, presentedKey string) (RenewResult, error) {
	if strings.TrimSpace(ownerID) == "" || strings.TrimSpace(presentedKey) == "" {
		renewer.metrics.Increment("renew.invalid_request")
		return RenewResult{}, ErrInvalidRequest
	}

	now := renewer.clock.Now()

	tx, beginErr := renewer.tokens.Begin(ctx)
	if beginErr != nil {
		return RenewResult{}, fmt.Errorf("renew.begin: %w", beginErr)
	}

	if sweepErr := tx.DeleteIssuedBefore(now.Add(-renewer.refreshValidFor)); sweepErr != nil {
		_ = tx.Rollback()
		return RenewResult{}, fmt.Errorf("renew.sweep: %w", sweepErr)
	}

	if consumeErr := tx.Consume(ownerID, presentedKey); consumeErr != nil {
		_ = tx.Rollback()
		if errors.Is(consumeErr, ErrTokenNotFound) {
			renewer.metrics.Increment("renew.invalid_token")
			renewer.logger.Info("refresh token rejected",
				zap.String("code", "renew.invalid_token"),
				zap.String("owner_id", ownerID))
			return RenewResult{}, ErrInvalidToken
		}
		return RenewResult{}, fmt.Errorf("renew.consume: %w", consumeErr)
	}

	principal, resolveErr := renewer.identities.FindByID(ctx, ownerID)
	if resolveErr != nil {
		_ = tx.Rollback()
		if errors.Is(resolveErr, ErrPrincipalNotFound) {
			renewer.metrics.Increment("renew.failed")
			renewer.logger.Warn("refresh token owner missing",
				zap.String("code", "renew.failed"),
				zap.String("owner_id", ownerID))
			return RenewResult{}, ErrRenewalFailed
		}
		return RenewResult{}, fmt.Errorf("renew.resolve: %w", resolveErr)
	}

	newKey, insertErr := tx.Insert(principal.ID)
	if insertErr != nil {
		_ = tx.Rollback()
		return RenewResult{}, fmt.Errorf("renew.insert: %w", insertErr)
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return RenewResult{}, fmt.Errorf("renew.commit: %w", commitErr)
	}

	result, signErr := renewer.mint(principal, newKey)
	if signErr != nil {
		return RenewResult{}, signErr
	}
	renewer.metrics.Increment("renew.success")
	return result, nil
}

// IssueFirstToken issues an initial credential pair after a successful login.
// Unlike Renew, nothing is consumed; concurrent logins from other devices
// keep their own tokens.
func (renewer *Renewer) IssueFirstToken(ctx context.Context, principal Principal) (RenewResult, error) {
	tx, beginErr := renewer.tokens.Begin(ctx)
	if beginErr != nil {
		return RenewResult{}, fmt.Errorf("login.begin: %w", beginErr)
	}
	newKey, insertErr := tx.Insert(principal.ID)
	if insertErr != nil {
		_ = tx.Rollback()
		return RenewResult{}, fmt.Errorf("login.insert: %w", insertErr)
	}
	if commitErr := tx.Commit(); commitErr != nil {
		return RenewResult{}, fmt.Errorf("login.commit: %w", commitErr)
	}
	result, signErr := renewer.mint(principal, newKey)
	if signErr != nil {
		return RenewResult{}, signErr
	}
	renewer.metrics.Increment("login.success")
	return result, nil
}

// Logout deletes the presented refresh token. When everywhere is true, every
// token held by the owner is deleted instead.
func (renewer *Renewer) Logout(ctx context.Context, ownerID string, presentedKey string, everywhere bool) error {
	if strings.TrimSpace(ownerID) == "" {
		return ErrInvalidRequest
	}
	tx, beginErr := renewer.tokens.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("logout.begin: %w", beginErr)
	}
	if everywhere {
		if err := tx.DeleteAllForOwner(ownerID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("logout.delete_all: %w", err)
		}
	} else {
		if err := tx.Consume(ownerID, presentedKey); err != nil && !errors.Is(err, ErrTokenNotFound) {
			_ = tx.Rollback()
			return fmt.Errorf("logout.consume: %w", err)
		}
	}
	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("logout.commit: %w", commitErr)
	}
	renewer.metrics.Increment("logout.success")
	return nil
}

func (renewer *Renewer) mint(principal Principal, refreshKey string) (RenewResult, error) {
	expiresAt := renewer.clock.Now().Add(renewer.accessTTL)
	accessToken, signErr := renewer.signer.Sign(principal, expiresAt)
	if signErr != nil {
		return RenewResult{}, fmt.Errorf("renew.sign: %w", signErr)
	}
	return RenewResult{
		AccessToken: accessToken,
		ExpiresAt:   expiresAt,
		ValidFor:    renewer.accessTTL,
		RefreshKey:  refreshKey,
		Principal:   principal,
	}, nil
}
