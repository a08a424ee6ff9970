package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mprlab/rtsync/internal/synckit"
	"github.com/mprlab/rtsync/pkg/tokenvalidator"
)

// HandleWhoAmI resolves the authenticated user's profile payload. The
// tokenvalidator middleware must run first and inject the parsed claims.
func HandleWhoAmI(logger *zap.Logger, identities synckit.IdentityResolver) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if identities == nil {
		panic("identity resolver is required")
	}

	return func(contextGin *gin.Context) {
		claimsValue, found := contextGin.Get(tokenvalidator.DefaultContextKey)
		if !found {
			logger.Warn("missing access claims on context",
				zap.String("code", "api.me.missing_claims"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		claims, ok := claimsValue.(*tokenvalidator.Claims)
		if !ok || claims == nil || claims.UserID == "" {
			logger.Warn("invalid access claims on context",
				zap.String("code", "api.me.invalid_claims"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		principal, lookupErr := identities.FindByID(contextGin, claims.UserID)
		if lookupErr != nil {
			if errors.Is(lookupErr, synckit.ErrPrincipalNotFound) {
				logger.Warn("principal missing",
					zap.String("code", "api.me.principal_missing"),
					zap.String("user_id", claims.UserID))
				contextGin.AbortWithStatus(http.StatusUnauthorized)
				return
			}
			logger.Error("principal lookup error",
				zap.String("code", "api.me.principal_error"),
				zap.String("user_id", claims.UserID),
				zap.Error(lookupErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		expiresAt := time.Time{}
		if claims.ExpiresAt != nil {
			expiresAt = claims.ExpiresAt.Time
		}

		contextGin.JSON(http.StatusOK, gin.H{
			"user_id":    principal.ID,
			"user_email": principal.Email,
			"display":    principal.DisplayName,
			"roles":      principal.Roles,
			"expires":    expiresAt,
		})
	}
}
