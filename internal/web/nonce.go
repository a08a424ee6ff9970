package web

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mprlab/rtsync/internal/synckit"
)

// HandleNonceIssue hands a client the one-time nonce it must embed in its
// Google ID token request. The realtime login_google command consumes the
// nonce, so each issued value authorizes exactly one exchange.
func HandleNonceIssue(logger *zap.Logger, nonces synckit.NonceStore, ttl time.Duration) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if nonces == nil {
		panic("nonce store is required")
	}

	return func(contextGin *gin.Context) {
		nonce, issueErr := nonces.Issue(contextGin)
		if issueErr != nil {
			logger.Error("nonce issuance failed",
				zap.String("code", "auth.nonce.issue_failure"),
				zap.Error(issueErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"nonce":              nonce,
			"expires_in_seconds": ttl.Seconds(),
		})
	}
}
