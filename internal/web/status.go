package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mprlab/yggdrasil/internal/yggdrasil"
)

// HandleStatus reports live entity counts for operators and smoke tests.
func HandleStatus(logger *zap.Logger, directory yggdrasil.Directory, tokens *yggdrasil.TokenStore, sessions *yggdrasil.SessionLedger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		userCount, countErr := directory.UserCount(contextGin)
		if countErr != nil {
			logger.Error("user count lookup error",
				zap.String("code", "web.status.user_count"),
				zap.Error(countErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"user.count":                  userCount,
			"token.count":                 tokens.Count(),
			"pendingAuthentication.count": sessions.Count(),
		})
	}
}
