package chat

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	apierrors "github.com/SitoSt/JotaOrchestrator/internal/errors"
	"github.com/SitoSt/JotaOrchestrator/internal/logger"
	"github.com/SitoSt/JotaOrchestrator/internal/store"
)

// RequireClientKey validates the X-Client-Key header against the
// conversation store. WebSocket upgrades may carry the key as a query
// parameter instead; the browser WebSocket API cannot set headers.
func RequireClientKey(st store.Store, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := c.GetHeader("X-Client-Key")
		if clientKey == "" && c.Request.Header.Get("Upgrade") == "websocket" {
			clientKey = c.Query("client_key")
		}

		if clientKey == "" {
			apierrors.AbortWithUnauthorized(c, "client key is required", nil)
			return
		}

		valid, err := st.ValidateClientKey(c.Request.Context(), clientKey)
		if err != nil {
			log.WithContext(c.Request.Context()).Error("client key validation failed",
				slog.String("error", err.Error()))
			apierrors.AbortWithServiceUnavailable(c, "unable to validate client key", nil)
			return
		}
		if !valid {
			apierrors.AbortWithUnauthorized(c, "invalid client key", nil)
			return
		}

		c.Next()
	}
}
