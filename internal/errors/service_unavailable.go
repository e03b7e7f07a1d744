package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AbortWithServiceUnavailable sends a 503 Service Unavailable response and aborts the request.
// Used when a required dependency is down or not yet ready.
func AbortWithServiceUnavailable(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, NewAPIError(message, details))
}

// ServiceUnavailable sends a 503 Service Unavailable response without aborting.
func ServiceUnavailable(c *gin.Context, message string, details map[string]interface{}) {
	c.JSON(http.StatusServiceUnavailable, NewAPIError(message, details))
}
