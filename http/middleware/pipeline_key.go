package middlewares

import (
	"net/http"

	"github.com/formanova/studio-core/config"
	"github.com/formanova/studio-core/utils"
	"github.com/gin-gonic/gin"
)

const PipelineKeyHeader = "X-API-Key"

// PipelineKeyMiddleware checks the generation pipeline's shared API key.
// With no key configured every request is rejected.
func PipelineKeyMiddleware(config *config.EnvConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader(PipelineKeyHeader)
		if config.Pipeline.APIKey == "" || presented == "" || !utils.SecureCompare(presented, config.Pipeline.APIKey) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			c.Abort()
			return
		}
		c.Next()
	}
}
