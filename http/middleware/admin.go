package middlewares

import (
	"errors"
	"net/http"
	"strings"

	"github.com/formanova/studio-core/config"
	"github.com/formanova/studio-core/http/controller"
	"github.com/formanova/studio-core/service"
	"github.com/formanova/studio-core/utils"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const AdminSecretHeader = "X-Admin-Secret"

// AdminMiddleware admits a request carrying the admin secret, or a valid
// bearer token whose email is allowlisted. The email is only ever taken
// from a verified token.
func AdminMiddleware(console *service.AdminConsole, config *config.EnvConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := service.AdminCaller{Secret: strings.TrimSpace(c.GetHeader(AdminSecretHeader))}

		if caller.Secret == "" {
			if tokenStr := utils.ExtractToken(c); tokenStr != "" {
				if parsed, err := utils.ParseToken(tokenStr, config); err == nil && parsed.Valid {
					if claims, ok := parsed.Claims.(jwt.MapClaims); ok {
						if email, ok := claims["email"].(string); ok {
							caller.Email = strings.ToLower(strings.TrimSpace(email))
						}
					}
				}
			}
		}

		if err := console.Authorize(caller); err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, service.ErrForbidden) {
				status = http.StatusForbidden
			}
			c.JSON(status, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set(controller.AdminCallerKey, caller)
		c.Next()
	}
}
