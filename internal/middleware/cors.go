package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"callbridge-backend/internal/config"
)

// CORSMiddleware enforces the shared origin allowlist. Requests from
// unlisted origins are rejected outright rather than served without CORS
// headers, so browser and non-browser clients see the same boundary.
func CORSMiddleware() gin.HandlerFunc {
	allowed := config.AllowedOrigins()

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if allowed[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		} else if origin != "" {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}

		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
