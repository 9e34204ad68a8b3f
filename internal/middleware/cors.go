package middleware

import (
	"net/http"
	"strings"

	"storeflow/internal/config"

	"github.com/gin-gonic/gin"
)

// CORS sets the configured Access-Control headers and answers preflights.
func CORS(cfg *config.Config) gin.HandlerFunc {
	if cfg == nil || !cfg.Security.CORS.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	cc := cfg.Security.CORS
	origins := joinOr(cc.AllowedOrigins, "*")
	methods := joinOr(cc.AllowedMethods, "GET, POST, PUT, DELETE, OPTIONS")
	headers := joinOr(cc.AllowedHeaders, "Origin, Content-Type, Accept, Authorization")
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origins)
		c.Header("Access-Control-Allow-Methods", methods)
		c.Header("Access-Control-Allow-Headers", headers)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func joinOr(items []string, def string) string {
	if len(items) == 0 {
		return def
	}
	return strings.Join(items, ", ")
}
