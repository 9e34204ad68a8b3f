package middleware

import (
	"bytes"
	"io"
	"net/http"

	"storeflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const maxCallbackBody = 1 << 20

// VerifySignature checks the scheduler signature header against the raw body
// and restores the body for the handler. Requests are rejected with 401 when
// the signature is missing or invalid. With no key configured the request is
// rejected too, unless allowUnsigned is set.
func VerifySignature(v *services.TicketVerifier, header string, allowUnsigned bool, logger *logrus.Logger) gin.HandlerFunc {
	if header == "" {
		header = "Upstash-Signature"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if v == nil {
		v = services.NewTicketVerifier("", "", "")
	}
	return func(c *gin.Context) {
		if !v.Enabled() && allowUnsigned {
			c.Next()
			return
		}
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "Bad Request",
				"message": "failed to read body",
			})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		claims, err := v.Verify(c.GetHeader(header), body)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"path":   c.FullPath(),
				"remote": c.ClientIP(),
			}).Warnf("resume callback rejected: %v", err)
			unauthorized(c, "invalid signature")
			return
		}
		c.Set("signature_id", claims.ID)
		c.Next()
	}
}
