package handlers

import (
	"net/http"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/gin-gonic/gin"
)

const contentSecurityPolicy = "default-src 'none'; " +
	"script-src 'self' 'unsafe-inline'; " +
	"style-src 'self' 'unsafe-inline'; " +
	"img-src 'self' data:; " +
	"connect-src 'self'; " +
	"form-action 'self'; " +
	"frame-ancestors 'none'; " +
	"base-uri 'self'"

func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", contentSecurityPolicy)
		h.Set("Cache-Control", "no-store")
		c.Next()
	}
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// writeError maps err to its status and a message that is safe to show.
// Server side failures are logged with the full error.
func writeError(c *gin.Context, l logging.Logger, err error) {
	status := apperror.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		l.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, errorResponse{Status: "error", Message: apperror.PublicMessage(err)})
}
