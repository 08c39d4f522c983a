package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"bandi/internal/logger"
)

// requestLogger logs one line per request, at error level when a handler recorded errors.
func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("path", path),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("duration", time.Since(start)),
			logger.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			msgs := make([]string, len(c.Errors))
			for i, e := range c.Errors {
				msgs[i] = e.Err.Error()
			}
			fields = append(fields, logger.Strings("errors", msgs))
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			a.log.Error("http request", fields...)
		case strings.HasPrefix(path, "/healthz") || path == "/metrics":
			a.log.Debug("http request", fields...)
		default:
			a.log.Info("http request", fields...)
		}
	}
}

func (a *API) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		a.log.Error("panic in handler",
			logger.String("path", c.Request.URL.Path),
			logger.Error(fmt.Errorf("%v", recovered)))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	})
}
