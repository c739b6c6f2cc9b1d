package server

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/avauthz/groupd/internal/graph"
	"github.com/avauthz/groupd/internal/observability"
	"github.com/avauthz/groupd/internal/plugin"
)

// statusFor maps an error category to an HTTP status.
func statusFor(err error) int {
	switch graph.CategoryOf(err) {
	case graph.CategoryValidation:
		return http.StatusBadRequest
	case graph.CategoryNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the JSON error response and forwards the error
// to the plugin error hook.
func (s *Server) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	category := graph.CategoryOf(err)
	c.JSON(status, gin.H{
		"error":     http.StatusText(status),
		"category":  string(category),
		"message":   err.Error(),
		"requestId": GetRequestID(c),
	})

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			observability.String("requestID", GetRequestID(c)),
			observability.String("path", c.Request.URL.Path),
			observability.Error(err),
		)
	}

	if s.plugins == nil {
		return
	}
	event := &plugin.ErrorEvent{
		RequestID: GetRequestID(c),
		Method:    c.Request.Method,
		Path:      c.Request.URL.Path,
		Category:  category,
		Message:   err.Error(),
		Time:      time.Now(),
	}
	if category == graph.CategoryInternal {
		event.Stack = debug.Stack()
	}
	s.plugins.LogError(event)
}
