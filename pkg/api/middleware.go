package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/IvanSolovey/transcription-api/pkg/metrics"
)

// Stable auth error messages, matched by clients
const (
	msgMissingToken       = "Missing authorization token"
	msgInvalidFormat      = "Invalid token format. Use: Bearer YOUR_TOKEN"
	msgInvalidAPIKey      = "Invalid or inactive API key"
	msgInvalidMasterToken = "Invalid master token"
	msgMissingMasterQuery = "Missing master token in query parameters"
)

// apiKeyContextKey is where RequireAPIKey stores the verified key
const apiKeyContextKey = "api_key"

func abortWithDetail(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}

// extractBearerToken pulls the credential out of an
// "Authorization: Bearer <token>" header
func extractBearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		abortWithDetail(c, http.StatusUnauthorized, msgMissingToken)
		return "", false
	}
	if !strings.HasPrefix(header, "Bearer ") {
		abortWithDetail(c, http.StatusUnauthorized, msgInvalidFormat)
		return "", false
	}
	return strings.TrimPrefix(header, "Bearer "), true
}

// requireAPIKey admits only requests presenting an active API key
func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := extractBearerToken(c)
		if !ok {
			return
		}
		if !s.keys.VerifyAPIKey(key) {
			abortWithDetail(c, http.StatusUnauthorized, msgInvalidAPIKey)
			return
		}
		c.Set(apiKeyContextKey, key)
		c.Next()
	}
}

// requireMasterToken admits only requests presenting the master token
func (s *Server) requireMasterToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := extractBearerToken(c)
		if !ok {
			return
		}
		if !s.keys.VerifyMasterToken(token) {
			abortWithDetail(c, http.StatusUnauthorized, msgInvalidMasterToken)
			return
		}
		c.Next()
	}
}

// requireMasterTokenQuery is the browser-only variant reading the master
// token from a query parameter
func (s *Server) requireMasterTokenQuery() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("master_token")
		if token == "" {
			abortWithDetail(c, http.StatusUnauthorized, msgMissingMasterQuery)
			return
		}
		if !s.keys.VerifyMasterToken(token) {
			abortWithDetail(c, http.StatusUnauthorized, msgInvalidMasterToken)
			return
		}
		c.Next()
	}
}

// requestMetrics records request counts and latency per method
func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

// contextAPIKey returns the key stored by requireAPIKey
func contextAPIKey(c *gin.Context) string {
	return c.GetString(apiKeyContextKey)
}
