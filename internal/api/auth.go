package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"sync"

	"copytrade/internal/core"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	// HeaderAPIKey carries the operator API key
	HeaderAPIKey = "X-API-Key"

	// DefaultRateLimitPerKey is the default number of requests per second allowed per API key
	DefaultRateLimitPerKey = 10
)

// APIKeyValidator validates API keys and rate limits each key
type APIKeyValidator struct {
	validKeys     map[[32]byte]string
	rateLimiters  map[string]*rate.Limiter
	rateLimit     int
	logger        core.ILogger
	failureLogger core.ILogger
	mu            sync.RWMutex
}

// NewAPIKeyValidator creates a new API key validator with rate limiting
func NewAPIKeyValidator(apiKeys []string, rateLimit int, logger core.ILogger) *APIKeyValidator {
	if rateLimit <= 0 {
		rateLimit = DefaultRateLimitPerKey
	}
	v := &APIKeyValidator{
		validKeys:     make(map[[32]byte]string),
		rateLimiters:  make(map[string]*rate.Limiter),
		rateLimit:     rateLimit,
		logger:        logger.WithField("component", "auth"),
		failureLogger: logger.WithField("component", "auth_failure"),
	}
	for _, key := range apiKeys {
		v.validKeys[sha256.Sum256([]byte(key))] = key
	}
	return v
}

// AddAPIKey adds a new API key to the validator (for key rotation)
func (v *APIKeyValidator) AddAPIKey(apiKey string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.validKeys[sha256.Sum256([]byte(apiKey))] = apiKey
	v.logger.Info("API key added")
}

// RemoveAPIKey removes an API key from the validator (for key rotation)
func (v *APIKeyValidator) RemoveAPIKey(apiKey string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.validKeys, sha256.Sum256([]byte(apiKey)))
	delete(v.rateLimiters, apiKey)
	v.logger.Info("API key removed")
}

// ValidateAPIKey checks if the API key is valid
func (v *APIKeyValidator) ValidateAPIKey(apiKey string) bool {
	if apiKey == "" {
		return false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	known, ok := v.validKeys[sha256.Sum256([]byte(apiKey))]
	return ok && subtle.ConstantTimeCompare([]byte(known), []byte(apiKey)) == 1
}

// CheckRateLimit reports whether the key may make another request now
func (v *APIKeyValidator) CheckRateLimit(apiKey string) bool {
	v.mu.Lock()
	limiter, exists := v.rateLimiters[apiKey]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(v.rateLimit), v.rateLimit)
		v.rateLimiters[apiKey] = limiter
	}
	v.mu.Unlock()

	return limiter.Allow()
}

// Middleware rejects requests without a valid key or over the key's rate
func (v *APIKeyValidator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(HeaderAPIKey)
		fields := map[string]interface{}{
			"path":       c.FullPath(),
			"request_id": c.GetString(ctxRequestID),
			"client_ip":  c.ClientIP(),
		}

		if apiKey == "" {
			v.failureLogger.WithFields(fields).Warn("Authentication failed: missing API key")
			abort(c, http.StatusUnauthorized, "missing API key")
			return
		}
		if !v.ValidateAPIKey(apiKey) {
			v.failureLogger.WithFields(fields).Warn("Authentication failed: invalid API key")
			abort(c, http.StatusUnauthorized, "invalid API key")
			return
		}
		if !v.CheckRateLimit(apiKey) {
			v.failureLogger.WithFields(fields).Warn("Rate limit exceeded")
			abort(c, http.StatusTooManyRequests, "rate limit exceeded for API key")
			return
		}
		c.Next()
	}
}
