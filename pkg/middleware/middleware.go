package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-funds/internal/auth"
	"github.com/ksred/klear-funds/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per endpoint type
	authLimit       = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	tradingLimit    = rate.Limit(600.0 / 60.0)  // 600 requests per minute
	settlementLimit = rate.Limit(300.0 / 60.0)  // 300 requests per minute
	queryLimit      = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func limitFor(method, path string) (rate.Limit, int) {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return authLimit, 5
	case method == "GET":
		return queryLimit, 50
	case strings.HasPrefix(path, "/api/v1/orders"):
		return tradingLimit, 20
	case strings.HasPrefix(path, "/api/v1/settlements"),
		strings.HasPrefix(path, "/api/v1/escrow"),
		strings.HasPrefix(path, "/api/v1/batches"):
		return settlementLimit, 10
	default:
		return rate.Inf, 1
	}
}

func getLimiter(method, path, caller string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := caller + ":" + method + ":" + path
	v, exists := visitors[key]
	if !exists {
		limit, burst := limitFor(method, path)
		v = &visitor{
			limiter:  rate.NewLimiter(limit, burst),
			lastSeen: time.Now(),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

// RateLimit throttles each caller per route. Authenticated callers are keyed by
// user id, anonymous ones by client IP.
func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := auth.UserID(c)
		if caller == "" {
			caller = c.ClientIP()
		}

		limiter := getLimiter(c.Request.Method, c.FullPath(), caller)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates the bearer token and places the caller's user id and
// roles in the context
func JWTAuth(tokens *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := tokens.ValidateToken(bearerToken[1])
		if err != nil {
			log.Debug().Err(err).Str("path", c.FullPath()).Msg("rejected token")
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set(auth.ContextUserID, claims.UserID)
		c.Set(auth.ContextRoles, claims.Roles)
		c.Next()
	}
}

// RequireRole rejects callers holding none of roles
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !auth.HasRole(c, roles...) {
			response.Forbidden(c, "Insufficient role for this operation")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequestLogger logs each request with its latency
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("user_id", auth.UserID(c)).
			Msg("request")
	}
}
