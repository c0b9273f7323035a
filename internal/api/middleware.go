package api

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/neurogrid/lifecycle/internal/auth"
	"github.com/neurogrid/lifecycle/internal/lifecycle"
	"github.com/neurogrid/lifecycle/internal/logger"
)

const (
	correlationHeader = "X-Correlation-ID"

	ctxCorrelationID = "correlation_id"
	ctxClaims        = "claims"

	msgWalletRequired = "Forbidden: Operating a node requires a Web3 Wallet connection."
)

func (s *Server) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(correlationHeader)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Set(ctxCorrelationID, correlationID)
		c.Header(correlationHeader, correlationID)
		c.Request = c.Request.WithContext(lifecycle.WithCorrelationID(c.Request.Context(), correlationID))
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		s.metrics.ObserveHTTP(c.Request.Method, route, strconv.Itoa(status), elapsed.Seconds())

		entry := s.log.WithFields(logger.Fields{
			"method":         c.Request.Method,
			"route":          route,
			"status":         status,
			"duration_ms":    float64(elapsed.Nanoseconds()) / 1e6,
			"client_ip":      c.ClientIP(),
			"correlation_id": c.GetString(ctxCorrelationID),
		})
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("request failed")
		case route == "/health" || route == "/metrics":
			entry.Debug("request")
		default:
			entry.Info("request")
		}
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// sessionMiddleware attaches the caller's claims when a valid token is sent
// as a bearer header or session cookie. Invalid tokens are treated as absent.
func (s *Server) sessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			token, _ = c.Cookie(auth.CookieName)
		}
		if token != "" {
			if claims, err := s.auth.VerifyToken(token); err == nil {
				c.Set(ctxClaims, claims)
			}
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func claimsFrom(c *gin.Context) *auth.Claims {
	v, ok := c.Get(ctxClaims)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}

func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if claimsFrom(c) == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid session"})
			return
		}
		c.Next()
	}
}

// requireWallet admits wallet sessions only. Web2 sessions are authenticated
// but may not operate or rent nodes.
func (s *Server) requireWallet() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := claimsFrom(c)
		if claims == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid session"})
			return
		}
		if claims.Method != auth.MethodWallet || claims.Wallet == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": msgWalletRequired})
			return
		}
		c.Next()
	}
}

// wallet is the authenticated wallet. Only valid behind requireWallet.
func wallet(c *gin.Context) string {
	if claims := claimsFrom(c); claims != nil {
		return claims.Wallet
	}
	return ""
}

// RateLimiter is a per-client token bucket.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*visitor
	lastGC   time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	visitorTTL        = 10 * time.Minute
	visitorGCInterval = time.Minute
)

// NewRateLimiter allows rps requests per second per key with the given
// burst. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &RateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		visitors: make(map[string]*visitor),
	}
}

// Allow checks if a request is allowed
func (rl *RateLimiter) Allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastGC) > visitorGCInterval {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(rl.visitors, k)
			}
		}
		rl.lastGC = now
	}

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}
