package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/confmatch/confmatch-api/pkg/response"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per endpoint type
	ingestLimit = rate.Limit(100.0 / 60.0)  // 100 requests per minute
	statusLimit = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func getLimiter(path, clientIP string, internalLimit rate.Limit) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientIP + ":" + path
	v, exists := visitors[key]

	if !exists {
		var limit rate.Limit
		switch {
		case strings.HasPrefix(path, "/api/v1/internal"):
			limit = internalLimit
		case strings.HasPrefix(path, "/api/v1/confirmations"):
			limit = ingestLimit
		case strings.HasPrefix(path, "/api/v1/legs"):
			limit = statusLimit
		default:
			limit = rate.Inf // No limit for other paths
		}

		v = &visitor{
			limiter:  rate.NewLimiter(limit, 10), // allow short ingest bursts
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
		for ip, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, ip)
			}
		}
		mu.Unlock()
	}
}

// RateLimit throttles clients per endpoint group. The operational /internal
// routes take their per-minute budget from configuration
func RateLimit(internalRPM int) gin.HandlerFunc {
	internalLimit := rate.Limit(float64(internalRPM) / 60.0)

	return func(c *gin.Context) {
		limiter := getLimiter(c.FullPath(), c.ClientIP(), internalLimit)
		if !limiter.Allow() {
			response.BadRequest(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}
