package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"storeflow/internal/config"
	appmetrics "storeflow/internal/metrics"

	"github.com/gin-gonic/gin"
)

// tokenBucket refills at ratePerSec up to burst.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: time.Now(),
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow() bool {
	return b.allowAt(time.Now())
}

func (b *tokenBucket) allowAt(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// bucketSet holds one bucket per caller key for a single limit.
type bucketSet struct {
	name    string
	prefix  string
	rpm     int
	burst   int
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func newBucketSet(name, prefix string, rpm, burst int) *bucketSet {
	return &bucketSet{name: name, prefix: prefix, rpm: rpm, burst: burst, buckets: make(map[string]*tokenBucket)}
}

func (s *bucketSet) get(key string) *tokenBucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok {
		b = newBucket(s.rpm, s.burst)
		s.buckets[key] = b
	}
	return b
}

// RateLimitMiddleware applies token-bucket limits keyed by tenant. Authenticated
// requests are keyed by store_id so one store cannot starve another; anonymous
// requests fall back to KeyHeader or the client IP. Path overrides win over the
// global limit for matching prefixes.
func RateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	var paths []*bucketSet
	for _, p := range rl.Paths {
		if p.Enabled && p.RequestsPerMinute > 0 && p.Prefix != "" {
			paths = append(paths, newBucketSet(p.Prefix, p.Prefix, p.RequestsPerMinute, p.Burst))
		}
	}
	var global *bucketSet
	if rl.RequestsPerMinute > 0 {
		global = newBucketSet("global", "", rl.RequestsPerMinute, rl.Burst)
	}
	if global == nil && len(paths) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	whitelistedIP := toSet(rl.WhitelistIPs)
	whitelistedKey := toSet(rl.WhitelistKeys)

	return func(c *gin.Context) {
		key := rateLimitKey(c, rl.KeyHeader)
		if _, ok := whitelistedKey[key]; ok {
			c.Next()
			return
		}
		if _, ok := whitelistedIP[c.ClientIP()]; ok {
			c.Next()
			return
		}

		set := global
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		for _, p := range paths {
			if strings.HasPrefix(path, p.prefix) {
				set = p
				break
			}
		}
		if set == nil {
			c.Next()
			return
		}
		if !set.get(key).allow() {
			appmetrics.IncRateLimitDrop(set.name)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func rateLimitKey(c *gin.Context, header string) string {
	if storeID, err := StoreID(c); err == nil {
		return fmt.Sprintf("store:%d", storeID)
	}
	if header != "" {
		if v := c.GetHeader(header); v != "" {
			if strings.EqualFold(header, "X-Forwarded-For") {
				v = strings.TrimSpace(strings.Split(v, ",")[0])
			}
			return v
		}
	}
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}
