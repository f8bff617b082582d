package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client key.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	limiterIdleTTL     = 10 * time.Minute
	limiterSweepPeriod = 5 * time.Minute
	maxSenderPeekBytes = 64 << 10
)

// NewRateLimiter allows rps requests/sec per key with the given burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		rate:     rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

// Allow reports whether key may make another request now.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	now := rl.now()
	cl, ok := rl.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = cl
	}
	cl.lastSeen = now
	rl.mu.Unlock()
	return cl.limiter.AllowN(now, 1)
}

// Evict drops limiters idle for longer than limiterIdleTTL.
func (rl *RateLimiter) Evict() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-limiterIdleTTL)
	evicted := 0
	for key, cl := range rl.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			evicted++
		}
	}
	return evicted
}

// Run evicts idle limiters every sweep until ctx ends.
func (rl *RateLimiter) Run(ctx context.Context, sweep time.Duration) {
	if sweep <= 0 {
		sweep = limiterSweepPeriod
	}
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Evict()
		}
	}
}

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(*http.Request) string

// RateLimit rejects requests over the limiter's rate for their key with 429.
// A nil limiter disables limiting.
func RateLimit(limiter *RateLimiter, key KeyFunc) func(http.Handler) http.Handler {
	if limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	if key == nil {
		key = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(key(r)) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP prefers X-Real-Ip (set by chi's RealIP) and strips the port.
func ClientIP(r *http.Request) string {
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SenderKey charges a webhook to the customer's phone: the form From field
// for Twilio, phoneNumber for the JSON webhook. Requests naming no sender fall
// back to the client IP. Messaging providers relay every customer from a few
// addresses, so an IP bucket would throttle all customers together.
func SenderKey(r *http.Request) string {
	if phone := senderPhone(r); phone != "" {
		return "phone:" + phone
	}
	return "ip:" + ClientIP(r)
}

func senderPhone(r *http.Request) string {
	if r.Body == nil || r.Method != http.MethodPost {
		return ""
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		// ParseForm keeps PostForm on the request for the handler.
		if err := r.ParseForm(); err != nil {
			return ""
		}
		return digitsOnly(r.PostForm.Get("From"))
	case "application/json", "":
		head, err := io.ReadAll(io.LimitReader(r.Body, maxSenderPeekBytes))
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(head), r.Body))
		if err != nil {
			return ""
		}
		var body struct {
			PhoneNumber string `json:"phoneNumber"`
		}
		if json.Unmarshal(head, &body) != nil {
			return ""
		}
		return digitsOnly(body.PhoneNumber)
	default:
		return ""
	}
}

func digitsOnly(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
