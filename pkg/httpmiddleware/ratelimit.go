package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/jx"
)

// RateLimitConfig configures the sliding window rate limiter.
type RateLimitConfig struct {
	// Max is the number of requests a key may make per window.
	Max int
	// WriteMax, when positive, gives requests that are not GET or HEAD their
	// own smaller budget. Checkout and refund calls then cannot starve reads.
	WriteMax int
	// Window is the length of one counting window.
	Window time.Duration
	// KeyFunc extracts the rate limit key from a request.
	// If nil, the client IP address is used.
	KeyFunc func(*http.Request) string
	// ExemptPaths are served without counting, e.g. health checks.
	ExemptPaths []string
}

// window counts requests in the current and previous aligned windows.
type window struct {
	start time.Time
	prev  int
	curr  int
}

type decision struct {
	limit     int
	remaining int
	reset     time.Time
	allowed   bool
}

type limiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	windows map[string]*window
}

func newLimiter(cfg RateLimitConfig) *limiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = defaultKeyFunc
	}
	return &limiter{cfg: cfg, windows: make(map[string]*window)}
}

// take counts one request against key when the estimate over the sliding
// window is below limit. The previous window is weighted by the share of it
// the sliding window still covers.
func (l *limiter) take(key string, limit int, now time.Time) decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	aligned := now.Truncate(l.cfg.Window)
	w, ok := l.windows[key]
	switch {
	case !ok:
		w = &window{start: aligned}
		l.windows[key] = w
	case !w.start.Equal(aligned):
		if aligned.Sub(w.start) == l.cfg.Window {
			w.prev = w.curr
		} else {
			w.prev = 0
		}
		w.curr = 0
		w.start = aligned
	}

	covered := 1 - float64(now.Sub(aligned))/float64(l.cfg.Window)
	estimate := float64(w.prev)*covered + float64(w.curr)
	d := decision{limit: limit, reset: aligned.Add(l.cfg.Window)}
	if estimate >= float64(limit) {
		return d
	}
	w.curr++
	d.allowed = true
	d.remaining = max(0, int(float64(limit)-estimate-1))
	return d
}

// evict drops keys idle for two windows; their counts no longer matter.
func (l *limiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		if now.Sub(w.start) >= 2*l.cfg.Window {
			delete(l.windows, key)
		}
	}
}

func (l *limiter) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * l.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.evict(now)
		}
	}
}

// bucket picks the counter and limit for r.
func (l *limiter) bucket(r *http.Request) (string, int) {
	key := l.cfg.KeyFunc(r)
	if l.cfg.WriteMax > 0 && r.Method != http.MethodGet && r.Method != http.MethodHead {
		return "write|" + key, l.cfg.WriteMax
	}
	return key, l.cfg.Max
}

// RateLimit returns a middleware that enforces per-key sliding window limits.
// Rejected requests get 429 with a JSON body and Retry-After. Every counted
// response carries X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset. Idle keys are never evicted; see RateLimitWithCleanup.
func RateLimit(cfg RateLimitConfig) Middleware {
	return newLimiter(cfg).middleware
}

// RateLimitWithCleanup is RateLimit plus a goroutine that evicts idle keys
// until ctx is done.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := newLimiter(cfg)
	go l.evictLoop(ctx)
	return l.middleware
}

func (l *limiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if slices.Contains(l.cfg.ExemptPaths, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		key, limit := l.bucket(r)
		d := l.take(key, limit, time.Now())

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.reset.Unix(), 10))
		if d.allowed {
			next.ServeHTTP(w, r)
			return
		}

		wait := max(0, time.Until(d.reset))
		h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		h.Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)

		var e jx.Encoder
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(http.StatusTooManyRequests) })
			e.Field("message", func(e *jx.Encoder) { e.Str("rate limit exceeded") })
		})
		_, _ = w.Write(e.Bytes())
	})
}

// HeaderOrIPKey limits by the value of header when present, so callers
// identified upstream share one budget across addresses. Other requests fall
// back to the client IP.
func HeaderOrIPKey(header string) func(*http.Request) string {
	return func(r *http.Request) string {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return header + ":" + v
		}
		return defaultKeyFunc(r)
	}
}

// defaultKeyFunc returns the first X-Forwarded-For hop, then X-Real-IP, then
// the RemoteAddr host.
func defaultKeyFunc(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
