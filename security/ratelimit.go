package security

import (
	"container/list"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxLimiterEntries = 10000
	limiterIdleTimeout       = 30 * time.Minute
	limiterCleanupInterval   = 5 * time.Minute
)

type limiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter is a token bucket per key (usually the client IP) with a bounded
// number of tracked keys. The least recently used key is evicted when full.
type RateLimiter struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	limit      rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger
	stop       chan struct{}
	stopOnce   sync.Once

	evictions int64
}

// NewRateLimiter creates a limiter allowing requestsPerSecond with the given burst per key.
// maxEntries <= 0 uses the default of 10000 tracked keys.
func NewRateLimiter(requestsPerSecond float64, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxLimiterEntries
	}
	rl := &RateLimiter{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		limit:      rate.Limit(requestsPerSecond),
		burst:      burst,
		maxEntries: maxEntries,
		logger:     logger,
		stop:       make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request for key may proceed now
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.entries[key]; ok {
		rl.lru.MoveToFront(elem)
		e := elem.Value.(*limiterEntry)
		e.lastAccess = now
		return e.limiter.AllowN(now, 1)
	}

	if len(rl.entries) >= rl.maxEntries {
		rl.evictOldest()
	}

	e := &limiterEntry{
		key:        key,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: now,
	}
	rl.entries[key] = rl.lru.PushFront(e)
	return e.limiter.AllowN(now, 1)
}

// evictOldest must be called with mu held
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	e := elem.Value.(*limiterEntry)
	rl.lru.Remove(elem)
	delete(rl.entries, e.key)
	rl.evictions++
	rl.logger.Debug("Rate limiter evicted key", "total_evictions", rl.evictions)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.Cleanup(limiterIdleTimeout)
		case <-rl.stop:
			return
		}
	}
}

// Cleanup drops keys that have been idle longer than maxIdle
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	for elem := rl.lru.Back(); elem != nil; {
		e := elem.Value.(*limiterEntry)
		if e.lastAccess.After(cutoff) {
			// everything further to the front is more recent
			break
		}
		prev := elem.Prev()
		rl.lru.Remove(elem)
		delete(rl.entries, e.key)
		elem = prev
	}
}

// Len returns the number of tracked keys
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Stop ends the background cleanup; it is safe to call more than once
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Middleware rejects requests whose key is over the limit with 429 and a
// Retry-After header. onReject, if set, is called for every rejected request.
func (rl *RateLimiter) Middleware(key func(*http.Request) string, onReject func(*http.Request, string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if !rl.Allow(k) {
				if onReject != nil {
					onReject(r, k)
				}
				retry := 1
				if rl.limit > 0 {
					retry = int(1/float64(rl.limit)) + 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded","error_description":"Too many requests"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
