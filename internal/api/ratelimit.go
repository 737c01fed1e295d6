package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const defaultIdleTTL = 5 * time.Minute

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL drops a caller's bucket once it has been quiet this long
	IdleTTL time.Duration
	// Key picks the bucket a request draws from; the client address when nil
	Key func(*http.Request) string
}

// loginLimits throttles password guessing per client address
func loginLimits() RateLimitConfig {
	return RateLimitConfig{Enabled: true, RequestsPerSecond: 1, BurstSize: 5}
}

// submissionLimits throttles run and rollback submission per operator, since
// CI runners often share one egress address
func submissionLimits() RateLimitConfig {
	return RateLimitConfig{Enabled: true, RequestsPerSecond: 2, BurstSize: 10, Key: operatorKey}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet hands out one token bucket per key and evicts idle ones
type limiterSet struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	done    chan struct{}
	once    sync.Once
}

func newLimiterSet(cfg RateLimitConfig) *limiterSet {
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = defaultIdleTTL
	}
	s := &limiterSet{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(cfg.RequestsPerSecond),
		burst:   cfg.BurstSize,
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

// allow takes a token from key's bucket. When none is left it returns how
// long until the next one.
func (s *limiterSet) allow(key string, now time.Time) (bool, time.Duration) {
	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.buckets[key] = b
	}
	b.lastSeen = now
	s.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, s.ttl
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// evict drops buckets idle for longer than the TTL and reports how many went
func (s *limiterSet) evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, b := range s.buckets {
		if now.Sub(b.lastSeen) > s.ttl {
			delete(s.buckets, key)
			n++
		}
	}
	return n
}

func (s *limiterSet) janitor() {
	ticker := time.NewTicker(s.ttl)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			s.evict(now)
		case <-s.done:
			return
		}
	}
}

func (s *limiterSet) stop() {
	s.once.Do(func() { close(s.done) })
}

// RateLimitMiddleware rejects callers that exceed cfg with 429 and a
// Retry-After header. The returned stop function ends the eviction loop.
func RateLimitMiddleware(cfg RateLimitConfig) (func(http.Handler) http.Handler, func()) {
	if !cfg.Enabled || cfg.RequestsPerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }, func() {}
	}
	key := cfg.Key
	if key == nil {
		key = clientKey
	}
	set := newLimiterSet(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			ok, wait := set.allow(k, time.Now())
			if !ok {
				log.Warn().Str("caller", k).Str("path", r.URL.Path).Dur("retry_after", wait).Msg("Rate limit exceeded")
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Max(1, math.Ceil(wait.Seconds())))))
				RespondWithError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}, set.stop
}

// clientKey is the caller's host. middleware.RealIP has already replaced
// RemoteAddr with the proxied client address when one was forwarded.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// operatorKey buckets authenticated callers by operator, everyone else by address
func operatorKey(r *http.Request) string {
	if op := GetOperatorFromContext(r.Context()); op != nil {
		return "operator:" + op.ID
	}
	return clientKey(r)
}
