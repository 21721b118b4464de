// Package bruteforce throttles sensitive routes per client address and blocks
// addresses that exceed the configured request rate.
package bruteforce

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	cache "github.com/go-pkgz/expirable-cache"

	"garden-api/internal/requestip"
)

const (
	defaultMaxRequests   = 60
	defaultWindow        = time.Minute
	defaultBlockDuration = 15 * time.Minute
	defaultMaxKeys       = 100000

	blockedMessage = "Too many requests. Please try again later."
)

// Cache is the TTL key-value store backing counters and blocks. Entries are
// best-effort: eviction or a restart simply forgets them.
type Cache interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}, ttl time.Duration)
}

func NewCache(maxKeys int) (Cache, error) {
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	return cache.NewCache(cache.MaxKeys(maxKeys))
}

type Logger interface {
	Warn(message string, fields map[string]any)
}

type Recorder interface {
	ObserveBruteForceBlock(route string)
}

type Config struct {
	MaxRequests   int
	Window        time.Duration
	BlockDuration time.Duration
	Routes        []string
}

type Guard struct {
	mu            sync.Mutex
	cache         Cache
	routes        []string
	maxRequests   int
	window        time.Duration
	blockDuration time.Duration
	logger        Logger
	recorder      Recorder
	now           func() time.Time
}

type Option func(*Guard)

func WithLogger(logger Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

func WithRecorder(recorder Recorder) Option {
	return func(g *Guard) { g.recorder = recorder }
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func NewGuard(store Cache, cfg Config, opts ...Option) *Guard {
	g := &Guard{
		cache:         store,
		maxRequests:   cfg.MaxRequests,
		window:        cfg.Window,
		blockDuration: cfg.BlockDuration,
		now:           time.Now,
	}
	if g.maxRequests <= 0 {
		g.maxRequests = defaultMaxRequests
	}
	if g.window <= 0 {
		g.window = defaultWindow
	}
	if g.blockDuration <= 0 {
		g.blockDuration = defaultBlockDuration
	}
	for _, route := range cfg.Routes {
		route = strings.ToLower(strings.TrimSpace(route))
		if route != "" {
			g.routes = append(g.routes, route)
		}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Protected reports whether path falls under one of the guarded route prefixes.
func (g *Guard) Protected(path string) bool {
	path = strings.ToLower(path)
	for _, route := range g.routes {
		if strings.HasPrefix(path, route) {
			return true
		}
	}
	return false
}

// Allow records one request from ip against route. Hits are kept per key and
// pruned to the trailing window, so any span of window length admits at most
// maxRequests before the key is blocked.
func (g *Guard) Allow(ip, route string) (bool, time.Duration) {
	now := g.now().UTC()
	route = strings.ToLower(route)
	blockKey := "blocked:" + ip + ":" + route
	hitsKey := "hits:" + ip + ":" + route

	g.mu.Lock()
	defer g.mu.Unlock()

	if value, ok := g.cache.Get(blockKey); ok {
		if until, ok := value.(time.Time); ok && now.Before(until) {
			return false, until.Sub(now)
		}
	}

	threshold := now.Add(-g.window)
	var hits []time.Time
	if value, ok := g.cache.Get(hitsKey); ok {
		hits, _ = value.([]time.Time)
	}
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}
	filtered = append(filtered, now)

	if len(filtered) > g.maxRequests {
		until := now.Add(g.blockDuration)
		g.cache.Set(blockKey, until, g.blockDuration)
		g.cache.Set(hitsKey, []time.Time{}, g.window)
		return false, g.blockDuration
	}

	g.cache.Set(hitsKey, filtered, g.window)
	return true, 0
}

func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Protected(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ip := requestip.FromRequest(r)
		route := strings.ToLower(r.URL.Path)
		allowed, retryAfter := g.Allow(ip, route)
		if !allowed {
			if g.logger != nil {
				g.logger.Warn("bruteforce_blocked", map[string]any{
					"ip":          ip,
					"route":       route,
					"retry_after": retryAfter.String(),
				})
			}
			if g.recorder != nil {
				g.recorder.ObserveBruteForceBlock(route)
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(blockedMessage))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
