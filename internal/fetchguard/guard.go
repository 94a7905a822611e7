// Package fetchguard gates every outbound scraping call: a request budget,
// a response cache and a rotating browser identity. One Guard is built at
// startup and handed to every adapter.
package fetchguard

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"prodintel/internal/observability"
)

const (
	DefaultRequestsPerMinute = 10
	DefaultCacheTTL          = 6 * time.Hour
	defaultClientTimeout     = 30 * time.Second
)

type Options struct {
	RequestsPerMinute int
	// PerSource gives every source key its own limiter. The default is one
	// limiter shared by all sources.
	PerSource bool
	Cache     Cache
	Proxies   []string
	Timeout   time.Duration
	Logger    *zap.Logger
}

type Guard struct {
	every     time.Duration
	perSource bool

	mu       sync.Mutex
	global   *rate.Limiter
	limiters map[string]*rate.Limiter

	cache    Cache
	identity *Identity
	proxies  *ProxyRotator
	client   *http.Client
	log      *zap.Logger
}

func New(opts Options) *Guard {
	rpm := opts.RequestsPerMinute
	if rpm <= 0 {
		rpm = DefaultRequestsPerMinute
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewMemoryCache(DefaultCacheTTL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}

	every := time.Minute / time.Duration(rpm)
	g := &Guard{
		every:     every,
		perSource: opts.PerSource,
		global:    rate.NewLimiter(rate.Every(every), 1),
		limiters:  make(map[string]*rate.Limiter),
		cache:     cache,
		identity:  NewIdentity(),
		proxies:   NewProxyRotator(opts.Proxies),
		log:       observability.OrNop(opts.Logger).Named("fetchguard"),
	}
	g.client = &http.Client{
		Timeout:   timeout,
		Transport: g.proxies.Transport(),
	}
	return g
}

// Acquire blocks until at least 60/requestsPerMinute seconds have passed
// since the previous grant on the same limiter. It only returns an error
// when ctx ends first.
func (g *Guard) Acquire(ctx context.Context, sourceKey string) error {
	lim := g.limiterFor(sourceKey)
	r := lim.Reserve()
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	g.log.Debug("rate limiting", zap.String("source", sourceKey), zap.Duration("wait", delay))

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

func (g *Guard) limiterFor(sourceKey string) *rate.Limiter {
	if !g.perSource {
		return g.global
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	lim, ok := g.limiters[sourceKey]
	if !ok {
		lim = rate.NewLimiter(rate.Every(g.every), 1)
		g.limiters[sourceKey] = lim
	}
	return lim
}

func (g *Guard) CacheGet(ctx context.Context, key string) ([]byte, bool) {
	v, ok := g.cache.Get(ctx, key)
	if ok {
		observability.CacheLookupsTotal.WithLabelValues("hit").Inc()
		g.log.Debug("cache hit", zap.String("key", key))
	} else {
		observability.CacheLookupsTotal.WithLabelValues("miss").Inc()
	}
	return v, ok
}

func (g *Guard) CacheSet(ctx context.Context, key string, value []byte) {
	g.cache.Set(ctx, key, value)
	g.log.Debug("cached", zap.String("key", key), zap.Int("bytes", len(value)))
}

// RotateIdentity returns a fresh browser-like header set.
func (g *Guard) RotateIdentity() http.Header {
	return g.identity.Headers()
}

// UserAgent returns a random user agent, for backends that only take a UA.
func (g *Guard) UserAgent() string {
	return g.identity.UserAgent()
}

// Client is the shared HTTP client; requests go through the proxy rotation
// when proxies are configured and directly otherwise.
func (g *Guard) Client() *http.Client {
	return g.client
}
