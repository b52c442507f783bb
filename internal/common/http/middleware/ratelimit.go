package middleware

import (
	"container/list"
	"context"
	"sync"
	"time"

	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"
	"runbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultMaxClients = 4096
	defaultIdleTTL    = 10 * time.Minute
)

const (
	BackendLocal = "local"
	BackendRedis = "redis"
)

// RateLimitPolicy configures per-client limiting.
// The local backend keeps a token bucket per client in process memory.
// The redis backend counts requests per fixed Window shared by all replicas.
type RateLimitPolicy struct {
	Enabled    bool          `yaml:"enabled"`
	Backend    string        `yaml:"backend"`
	RPS        float64       `yaml:"rps"`
	Burst      int           `yaml:"burst"`
	MaxClients int           `yaml:"maxClients"`
	IdleTTL    time.Duration `yaml:"idleTTL"`
	Window     time.Duration `yaml:"window"`
	KeyPrefix  string        `yaml:"keyPrefix"`
}

// Limiter decides whether one more request from key may proceed.
type Limiter interface {
	Take(ctx context.Context, key string) (bool, error)
}

// RejectFunc writes the response for a rate limited request.
type RejectFunc func(c *gin.Context, err error)

// ClientLimiter hands out one token bucket per client key.
// Buckets are kept in a bounded LRU; idle ones expire after IdleTTL.
type ClientLimiter struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List
	limit   rate.Limit
	burst   int
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type limiterEntry struct {
	key      string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter creates a limiter store for the policy.
func NewClientLimiter(policy RateLimitPolicy) *ClientLimiter {
	maxSize := policy.MaxClients
	if maxSize <= 0 {
		maxSize = defaultMaxClients
	}
	ttl := policy.IdleTTL
	if ttl <= 0 {
		ttl = defaultIdleTTL
	}
	burst := policy.Burst
	if burst <= 0 {
		burst = 1
	}
	return &ClientLimiter{
		items:   make(map[string]*list.Element, maxSize),
		order:   list.New(),
		limit:   rate.Limit(policy.RPS),
		burst:   burst,
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Allow consumes one token for key.
func (l *ClientLimiter) Allow(key string) bool {
	return l.get(key).AllowN(l.now(), 1)
}

// Take implements Limiter.
func (l *ClientLimiter) Take(_ context.Context, key string) (bool, error) {
	return l.Allow(key), nil
}

// Len returns the number of tracked clients.
func (l *ClientLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *ClientLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if elem, ok := l.items[key]; ok {
		entry := elem.Value.(*limiterEntry)
		if now.Sub(entry.lastSeen) <= l.ttl {
			entry.lastSeen = now
			l.order.MoveToFront(elem)
			return entry.limiter
		}
		l.removeElement(elem)
	}

	entry := &limiterEntry{key: key, limiter: rate.NewLimiter(l.limit, l.burst), lastSeen: now}
	l.items[key] = l.order.PushFront(entry)
	for len(l.items) > l.maxSize {
		l.removeElement(l.order.Back())
	}
	return entry.limiter
}

func (l *ClientLimiter) removeElement(elem *list.Element) {
	entry := elem.Value.(*limiterEntry)
	delete(l.items, entry.key)
	l.order.Remove(elem)
}

// RateLimitMiddleware enforces a per client IP limit.
// A nil limiter disables the check. A nil reject writes the standard error envelope.
// Limiter backend errors let the request through.
func RateLimitMiddleware(limiter Limiter, reject RejectFunc) gin.HandlerFunc {
	if reject == nil {
		reject = func(c *gin.Context, err error) {
			response.Error(c, err)
		}
	}
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		clientIP := c.ClientIP()
		allowed, err := limiter.Take(ctx, clientIP)
		if err != nil {
			logger.Warn(ctx, "rate limit check failed", zap.String("client_ip", clientIP), zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			logger.Warn(ctx, "rate limit exceeded", zap.String("client_ip", clientIP))
			reject(c, appErr.New(appErr.TooManyRequests))
			c.Abort()
			return
		}
		c.Next()
	}
}
