// Package ratelimit provides per-client request limiting for the relay API.
package ratelimit

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMaxKeys bounds the number of tracked clients when no explicit limit
// is configured.
const DefaultMaxKeys = 10_000

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

type Options struct {
	// PerSecond is the sustained rate per key. Zero or negative disables
	// limiting entirely.
	PerSecond float64
	// Burst is the bucket size. Values below 1 are raised to 1.
	Burst int
	// MaxKeys caps tracked keys; the least recently used key is dropped when
	// the cap is reached.
	MaxKeys int
	Clock   Clock
}

// KeyedLimiter holds one token bucket per key (typically the remote IP).
type KeyedLimiter struct {
	limit   rate.Limit
	burst   int
	maxKeys int
	clock   Clock

	mu    sync.Mutex
	keys  map[string]*list.Element
	order *list.List // front = most recently used
}

type entry struct {
	key     string
	limiter *rate.Limiter
}

func NewKeyedLimiter(opts Options) *KeyedLimiter {
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = DefaultMaxKeys
	}
	return &KeyedLimiter{
		limit:   rate.Limit(opts.PerSecond),
		burst:   opts.Burst,
		maxKeys: opts.MaxKeys,
		clock:   opts.Clock,
		keys:    make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Enabled reports whether the limiter restricts anything. A nil limiter is
// disabled.
func (l *KeyedLimiter) Enabled() bool {
	return l != nil && l.limit > 0
}

// Allow consumes one token for key.
func (l *KeyedLimiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	now := l.clock.Now()

	l.mu.Lock()
	lim := l.limiterLocked(key)
	l.mu.Unlock()

	return lim.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (l *KeyedLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

func (l *KeyedLimiter) limiterLocked(key string) *rate.Limiter {
	if el, ok := l.keys[key]; ok {
		l.order.MoveToFront(el)
		return el.Value.(*entry).limiter
	}
	for len(l.keys) >= l.maxKeys {
		oldest := l.order.Back()
		if oldest == nil {
			break
		}
		l.order.Remove(oldest)
		delete(l.keys, oldest.Value.(*entry).key)
	}
	e := &entry{key: key, limiter: rate.NewLimiter(l.limit, l.burst)}
	l.keys[key] = l.order.PushFront(e)
	return e.limiter
}
