package gateway

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tempochess/tempo/metrics"
)

// Rate limit defaults per the service contract: moves and chat are limited
// per user per game, game creation per user.
const (
	defaultMovesPerMin = 30
	chatPerMin         = 10
	createsPerWindow   = 3
	createWindow       = 5 * time.Minute
)

// rateBucket is a window-refill token bucket.
type rateBucket struct {
	tokens   int
	max      int
	lastFill time.Time
	window   time.Duration
}

// allow consumes one token if available. Caller holds the limiter lock.
func (rb *rateBucket) allow(now time.Time) bool {
	if now.Sub(rb.lastFill) >= rb.window {
		rb.tokens = rb.max
		rb.lastFill = now
	}
	if rb.tokens <= 0 {
		return false
	}
	rb.tokens--
	return true
}

// limiter holds the token buckets for every user. Buckets are created on
// first use and pruned when idle for two windows.
type limiter struct {
	cw          clockwork.Clock
	movesPerMin int

	mu      sync.Mutex
	buckets map[string]*rateBucket
}

func newLimiter(cw clockwork.Clock, movesPerMin int) *limiter {
	if cw == nil {
		cw = clockwork.NewRealClock()
	}
	if movesPerMin <= 0 {
		movesPerMin = defaultMovesPerMin
	}
	return &limiter{
		cw:          cw,
		movesPerMin: movesPerMin,
		buckets:     make(map[string]*rateBucket),
	}
}

func (l *limiter) allow(key string, max int, window time.Duration) bool {
	now := l.cw.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	rb, ok := l.buckets[key]
	if !ok {
		rb = &rateBucket{tokens: max, max: max, lastFill: now, window: window}
		l.buckets[key] = rb
	}
	if !rb.allow(now) {
		metrics.RateLimited.Inc()
		return false
	}
	return true
}

// AllowMove gates move commands: movesPerMin per user per game.
func (l *limiter) AllowMove(userID, gameID string) bool {
	return l.allow("move:"+userID+":"+gameID, l.movesPerMin, time.Minute)
}

// AllowChat gates chat: a fixed 10 lines per minute per user per game.
func (l *limiter) AllowChat(userID, gameID string) bool {
	return l.allow("chat:"+userID+":"+gameID, chatPerMin, time.Minute)
}

// AllowCreate gates game creation: 3 per 5 minutes per user.
func (l *limiter) AllowCreate(userID string) bool {
	return l.allow("create:"+userID, createsPerWindow, createWindow)
}

// prune drops buckets idle long enough to be full again. Called from the
// gateway's housekeeping; keeps the map from growing with departed users.
func (l *limiter) prune() {
	now := l.cw.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, rb := range l.buckets {
		if now.Sub(rb.lastFill) >= 2*rb.window {
			delete(l.buckets, key)
		}
	}
}

// size reports the bucket count; test hook.
func (l *limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
