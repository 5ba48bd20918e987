package service

import (
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	throttleWindow         = 5 * time.Second
	throttleMaxAttempts    = 5
	throttleBurstGap       = 500 * time.Millisecond
	throttleBlock          = 3 * time.Second
	throttleBlockExtension = 250 * time.Millisecond
	throttleExpiry         = time.Minute
)

type connectBlock struct {
	lastAttempt time.Time
	blockUntil  time.Time
	count       int
}

// Throttle limits how fast a single IP may open connections. An IP making
// more than 5 attempts, each within 5s of the previous, with the last two
// within 500ms, is refused for 3s; every attempt while refused adds 250ms.
type Throttle struct {
	mu    sync.Mutex
	cache *gocache.Cache
	now   func() time.Time
}

func NewThrottle() *Throttle {
	return &Throttle{
		cache: gocache.New(throttleExpiry, 2*throttleExpiry),
		now:   time.Now,
	}
}

// Allow records a connection attempt from ip and reports whether it may
// proceed. Unknown addresses (0) are always allowed.
func (t *Throttle) Allow(ip uint32) bool {
	if ip == 0 {
		return true
	}
	key := strconv.FormatUint(uint64(ip), 10)
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	v, found := t.cache.Get(key)
	if !found {
		t.cache.SetDefault(key, &connectBlock{lastAttempt: now, count: 1})
		return true
	}
	b := v.(*connectBlock)
	// refresh the expiry
	t.cache.SetDefault(key, b)

	if b.blockUntil.After(now) {
		b.blockUntil = b.blockUntil.Add(throttleBlockExtension)
		return false
	}

	gap := now.Sub(b.lastAttempt)
	b.lastAttempt = now
	if gap > throttleWindow {
		b.count = 1
		return true
	}
	b.count++
	if b.count > throttleMaxAttempts {
		b.count = 0
		if gap <= throttleBurstGap {
			b.blockUntil = now.Add(throttleBlock)
			return false
		}
	}
	return true
}

// Len returns the number of tracked addresses.
func (t *Throttle) Len() int {
	return t.cache.ItemCount()
}
