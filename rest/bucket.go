package rest

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// bucket tracks the rate-limit window for one bucket key. Fields are only
// mutated by the goroutine currently holding the bucket's fifoLock, which
// also serializes requests within the bucket.
type bucket struct {
	key  string
	fifo fifoLock

	mu        sync.Mutex
	remaining int
	limit     int
	resetAt   time.Time
	hash      string // server-assigned bucket hash, once known
}

// waitDelay returns how long a caller must park before dispatching:
// zero when the window has room or has already reset.
func (b *bucket) waitDelay(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit == 0 {
		return 0 // no window observed yet
	}
	if b.remaining > 0 || now.After(b.resetAt) {
		return 0
	}
	return b.resetAt.Sub(now)
}

// consume decrements the local window so back-to-back callers do not
// race past an exhausted bucket before headers refresh it.
func (b *bucket) consume() {
	b.mu.Lock()
	if b.remaining > 0 {
		b.remaining--
	}
	b.mu.Unlock()
}

// update refreshes the window from response rate-limit headers.
func (b *bucket) update(h http.Header, now time.Time) {
	remaining, okRem := headerInt(h, "X-RateLimit-Remaining")
	limit, okLim := headerInt(h, "X-RateLimit-Limit")
	resetAfter, okReset := headerFloat(h, "X-RateLimit-Reset-After")

	b.mu.Lock()
	defer b.mu.Unlock()
	if okRem {
		b.remaining = remaining
	}
	if okLim {
		b.limit = limit
	}
	if okReset {
		b.resetAt = now.Add(time.Duration(resetAfter * float64(time.Second)))
	}
	if hash := h.Get("X-RateLimit-Bucket"); hash != "" {
		b.hash = hash
	}
}

// freeze empties the window until now+delay, after a bucket-scoped 429.
func (b *bucket) freeze(now time.Time, delay time.Duration) {
	b.mu.Lock()
	b.remaining = 0
	if b.limit == 0 {
		b.limit = 1
	}
	b.resetAt = now.Add(delay)
	b.mu.Unlock()
}

func headerInt(h http.Header, key string) (int, bool) {
	v := h.Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func headerFloat(h http.Header, key string) (float64, bool) {
	v := h.Get(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
