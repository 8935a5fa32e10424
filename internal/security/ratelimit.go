package security

import (
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrRateLimited is returned when a client identifier has exhausted its
// failure budget for the current window.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("too many failed attempts, retry after %s", e.RetryAfter.Round(time.Second))
}

// maxTrackedClients bounds the per-client window map so hostile key churn
// cannot grow it without bound.
const maxTrackedClients = 4096

type attemptWindow struct {
	start    time.Time
	failures int
}

// RateLimiter is a sliding-window counter over failed authentication
// attempts, keyed by client identifier (typically the network address).
// Counting is outcome-driven: only failures recorded via RecordFailure
// advance the counter, so successful auths never consume budget.
//
// Constructed once per process; Reset exists as the explicit test/admin
// hook.
type RateLimiter struct {
	maxAttempts int
	window      time.Duration

	mu      sync.Mutex
	clients *lru.Cache[string, *attemptWindow]

	// now is swappable for tests.
	now func() time.Time
}

// NewRateLimiter creates a limiter allowing maxAttempts failures per
// window for each client.
func NewRateLimiter(maxAttempts int, window time.Duration) *RateLimiter {
	clients, err := lru.New[string, *attemptWindow](maxTrackedClients)
	if err != nil {
		// Only reachable with a non-positive size constant.
		panic(err)
	}
	return &RateLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		clients:     clients,
		now:         time.Now,
	}
}

// Check reports whether the client may attempt authentication. Returns
// ErrRateLimited carrying the remaining window time when the budget is
// exhausted. The window resets lazily on the first check after expiry.
func (r *RateLimiter) Check(clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.clients.Get(clientID)
	if !ok {
		return nil
	}

	now := r.now()
	if now.Sub(w.start) >= r.window {
		// Window expired; forget the stale entry.
		r.clients.Remove(clientID)
		return nil
	}

	if w.failures >= r.maxAttempts {
		retryAfter := w.start.Add(r.window).Sub(now)
		return &ErrRateLimited{RetryAfter: retryAfter}
	}
	return nil
}

// RecordFailure counts a failed authentication outcome for the client.
func (r *RateLimiter) RecordFailure(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w, ok := r.clients.Get(clientID)
	if !ok || now.Sub(w.start) >= r.window {
		r.clients.Add(clientID, &attemptWindow{start: now, failures: 1})
		return
	}

	w.failures++
	if w.failures == r.maxAttempts {
		log.Printf("🔒 Client %s reached %d failed attempts, rate limiting", clientID, w.failures)
	}
}

// RecordSuccess clears the client's failure window after a successful
// authentication.
func (r *RateLimiter) RecordSuccess(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients.Remove(clientID)
}

// Reset clears all tracked windows. Explicit test/admin hook.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients.Purge()
}
