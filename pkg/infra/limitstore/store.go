package limitstore

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrStoreUnavailable wraps every backend failure so the limiter can apply
// its fallback policy without inspecting backend-specific error types.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

const (
	// maxAttempts bounds the conditional-write retry loop. Contention past
	// this point is handed to the fallback policy instead of spinning.
	maxAttempts = 3

	// backoffBase is the unit of the jittered retry backoff.
	backoffBase = 5 * time.Millisecond
)

// Key partitions counters. Distinct (LicenseHash, Category) pairs never
// share state.
type Key struct {
	LicenseHash string
	Category    string
}

// Result is the outcome of one check-and-increment round trip.
type Result struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

// Entry is a snapshot of one persisted counter, as returned by Status.
type Entry struct {
	Category     string `json:"category" dynamodbav:"endpoint"`
	RequestCount int64  `json:"request_count" dynamodbav:"request_count"`
	WindowStart  int64  `json:"window_start" dynamodbav:"window_start"`
	TTL          int64  `json:"-" dynamodbav:"ttl"`
}

// Store is the shared counter store behind the rate limiter. Implementations
// coordinate concurrent callers exclusively through the backend's atomic
// conditional-write primitive; there is no lock service.
//
// CheckAndIncrement runs a fixed-window counter with atomic rollover: the
// count either increments within the open window (while below limit) or the
// window resets to a fresh one with count 1 when stale. Exactly one of
// several racers observing a stale window performs the reset. Requests that
// raced a legitimate rollover may be admitted slightly beyond limit at the
// window boundary; that tolerance is accepted.
type Store interface {
	CheckAndIncrement(ctx context.Context, key Key, limit int, window time.Duration) (Result, error)
	Status(ctx context.Context, licenseHash string) (map[string]Entry, error)
}

// backoff returns a jittered pause before retry attempt n (zero-based).
func backoff(n int) time.Duration {
	base := backoffBase << n
	//nolint:gosec // jitter only, not security sensitive
	return base + time.Duration(rand.Int63n(int64(base)))
}

// ttlSeconds computes the entry expiry in whole seconds: the window plus a
// grace period, so storage-level expiry can never destroy a live counter.
func ttlSeconds(window, grace time.Duration) int64 {
	return int64((window + grace) / time.Second)
}
