package limitstore

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerStore decorates a Store with a circuit breaker so a dead backend
// fails fast instead of burning the full operation timeout on every request.
// An open breaker surfaces as ErrStoreUnavailable, which routes the request
// to the limiter's fallback policy.
type BreakerStore struct {
	inner   Store
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerStore(inner Store, timeout time.Duration, maxFailures uint32) *BreakerStore {
	settings := gobreaker.Settings{
		Name:        "limit-store",
		MaxRequests: 5,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}
	return &BreakerStore{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (s *BreakerStore) CheckAndIncrement(ctx context.Context, key Key, limit int, window time.Duration) (Result, error) {
	res, err := s.breaker.Execute(func() (interface{}, error) {
		return s.inner.CheckAndIncrement(ctx, key, limit, window)
	})
	if err != nil {
		return Result{}, breakerErr(err)
	}
	result, ok := res.(Result)
	if !ok {
		return Result{}, fmt.Errorf("%w: unexpected breaker result %T", ErrStoreUnavailable, res)
	}
	return result, nil
}

func (s *BreakerStore) Status(ctx context.Context, licenseHash string) (map[string]Entry, error) {
	res, err := s.breaker.Execute(func() (interface{}, error) {
		return s.inner.Status(ctx, licenseHash)
	})
	if err != nil {
		return nil, breakerErr(err)
	}
	entries, ok := res.(map[string]Entry)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected breaker result %T", ErrStoreUnavailable, res)
	}
	return entries, nil
}

func breakerErr(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}
