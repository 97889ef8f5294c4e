package limitstore

import (
	"context"
	"sync"
	"time"
)

type MemoryStoreOpts struct {
	TimeProvider func() time.Time
	TTLGrace     time.Duration
}

// MemoryStore is a process-local Store for tests and single-node dev mode.
// It mirrors the windowing behavior of the shared backends exactly, so the
// limiter and middleware tests exercise the real protocol semantics.
type MemoryStore struct {
	mu           sync.Mutex
	entries      map[Key]*memoryEntry
	timeProvider func() time.Time
	ttlGrace     time.Duration
}

type memoryEntry struct {
	windowStart int64
	count       int64
	expiresAt   int64
}

func NewMemoryStore(opts *MemoryStoreOpts) *MemoryStore {
	s := &MemoryStore{
		entries:      make(map[Key]*memoryEntry),
		timeProvider: time.Now,
		ttlGrace:     time.Minute,
	}
	if opts != nil && opts.TimeProvider != nil {
		s.timeProvider = opts.TimeProvider
	}
	if opts != nil && opts.TTLGrace > 0 {
		s.ttlGrace = opts.TTLGrace
	}
	return s
}

func (s *MemoryStore) CheckAndIncrement(ctx context.Context, key Key, limit int, window time.Duration) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	now := s.timeProvider()
	windowSecs := int64(window / time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if ok && entry.expiresAt <= now.Unix() {
		delete(s.entries, key)
		ok = false
	}

	if !ok {
		s.entries[key] = &memoryEntry{
			windowStart: now.Unix(),
			count:       1,
			expiresAt:   now.Unix() + windowSecs + int64(s.ttlGrace/time.Second),
		}
		return Result{
			Allowed:   true,
			Remaining: int64(limit) - 1,
			ResetAt:   now.Add(window),
		}, nil
	}

	if now.Unix()-entry.windowStart >= windowSecs {
		entry.windowStart = now.Unix()
		entry.count = 1
		entry.expiresAt = now.Unix() + windowSecs + int64(s.ttlGrace/time.Second)
		return Result{
			Allowed:   true,
			Remaining: int64(limit) - 1,
			ResetAt:   now.Add(window),
		}, nil
	}

	resetAt := time.Unix(entry.windowStart, 0).Add(window)
	if entry.count >= int64(limit) {
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	entry.count++
	entry.expiresAt = now.Unix() + windowSecs + int64(s.ttlGrace/time.Second)
	remaining := int64(limit) - entry.count
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Remaining: remaining, ResetAt: resetAt}, nil
}

func (s *MemoryStore) Status(ctx context.Context, licenseHash string) (map[string]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.timeProvider().Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make(map[string]Entry)
	for key, entry := range s.entries {
		if key.LicenseHash != licenseHash || entry.expiresAt <= now {
			continue
		}
		cat := key.Category
		entries[cat] = Entry{
			Category:     cat,
			RequestCount: entry.count,
			WindowStart:  entry.windowStart,
			TTL:          entry.expiresAt,
		}
	}
	return entries, nil
}

// Reset clears all counters. Test helper.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[Key]*memoryEntry)
}
