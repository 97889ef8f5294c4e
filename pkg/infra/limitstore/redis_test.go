package limitstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const redisTestKey = "ratelimit:sha256:lic-a:auth"

func redisStoreForTest(now time.Time) (*RedisStore, redismock.ClientMock) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client, &RedisStoreOpts{
		TimeProvider: func() time.Time { return now },
		TTLGrace:     time.Minute,
	})
	return store, mock
}

func TestRedisStore_Admits(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store, mock := redisStoreForTest(now)
	key := Key{LicenseHash: "sha256:lic-a", Category: "auth"}

	windowStart := now.Unix() - 10
	mock.ExpectEvalSha(checkAndIncrScript.Hash(), []string{redisTestKey},
		now.Unix(), int64(60), 5, int64(120)).
		SetVal([]interface{}{int64(1), int64(3), windowStart})

	res, err := store.CheckAndIncrement(context.Background(), key, 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(2), res.Remaining)
	assert.Equal(t, time.Unix(windowStart+60, 0), res.ResetAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_DeniesOverLimit(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store, mock := redisStoreForTest(now)
	key := Key{LicenseHash: "sha256:lic-a", Category: "auth"}

	windowStart := now.Unix() - 10
	mock.ExpectEvalSha(checkAndIncrScript.Hash(), []string{redisTestKey},
		now.Unix(), int64(60), 5, int64(120)).
		SetVal([]interface{}{int64(0), int64(5), windowStart})

	res, err := store.CheckAndIncrement(context.Background(), key, 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)
	assert.Equal(t, time.Unix(windowStart+60, 0), res.ResetAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_StaleWindowResetWon(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store, mock := redisStoreForTest(now)
	key := Key{LicenseHash: "sha256:lic-a", Category: "auth"}

	staleStart := now.Unix() - 120
	mock.ExpectEvalSha(checkAndIncrScript.Hash(), []string{redisTestKey},
		now.Unix(), int64(60), 5, int64(120)).
		SetVal([]interface{}{int64(-1), int64(5), staleStart})
	mock.ExpectEvalSha(resetWindowScript.Hash(), []string{redisTestKey},
		now.Unix(), staleStart, int64(120)).
		SetVal(int64(1))

	res, err := store.CheckAndIncrement(context.Background(), key, 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(4), res.Remaining)
	assert.Equal(t, now.Add(time.Minute), res.ResetAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_StaleWindowResetLostThenRetries(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store, mock := redisStoreForTest(now)
	key := Key{LicenseHash: "sha256:lic-a", Category: "auth"}

	staleStart := now.Unix() - 120

	// First attempt observes the stale window but loses the rollover race.
	mock.ExpectEvalSha(checkAndIncrScript.Hash(), []string{redisTestKey},
		now.Unix(), int64(60), 5, int64(120)).
		SetVal([]interface{}{int64(-1), int64(5), staleStart})
	mock.ExpectEvalSha(resetWindowScript.Hash(), []string{redisTestKey},
		now.Unix(), staleStart, int64(120)).
		SetVal(int64(0))

	// The retry lands on the freshly reset window.
	mock.ExpectEvalSha(checkAndIncrScript.Hash(), []string{redisTestKey},
		now.Unix(), int64(60), 5, int64(120)).
		SetVal([]interface{}{int64(1), int64(2), now.Unix()})

	res, err := store.CheckAndIncrement(context.Background(), key, 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(3), res.Remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_BackendError(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store, mock := redisStoreForTest(now)
	key := Key{LicenseHash: "sha256:lic-a", Category: "auth"}

	mock.ExpectEvalSha(checkAndIncrScript.Hash(), []string{redisTestKey},
		now.Unix(), int64(60), 5, int64(120)).
		SetErr(errors.New("connection refused"))

	_, err := store.CheckAndIncrement(context.Background(), key, 5, time.Minute)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestRedisStore_ContentionExhausted(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store, mock := redisStoreForTest(now)
	key := Key{LicenseHash: "sha256:lic-a", Category: "auth"}

	staleStart := now.Unix() - 120
	for i := 0; i < maxAttempts; i++ {
		mock.ExpectEvalSha(checkAndIncrScript.Hash(), []string{redisTestKey},
			now.Unix(), int64(60), 5, int64(120)).
			SetVal([]interface{}{int64(-1), int64(5), staleStart})
		mock.ExpectEvalSha(resetWindowScript.Hash(), []string{redisTestKey},
			now.Unix(), staleStart, int64(120)).
			SetVal(int64(0))
	}

	_, err := store.CheckAndIncrement(context.Background(), key, 5, time.Minute)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
