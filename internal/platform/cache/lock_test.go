package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestLockerSerialisesHolders(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	locker := NewLocker(rdb, time.Minute, nil).WithWait(150 * time.Millisecond)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "production:day:2024-05-01:lock")
	require.NoError(t, err)
	require.True(t, mr.Exists("production:day:2024-05-01:lock"))

	_, err = locker.Acquire(ctx, "production:day:2024-05-01:lock")
	require.ErrorIs(t, err, ErrLockNotObtained)

	release()
	require.False(t, mr.Exists("production:day:2024-05-01:lock"))

	release, err = locker.Acquire(ctx, "production:day:2024-05-01:lock")
	require.NoError(t, err)
	release()
}

func TestLockerWithoutRedisIsNoop(t *testing.T) {
	locker := NewLocker(nil, time.Second, nil)
	release, err := locker.Acquire(context.Background(), "any")
	require.NoError(t, err)
	require.NotNil(t, release)
	release()

	var nilLocker *Locker
	release, err = nilLocker.Acquire(context.Background(), "any")
	require.NoError(t, err)
	release()
}
