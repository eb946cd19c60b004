package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrail/internal/constants"
	"mailtrail/internal/logger"
	pkgerrors "mailtrail/pkg/errors"
)

func TestLocalLockerSerializesKey(t *testing.T) {
	l := NewLocalLocker(8)
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "A")
			require.NoError(t, err)
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestLocalLockerTimeout(t *testing.T) {
	l := NewLocalLocker(1)
	unlock, err := l.Lock(context.Background(), "A")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "A")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsTimeout(err))
	assert.True(t, pkgerrors.IsRetryable(err))
}

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	l := NewRedisLocker(client, time.Second, logger.NopLogger())
	unlock, err := l.Lock(context.Background(), "A")
	require.NoError(t, err)
	assert.True(t, mr.Exists(constants.CacheKeyPrefixLock+"A"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "A")
	assert.True(t, pkgerrors.IsTimeout(err))

	unlock()
	assert.False(t, mr.Exists(constants.CacheKeyPrefixLock+"A"))

	unlock2, err := l.Lock(context.Background(), "A")
	require.NoError(t, err)
	unlock2()
}
