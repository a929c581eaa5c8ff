package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ariefcatur/go-order-saga/internal/errs"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, zaptest.NewLogger(t), Options{}), mr
}

func TestWithLock_RunsAndReleases(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	ran := false
	err := l.WithLock(ctx, "order:1", Options{TTL: time.Second}, func(ctx context.Context) error {
		ran = true
		assert.True(t, mr.Exists("lock:order:1"))
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists("lock:order:1"))
}

func TestWithLock_ReturnsSectionError(t *testing.T) {
	l, mr := newTestLocker(t)
	boom := errors.New("boom")

	err := l.WithLock(context.Background(), "k", Options{}, func(context.Context) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("lock:k"), "lease released even when the section fails")
}

func TestWithLock_TimesOutWhenHeld(t *testing.T) {
	l, mr := newTestLocker(t)
	require.NoError(t, mr.Set("lock:busy", "someone-else"))

	called := false
	start := time.Now()
	err := l.WithLock(context.Background(), "busy", Options{
		TTL:         time.Second,
		WaitTimeout: 50 * time.Millisecond,
		MaxWait:     200 * time.Millisecond,
	}, func(context.Context) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.Equal(t, errs.KindLockTimeout, errs.KindOf(err))
	assert.False(t, called)
	assert.Less(t, time.Since(start), 2*time.Second)
	v, _ := mr.Get("lock:busy")
	assert.Equal(t, "someone-else", v, "foreign lease is never touched")
}

func TestWithLock_ReleaseWakesWaiter(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	held := make(chan struct{})
	go func() {
		_ = l.WithLock(ctx, "hot", Options{TTL: 5 * time.Second}, func(context.Context) error {
			close(held)
			time.Sleep(100 * time.Millisecond)
			return nil
		})
	}()
	<-held

	start := time.Now()
	err := l.WithLock(ctx, "hot", Options{
		TTL:         5 * time.Second,
		WaitTimeout: 3 * time.Second,
		MaxWait:     10 * time.Second,
	}, func(context.Context) error { return nil })

	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "waiter retried on release instead of idling out WaitTimeout")
}

func TestWithLock_MutualExclusion(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	var inside, maxInside, total int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(ctx, "shared", Options{
				TTL:         2 * time.Second,
				WaitTimeout: 100 * time.Millisecond,
				MaxWait:     10 * time.Second,
			}, func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				atomic.AddInt32(&total, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, int32(8), total)
}

func TestWithLock_RenewalExtendsLease(t *testing.T) {
	l, mr := newTestLocker(t)

	err := l.WithLock(context.Background(), "long", Options{TTL: 300 * time.Millisecond}, func(context.Context) error {
		mr.FastForward(250 * time.Millisecond)
		time.Sleep(180 * time.Millisecond) // at least one renewal tick at ttl/3
		mr.FastForward(250 * time.Millisecond)
		assert.True(t, mr.Exists("lock:long"), "renewer pushed the expiry forward")
		return nil
	})
	require.NoError(t, err)
}

func TestWithLock_CancelOnLost(t *testing.T) {
	l, mr := newTestLocker(t)

	err := l.WithLock(context.Background(), "stolen", Options{
		TTL:          150 * time.Millisecond,
		CancelOnLost: true,
	}, func(ctx context.Context) error {
		require.NoError(t, mr.Set("lock:stolen", "thief"))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return nil
		}
	})

	assert.ErrorIs(t, err, ErrLeaseLost)
	assert.ErrorIs(t, err, context.Canceled)
	v, _ := mr.Get("lock:stolen")
	assert.Equal(t, "thief", v, "release never deletes a lease owned by another token")
}

func TestWithLock_LostLeaseContinuesByDefault(t *testing.T) {
	l, mr := newTestLocker(t)

	err := l.WithLock(context.Background(), "stolen", Options{TTL: 150 * time.Millisecond}, func(ctx context.Context) error {
		require.NoError(t, mr.Set("lock:stolen", "thief"))
		time.Sleep(120 * time.Millisecond)
		return ctx.Err()
	})

	assert.NoError(t, err)
}

func TestLease_SelfExpiresAfterCrash(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	// A crashed holder: lease written, never released or renewed.
	ok, err := l.rdb.SetNX(ctx, "lock:crashed", "dead-token", 200*time.Millisecond).Result()
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(250 * time.Millisecond)

	err = l.WithLock(ctx, "crashed", Options{MaxWait: 100 * time.Millisecond}, func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestOptions_TTLClampedToMinimum(t *testing.T) {
	o := Options{TTL: time.Millisecond}.merge(DefaultOptions)
	assert.Equal(t, MinTTL, o.TTL)

	o = Options{}.merge(Options{TTL: time.Nanosecond})
	assert.Equal(t, MinTTL, o.TTL)
}

func TestWithLock_TinyTTLDoesNotPanic(t *testing.T) {
	l, mr := newTestLocker(t)

	err := l.WithLock(context.Background(), "tiny", Options{TTL: time.Nanosecond}, func(context.Context) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})

	require.NoError(t, err)
	assert.False(t, mr.Exists("lock:tiny"))
}
