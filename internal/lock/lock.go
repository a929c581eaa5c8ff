// Package lock provides named exclusive leases backed by Redis.
//
// A lease is a key holding an opaque owner token with a PX expiry. While the
// critical section runs, a renewer extends the expiry every ttl/3 as long as
// the stored token is still ours. Release is compare-and-delete followed by a
// publish on the key's release channel, which wakes blocked waiters.
//
// Leases give bounded staleness, not consensus: if renewal stalls for longer
// than ttl a second holder can acquire the key while the first one is still
// running. Critical sections must stay idempotent or short relative to ttl.
package lock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-saga/internal/errs"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
)

var (
	ErrLockTimeout = errs.New(errs.KindLockTimeout, "LOCK_TIMEOUT", "lock wait exceeded max wait")
	ErrLeaseLost   = errs.New(errs.KindLockTimeout, "LEASE_LOST", "lease lost while held")
)

// KEYS[1] = lease key, ARGV[1] = token, ARGV[2] = ttl ms
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// KEYS[1] = lease key, ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

type Options struct {
	TTL         time.Duration
	WaitTimeout time.Duration
	MaxWait     time.Duration
	// CancelOnLost cancels the context handed to the critical section once
	// the renewer finds the lease held by someone else.
	CancelOnLost bool
}

// MinTTL keeps ttl/3 renewals and the PX argument above zero.
const MinTTL = 3 * time.Millisecond

func (o Options) merge(def Options) Options {
	if o.TTL <= 0 {
		o.TTL = def.TTL
	}
	if o.TTL < MinTTL {
		o.TTL = MinTTL
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = def.WaitTimeout
	}
	if o.MaxWait <= 0 {
		o.MaxWait = def.MaxWait
	}
	if def.CancelOnLost {
		o.CancelOnLost = true
	}
	return o
}

var DefaultOptions = Options{
	TTL:         10 * time.Second,
	WaitTimeout: time.Second,
	MaxWait:     5 * time.Second,
}

type Locker struct {
	rdb      redis.UniversalClient
	log      *zap.Logger
	defaults Options
	newToken func() string
}

func New(rdb redis.UniversalClient, log *zap.Logger, defaults Options) *Locker {
	return &Locker{
		rdb:      rdb,
		log:      logging.OrNop(log),
		defaults: defaults.merge(DefaultOptions),
		newToken: func() string { return ulid.Make().String() },
	}
}

// WithLock runs fn while holding the lease on key. Zero fields in opts fall
// back to the locker defaults. fn's error is returned as is; if the lease was
// lost and CancelOnLost is set, the error is wrapped in ErrLeaseLost.
func (l *Locker) WithLock(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	o := opts.merge(l.defaults)
	token := l.newToken()

	if err := l.acquire(ctx, key, token, o); err != nil {
		return err
	}

	fnCtx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()

	var lost atomic.Bool
	renewCtx, stopRenew := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		l.renew(renewCtx, key, token, o.TTL, func() {
			lost.Store(true)
			if o.CancelOnLost {
				cancelFn()
			}
		})
	}()

	err := fn(fnCtx)

	stopRenew()
	<-renewDone

	if rerr := l.release(ctx, key, token); rerr != nil {
		l.log.Warn("lock release failed", zap.String("key", key), zap.Error(rerr))
	}

	if err != nil && lost.Load() && o.CancelOnLost {
		return ErrLeaseLost.With(err)
	}
	return err
}

func (l *Locker) acquire(ctx context.Context, key, token string, o Options) error {
	leaseKey := fmt.Sprintf(redisx.KeyLock, key)
	deadline := time.Now().Add(o.MaxWait)

	var sub *redis.PubSub
	defer func() {
		if sub != nil {
			_ = sub.Close()
		}
	}()

	for {
		ok, err := l.rdb.SetNX(ctx, leaseKey, token, o.TTL).Result()
		if err != nil {
			return errs.Infra("LOCK_ACQUIRE", err)
		}
		if ok {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrLockTimeout.With(fmt.Errorf("key %q", key))
		}

		if sub == nil {
			// Subscribe first, then retry once: a release between the failed
			// SETNX and the subscription would otherwise go unnoticed.
			sub = l.rdb.Subscribe(ctx, fmt.Sprintf(redisx.KeyLockRelease, key))
			if _, err := sub.Receive(ctx); err != nil {
				return errs.Infra("LOCK_SUBSCRIBE", err)
			}
			continue
		}

		wait := o.WaitTimeout
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-sub.Channel():
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (l *Locker) renew(ctx context.Context, key, token string, ttl time.Duration, onLost func()) {
	leaseKey := fmt.Sprintf(redisx.KeyLock, key)
	t := time.NewTicker(ttl / 3)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := renewScript.Run(ctx, l.rdb, []string{leaseKey}, token, ttl.Milliseconds()).Int64()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.log.Warn("lock renewal failed", zap.String("key", key), zap.Error(err))
				continue
			}
			if n == 0 {
				l.log.Warn("lock lease lost", zap.String("key", key))
				onLost()
				return
			}
		}
	}
}

func (l *Locker) release(ctx context.Context, key, token string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	n, err := releaseScript.Run(ctx, l.rdb, []string{fmt.Sprintf(redisx.KeyLock, key)}, token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		// Expired or stolen; whoever holds it now will publish.
		return nil
	}
	return l.rdb.Publish(ctx, fmt.Sprintf(redisx.KeyLockRelease, key), token).Err()
}
