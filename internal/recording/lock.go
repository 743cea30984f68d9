package recording

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"compliance-recorder/pkg/utils"
)

// Locker serializes work on one call. Unlock must be called exactly once
// after a successful Lock.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is a process-local Locker. Waiting honours ctx.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: map[string]*keyedLock{}}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.release(key, l)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// RedisLocker adds a cross-instance lease on top of a local KeyedMutex so two
// recorder instances never drive the same call at once.
type RedisLocker struct {
	local *KeyedMutex
	rdb   *redis.Client
	ttl   time.Duration
	poll  time.Duration
	owner string
	log   *slog.Logger
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration, log *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisLocker{
		local: NewKeyedMutex(),
		rdb:   rdb,
		ttl:   ttl,
		poll:  100 * time.Millisecond,
		owner: uuid.NewString(),
		log:   log,
	}
}

func leaseKey(key string) string { return "recorder:lock:" + key }

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := r.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	t := time.NewTicker(r.poll)
	defer t.Stop()
	for {
		got, err := utils.AcquireLease(ctx, r.rdb, leaseKey(key), r.owner, r.ttl)
		if err != nil {
			unlockLocal()
			return nil, fmt.Errorf("recording: lease %s: %w", key, err)
		}
		if got {
			break
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := utils.ReleaseLease(ctx, r.rdb, leaseKey(key), r.owner); err != nil {
			r.log.Warn("release call lease failed", "key", key, "err", err)
		}
		unlockLocal()
	}, nil
}

// Gate limits recordings across instances. The local semaphore always
// applies; a Gate adds a shared ceiling.
type Gate interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context)
}

// RedisGate is a Gate backed by a shared Redis counter.
type RedisGate struct {
	rdb   *redis.Client
	key   string
	limit int
	ttl   time.Duration
	log   *slog.Logger
}

func NewRedisGate(rdb *redis.Client, limit int, ttl time.Duration, log *slog.Logger) *RedisGate {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisGate{rdb: rdb, key: "recorder:cap:recordings", limit: limit, ttl: ttl, log: log}
}

func (g *RedisGate) Acquire(ctx context.Context) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, g.rdb, g.key, g.limit, g.ttl)
}

func (g *RedisGate) Release(ctx context.Context) {
	if err := utils.ReleaseConcurrencyCap(ctx, g.rdb, g.key); err != nil {
		g.log.Warn("release recording cap failed", "err", err)
	}
}
