// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package lock provides named, expiring mutual exclusion.  Lock attempts
// never block; a lock that is held elsewhere returns ErrNotAcquired.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotAcquired is returned when the lock is held by someone else.
	ErrNotAcquired = errors.New("lock held elsewhere")

	// ErrNotHeld is returned by Unlock when the lock expired before it
	// was released.
	ErrNotHeld = errors.New("lock no longer held")
)

// Lock is a held lock.
type Lock interface {
	Unlock(ctx context.Context) error
}

// Locker hands out named locks that expire after ttl unless released.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (Lock, error)
}

var (
	_ Locker = (*Redis)(nil)
	_ Locker = (*Local)(nil)
)

// unlockScript deletes the key only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis implements a cluster wide Locker on a single redis instance.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis returns a Locker whose keys are prefix+name.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

type redisLock struct {
	r     *Redis
	key   string
	token string
}

func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// TryLock sets the lock key if it does not exist.
func (r *Redis) TryLock(ctx context.Context, name string, ttl time.Duration) (Lock, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	key := r.prefix + name
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock %v: %w", name, err)
	}
	if !ok {
		log.Debugf("Lock %v held elsewhere", name)
		return nil, ErrNotAcquired
	}
	log.Debugf("Lock %v acquired for %v", name, ttl)
	return &redisLock{r: r, key: key, token: token}, nil
}

func (l *redisLock) Unlock(ctx context.Context) error {
	n, err := unlockScript.Run(ctx, l.r.client, []string{l.key},
		l.token).Int()
	if err != nil {
		return fmt.Errorf("unlock %v: %w", l.key, err)
	}
	if n == 0 {
		log.Warnf("Lock %v expired before unlock", l.key)
		return ErrNotHeld
	}
	return nil
}

// Local is an in process Locker for single instance deployments and
// tests.
type Local struct {
	sync.Mutex

	held   map[string]localEntry
	nextID uint64
	myNow  func() time.Time // Override time.Now()
}

type localEntry struct {
	id      uint64
	expires time.Time
}

type localLock struct {
	l    *Local
	name string
	id   uint64
}

// NewLocal returns an empty in process Locker.
func NewLocal() *Local {
	return &Local{
		held:  make(map[string]localEntry),
		myNow: time.Now,
	}
}

// TryLock takes the named lock unless an unexpired holder exists.
func (l *Local) TryLock(ctx context.Context, name string, ttl time.Duration) (Lock, error) {
	l.Lock()
	defer l.Unlock()

	now := l.myNow()
	if e, ok := l.held[name]; ok && now.Before(e.expires) {
		return nil, ErrNotAcquired
	}
	l.nextID++
	l.held[name] = localEntry{id: l.nextID, expires: now.Add(ttl)}
	return &localLock{l: l, name: name, id: l.nextID}, nil
}

func (ll *localLock) Unlock(ctx context.Context) error {
	ll.l.Lock()
	defer ll.l.Unlock()

	e, ok := ll.l.held[ll.name]
	if !ok || e.id != ll.id {
		return ErrNotHeld
	}
	delete(ll.l.held, ll.name)
	return nil
}
