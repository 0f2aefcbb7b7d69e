// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	a := NewRedis(client, "efgs:lock:")
	b := NewRedis(client, "efgs:lock:")

	la, err := a.TryLock(ctx, "batching", time.Minute)
	require.NoError(t, err)
	require.True(t, mr.Exists("efgs:lock:batching"))

	_, err = b.TryLock(ctx, "batching", time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)

	// Other names are independent.
	lc, err := b.TryLock(ctx, "cleanup", time.Minute)
	require.NoError(t, err)
	require.NoError(t, lc.Unlock(ctx))

	require.NoError(t, la.Unlock(ctx))
	require.False(t, mr.Exists("efgs:lock:batching"))

	lb, err := b.TryLock(ctx, "batching", time.Minute)
	require.NoError(t, err)
	require.NoError(t, lb.Unlock(ctx))
}

func TestRedisExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()
	l := NewRedis(client, "")

	la, err := l.TryLock(ctx, "batching", time.Minute)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	lb, err := l.TryLock(ctx, "batching", time.Minute)
	require.NoError(t, err)

	// The expired holder must not release the new holder's lock.
	require.ErrorIs(t, la.Unlock(ctx), ErrNotHeld)
	require.True(t, mr.Exists("batching"))
	require.NoError(t, lb.Unlock(ctx))
}

func TestRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(),
		MaxRetries: -1})
	defer client.Close()
	mr.Close()

	_, err = NewRedis(client, "").TryLock(context.Background(), "x",
		time.Minute)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotAcquired)
}

func TestLocal(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	l := NewLocal()
	l.myNow = func() time.Time { return now }

	la, err := l.TryLock(ctx, "batching", time.Minute)
	require.NoError(t, err)
	_, err = l.TryLock(ctx, "batching", time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)

	now = now.Add(2 * time.Minute)
	lb, err := l.TryLock(ctx, "batching", time.Minute)
	require.NoError(t, err)
	require.ErrorIs(t, la.Unlock(ctx), ErrNotHeld)
	require.NoError(t, lb.Unlock(ctx))

	_, err = l.TryLock(ctx, "batching", time.Minute)
	require.NoError(t, err)
}
