// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	v1 "github.com/interop/efgs/api/v1"
	"github.com/interop/efgs/efgsd/backend"
	"github.com/interop/efgs/efgsd/backend/backendtest"
	"github.com/interop/efgs/efgsd/backend/filesystem"
	"github.com/interop/efgs/efgsd/backend/sqldb"
	"github.com/interop/efgs/efgsd/lock"
	"github.com/stretchr/testify/require"
)

var today = time.Date(2020, 7, 31, 12, 0, 0, 0, time.UTC)

// clock returns a time source that advances one second per call.
func clock(start time.Time) func() time.Time {
	var mtx sync.Mutex
	now := start
	return func() time.Time {
		mtx.Lock()
		defer mtx.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

type recordingSink struct {
	sync.Mutex
	batches []backend.Batch
	err     error
}

func (r *recordingSink) Notify(ctx context.Context, b backend.Batch) error {
	r.Lock()
	defer r.Unlock()
	r.batches = append(r.batches, b)
	return r.err
}

type countingBackend struct {
	backend.Backend
	begins int
	err    error
}

func (c *countingBackend) Begin(ctx context.Context) (backend.Tx, error) {
	c.begins++
	if c.err != nil {
		return nil, c.err
	}
	return c.Backend.Begin(ctx)
}

func newBackend(t *testing.T) backend.Backend {
	t.Helper()
	fs, err := filesystem.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return fs
}

var sqliteCount atomic.Int64

func newSQLite(t *testing.T) backend.Backend {
	t.Helper()
	name := fmt.Sprintf("memory:batcher_test_%d", sqliteCount.Add(1))
	s, err := sqldb.NewSQLite(name)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachBackend runs f against an empty backend of every kind.
func forEachBackend(t *testing.T, f func(t *testing.T, b backend.Backend)) {
	backends := []struct {
		name string
		open func(t *testing.T) backend.Backend
	}{
		{"leveldb", newBackend},
		{"sqlite", newSQLite},
	}
	for _, test := range backends {
		t.Run(test.name, func(t *testing.T) {
			f(t, test.open(t))
		})
	}
}

func newEngine(b backend.Backend, sink NotificationSink, limit int) *Engine {
	e := New(b, lock.NewLocal(), sink, Config{
		DocLimit:   limit,
		RetryMax:   1,
		RetryDelay: time.Millisecond,
	})
	e.myNow = clock(today)
	return e
}

func batchName(seq int) string {
	return backend.BatchName(today, seq)
}

func batchSizes(t *testing.T, b backend.Backend) []int {
	t.Helper()
	var sizes []int
	from, to := backend.DayRange(today)
	err := backend.View(context.Background(), b, func(tx backend.Tx) error {
		batches, err := tx.Batches(from, to)
		if err != nil {
			return err
		}
		for _, batch := range batches {
			keys, err := tx.KeysByBatch(batch.Name)
			if err != nil {
				return err
			}
			sizes = append(sizes, len(keys))
		}
		return nil
	})
	require.NoError(t, err)
	return sizes
}

func TestSingleUpload(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		sink := &recordingSink{}
		backendtest.Insert(t, b, backendtest.Group(1, 3, "U1", today)...)

		n, err := newEngine(b, sink, DefaultDocLimit).RunCycle(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, n)

		err = backend.View(context.Background(), b, func(tx backend.Tx) error {
			batch, err := tx.BatchByName(batchName(1))
			require.NoError(t, err)
			require.Empty(t, batch.Link)

			keys, err := tx.KeysByBatch(batchName(1))
			require.NoError(t, err)
			require.Len(t, keys, 3)
			for _, k := range keys {
				require.Equal(t, "U1", k.UploaderBatchTag)
				require.Equal(t, batchName(1), k.BatchTag)
			}
			return nil
		})
		require.NoError(t, err)

		require.Len(t, sink.batches, 1)
		require.Equal(t, batchName(1), sink.batches[0].Name)
	})
}

func TestBatchLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		for i, size := range []int{5, 5, 5, 8, 3} {
			tag := fmt.Sprintf("U%d", i+1)
			backendtest.Insert(t, b, backendtest.Group(i*100, size, tag,
				today)...)
		}

		n, err := newEngine(b, &recordingSink{}, 9).RunCycle(context.Background())
		require.NoError(t, err)
		require.Equal(t, 5, n)
		require.Equal(t, []int{5, 5, 5, 8, 3}, batchSizes(t, b))

		count, err := VerifyChain(context.Background(), b, today)
		require.NoError(t, err)
		require.Equal(t, 5, count)

		// A second cycle has nothing to do.
		n, err = newEngine(b, &recordingSink{}, 9).RunCycle(context.Background())
		require.NoError(t, err)
		require.Zero(t, n)
	})
}

func TestBatchPacking(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		for i, size := range []int{2, 3, 4, 1} {
			tag := fmt.Sprintf("U%d", i+1)
			backendtest.Insert(t, b, backendtest.Group(i*100, size, tag,
				today)...)
		}

		_, err := newEngine(b, &recordingSink{}, 5).RunCycle(context.Background())
		require.NoError(t, err)
		sizes := batchSizes(t, b)
		require.Equal(t, []int{5, 5}, sizes)
		for _, s := range sizes {
			require.LessOrEqual(t, s, 5)
		}
	})
}

func TestFormatSplit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		g1 := backendtest.Group(1, 2, "U1", today)
		g2 := backendtest.Group(100, 2, "U2", today)
		for _, r := range g2 {
			r.Format = v1.FormatVersion{Major: 2, Minor: 0}
		}
		g3 := backendtest.Group(200, 2, "U3", today)
		backendtest.Insert(t, b, g1...)
		backendtest.Insert(t, b, g2...)
		backendtest.Insert(t, b, g3...)

		_, err := newEngine(b, &recordingSink{}, 100).RunCycle(context.Background())
		require.NoError(t, err)
		require.Equal(t, []int{2, 2, 2}, batchSizes(t, b))

		err = backend.View(context.Background(), b, func(tx backend.Tx) error {
			keys, err := tx.KeysByBatch(batchName(2))
			require.NoError(t, err)
			for _, k := range keys {
				require.Equal(t, v1.FormatVersion{Major: 2}, k.Format)
			}
			return nil
		})
		require.NoError(t, err)
	})
}

func TestOversizedUpload(t *testing.T) {
	b := newBackend(t)
	backendtest.Insert(t, b, backendtest.Group(1, 5, "U1", today)...)

	created, err := newEngine(b, &recordingSink{}, 4).
		CreateNextBatch(context.Background())
	require.NoError(t, err)
	require.False(t, created)
	require.Empty(t, batchSizes(t, b))
}

func TestNothingPending(t *testing.T) {
	b := newBackend(t)
	sink := &recordingSink{}
	n, err := newEngine(b, sink, DefaultDocLimit).RunCycle(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, sink.batches)
}

func TestLockHeld(t *testing.T) {
	b := newBackend(t)
	backendtest.Insert(t, b, backendtest.Group(1, 3, "U1", today)...)

	locker := lock.NewLocal()
	l, err := locker.TryLock(context.Background(), LockBatching, time.Hour)
	require.NoError(t, err)

	e := newEngine(b, &recordingSink{}, DefaultDocLimit)
	e.locker = locker
	n, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, batchSizes(t, b))

	// Released lock lets the next cycle run.
	require.NoError(t, l.Unlock(context.Background()))
	n, err = e.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestNotifyFailure(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		backendtest.Insert(t, b, backendtest.Group(1, 3, "U1", today)...)
		backendtest.Insert(t, b, backendtest.Group(10, 3, "U2", today)...)

		sink := &recordingSink{err: errors.New("downstream unavailable")}
		n, err := newEngine(b, sink, 3).RunCycle(context.Background())
		require.NoError(t, err)
		require.Equal(t, 2, n)
		require.Len(t, sink.batches, 2)
		require.Equal(t, []int{3, 3}, batchSizes(t, b))
	})
}

func TestRetryCap(t *testing.T) {
	b := &countingBackend{
		Backend: newBackend(t),
		err:     errors.New("connection refused"),
	}
	e := newEngine(b, &recordingSink{}, DefaultDocLimit)
	_, err := e.RunCycle(context.Background())
	require.Error(t, err)
	require.Equal(t, 2, b.begins)
}

func TestCorruptChain(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		backendtest.Insert(t, b, backendtest.Group(1, 3, "U1", today)...)
		err := backend.Update(context.Background(), b, func(tx backend.Tx) error {
			return tx.InsertBatch(&backend.Batch{
				Name:      batchName(1),
				CreatedAt: today,
				Link:      batchName(7),
			})
		})
		require.NoError(t, err)

		cb := &countingBackend{Backend: b}
		e := newEngine(cb, &recordingSink{}, DefaultDocLimit)
		_, err = e.RunCycle(context.Background())
		require.ErrorIs(t, err, ErrChainCorrupt)
		require.Equal(t, 1, cb.begins)

		// Nothing was assigned.
		err = backend.View(context.Background(), b, func(tx backend.Tx) error {
			n, err := tx.CountUnbatchedByUploaderTag("U1")
			require.NoError(t, err)
			require.Equal(t, 3, n)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestNewDay(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		backendtest.Insert(t, b, backendtest.Group(1, 3, "U1", today)...)
		e := newEngine(b, &recordingSink{}, DefaultDocLimit)
		_, err := e.RunCycle(context.Background())
		require.NoError(t, err)

		tomorrow := today.AddDate(0, 0, 1)
		backendtest.Insert(t, b, backendtest.Group(10, 2, "U2", tomorrow)...)
		e.myNow = clock(tomorrow)
		_, err = e.RunCycle(context.Background())
		require.NoError(t, err)

		err = backend.View(context.Background(), b, func(tx backend.Tx) error {
			first, err := tx.BatchByName(batchName(1))
			require.NoError(t, err)
			require.Empty(t, first.Link)

			_, err = tx.BatchByName(backend.BatchName(tomorrow, 1))
			require.NoError(t, err)
			return nil
		})
		require.NoError(t, err)
	})
}

// steps returns a time source that yields times in order and then keeps
// returning the last one.
func steps(times ...time.Time) func() time.Time {
	var mtx sync.Mutex
	return func() time.Time {
		mtx.Lock()
		defer mtx.Unlock()
		now := times[0]
		if len(times) > 1 {
			times = times[1:]
		}
		return now
	}
}

func TestClockStepBack(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		for i := 0; i < 3; i++ {
			tag := fmt.Sprintf("U%d", i+1)
			backendtest.Insert(t, b, backendtest.Group(i*10, 2, tag,
				today)...)
		}

		first := time.Date(2020, 7, 31, 13, 0, 0, 0, time.UTC)
		e := newEngine(b, &recordingSink{}, 2)
		e.myNow = steps(first, first.Add(-time.Second),
			first.Add(time.Hour))
		for i := 0; i < 3; i++ {
			created, err := e.CreateNextBatch(context.Background())
			require.NoError(t, err)
			require.True(t, created, "batch %v", i+1)
		}

		count, err := VerifyChain(context.Background(), b, today)
		require.NoError(t, err)
		require.Equal(t, 3, count)

		err = backend.View(context.Background(), b, func(tx backend.Tx) error {
			from, to := backend.DayRange(today)
			batches, err := tx.Batches(from, to)
			require.NoError(t, err)
			require.Len(t, batches, 3)
			for i, batch := range batches {
				require.Equal(t, batchName(i+1), batch.Name)
			}
			require.True(t, first.Add(time.Nanosecond).
				Equal(batches[1].CreatedAt), "%v", batches[1].CreatedAt)
			require.Equal(t, batchName(2), batches[0].Link)
			require.Equal(t, batchName(3), batches[1].Link)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestVerifyChain(t *testing.T) {
	tests := []struct {
		name    string
		batches []backend.Batch
		count   int
		wantErr bool
	}{
		{"empty", nil, 0, false},
		{
			"linked",
			[]backend.Batch{
				{Name: batchName(1), Link: batchName(2)},
				{Name: batchName(2), Link: batchName(3)},
				{Name: batchName(3)},
			},
			3, false,
		},
		{
			"missing link target",
			[]backend.Batch{
				{Name: batchName(1), Link: batchName(3)},
			},
			1, true,
		},
		{
			"gap",
			[]backend.Batch{
				{Name: batchName(1), Link: batchName(3)},
				{Name: batchName(3)},
			},
			2, true,
		},
		{
			"unreachable",
			[]backend.Batch{
				{Name: batchName(1)},
				{Name: batchName(2)},
			},
			1, true,
		},
		{
			"cycle",
			[]backend.Batch{
				{Name: batchName(1), Link: batchName(2)},
				{Name: batchName(2), Link: batchName(1)},
			},
			2, true,
		},
		{
			"foreign day",
			[]backend.Batch{
				{Name: batchName(1),
					Link: backend.BatchName(today.AddDate(0, 0, -1), 2)},
				{Name: backend.BatchName(today.AddDate(0, 0, -1), 2),
					CreatedAt: today.AddDate(0, 0, -1)},
			},
			2, true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			forEachBackend(t, func(t *testing.T, b backend.Backend) {
				err := backend.Update(context.Background(), b,
					func(tx backend.Tx) error {
						for i, batch := range test.batches {
							batch := batch
							if batch.CreatedAt.IsZero() {
								batch.CreatedAt = today.Add(
									time.Duration(i) * time.Minute)
							}
							if err := tx.InsertBatch(&batch); err != nil {
								return err
							}
						}
						return nil
					})
				require.NoError(t, err)

				count, err := VerifyChain(context.Background(), b, today)
				if test.wantErr {
					require.ErrorIs(t, err, ErrChainCorrupt)
				} else {
					require.NoError(t, err)
				}
				require.Equal(t, test.count, count)
			})
		})
	}
}

func TestCleaner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		old := today.AddDate(0, 0, -20)
		recent := today.AddDate(0, 0, -3)
		backendtest.Insert(t, b, backendtest.Group(1, 4, "OLD", old)...)
		backendtest.Insert(t, b, backendtest.Group(10, 2, "NEW", recent)...)
		err := backend.Update(context.Background(), b, func(tx backend.Tx) error {
			err := tx.InsertBatch(&backend.Batch{
				Name:      backend.BatchName(old, 1),
				CreatedAt: old,
			})
			if err != nil {
				return err
			}
			return tx.InsertBatch(&backend.Batch{
				Name:      backend.BatchName(recent, 1),
				CreatedAt: recent,
			})
		})
		require.NoError(t, err)

		c := NewCleaner(b, lock.NewLocal(), 14, 0)
		c.myNow = func() time.Time { return today }
		require.NoError(t, c.Run(context.Background()))

		err = backend.View(context.Background(), b, func(tx backend.Tx) error {
			ok, err := tx.UploaderTagExists("OLD")
			require.NoError(t, err)
			require.False(t, ok)
			ok, err = tx.UploaderTagExists("NEW")
			require.NoError(t, err)
			require.True(t, ok)

			_, err = tx.BatchByName(backend.BatchName(old, 1))
			require.ErrorIs(t, err, backend.ErrNotFound)
			_, err = tx.BatchByName(backend.BatchName(recent, 1))
			require.NoError(t, err)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestCleanerLockHeld(t *testing.T) {
	b := newBackend(t)
	old := today.AddDate(0, 0, -20)
	backendtest.Insert(t, b, backendtest.Group(1, 1, "OLD", old)...)

	locker := lock.NewLocal()
	_, err := locker.TryLock(context.Background(), LockCleanup, time.Hour)
	require.NoError(t, err)

	c := NewCleaner(b, locker, 14, 0)
	c.myNow = func() time.Time { return today }
	require.NoError(t, c.Run(context.Background()))

	err = backend.View(context.Background(), b, func(tx backend.Tx) error {
		ok, err := tx.UploaderTagExists("OLD")
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})
	require.NoError(t, err)
}
