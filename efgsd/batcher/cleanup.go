// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package batcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/interop/efgs/efgsd/backend"
	"github.com/interop/efgs/efgsd/lock"
	"github.com/interop/efgs/efgsd/metrics"
)

const (
	// LockCleanup is the cluster lock held while deleting old data.
	LockCleanup = "cleanup"

	DefaultMaxAgeInDays = 14
)

// Cleaner deletes key records and batches that fell out of the retention
// window.
type Cleaner struct {
	backend   backend.Backend
	locker    lock.Locker
	maxAge    int
	lockLimit time.Duration

	myNow func() time.Time // Override time.Now()
}

// NewCleaner returns a Cleaner that keeps maxAgeInDays full days besides
// today.
func NewCleaner(b backend.Backend, l lock.Locker, maxAgeInDays int, lockLimit time.Duration) *Cleaner {
	if maxAgeInDays <= 0 {
		maxAgeInDays = DefaultMaxAgeInDays
	}
	if lockLimit <= 0 {
		lockLimit = DefaultLockLimit
	}
	return &Cleaner{
		backend:   b,
		locker:    l,
		maxAge:    maxAgeInDays,
		lockLimit: lockLimit,
		myNow:     time.Now,
	}
}

// Run deletes everything created before the start of today minus the
// retention window.  It does nothing when another instance holds the
// cleanup lock.
func (c *Cleaner) Run(ctx context.Context) error {
	l, err := c.locker.TryLock(ctx, LockCleanup, c.lockLimit)
	if errors.Is(err, lock.ErrNotAcquired) {
		log.Debugf("Cleanup skipped: lock held elsewhere")
		return nil
	}
	if err != nil {
		return fmt.Errorf("cleanup lock: %w", err)
	}
	defer func() {
		if err := l.Unlock(context.Background()); err != nil {
			log.Errorf("Cleanup unlock: %v", err)
		}
	}()

	today, _ := backend.DayRange(c.myNow())
	before := today.AddDate(0, 0, -c.maxAge)

	var keys, batches int
	err = backend.Update(ctx, c.backend, func(tx backend.Tx) error {
		var err error
		keys, batches, err = tx.DeleteBefore(before)
		return err
	})
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}

	metrics.CleanupDeleted.WithLabelValues("keys").Add(float64(keys))
	metrics.CleanupDeleted.WithLabelValues("batches").Add(float64(batches))
	log.Infof("Cleanup before %v: %v keys %v batches deleted",
		before.Format("2006-01-02"), keys, batches)
	return nil
}
