// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package batcher partitions unbatched key records into per day chains of
// download batches.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	v1 "github.com/interop/efgs/api/v1"
	"github.com/interop/efgs/efgsd/backend"
	"github.com/interop/efgs/efgsd/lock"
	"github.com/interop/efgs/efgsd/metrics"
)

const (
	// LockBatching is the cluster lock held by a batching cycle.
	LockBatching = "batching"

	DefaultDocLimit   = 5000
	DefaultTimeLimit  = 20 * time.Minute
	DefaultLockLimit  = 30 * time.Minute
	DefaultTxTimeout  = time.Minute
	DefaultRetryMax   = 1
	DefaultRetryDelay = 10 * time.Second
)

// ErrChainCorrupt is returned when the stored batch chain violates its
// invariants.  It is never retried.
var ErrChainCorrupt = errors.New("batch chain corrupt")

// NotificationSink is told about every new batch after it was committed.
type NotificationSink interface {
	Notify(ctx context.Context, b backend.Batch) error
}

// Config tunes the engine.  Zero values select the defaults.
type Config struct {
	DocLimit   int           // Maximum keys per batch
	TimeLimit  time.Duration // Maximum duration of one cycle
	LockLimit  time.Duration // Lifetime of the cycle lock
	TxTimeout  time.Duration // Bounds one batch transaction
	RetryMax   uint64        // Retries of a failed batch transaction
	RetryDelay time.Duration // Delay between retries
}

func (c *Config) setDefaults() {
	if c.DocLimit <= 0 {
		c.DocLimit = DefaultDocLimit
	}
	if c.TimeLimit <= 0 {
		c.TimeLimit = DefaultTimeLimit
	}
	if c.LockLimit <= 0 {
		c.LockLimit = DefaultLockLimit
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = DefaultTxTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
}

// Engine creates batches.
type Engine struct {
	backend  backend.Backend
	locker   lock.Locker
	notifier NotificationSink
	cfg      Config

	myNow func() time.Time // Override time.Now()
}

// New returns a batching engine.  RetryMax is used as given; all other zero
// fields of cfg select the defaults.
func New(b backend.Backend, l lock.Locker, n NotificationSink, cfg Config) *Engine {
	cfg.setDefaults()
	return &Engine{
		backend:  b,
		locker:   l,
		notifier: n,
		cfg:      cfg,
		myNow:    time.Now,
	}
}

// collect returns the uploader batch tags that go into the next batch and
// their total number of unbatched records.  Collection stops at the first
// group that has a different format or does not fit under the limit.
func (e *Engine) collect(tx backend.Tx) ([]string, int, error) {
	var (
		tags   []string
		size   int
		format *v1.FormatVersion
	)
	for {
		r, err := tx.FirstUnbatched(tags)
		if err != nil {
			return nil, 0, fmt.Errorf("first unbatched: %w", err)
		}
		if r == nil {
			break
		}
		if format == nil {
			f := r.Format
			format = &f
		} else if !format.Compatible(r.Format) {
			break
		}

		n, err := tx.CountUnbatchedByUploaderTag(r.UploaderBatchTag)
		if err != nil {
			return nil, 0, fmt.Errorf("count %v: %w",
				r.UploaderBatchTag, err)
		}
		if size+n > e.cfg.DocLimit {
			if len(tags) == 0 {
				log.Warnf("Upload %v has %v keys which exceeds "+
					"the batch limit %v", r.UploaderBatchTag, n,
					e.cfg.DocLimit)
			}
			break
		}
		size += n
		tags = append(tags, r.UploaderBatchTag)
	}
	return tags, size, nil
}

// nextName allocates the name of the next batch of today and links the
// current last batch of today to it.  The last batch is the one with the
// highest sequence number.  The returned creation time is now, moved past
// the creation time of the last batch when the clock stepped back.
func (e *Engine) nextName(tx backend.Tx, now time.Time) (string, time.Time, error) {
	from, to := backend.DayRange(now)
	latest, err := tx.LatestBatch(from, to)
	if err != nil {
		return "", now, fmt.Errorf("latest batch: %w", err)
	}
	if latest == nil {
		return backend.BatchName(now, 1), now, nil
	}

	day, seq, err := backend.ParseBatchName(latest.Name)
	if err != nil {
		return "", now, fmt.Errorf("%w: %v", ErrChainCorrupt, err)
	}
	if !day.Equal(from) {
		return "", now, fmt.Errorf("%w: batch %v created on %v",
			ErrChainCorrupt, latest.Name, from.Format("2006-01-02"))
	}
	if latest.Link != "" {
		return "", now, fmt.Errorf("%w: last batch %v already linked "+
			"to %v", ErrChainCorrupt, latest.Name, latest.Link)
	}

	if !now.After(latest.CreatedAt) {
		log.Warnf("Clock %v is not past batch %v created %v",
			now.Format(time.RFC3339Nano), latest.Name,
			latest.CreatedAt.Format(time.RFC3339Nano))
		now = latest.CreatedAt.Add(time.Nanosecond)
	}

	name := backend.BatchName(now, seq+1)
	if err := tx.SetBatchLink(latest.Name, name); err != nil {
		return "", now, fmt.Errorf("link %v: %w", latest.Name, err)
	}
	return name, now, nil
}

// createBatch runs the batch transaction.  It returns nil when nothing is
// pending.
func (e *Engine) createBatch(ctx context.Context) (*backend.Batch, int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.TxTimeout)
	defer cancel()

	tx, err := e.backend.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	tags, size, err := e.collect(tx)
	if err != nil {
		return nil, 0, err
	}
	if len(tags) == 0 {
		return nil, 0, nil
	}

	name, now, err := e.nextName(tx, e.myNow().UTC())
	if err != nil {
		return nil, 0, err
	}
	batch := &backend.Batch{Name: name, CreatedAt: now}
	err = tx.InsertBatch(batch)
	if errors.Is(err, backend.ErrBatchExists) {
		return nil, 0, fmt.Errorf("%w: batch %v exists", ErrChainCorrupt,
			name)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("insert batch %v: %w", name, err)
	}

	n, err := tx.AssignBatch(tags, name)
	if err != nil {
		return nil, 0, fmt.Errorf("assign %v: %w", name, err)
	}
	if n != size {
		return nil, 0, fmt.Errorf("%w: assigned %v keys to %v, "+
			"collected %v", ErrChainCorrupt, n, name, size)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("commit: %w", err)
	}
	return batch, n, nil
}

// CreateNextBatch creates one batch from the oldest unbatched uploads and
// notifies about it.  It reports false when nothing was pending.  The
// caller must hold the batching lock.
func (e *Engine) CreateNextBatch(ctx context.Context) (bool, error) {
	batch, n, err := e.createBatch(ctx)
	if err != nil {
		return false, err
	}
	if batch == nil {
		log.Debugf("No unbatched keys left")
		return false, nil
	}

	metrics.BatchesCreated.Inc()
	metrics.BatchSize.Observe(float64(n))
	log.Infof("Batch created: %v keys %v", batch.Name, n)

	if err := e.notifier.Notify(ctx, *batch); err != nil {
		metrics.Notifications.WithLabelValues("error").Inc()
		log.Errorf("Notify %v: %v", batch.Name, err)
	} else {
		metrics.Notifications.WithLabelValues("ok").Inc()
	}
	return true, nil
}

// createNextBatchRetry retries CreateNextBatch on infrastructure failures.
func (e *Engine) createNextBatchRetry(ctx context.Context) (bool, error) {
	var created bool
	op := func() error {
		var err error
		created, err = e.CreateNextBatch(ctx)
		if errors.Is(err, ErrChainCorrupt) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(e.cfg.RetryDelay), e.cfg.RetryMax), ctx)
	err := backoff.RetryNotify(op, bo, func(err error, d time.Duration) {
		log.Warnf("Create batch: %v, retrying in %v", err, d)
	})
	return created, err
}

// RunCycle creates batches until nothing is pending or the time limit is
// reached.  It returns without doing anything when another instance holds
// the batching lock.  The number of created batches is returned.
func (e *Engine) RunCycle(ctx context.Context) (int, error) {
	l, err := e.locker.TryLock(ctx, LockBatching, e.cfg.LockLimit)
	if errors.Is(err, lock.ErrNotAcquired) {
		log.Debugf("Batching skipped: lock held elsewhere")
		metrics.BatchingCycles.WithLabelValues("skipped").Inc()
		return 0, nil
	}
	if err != nil {
		metrics.BatchingCycles.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("batching lock: %w", err)
	}
	defer func() {
		if err := l.Unlock(context.Background()); err != nil {
			log.Errorf("Batching unlock: %v", err)
		}
	}()

	log.Infof("Batching started")
	start := e.myNow()
	var count int
	for {
		created, err := e.createNextBatchRetry(ctx)
		if err != nil {
			metrics.BatchingCycles.WithLabelValues("error").Inc()
			log.Errorf("Batching failed after %v batches: %v", count,
				err)
			return count, err
		}
		if !created {
			break
		}
		count++

		if elapsed := e.myNow().Sub(start); elapsed > e.cfg.TimeLimit {
			log.Infof("Batching time limit reached after %v", elapsed)
			break
		}
	}
	metrics.BatchingCycles.WithLabelValues("ok").Inc()
	metrics.BatchingDuration.Observe(e.myNow().Sub(start).Seconds())
	log.Infof("Batching finished: %v batches", count)
	return count, nil
}
