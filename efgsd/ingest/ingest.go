// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ingest persists verified key records all or nothing while
// reporting the outcome of every record.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/interop/efgs/efgsd/backend"
	"github.com/interop/efgs/efgsd/metrics"
)

// Result lists record indexes by outcome.
type Result struct {
	Created  []int `json:"201"`
	Conflict []int `json:"409"`
	Failed   []int `json:"500"`
}

// InsertError is returned when at least one record could not be inserted.
// Nothing from the call was persisted and Created is empty.
type InsertError struct {
	Result *Result
}

func (e *InsertError) Error() string {
	return fmt.Sprintf("insert failed: %v conflicts, %v failures",
		len(e.Result.Conflict), len(e.Result.Failed))
}

// ConflictOnly reports whether every rejected record was a duplicate.
func (e *InsertError) ConflictOnly() bool {
	return len(e.Result.Conflict) > 0 && len(e.Result.Failed) == 0
}

// Ingester inserts key records.
type Ingester struct {
	backend backend.Backend
	timeout time.Duration // Bounds one call, zero means unbounded

	myNow func() time.Time // Override time.Now()
}

// New returns an Ingester writing to b.
func New(b backend.Backend, timeout time.Duration) *Ingester {
	return &Ingester{
		backend: b,
		timeout: timeout,
		myNow:   time.Now,
	}
}

// Ingest inserts records in one transaction.  All records share one
// creation time.  When any insert fails the transaction is rolled back and
// an *InsertError with the per index outcome is returned.  Any other error
// is an infrastructure failure and the call may be retried.
func (i *Ingester) Ingest(ctx context.Context, records []backend.KeyRecord) (*Result, error) {
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	tx, err := i.backend.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}

	createdAt := i.myNow().UTC()
	res := &Result{}
	for idx := range records {
		r := records[idx]
		r.CreatedAt = createdAt
		r.BatchTag = ""
		err := tx.InsertKey(&r)
		switch {
		case err == nil:
			res.Created = append(res.Created, idx)
		case errors.Is(err, backend.ErrDuplicate):
			log.Debugf("Ingest: duplicate payload hash %v", r.PayloadHash)
			res.Conflict = append(res.Conflict, idx)
		default:
			log.Errorf("Ingest: insert %v: %v", r.PayloadHash, err)
			res.Failed = append(res.Failed, idx)
		}
		if err := ctx.Err(); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("ingest: %w", err)
		}
	}

	if len(res.Conflict) > 0 || len(res.Failed) > 0 {
		if err := tx.Rollback(); err != nil {
			log.Errorf("Ingest: rollback: %v", err)
		}
		res.Created = nil
		log.Infof("Ingest rejected: %v records, %v conflicts, %v failures",
			len(records), len(res.Conflict), len(res.Failed))
		return nil, &InsertError{Result: res}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	metrics.KeysIngested.Add(float64(len(records)))
	log.Debugf("Ingested %v records", len(records))

	return res, nil
}
