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
)

// VerifyChain walks the batch chain of the day containing day, starting at
// its first batch and following the links by name.  It returns the number
// of batches in the chain.  Broken links, sequence gaps, cycles, links into
// another day and batches that are not reachable from the first batch are
// reported as ErrChainCorrupt.
func VerifyChain(ctx context.Context, b backend.Backend, day time.Time) (int, error) {
	from, to := backend.DayRange(day)

	var count int
	err := backend.View(ctx, b, func(tx backend.Tx) error {
		all, err := tx.Batches(from, to)
		if err != nil {
			return err
		}
		first, err := tx.FirstBatch(from, to)
		if err != nil {
			return err
		}
		if first == nil {
			return nil
		}

		visited := make(map[string]struct{}, len(all))
		for cur := first; ; {
			if _, ok := visited[cur.Name]; ok {
				return fmt.Errorf("%w: cycle at %v", ErrChainCorrupt,
					cur.Name)
			}
			visited[cur.Name] = struct{}{}
			count++

			d, seq, err := backend.ParseBatchName(cur.Name)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrChainCorrupt, err)
			}
			if !d.Equal(from) {
				return fmt.Errorf("%w: batch %v does not belong "+
					"to %v", ErrChainCorrupt, cur.Name,
					from.Format("2006-01-02"))
			}
			if seq != count {
				return fmt.Errorf("%w: batch %v at chain position "+
					"%v", ErrChainCorrupt, cur.Name, count)
			}
			if cur.Link == "" {
				break
			}

			next, err := tx.BatchByName(cur.Link)
			if errors.Is(err, backend.ErrNotFound) {
				return fmt.Errorf("%w: batch %v links to missing "+
					"batch %v", ErrChainCorrupt, cur.Name, cur.Link)
			}
			if err != nil {
				return err
			}
			cur = next
		}

		for _, batch := range all {
			if _, ok := visited[batch.Name]; !ok {
				return fmt.Errorf("%w: batch %v is not reachable",
					ErrChainCorrupt, batch.Name)
			}
		}
		return nil
	})
	return count, err
}
