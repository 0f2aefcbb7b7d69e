// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package notify announces newly created download batches.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/interop/efgs/efgsd/backend"
	"github.com/redis/go-redis/v9"
)

// Message is the announcement of one batch.
type Message struct {
	BatchTag string `json:"batchTag"`
	Date     string `json:"date"`
}

// NewMessage returns the announcement of b.
func NewMessage(b backend.Batch) Message {
	return Message{
		BatchTag: b.Name,
		Date:     b.CreatedAt.UTC().Format("2006-01-02"),
	}
}

// Redis publishes announcements on a redis channel.  Callback delivery to
// the member countries subscribes to the channel.
type Redis struct {
	client  redis.UniversalClient
	channel string
	retries uint64

	// newBackOff is overridden in tests.
	newBackOff func() backoff.BackOff
}

// NewRedis returns a publisher that retries a failed publish up to retries
// times.
func NewRedis(client redis.UniversalClient, channel string, retries uint64) *Redis {
	return &Redis{
		client:  client,
		channel: channel,
		retries: retries,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 200 * time.Millisecond
			bo.MaxElapsedTime = 10 * time.Second
			return bo
		},
	}
}

// Notify publishes the batch announcement.
func (r *Redis) Notify(ctx context.Context, b backend.Batch) error {
	payload, err := json.Marshal(NewMessage(b))
	if err != nil {
		return err
	}
	op := func() error {
		return r.client.Publish(ctx, r.channel, payload).Err()
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(),
		r.retries), ctx)
	err = backoff.RetryNotify(op, bo, func(err error, d time.Duration) {
		log.Warnf("Publish %v: %v, retrying in %v", b.Name, err, d)
	})
	if err != nil {
		return fmt.Errorf("publish %v: %w", b.Name, err)
	}
	log.Debugf("Published batch %v on %v", b.Name, r.channel)
	return nil
}

// Log only logs announcements.  It is used when no redis is configured.
type Log struct{}

// Notify logs the batch.
func (Log) Notify(ctx context.Context, b backend.Batch) error {
	log.Infof("New batch %v", b.Name)
	return nil
}
