// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package metrics holds the prometheus collectors of efgsd.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	UploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "efgs_uploads_total",
		Help: "upload calls by result",
	}, []string{"result"})

	KeysIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "efgs_keys_ingested_total",
		Help: "diagnosis keys persisted",
	})

	SignatureRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "efgs_signature_rejections_total",
		Help: "batch signatures rejected by reason",
	}, []string{"reason"})

	BatchesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "efgs_batches_created_total",
		Help: "download batches created",
	})

	BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "efgs_batch_size_keys",
		Help:    "keys per created batch",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	BatchingCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "efgs_batching_cycles_total",
		Help: "batching cycles by result",
	}, []string{"result"})

	BatchingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "efgs_batching_cycle_seconds",
		Help: "duration of batching cycles that held the lock",
	})

	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "efgs_notifications_total",
		Help: "batch notifications by result",
	}, []string{"result"})

	CleanupDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "efgs_cleanup_deleted_total",
		Help: "rows removed by retention cleanup",
	}, []string{"kind"})

	DownloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "efgs_downloads_total",
		Help: "download calls by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(UploadsTotal, KeysIngested, SignatureRejections,
		BatchesCreated, BatchSize, BatchingCycles, BatchingDuration,
		Notifications, CleanupDeleted, DownloadsTotal)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
