// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package backendtest provides record fixtures and a behavioural test suite
// shared by the backend implementations.
package backendtest

import (
	"context"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
	"time"

	v1 "github.com/interop/efgs/api/v1"
	"github.com/interop/efgs/canonical"
	"github.com/interop/efgs/efgsd/backend"
)

// rollingStart is fixed at start up so that Key is stable within a test run.
var rollingStart = uint32(time.Now().Unix()/v1.RollingStartIntervalLength) -
	v1.MaxRollingPeriod

// Key returns a valid diagnosis key derived from n.
func Key(n int, origin string) v1.DiagnosisKey {
	kd := make([]byte, v1.KeyDataSize)
	binary.BigEndian.PutUint64(kd[8:], uint64(n))
	kd[0] = 0xef
	return v1.DiagnosisKey{
		KeyData:                    kd,
		RollingStartIntervalNumber: rollingStart,
		RollingPeriod:              v1.MaxRollingPeriod,
		TransmissionRiskLevel:      int32(n % 8),
		VisitedCountries:           []string{"FR"},
		Origin:                     origin,
		ReportType:                 v1.ReportTypeConfirmedTest,
		DaysSinceOnsetOfSymptoms:   1,
	}
}

// Record returns an unbatched key record for key n uploaded under tag.
func Record(n int, tag string, created time.Time) *backend.KeyRecord {
	k := Key(n, "DE")
	return &backend.KeyRecord{
		DiagnosisKey:              k,
		PayloadHash:               canonical.PayloadHash(k),
		UploaderBatchTag:          tag,
		UploaderBatchSignature:    "c2lnbmF0dXJl",
		UploaderThumbprint:        "auth",
		UploaderSigningThumbprint: "sign",
		UploaderCountry:           "DE",
		Format:                    v1.FormatVersion{Major: 1, Minor: 0},
		CreatedAt:                 created,
	}
}

// Insert stores records in one committed transaction.
func Insert(t testing.TB, b backend.Backend, records ...*backend.KeyRecord) {
	t.Helper()
	err := backend.Update(context.Background(), b, func(tx backend.Tx) error {
		for _, r := range records {
			if err := tx.InsertKey(r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
}

// Group returns count records tagged tag starting at key n.
func Group(n, count int, tag string, created time.Time) []*backend.KeyRecord {
	records := make([]*backend.KeyRecord, 0, count)
	for i := 0; i < count; i++ {
		records = append(records, Record(n+i, tag, created))
	}
	return records
}

// Run exercises a backend.  newBackend must return an empty backend.
func Run(t *testing.T, newBackend func(t *testing.T) backend.Backend) {
	tests := []struct {
		name string
		f    func(*testing.T, backend.Backend)
	}{
		{"InsertKey", testInsertKey},
		{"Rollback", testRollback},
		{"Unbatched", testUnbatched},
		{"AssignBatch", testAssignBatch},
		{"Batches", testBatches},
		{"BatchOrder", testBatchOrder},
		{"DeleteBefore", testDeleteBefore},
		{"Certificate", testCertificate},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			b := newBackend(t)
			defer b.Close()
			test.f(t, b)
		})
	}
}

func update(t *testing.T, b backend.Backend, f func(backend.Tx) error) {
	t.Helper()
	if err := backend.Update(context.Background(), b, f); err != nil {
		t.Fatal(err)
	}
}

func testInsertKey(t *testing.T, b backend.Backend) {
	now := time.Now()
	r := Record(1, "U1", now)

	update(t, b, func(tx backend.Tx) error {
		if err := tx.InsertKey(r); err != nil {
			return err
		}
		// Duplicate inside the same transaction leaves it usable.
		if err := tx.InsertKey(r); !errors.Is(err, backend.ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate got %v", err)
		}
		return tx.InsertKey(Record(2, "U1", now))
	})

	update(t, b, func(tx backend.Tx) error {
		err := tx.InsertKey(r)
		if !errors.Is(err, backend.ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate got %v", err)
		}
		ok, err := tx.UploaderTagExists("U1")
		if err != nil {
			return err
		}
		if !ok {
			t.Fatalf("uploader tag U1 not found")
		}
		ok, err = tx.UploaderTagExists("U")
		if err != nil {
			return err
		}
		if ok {
			t.Fatalf("uploader tag prefix U found")
		}
		return nil
	})
}

func testRollback(t *testing.T, b backend.Backend) {
	tx, err := b.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.InsertKey(Record(1, "U1", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}

	update(t, b, func(tx backend.Tx) error {
		r, err := tx.FirstUnbatched(nil)
		if err != nil {
			return err
		}
		if r != nil {
			t.Fatalf("rolled back record visible: %v", r.PayloadHash)
		}
		return nil
	})
}

func testUnbatched(t *testing.T, b backend.Backend) {
	now := time.Now()
	Insert(t, b, Group(0, 3, "U1", now)...)
	Insert(t, b, Group(10, 2, "U2", now)...)
	Insert(t, b, Group(20, 4, "U3", now)...)

	update(t, b, func(tx backend.Tx) error {
		r, err := tx.FirstUnbatched(nil)
		if err != nil {
			return err
		}
		if r == nil || r.UploaderBatchTag != "U1" {
			t.Fatalf("expected first record of U1 got %v", r)
		}
		if r.PayloadHash != Record(0, "U1", now).PayloadHash {
			t.Fatalf("unexpected first record %v", r.PayloadHash)
		}
		r, err = tx.FirstUnbatched([]string{"U1"})
		if err != nil {
			return err
		}
		if r == nil || r.UploaderBatchTag != "U2" {
			t.Fatalf("expected U2 got %v", r)
		}
		r, err = tx.FirstUnbatched([]string{"U1", "U2", "U3"})
		if err != nil {
			return err
		}
		if r != nil {
			t.Fatalf("expected no record got %v", r.UploaderBatchTag)
		}

		for tag, expected := range map[string]int{"U1": 3, "U2": 2,
			"U3": 4, "U4": 0} {
			n, err := tx.CountUnbatchedByUploaderTag(tag)
			if err != nil {
				return err
			}
			if n != expected {
				t.Fatalf("%v: got %v want %v", tag, n, expected)
			}
		}
		return nil
	})
}

func testAssignBatch(t *testing.T, b backend.Backend) {
	now := time.Now()
	Insert(t, b, Group(0, 3, "U1", now)...)
	Insert(t, b, Group(10, 2, "U2", now)...)
	Insert(t, b, Group(20, 4, "U3", now)...)

	name := backend.BatchName(now, 1)
	update(t, b, func(tx backend.Tx) error {
		n, err := tx.AssignBatch([]string{"U1", "U3"}, name)
		if err != nil {
			return err
		}
		if n != 7 {
			t.Fatalf("assigned %v want 7", n)
		}
		return nil
	})

	update(t, b, func(tx backend.Tx) error {
		// Assignment only touches unbatched records.
		n, err := tx.AssignBatch([]string{"U1"}, "other")
		if err != nil {
			return err
		}
		if n != 0 {
			t.Fatalf("reassigned %v records", n)
		}

		keys, err := tx.KeysByBatch(name)
		if err != nil {
			return err
		}
		if len(keys) != 7 {
			t.Fatalf("got %v keys want 7", len(keys))
		}
		// Insertion order.
		for i, k := range keys[:3] {
			if k.PayloadHash != Record(i, "U1", now).PayloadHash {
				t.Fatalf("key %v out of order", i)
			}
			if k.BatchTag != name {
				t.Fatalf("batch tag %v", k.BatchTag)
			}
		}
		r, err := tx.FirstUnbatched(nil)
		if err != nil {
			return err
		}
		if r == nil || r.UploaderBatchTag != "U2" {
			t.Fatalf("expected U2 unbatched got %v", r)
		}
		c, err := tx.CountUnbatchedByUploaderTag("U1")
		if err != nil {
			return err
		}
		if c != 0 {
			t.Fatalf("U1 still has %v unbatched", c)
		}
		return nil
	})
}

func testBatches(t *testing.T, b backend.Backend) {
	day := time.Date(2020, 7, 31, 0, 0, 0, 0, time.UTC)
	from, to := backend.DayRange(day)

	update(t, b, func(tx backend.Tx) error {
		batch, err := tx.LatestBatch(from, to)
		if err != nil {
			return err
		}
		if batch != nil {
			t.Fatalf("unexpected batch %v", batch.Name)
		}
		for i := 1; i <= 3; i++ {
			err := tx.InsertBatch(&backend.Batch{
				Name:      backend.BatchName(day, i),
				CreatedAt: day.Add(time.Duration(i) * time.Hour),
			})
			if err != nil {
				return err
			}
		}
		// Previous day
		err = tx.InsertBatch(&backend.Batch{
			Name:      backend.BatchName(day.Add(-time.Hour), 1),
			CreatedAt: day.Add(-time.Hour),
		})
		if err != nil {
			return err
		}
		err = tx.InsertBatch(&backend.Batch{
			Name:      backend.BatchName(day, 1),
			CreatedAt: day,
		})
		if !errors.Is(err, backend.ErrBatchExists) {
			t.Fatalf("expected ErrBatchExists got %v", err)
		}
		return tx.SetBatchLink(backend.BatchName(day, 1),
			backend.BatchName(day, 2))
	})

	update(t, b, func(tx backend.Tx) error {
		first, err := tx.FirstBatch(from, to)
		if err != nil {
			return err
		}
		if first == nil || first.Name != "20200731-1" {
			t.Fatalf("first batch %v", first)
		}
		if first.Link != "20200731-2" {
			t.Fatalf("link %q", first.Link)
		}
		if !first.CreatedAt.Equal(day.Add(time.Hour)) {
			t.Fatalf("created at %v", first.CreatedAt)
		}
		latest, err := tx.LatestBatch(from, to)
		if err != nil {
			return err
		}
		if latest == nil || latest.Name != "20200731-3" {
			t.Fatalf("latest batch %v", latest)
		}
		batches, err := tx.Batches(from, to)
		if err != nil {
			return err
		}
		if len(batches) != 3 {
			t.Fatalf("got %v batches", len(batches))
		}
		_, err = tx.BatchByName("20200801-1")
		if !errors.Is(err, backend.ErrNotFound) {
			t.Fatalf("expected ErrNotFound got %v", err)
		}
		return nil
	})
}

func testBatchOrder(t *testing.T, b backend.Backend) {
	day := time.Date(2020, 7, 31, 0, 0, 0, 0, time.UTC)
	from, to := backend.DayRange(day)
	at := day.Add(time.Hour)

	update(t, b, func(tx backend.Tx) error {
		// Same creation time, sequence decides.
		for _, seq := range []int{10, 9} {
			err := tx.InsertBatch(&backend.Batch{
				Name:      backend.BatchName(day, seq),
				CreatedAt: at,
			})
			if err != nil {
				return err
			}
		}
		// Created earlier than its predecessors.
		return tx.InsertBatch(&backend.Batch{
			Name:      backend.BatchName(day, 11),
			CreatedAt: at.Add(-time.Minute),
		})
	})

	update(t, b, func(tx backend.Tx) error {
		batches, err := tx.Batches(from, to)
		if err != nil {
			return err
		}
		var names []string
		for _, batch := range batches {
			names = append(names, batch.Name)
		}
		want := []string{"20200731-11", "20200731-9", "20200731-10"}
		if !reflect.DeepEqual(names, want) {
			t.Fatalf("batches %v, want %v", names, want)
		}
		latest, err := tx.LatestBatch(from, to)
		if err != nil {
			return err
		}
		if latest == nil || latest.Name != "20200731-11" {
			t.Fatalf("latest batch %v", latest)
		}
		return nil
	})
}

func testDeleteBefore(t *testing.T, b backend.Backend) {
	now := time.Now().UTC()
	old := now.AddDate(0, 0, -20)
	Insert(t, b, Group(0, 3, "OLD", old)...)
	Insert(t, b, Group(10, 2, "NEW", now)...)

	update(t, b, func(tx backend.Tx) error {
		if _, err := tx.AssignBatch([]string{"OLD"},
			backend.BatchName(old, 1)); err != nil {
			return err
		}
		if err := tx.InsertBatch(&backend.Batch{
			Name:      backend.BatchName(old, 1),
			CreatedAt: old,
		}); err != nil {
			return err
		}
		return tx.InsertBatch(&backend.Batch{
			Name:      backend.BatchName(now, 1),
			CreatedAt: now,
		})
	})

	update(t, b, func(tx backend.Tx) error {
		keys, batches, err := tx.DeleteBefore(now.AddDate(0, 0, -14))
		if err != nil {
			return err
		}
		if keys != 3 || batches != 1 {
			t.Fatalf("deleted %v keys %v batches", keys, batches)
		}
		return nil
	})

	update(t, b, func(tx backend.Tx) error {
		ok, err := tx.UploaderTagExists("OLD")
		if err != nil {
			return err
		}
		if ok {
			t.Fatalf("old records survived")
		}
		// The payload hash is free again.
		if err := tx.InsertKey(Record(0, "OLD", now)); err != nil {
			return err
		}
		n, err := tx.CountUnbatchedByUploaderTag("NEW")
		if err != nil {
			return err
		}
		if n != 2 {
			t.Fatalf("new records: %v", n)
		}
		_, err = tx.BatchByName(backend.BatchName(now, 1))
		return err
	})
}

func testCertificate(t *testing.T, b backend.Backend) {
	c := &backend.Certificate{
		Thumbprint: "00ff",
		Country:    "DE",
		Type:       backend.CertificateTypeSigning,
		NotBefore:  time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:   time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
		RawData:    "pem",
		Signature:  "sig",
	}
	update(t, b, func(tx backend.Tx) error {
		return tx.PutCertificate(c)
	})
	c.Revoked = true
	update(t, b, func(tx backend.Tx) error {
		return tx.PutCertificate(c)
	})

	update(t, b, func(tx backend.Tx) error {
		got, err := tx.Certificate("00ff", "DE",
			backend.CertificateTypeSigning)
		if err != nil {
			return err
		}
		if !got.Revoked || got.RawData != "pem" ||
			!got.NotAfter.Equal(c.NotAfter) {
			t.Fatalf("unexpected certificate %+v", got)
		}
		_, err = tx.Certificate("00ff", "FR",
			backend.CertificateTypeSigning)
		if !errors.Is(err, backend.ErrNotFound) {
			t.Fatalf("expected ErrNotFound got %v", err)
		}
		_, err = tx.Certificate("00ff", "DE",
			backend.CertificateTypeAuthentication)
		if !errors.Is(err, backend.ErrNotFound) {
			t.Fatalf("expected ErrNotFound got %v", err)
		}
		return nil
	})
}
