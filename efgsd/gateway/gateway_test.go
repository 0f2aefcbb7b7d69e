// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package gateway

import (
	"context"
	"testing"
	"time"

	v1 "github.com/interop/efgs/api/v1"
	"github.com/interop/efgs/batchsig"
	"github.com/interop/efgs/efgsd/backend"
	"github.com/interop/efgs/efgsd/backend/backendtest"
	"github.com/interop/efgs/efgsd/backend/filesystem"
	"github.com/interop/efgs/efgsd/certstore"
	"github.com/interop/efgs/efgsd/ingest"
	"github.com/interop/efgs/util/testcert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	backend backend.Backend
	service *Service
	signer  *testcert.Cert
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	fs, err := filesystem.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	signer := testcert.New(t, testcert.Options{
		CommonName: "DE signing",
		Countries:  []string{"DE"},
	})
	store := certstore.New(fs, nil, 0, 0)
	rec, err := certstore.NewRecord(signer.Cert,
		backend.CertificateTypeSigning)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), rec))

	return &fixture{
		backend: fs,
		service: New(fs, batchsig.New(store), ingest.New(fs, 0), cfg),
		signer:  signer,
	}
}

func testBatch(first, count int) v1.DiagnosisKeyBatch {
	var batch v1.DiagnosisKeyBatch
	for i := 0; i < count; i++ {
		batch.Keys = append(batch.Keys, backendtest.Key(first+i, "DE"))
	}
	return batch
}

func (f *fixture) request(t *testing.T, tag string, batch v1.DiagnosisKeyBatch) UploadRequest {
	t.Helper()
	sig, err := batchsig.Sign(batch, f.signer.Cert, f.signer.Key)
	require.NoError(t, err)
	return UploadRequest{
		Batch:              batch,
		BatchTag:           tag,
		Signature:          sig,
		Format:             v1.FormatVersion{Major: 1, Minor: 0},
		UploaderCountry:    "DE",
		UploaderThumbprint: "auth",
	}
}

func TestUpload(t *testing.T) {
	f := newFixture(t, Config{})
	req := f.request(t, "U1", testBatch(1, 3))

	res, err := f.service.Upload(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2}, res.Created)

	err = backend.View(context.Background(), f.backend,
		func(tx backend.Tx) error {
			n, err := tx.CountUnbatchedByUploaderTag("U1")
			require.NoError(t, err)
			require.Equal(t, 3, n)

			r, err := tx.FirstUnbatched(nil)
			require.NoError(t, err)
			require.Equal(t, "DE", r.UploaderCountry)
			require.Equal(t, "auth", r.UploaderThumbprint)
			require.Equal(t, req.Signature, r.UploaderBatchSignature)
			require.Len(t, r.UploaderSigningThumbprint, 64)
			return nil
		})
	require.NoError(t, err)

	// The tag is single use.
	_, err = f.service.Upload(context.Background(),
		f.request(t, "U1", testBatch(10, 1)))
	require.ErrorIs(t, err, ErrBatchTagExists)
}

func TestUploadRejected(t *testing.T) {
	f := newFixture(t, Config{MaxUploadBatchSize: 3})

	// Too many keys.
	_, err := f.service.Upload(context.Background(),
		f.request(t, "U1", testBatch(1, 4)))
	require.ErrorIs(t, err, ErrTooManyKeys)

	// Invalid key.
	batch := testBatch(1, 2)
	batch.Keys[1].KeyData = []byte{1, 2, 3}
	_, err = f.service.Upload(context.Background(), f.request(t, "U1", batch))
	var ve *v1.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, 1, ve.Index)

	// Signature over a different batch.
	req := f.request(t, "U1", testBatch(1, 2))
	req.Batch = testBatch(2, 2)
	_, err = f.service.Upload(context.Background(), req)
	require.True(t, batchsig.IsReason(err, batchsig.ReasonSignatureInvalid),
		"%v", err)

	// Declared uploader country differs from the key origins.
	req = f.request(t, "U1", testBatch(1, 2))
	req.UploaderCountry = "FR"
	_, err = f.service.Upload(context.Background(), req)
	require.True(t, batchsig.IsReason(err,
		batchsig.ReasonUploaderCountryMismatch), "%v", err)

	// Nothing was stored.
	err = backend.View(context.Background(), f.backend,
		func(tx backend.Tx) error {
			ok, err := tx.UploaderTagExists("U1")
			require.NoError(t, err)
			require.False(t, ok)
			return nil
		})
	require.NoError(t, err)
}

func TestUploadDuplicateKeys(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.service.Upload(context.Background(),
		f.request(t, "U1", testBatch(1, 2)))
	require.NoError(t, err)

	_, err = f.service.Upload(context.Background(),
		f.request(t, "U2", testBatch(2, 2)))
	var ie *ingest.InsertError
	require.ErrorAs(t, err, &ie)
	require.True(t, ie.ConflictOnly())
	require.Equal(t, []int{0}, ie.Result.Conflict)
}

// makeBatches stores two linked batches of today.  The first holds keys of
// DE and FR, the second one FR key.
func makeBatches(t *testing.T, b backend.Backend, now time.Time) (string, string) {
	t.Helper()
	first := backend.BatchName(now, 1)
	second := backend.BatchName(now, 2)

	fr := backendtest.Record(3, "F1", now)
	fr.UploaderCountry = "FR"
	fr2 := backendtest.Record(4, "F2", now)
	fr2.UploaderCountry = "FR"
	backendtest.Insert(t, b, backendtest.Record(1, "D1", now),
		backendtest.Record(2, "D1", now), fr, fr2)

	from, _ := backend.DayRange(now)
	err := backend.Update(context.Background(), b, func(tx backend.Tx) error {
		err := tx.InsertBatch(&backend.Batch{
			Name:      first,
			CreatedAt: from.Add(time.Minute),
			Link:      second,
		})
		if err != nil {
			return err
		}
		err = tx.InsertBatch(&backend.Batch{
			Name:      second,
			CreatedAt: from.Add(2 * time.Minute),
		})
		if err != nil {
			return err
		}
		if _, err := tx.AssignBatch([]string{"D1", "F1"}, first); err != nil {
			return err
		}
		_, err = tx.AssignBatch([]string{"F2"}, second)
		return err
	})
	require.NoError(t, err)
	return first, second
}

func TestDownload(t *testing.T) {
	f := newFixture(t, Config{})
	now := time.Now().UTC()
	first, second := makeBatches(t, f.backend, now)

	// No tag resolves to the first batch of the day.
	res, err := f.service.Download(context.Background(), now, "", "FR")
	require.NoError(t, err)
	require.Equal(t, first, res.BatchTag)
	require.Equal(t, second, res.NextBatchTag)
	require.Len(t, res.Batch.Keys, 2)
	for _, k := range res.Batch.Keys {
		require.Equal(t, "DE", k.Origin)
	}

	res, err = f.service.Download(context.Background(), now, first, "DE")
	require.NoError(t, err)
	require.Len(t, res.Batch.Keys, 1)

	res, err = f.service.Download(context.Background(), now,
		res.NextBatchTag, "DE")
	require.NoError(t, err)
	require.Equal(t, second, res.BatchTag)
	require.Empty(t, res.NextBatchTag)
	require.Len(t, res.Batch.Keys, 1)

	// The uploader's own keys are never returned.
	res, err = f.service.Download(context.Background(), now, second, "FR")
	require.NoError(t, err)
	require.Empty(t, res.Batch.Keys)
}

func TestDownloadErrors(t *testing.T) {
	f := newFixture(t, Config{MaxAgeInDays: 14})
	now := time.Now().UTC()
	first, _ := makeBatches(t, f.backend, now)

	tests := []struct {
		name    string
		date    time.Time
		tag     string
		wantErr error
	}{
		{"too old", now.AddDate(0, 0, -15), "", ErrDateTooOld},
		{"no batches", now.AddDate(0, 0, -1), "", ErrBatchNotFound},
		{"unknown tag", now, "20200101-1", ErrBatchNotFound},
		{"date mismatch", now.AddDate(0, 0, -1), first, ErrDateMismatch},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := f.service.Download(context.Background(),
				test.date, test.tag, "DE")
			require.ErrorIs(t, err, test.wantErr)
		})
	}
}
