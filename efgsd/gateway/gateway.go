// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package gateway implements the upload and download operations of the
// exchange on top of signature verification, ingestion and storage.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	v1 "github.com/interop/efgs/api/v1"
	"github.com/interop/efgs/batchsig"
	"github.com/interop/efgs/canonical"
	"github.com/interop/efgs/efgsd/backend"
	"github.com/interop/efgs/efgsd/ingest"
	"github.com/interop/efgs/efgsd/metrics"
)

const (
	DefaultMaxUploadBatchSize = 5000
	DefaultMaxAgeInDays       = 14
)

var (
	ErrTooManyKeys    = errors.New("too many diagnosis keys")
	ErrBatchTagExists = errors.New("batch tag already exists")
	ErrDateTooOld     = errors.New("requested date is too old")
	ErrBatchNotFound  = errors.New("batch not found")
	ErrDateMismatch   = errors.New("date does not match the batch")
)

// SignatureVerifier checks a detached batch signature and returns the
// thumbprint of the signing certificate.
type SignatureVerifier interface {
	Verify(ctx context.Context, batch v1.DiagnosisKeyBatch,
		sigBase64 string) (string, error)
}

// Config limits the operations of a Service.
type Config struct {
	MaxUploadBatchSize int
	MaxAgeInDays       int
}

// Service serves uploads and downloads.
type Service struct {
	backend  backend.Backend
	verifier SignatureVerifier
	ingester *ingest.Ingester
	cfg      Config

	myNow func() time.Time // Override time.Now()
}

// New returns a Service.  Zero config values select the defaults.
func New(b backend.Backend, v SignatureVerifier, i *ingest.Ingester, cfg Config) *Service {
	if cfg.MaxUploadBatchSize <= 0 {
		cfg.MaxUploadBatchSize = DefaultMaxUploadBatchSize
	}
	if cfg.MaxAgeInDays <= 0 {
		cfg.MaxAgeInDays = DefaultMaxAgeInDays
	}
	return &Service{
		backend:  b,
		verifier: v,
		ingester: i,
		cfg:      cfg,
		myNow:    time.Now,
	}
}

// VerifyAndClassify verifies the batch signature and requires every key to
// originate from the declared uploader country.  It returns the signing
// certificate thumbprint.  Failures are *batchsig.RejectionError.
func (s *Service) VerifyAndClassify(ctx context.Context, batch v1.DiagnosisKeyBatch, sigBase64, declaredCountry string) (string, error) {
	thumbprint, err := s.verifier.Verify(ctx, batch, sigBase64)
	if err != nil {
		return "", err
	}
	for i, k := range batch.Keys {
		if k.Origin != declaredCountry {
			log.Infof("Key %v origin %v not uploader country %v", i,
				k.Origin, declaredCountry)
			return "", &batchsig.RejectionError{
				Reason:     batchsig.ReasonUploaderCountryMismatch,
				Thumbprint: thumbprint,
				Err: fmt.Errorf("key %v origin %v", i,
					k.Origin),
			}
		}
	}
	return thumbprint, nil
}

// UploadRequest is one upload call.  Uploader fields come from the
// authenticated client certificate.
type UploadRequest struct {
	Batch              v1.DiagnosisKeyBatch
	BatchTag           string
	Signature          string
	Format             v1.FormatVersion
	UploaderCountry    string
	UploaderThumbprint string
}

func (s *Service) records(req UploadRequest, signing string) []backend.KeyRecord {
	records := make([]backend.KeyRecord, 0, len(req.Batch.Keys))
	for _, k := range req.Batch.Keys {
		records = append(records, backend.KeyRecord{
			DiagnosisKey:              k,
			PayloadHash:               canonical.PayloadHash(k),
			UploaderBatchTag:          req.BatchTag,
			UploaderBatchSignature:    req.Signature,
			UploaderThumbprint:        req.UploaderThumbprint,
			UploaderSigningThumbprint: signing,
			UploaderCountry:           req.UploaderCountry,
			Format:                    req.Format,
		})
	}
	return records
}

func uploadResult(result string) {
	metrics.UploadsTotal.WithLabelValues(result).Inc()
}

// Upload checks, verifies and stores an uploaded batch.  Either all keys
// are stored or none.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*ingest.Result, error) {
	if n := len(req.Batch.Keys); n > s.cfg.MaxUploadBatchSize {
		uploadResult("too_large")
		return nil, fmt.Errorf("%w: %v > %v", ErrTooManyKeys, n,
			s.cfg.MaxUploadBatchSize)
	}
	if err := v1.Validate(req.Batch, s.myNow()); err != nil {
		uploadResult("invalid")
		return nil, err
	}

	var exists bool
	err := backend.View(ctx, s.backend, func(tx backend.Tx) error {
		var err error
		exists, err = tx.UploaderTagExists(req.BatchTag)
		return err
	})
	if err != nil {
		uploadResult("error")
		return nil, fmt.Errorf("batch tag %v: %w", req.BatchTag, err)
	}
	if exists {
		uploadResult("conflict")
		return nil, fmt.Errorf("%w: %v", ErrBatchTagExists, req.BatchTag)
	}

	signing, err := s.VerifyAndClassify(ctx, req.Batch, req.Signature,
		req.UploaderCountry)
	if err != nil {
		var re *batchsig.RejectionError
		if errors.As(err, &re) {
			metrics.SignatureRejections.WithLabelValues(
				string(re.Reason)).Inc()
		}
		uploadResult("rejected")
		return nil, err
	}

	res, err := s.ingester.Ingest(ctx, s.records(req, signing))
	if err != nil {
		var ie *ingest.InsertError
		if errors.As(err, &ie) && ie.ConflictOnly() {
			uploadResult("conflict")
		} else {
			uploadResult("error")
		}
		return nil, err
	}

	uploadResult("created")
	log.Infof("Upload %v from %v: %v keys", req.BatchTag,
		req.UploaderCountry, len(res.Created))
	return res, nil
}

// DownloadResult is one downloaded batch.
type DownloadResult struct {
	BatchTag     string
	NextBatchTag string // Empty when the batch is the last of its day
	Batch        v1.DiagnosisKeyBatch
}

func downloadResult(result string) {
	metrics.DownloadsTotal.WithLabelValues(result).Inc()
}

// Download returns the keys of a batch created on date that were not
// uploaded by country.  An empty batchTag selects the first batch of the
// day.
func (s *Service) Download(ctx context.Context, date time.Time, batchTag, country string) (*DownloadResult, error) {
	day, next := backend.DayRange(date)
	today, _ := backend.DayRange(s.myNow())
	if day.Before(today.AddDate(0, 0, -s.cfg.MaxAgeInDays)) {
		downloadResult("gone")
		return nil, fmt.Errorf("%w: %v", ErrDateTooOld,
			day.Format("2006-01-02"))
	}

	var (
		batch *backend.Batch
		keys  []backend.KeyRecord
	)
	err := backend.View(ctx, s.backend, func(tx backend.Tx) error {
		var err error
		if batchTag == "" {
			batch, err = tx.FirstBatch(day, next)
			if err != nil {
				return err
			}
			if batch == nil {
				return fmt.Errorf("%w: no batches on %v",
					ErrBatchNotFound, day.Format("2006-01-02"))
			}
		} else {
			batch, err = tx.BatchByName(batchTag)
			if errors.Is(err, backend.ErrNotFound) {
				return fmt.Errorf("%w: %v", ErrBatchNotFound,
					batchTag)
			}
			if err != nil {
				return err
			}
		}

		created, _ := backend.DayRange(batch.CreatedAt)
		if !created.Equal(day) {
			return fmt.Errorf("%w: %v created %v", ErrDateMismatch,
				batch.Name, created.Format("2006-01-02"))
		}

		keys, err = tx.KeysByBatch(batch.Name)
		return err
	})
	switch {
	case errors.Is(err, ErrBatchNotFound):
		downloadResult("not_found")
		return nil, err
	case errors.Is(err, ErrDateMismatch):
		downloadResult("invalid")
		return nil, err
	case err != nil:
		downloadResult("error")
		return nil, fmt.Errorf("download: %w", err)
	}

	res := &DownloadResult{
		BatchTag:     batch.Name,
		NextBatchTag: batch.Link,
	}
	for _, k := range keys {
		if k.UploaderCountry == country {
			continue
		}
		res.Batch.Keys = append(res.Batch.Keys, k.DiagnosisKey)
	}

	downloadResult("ok")
	log.Debugf("Download %v by %v: %v keys", batch.Name, country,
		len(res.Batch.Keys))
	return res, nil
}
