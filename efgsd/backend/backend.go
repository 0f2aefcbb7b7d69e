// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package backend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	v1 "github.com/interop/efgs/api/v1"
)

var (
	// ErrDuplicate is returned by InsertKey when a record with the same
	// payload hash exists.
	ErrDuplicate = errors.New("duplicate payload hash")

	// ErrNotFound is a generic not found error.
	ErrNotFound = errors.New("not found")

	// ErrBatchExists is returned by InsertBatch when the name is taken.
	ErrBatchExists = errors.New("batch exists")
)

// BatchNameLayout is the date part of a batch name.
const BatchNameLayout = "20060102"

// CertificateType is the purpose a certificate was registered for.
type CertificateType string

const (
	CertificateTypeAuthentication CertificateType = "AUTHENTICATION"
	CertificateTypeSigning        CertificateType = "SIGNING"
	CertificateTypeCallback       CertificateType = "CALLBACK"
)

// KeyRecord is a persisted diagnosis key together with its provenance.  It is
// immutable once inserted except for BatchTag, which is assigned once.
type KeyRecord struct {
	v1.DiagnosisKey

	PayloadHash               string           `json:"payloadhash"`
	BatchTag                  string           `json:"batchtag,omitempty"`
	UploaderBatchTag          string           `json:"uploaderbatchtag"`
	UploaderBatchSignature    string           `json:"uploaderbatchsignature"`
	UploaderThumbprint        string           `json:"uploaderthumbprint"`
	UploaderSigningThumbprint string           `json:"uploadersigningthumbprint"`
	UploaderCountry           string           `json:"uploadercountry"`
	Format                    v1.FormatVersion `json:"format"`
	CreatedAt                 time.Time        `json:"createdat"`
}

// Batch is a download batch.  Link names the next batch of the same day and
// is empty for the last one.
type Batch struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdat"`
	Link      string    `json:"link,omitempty"`
}

// Certificate is a registered certificate.  RawData holds the PEM encoded
// certificate and Signature the base64 trust anchor signature over it.
type Certificate struct {
	Thumbprint string          `json:"thumbprint"`
	Country    string          `json:"country"`
	Type       CertificateType `json:"type"`
	Revoked    bool            `json:"revoked"`
	NotBefore  time.Time       `json:"notbefore"`
	NotAfter   time.Time       `json:"notafter"`
	RawData    string          `json:"rawdata"`
	Signature  string          `json:"signature"`
}

// Tx is a storage transaction.  Every method operates on the state seen by
// the transaction; nothing is visible to others before Commit.
type Tx interface {
	// InsertKey stores a new key record.  It returns ErrDuplicate when
	// the payload hash exists.  A failed insert does not abort the
	// transaction.
	InsertKey(*KeyRecord) error

	// FirstUnbatched returns the oldest record without batch tag whose
	// uploader batch tag is not in exclude, or nil when there is none.
	FirstUnbatched(exclude []string) (*KeyRecord, error)

	// CountUnbatchedByUploaderTag counts records without batch tag that
	// were uploaded with tag.
	CountUnbatchedByUploaderTag(tag string) (int, error)

	// AssignBatch sets the batch tag of every unbatched record uploaded
	// with one of tags and returns the number of records changed.
	AssignBatch(tags []string, batchTag string) (int, error)

	// UploaderTagExists reports whether any record carries tag.
	UploaderTagExists(tag string) (bool, error)

	// KeysByBatch returns the records of a batch in insertion order.
	KeysByBatch(batchTag string) ([]KeyRecord, error)

	// InsertBatch stores a new batch.  It returns ErrBatchExists when
	// the name is taken.
	InsertBatch(*Batch) error

	// BatchByName returns the named batch or ErrNotFound.
	BatchByName(name string) (*Batch, error)

	// SetBatchLink points the named batch at link.
	SetBatchLink(name, link string) error

	// Batches returns the batches created in [from, to) ordered by
	// creation time and then by sequence number.
	Batches(from, to time.Time) ([]Batch, error)

	// FirstBatch returns the oldest batch created in [from, to), or nil
	// when there is none.
	FirstBatch(from, to time.Time) (*Batch, error)

	// LatestBatch returns the batch with the highest sequence number
	// among those created in [from, to), or nil when there is none.
	LatestBatch(from, to time.Time) (*Batch, error)

	// DeleteBefore removes key records and batches created before t.
	DeleteBefore(t time.Time) (keys int, batches int, err error)

	// PutCertificate stores or replaces a certificate record.
	PutCertificate(*Certificate) error

	// Certificate returns the matching certificate record or ErrNotFound.
	Certificate(thumbprint, country string, typ CertificateType) (*Certificate, error)

	Commit() error
	Rollback() error
}

// Backend is a key record store.
type Backend interface {
	// Begin starts a transaction.  The context bounds the whole
	// transaction where the implementation supports it.
	Begin(ctx context.Context) (Tx, error)

	// Close performs cleanup of the backend.
	Close() error
}

// Update runs f in a transaction and commits when f returns nil.
func Update(ctx context.Context, b Backend, f func(Tx) error) error {
	tx, err := b.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// View runs f in a transaction that is always rolled back.
func View(ctx context.Context, b Backend, f func(Tx) error) error {
	tx, err := b.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	return f(tx)
}

// DayRange returns the start of the UTC day containing t and the start of
// the following day.
func DayRange(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	from := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 0, 1)
}

// BatchName returns the name of batch seq of the day containing t.
func BatchName(t time.Time, seq int) string {
	return t.UTC().Format(BatchNameLayout) + "-" + strconv.Itoa(seq)
}

// BatchOrder returns a key that sorts batch names of one day by sequence
// number.  Names that do not parse sort after every valid name.
func BatchOrder(name string) string {
	day, seq, err := ParseBatchName(name)
	if err != nil {
		return "~" + name
	}
	return fmt.Sprintf("%s-%010d", day.Format(BatchNameLayout), seq)
}

// ParseBatchName splits a batch name into its day and sequence number.
func ParseBatchName(name string) (time.Time, int, error) {
	if !v1.RegexpBatchName.MatchString(name) {
		return time.Time{}, 0, fmt.Errorf("invalid batch name %q", name)
	}
	i := strings.IndexByte(name, '-')
	day, err := time.ParseInLocation(BatchNameLayout, name[:i], time.UTC)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("invalid batch name %q: %v",
			name, err)
	}
	seq, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("invalid batch name %q: %v",
			name, err)
	}
	return day, seq, nil
}
