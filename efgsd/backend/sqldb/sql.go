// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/interop/efgs/efgsd/backend"
)

var _ backend.Tx = (*sqlTx)(nil)

const keyColumns = `payload_hash, key_data, rolling_start_interval_number,
	rolling_period, transmission_risk_level, visited_countries, origin,
	report_type, days_since_onset_of_symptoms, batch_tag,
	uploader_batch_tag, uploader_batch_signature, uploader_thumbprint,
	uploader_signing_thumbprint, uploader_country, format_major,
	format_minor, created_at`

// sqlTx is a transaction on one of the supported dialects.  Queries are
// written with ? placeholders and rebound per dialect.
type sqlTx struct {
	ctx context.Context
	tx  *sql.Tx
	d   *dialect
}

func (t *sqlTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqlTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (t *sqlTx) exec(q string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(t.ctx, t.d.rebind(q), args...)
}

func (t *sqlTx) query(q string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(t.ctx, t.d.rebind(q), args...)
}

func (t *sqlTx) queryRow(q string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, t.d.rebind(q), args...)
}

// savepoint runs f inside a savepoint so that a failing statement does not
// abort the enclosing transaction.
func (t *sqlTx) savepoint(f func() error) error {
	if _, err := t.exec("SAVEPOINT efgs_insert"); err != nil {
		return err
	}
	if err := f(); err != nil {
		_, rerr := t.exec("ROLLBACK TO SAVEPOINT efgs_insert")
		if rerr != nil {
			return rerr
		}
		return err
	}
	_, err := t.exec("RELEASE SAVEPOINT efgs_insert")
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(s []string) []interface{} {
	args := make([]interface{}, 0, len(s))
	for _, v := range s {
		args = append(args, v)
	}
	return args
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(row scanner) (*backend.KeyRecord, error) {
	var (
		r         backend.KeyRecord
		rsin, rp  int64
		visited   string
		batchTag  sql.NullString
		createdAt int64
	)
	err := row.Scan(&r.PayloadHash, &r.KeyData, &rsin, &rp,
		&r.TransmissionRiskLevel, &visited, &r.Origin, &r.ReportType,
		&r.DaysSinceOnsetOfSymptoms, &batchTag, &r.UploaderBatchTag,
		&r.UploaderBatchSignature, &r.UploaderThumbprint,
		&r.UploaderSigningThumbprint, &r.UploaderCountry,
		&r.Format.Major, &r.Format.Minor, &createdAt)
	if err != nil {
		return nil, err
	}
	r.RollingStartIntervalNumber = uint32(rsin)
	r.RollingPeriod = uint32(rp)
	r.VisitedCountries = []string{}
	if visited != "" {
		r.VisitedCountries = strings.Split(visited, ",")
	}
	r.BatchTag = batchTag.String
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	return &r, nil
}

// InsertKey inserts r under a savepoint.  A unique violation is reported as
// backend.ErrDuplicate and leaves the transaction usable.
func (t *sqlTx) InsertKey(r *backend.KeyRecord) error {
	q := `INSERT INTO diagnosis_keys (` + keyColumns + `)
		VALUES (` + placeholders(18) + `)`
	err := t.savepoint(func() error {
		_, err := t.exec(q, r.PayloadHash, r.KeyData,
			int64(r.RollingStartIntervalNumber), int64(r.RollingPeriod),
			r.TransmissionRiskLevel,
			strings.Join(r.VisitedCountries, ","), r.Origin,
			int32(r.ReportType), r.DaysSinceOnsetOfSymptoms,
			nullString(r.BatchTag), r.UploaderBatchTag,
			r.UploaderBatchSignature, r.UploaderThumbprint,
			r.UploaderSigningThumbprint, r.UploaderCountry,
			r.Format.Major, r.Format.Minor, r.CreatedAt.UnixNano())
		return err
	})
	if t.d.isUnique(err) {
		return backend.ErrDuplicate
	}
	return err
}

func (t *sqlTx) FirstUnbatched(exclude []string) (*backend.KeyRecord, error) {
	q := `SELECT ` + keyColumns + ` FROM diagnosis_keys
		WHERE batch_tag IS NULL`
	if len(exclude) > 0 {
		q += ` AND uploader_batch_tag NOT IN (` +
			placeholders(len(exclude)) + `)`
	}
	q += ` ORDER BY id LIMIT 1`

	r, err := scanKey(t.queryRow(q, stringArgs(exclude)...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (t *sqlTx) CountUnbatchedByUploaderTag(tag string) (int, error) {
	q := `SELECT COUNT(*) FROM diagnosis_keys
		WHERE batch_tag IS NULL AND uploader_batch_tag = ?`
	var n int
	err := t.queryRow(q, tag).Scan(&n)
	return n, err
}

func (t *sqlTx) AssignBatch(tags []string, batchTag string) (int, error) {
	if len(tags) == 0 {
		return 0, nil
	}
	q := `UPDATE diagnosis_keys SET batch_tag = ?
		WHERE batch_tag IS NULL AND uploader_batch_tag IN (` +
		placeholders(len(tags)) + `)`
	args := append([]interface{}{batchTag}, stringArgs(tags)...)
	res, err := t.exec(q, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *sqlTx) UploaderTagExists(tag string) (bool, error) {
	q := `SELECT 1 FROM diagnosis_keys WHERE uploader_batch_tag = ? LIMIT 1`
	var one int
	err := t.queryRow(q, tag).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (t *sqlTx) KeysByBatch(batchTag string) ([]backend.KeyRecord, error) {
	q := `SELECT ` + keyColumns + ` FROM diagnosis_keys
		WHERE batch_tag = ? ORDER BY id`
	rows, err := t.query(q, batchTag)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []backend.KeyRecord
	for rows.Next() {
		r, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func scanBatch(row scanner) (*backend.Batch, error) {
	var (
		b         backend.Batch
		link      sql.NullString
		createdAt int64
	)
	if err := row.Scan(&b.Name, &link, &createdAt); err != nil {
		return nil, err
	}
	b.Link = link.String
	b.CreatedAt = time.Unix(0, createdAt).UTC()
	return &b, nil
}

func (t *sqlTx) InsertBatch(b *backend.Batch) error {
	q := `INSERT INTO diagnosis_key_batches (batch_name, batch_link,
		created_at) VALUES (?, ?, ?)`
	err := t.savepoint(func() error {
		_, err := t.exec(q, b.Name, nullString(b.Link),
			b.CreatedAt.UnixNano())
		return err
	})
	if t.d.isUnique(err) {
		return backend.ErrBatchExists
	}
	return err
}

func (t *sqlTx) BatchByName(name string) (*backend.Batch, error) {
	q := `SELECT batch_name, batch_link, created_at
		FROM diagnosis_key_batches WHERE batch_name = ?`
	b, err := scanBatch(t.queryRow(q, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	return b, err
}

func (t *sqlTx) SetBatchLink(name, link string) error {
	q := `UPDATE diagnosis_key_batches SET batch_link = ?
		WHERE batch_name = ?`
	res, err := t.exec(q, nullString(link), name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return backend.ErrNotFound
	}
	return nil
}

// Batch names of one day only differ in the sequence suffix so ordering by
// length first compares sequence numbers numerically.
const (
	orderCreated  = `ORDER BY created_at, length(batch_name), batch_name`
	orderSequence = `ORDER BY length(batch_name) DESC, batch_name DESC`
)

func (t *sqlTx) batches(order string, limit bool, from, to time.Time) ([]backend.Batch, error) {
	q := `SELECT batch_name, batch_link, created_at
		FROM diagnosis_key_batches
		WHERE created_at >= ? AND created_at < ? ` + order
	if limit {
		q += ` LIMIT 1`
	}
	rows, err := t.query(q, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []backend.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

func (t *sqlTx) Batches(from, to time.Time) ([]backend.Batch, error) {
	return t.batches(orderCreated, false, from, to)
}

func (t *sqlTx) FirstBatch(from, to time.Time) (*backend.Batch, error) {
	b, err := t.batches(orderCreated, true, from, to)
	if err != nil || len(b) == 0 {
		return nil, err
	}
	return &b[0], nil
}

func (t *sqlTx) LatestBatch(from, to time.Time) (*backend.Batch, error) {
	b, err := t.batches(orderSequence, true, from, to)
	if err != nil || len(b) == 0 {
		return nil, err
	}
	return &b[0], nil
}

func (t *sqlTx) DeleteBefore(before time.Time) (int, int, error) {
	res, err := t.exec(`DELETE FROM diagnosis_keys WHERE created_at < ?`,
		before.UnixNano())
	if err != nil {
		return 0, 0, err
	}
	keys, err := res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}
	res, err = t.exec(`DELETE FROM diagnosis_key_batches
		WHERE created_at < ?`, before.UnixNano())
	if err != nil {
		return 0, 0, err
	}
	batches, err := res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}
	return int(keys), int(batches), nil
}

func (t *sqlTx) PutCertificate(c *backend.Certificate) error {
	q := `INSERT INTO certificates (thumbprint, country, type, revoked,
		not_before, not_after, raw_data, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (thumbprint, country, type) DO UPDATE SET
		revoked = excluded.revoked, not_before = excluded.not_before,
		not_after = excluded.not_after, raw_data = excluded.raw_data,
		signature = excluded.signature`
	_, err := t.exec(q, c.Thumbprint, c.Country, string(c.Type), c.Revoked,
		c.NotBefore.UnixNano(), c.NotAfter.UnixNano(), c.RawData,
		c.Signature)
	return err
}

func (t *sqlTx) Certificate(thumbprint, country string, typ backend.CertificateType) (*backend.Certificate, error) {
	q := `SELECT thumbprint, country, type, revoked, not_before, not_after,
		raw_data, signature FROM certificates
		WHERE thumbprint = ? AND country = ? AND type = ?`
	var (
		c                   backend.Certificate
		ctype               string
		notBefore, notAfter int64
	)
	err := t.queryRow(q, thumbprint, country, string(typ)).Scan(
		&c.Thumbprint, &c.Country, &ctype, &c.Revoked, &notBefore,
		&notAfter, &c.RawData, &c.Signature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Type = backend.CertificateType(ctype)
	c.NotBefore = time.Unix(0, notBefore).UTC()
	c.NotAfter = time.Unix(0, notAfter).UTC()
	return &c, nil
}
