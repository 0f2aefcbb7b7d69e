// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package filesystem implements the backend on top of a single leveldb
// database.  Transactions are exclusive, which makes every transaction
// serializable at the cost of write concurrency.  It is meant for single
// instance deployments.
package filesystem

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/interop/efgs/efgsd/backend"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	dbDir = "efgs"

	// Key prefixes.  Every index value is a payload hash unless noted.
	prefixKey         = "k\x00"  // [hash]record
	prefixUnbatched   = "q\x00"  // [seq]hash
	prefixUploaderTag = "t\x00"  // [tag\x00seq]hash
	prefixBatchKeys   = "bk\x00" // [batch\x00seq]hash
	prefixKeyCreated  = "kc\x00" // [nanos\x00seq]hash
	prefixBatch       = "b\x00"  // [name]batch
	prefixBatchTime   = "bc\x00" // [nanos\x00order]name
	prefixCertificate = "c\x00"  // [thumbprint\x00country\x00type]certificate
	keySequence       = "m\x00seq"
)

var (
	_ backend.Backend = (*FileSystem)(nil)
	_ backend.Tx      = (*fsTx)(nil)

	errCorrupt = errors.New("index points to missing record") // Should not happen
)

// FileSystem is a leveldb backed key record store.
type FileSystem struct {
	db *leveldb.DB
	tx chan struct{} // Holds a token while a transaction is open
}

// storedKey is the on disk form of a key record.  Seq orders records by
// insertion.
type storedKey struct {
	backend.KeyRecord
	Seq uint64 `json:"seq"`
}

func seqString(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

func timeString(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

func encodeKey(sk *storedKey) ([]byte, error) {
	return json.Marshal(sk)
}

func decodeKey(payload []byte) (*storedKey, error) {
	var sk storedKey
	if err := json.Unmarshal(payload, &sk); err != nil {
		return nil, err
	}
	return &sk, nil
}

// Begin starts an exclusive transaction.  It waits while another
// transaction is open until ctx is done.
func (fs *FileSystem) Begin(ctx context.Context) (backend.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case fs.tx <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	tx, err := fs.db.OpenTransaction()
	if err != nil {
		<-fs.tx
		return nil, err
	}
	return &fsTx{fs: fs, tx: tx}, nil
}

// Close closes the database.
//
// Close satisfies the backend interface.
func (fs *FileSystem) Close() error {
	defer log.Infof("Exiting")
	return fs.db.Close()
}

// fsTx wraps a leveldb transaction.
type fsTx struct {
	fs   *FileSystem
	tx   *leveldb.Transaction
	done bool
}

func (t *fsTx) release() {
	if !t.done {
		t.done = true
		<-t.fs.tx
	}
}

// Commit commits the transaction.  A failed commit leaves the transaction
// open for Rollback.
func (t *fsTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return err
	}
	t.release()
	return nil
}

func (t *fsTx) Rollback() error {
	t.tx.Discard()
	t.release()
	return nil
}

func (t *fsTx) nextSeq() (uint64, error) {
	var seq uint64
	b, err := t.tx.Get([]byte(keySequence), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return 0, err
	default:
		seq = binary.BigEndian.Uint64(b)
	}
	seq++
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], seq)
	return seq, t.tx.Put([]byte(keySequence), nb[:], nil)
}

func (t *fsTx) getKey(hash []byte) (*storedKey, error) {
	b, err := t.tx.Get(append([]byte(prefixKey), hash...), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", errCorrupt, hash)
	}
	if err != nil {
		return nil, err
	}
	return decodeKey(b)
}

func (t *fsTx) putKey(sk *storedKey) error {
	b, err := encodeKey(sk)
	if err != nil {
		return err
	}
	return t.tx.Put([]byte(prefixKey+sk.PayloadHash), b, nil)
}

func (t *fsTx) prefix(p string) iterator.Iterator {
	return t.tx.NewIterator(util.BytesPrefix([]byte(p)), nil)
}

// InsertKey stores a new key record.  The existence check runs under the
// exclusive transaction so it cannot race with another insert.
func (t *fsTx) InsertKey(r *backend.KeyRecord) error {
	ok, err := t.tx.Has([]byte(prefixKey+r.PayloadHash), nil)
	if err != nil {
		return err
	}
	if ok {
		return backend.ErrDuplicate
	}
	seq, err := t.nextSeq()
	if err != nil {
		return err
	}

	sk := &storedKey{KeyRecord: *r, Seq: seq}
	sk.CreatedAt = sk.CreatedAt.UTC()
	if err := t.putKey(sk); err != nil {
		return err
	}
	s := seqString(seq)
	h := []byte(r.PayloadHash)
	if r.BatchTag == "" {
		err = t.tx.Put([]byte(prefixUnbatched+s), h, nil)
	} else {
		err = t.tx.Put([]byte(prefixBatchKeys+r.BatchTag+"\x00"+s), h,
			nil)
	}
	if err != nil {
		return err
	}
	err = t.tx.Put([]byte(prefixUploaderTag+r.UploaderBatchTag+"\x00"+s),
		h, nil)
	if err != nil {
		return err
	}
	return t.tx.Put([]byte(prefixKeyCreated+timeString(sk.CreatedAt)+
		"\x00"+s), h, nil)
}

func (t *fsTx) FirstUnbatched(exclude []string) (*backend.KeyRecord, error) {
	skip := make(map[string]struct{}, len(exclude))
	for _, tag := range exclude {
		skip[tag] = struct{}{}
	}

	it := t.prefix(prefixUnbatched)
	defer it.Release()
	for it.Next() {
		sk, err := t.getKey(it.Value())
		if err != nil {
			return nil, err
		}
		if _, ok := skip[sk.UploaderBatchTag]; ok {
			continue
		}
		return &sk.KeyRecord, nil
	}
	return nil, it.Error()
}

// hashes returns the values of every index entry below p.  Callers collect
// before modifying since a transaction may reset its memory table on a
// write.
func (t *fsTx) hashes(p string) ([][]byte, error) {
	it := t.prefix(p)
	defer it.Release()
	var hashes [][]byte
	for it.Next() {
		hashes = append(hashes, append([]byte(nil), it.Value()...))
	}
	return hashes, it.Error()
}

// uploaderKeys calls f for every record uploaded with tag.
func (t *fsTx) uploaderKeys(tag string, f func(*storedKey) error) error {
	hashes, err := t.hashes(prefixUploaderTag + tag + "\x00")
	if err != nil {
		return err
	}
	for _, h := range hashes {
		sk, err := t.getKey(h)
		if err != nil {
			return err
		}
		if err := f(sk); err != nil {
			return err
		}
	}
	return nil
}

func (t *fsTx) CountUnbatchedByUploaderTag(tag string) (int, error) {
	var n int
	err := t.uploaderKeys(tag, func(sk *storedKey) error {
		if sk.BatchTag == "" {
			n++
		}
		return nil
	})
	return n, err
}

func (t *fsTx) AssignBatch(tags []string, batchTag string) (int, error) {
	var n int
	for _, tag := range tags {
		err := t.uploaderKeys(tag, func(sk *storedKey) error {
			if sk.BatchTag != "" {
				return nil
			}
			sk.BatchTag = batchTag
			if err := t.putKey(sk); err != nil {
				return err
			}
			s := seqString(sk.Seq)
			err := t.tx.Delete([]byte(prefixUnbatched+s), nil)
			if err != nil {
				return err
			}
			err = t.tx.Put([]byte(prefixBatchKeys+batchTag+"\x00"+s),
				[]byte(sk.PayloadHash), nil)
			if err != nil {
				return err
			}
			n++
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (t *fsTx) UploaderTagExists(tag string) (bool, error) {
	it := t.prefix(prefixUploaderTag + tag + "\x00")
	defer it.Release()
	found := it.First()
	return found, it.Error()
}

func (t *fsTx) KeysByBatch(batchTag string) ([]backend.KeyRecord, error) {
	it := t.prefix(prefixBatchKeys + batchTag + "\x00")
	defer it.Release()
	var records []backend.KeyRecord
	for it.Next() {
		sk, err := t.getKey(it.Value())
		if err != nil {
			return nil, err
		}
		records = append(records, sk.KeyRecord)
	}
	return records, it.Error()
}

func (t *fsTx) putBatch(b *backend.Batch) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return t.tx.Put([]byte(prefixBatch+b.Name), payload, nil)
}

func (t *fsTx) InsertBatch(b *backend.Batch) error {
	ok, err := t.tx.Has([]byte(prefixBatch+b.Name), nil)
	if err != nil {
		return err
	}
	if ok {
		return backend.ErrBatchExists
	}
	nb := *b
	nb.CreatedAt = nb.CreatedAt.UTC()
	if err := t.putBatch(&nb); err != nil {
		return err
	}
	return t.tx.Put([]byte(prefixBatchTime+timeString(nb.CreatedAt)+
		"\x00"+backend.BatchOrder(nb.Name)), []byte(nb.Name), nil)
}

func (t *fsTx) BatchByName(name string) (*backend.Batch, error) {
	payload, err := t.tx.Get([]byte(prefixBatch+name), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var b backend.Batch
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *fsTx) SetBatchLink(name, link string) error {
	b, err := t.BatchByName(name)
	if err != nil {
		return err
	}
	b.Link = link
	return t.putBatch(b)
}

func (t *fsTx) batchRange(from, to time.Time) iterator.Iterator {
	return t.tx.NewIterator(&util.Range{
		Start: []byte(prefixBatchTime + timeString(from)),
		Limit: []byte(prefixBatchTime + timeString(to)),
	}, nil)
}

func (t *fsTx) Batches(from, to time.Time) ([]backend.Batch, error) {
	it := t.batchRange(from, to)
	defer it.Release()
	var batches []backend.Batch
	for it.Next() {
		b, err := t.BatchByName(string(it.Value()))
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, it.Error()
}

func (t *fsTx) FirstBatch(from, to time.Time) (*backend.Batch, error) {
	it := t.batchRange(from, to)
	defer it.Release()
	if !it.First() {
		return nil, it.Error()
	}
	return t.BatchByName(string(it.Value()))
}

func (t *fsTx) LatestBatch(from, to time.Time) (*backend.Batch, error) {
	it := t.batchRange(from, to)
	defer it.Release()
	var latest string
	for it.Next() {
		name := string(it.Value())
		if latest == "" ||
			backend.BatchOrder(name) > backend.BatchOrder(latest) {
			latest = name
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	if latest == "" {
		return nil, nil
	}
	return t.BatchByName(latest)
}

func (t *fsTx) DeleteBefore(before time.Time) (int, int, error) {
	it := t.tx.NewIterator(&util.Range{
		Start: []byte(prefixKeyCreated),
		Limit: []byte(prefixKeyCreated + timeString(before)),
	}, nil)
	var created, hashes [][]byte
	for it.Next() {
		created = append(created, append([]byte(nil), it.Key()...))
		hashes = append(hashes, append([]byte(nil), it.Value()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return 0, 0, err
	}

	for i, h := range hashes {
		sk, err := t.getKey(h)
		if err != nil {
			return 0, 0, err
		}
		s := seqString(sk.Seq)
		dels := [][]byte{
			created[i],
			[]byte(prefixKey + sk.PayloadHash),
			[]byte(prefixUploaderTag + sk.UploaderBatchTag + "\x00" + s),
		}
		if sk.BatchTag == "" {
			dels = append(dels, []byte(prefixUnbatched+s))
		} else {
			dels = append(dels, []byte(prefixBatchKeys+sk.BatchTag+
				"\x00"+s))
		}
		for _, k := range dels {
			if err := t.tx.Delete(k, nil); err != nil {
				return 0, 0, err
			}
		}
	}

	it = t.batchRange(time.Unix(0, 0), before)
	var indexes, names [][]byte
	for it.Next() {
		indexes = append(indexes, append([]byte(nil), it.Key()...))
		names = append(names, append([]byte(nil), it.Value()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return 0, 0, err
	}
	for i, name := range names {
		if err := t.tx.Delete(indexes[i], nil); err != nil {
			return 0, 0, err
		}
		err := t.tx.Delete([]byte(prefixBatch+string(name)), nil)
		if err != nil {
			return 0, 0, err
		}
	}
	return len(hashes), len(names), nil
}

func certKey(thumbprint, country string, typ backend.CertificateType) []byte {
	return []byte(prefixCertificate + thumbprint + "\x00" + country +
		"\x00" + string(typ))
}

func (t *fsTx) PutCertificate(c *backend.Certificate) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return t.tx.Put(certKey(c.Thumbprint, c.Country, c.Type), payload, nil)
}

func (t *fsTx) Certificate(thumbprint, country string, typ backend.CertificateType) (*backend.Certificate, error) {
	payload, err := t.tx.Get(certKey(thumbprint, country, typ), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var c backend.Certificate
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// internalNew wraps an open database.  This is used by the test packages.
func internalNew(db *leveldb.DB) *FileSystem {
	return &FileSystem{
		db: db,
		tx: make(chan struct{}, 1),
	}
}

// NewMemory returns a backend that keeps everything in memory.  It is meant
// for tests.
func NewMemory() (*FileSystem, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return internalNew(db), nil
}

// New opens or creates the database below root.  The caller should issue a
// Close once the FileSystem backend is no longer needed.
func New(root string) (*FileSystem, error) {
	db, err := leveldb.OpenFile(filepath.Join(root, dbDir), nil)
	if err != nil {
		return nil, err
	}
	log.Infof("Database: %v", filepath.Join(root, dbDir))
	return internalNew(db), nil
}
