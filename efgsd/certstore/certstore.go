// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package certstore serves registered certificates after checking that the
// stored record was endorsed by the trust anchor.
package certstore

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/interop/efgs/efgsd/backend"
	"github.com/interop/efgs/util"
)

const (
	DefaultCacheSize = 1024
	DefaultCacheTTL  = 5 * time.Minute
)

// Store looks up certificates in a backend.  Records are always read from
// storage so revocations take effect immediately; only the outcome of the
// integrity check is cached.
type Store struct {
	backend backend.Backend
	anchor  *x509.Certificate // Trust anchor, nil skips the endorsement check
	checked *expirable.LRU[[sha256.Size]byte, struct{}]
}

// New returns a certificate store.  A zero size or ttl selects the default.
func New(b backend.Backend, anchor *x509.Certificate, size int, ttl time.Duration) *Store {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Store{
		backend: b,
		anchor:  anchor,
		checked: expirable.NewLRU[[sha256.Size]byte, struct{}](size,
			nil, ttl),
	}
}

// checkKey covers every field the integrity check reads, so a changed record
// never matches an earlier result.
func checkKey(c *backend.Certificate) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte(c.Thumbprint))
	h.Write([]byte{0})
	h.Write([]byte(c.Signature))
	h.Write([]byte{0})
	h.Write([]byte(c.RawData))
	var k [sha256.Size]byte
	copy(k[:], h.Sum(nil))
	return k
}

// Lookup returns the certificate registered for thumbprint, country and
// type.  It returns nil and no error when there is none or when the stored
// record fails the integrity check.
func (s *Store) Lookup(ctx context.Context, thumbprint, country string, typ backend.CertificateType) (*backend.Certificate, error) {
	var c *backend.Certificate
	err := backend.View(ctx, s.backend, func(tx backend.Tx) error {
		var err error
		c, err = tx.Certificate(thumbprint, country, typ)
		return err
	})
	if errors.Is(err, backend.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("certificate %v: %w", thumbprint, err)
	}

	key := checkKey(c)
	if _, ok := s.checked.Get(key); ok {
		return c, nil
	}
	if err := s.checkIntegrity(c); err != nil {
		log.Errorf("Certificate %v %v %v failed integrity check: %v",
			thumbprint, country, typ, err)
		return nil, nil
	}
	s.checked.Add(key, struct{}{})
	return c, nil
}

// Put stores a certificate record.
func (s *Store) Put(ctx context.Context, c *backend.Certificate) error {
	return backend.Update(ctx, s.backend, func(tx backend.Tx) error {
		return tx.PutCertificate(c)
	})
}

func (s *Store) checkIntegrity(c *backend.Certificate) error {
	if c.RawData == "" {
		return errors.New("no raw certificate")
	}
	cert, err := util.ParsePEMCertificate([]byte(c.RawData))
	if err != nil {
		return fmt.Errorf("raw data: %v", err)
	}
	if tp := util.Thumbprint(cert); tp != c.Thumbprint {
		return fmt.Errorf("thumbprint mismatch: stored %v computed %v",
			c.Thumbprint, tp)
	}

	if s.anchor == nil {
		return nil
	}
	if c.Signature == "" {
		return errors.New("no trust anchor signature")
	}
	sig, err := base64.StdEncoding.DecodeString(c.Signature)
	if err != nil {
		return fmt.Errorf("signature: %v", err)
	}
	err = s.anchor.CheckSignature(s.anchor.SignatureAlgorithm,
		[]byte(c.RawData), sig)
	if err != nil {
		return fmt.Errorf("trust anchor signature: %v", err)
	}
	return nil
}

var signatureHashes = map[x509.SignatureAlgorithm]crypto.Hash{
	x509.SHA256WithRSA:   crypto.SHA256,
	x509.SHA384WithRSA:   crypto.SHA384,
	x509.SHA512WithRSA:   crypto.SHA512,
	x509.ECDSAWithSHA256: crypto.SHA256,
	x509.ECDSAWithSHA384: crypto.SHA384,
	x509.ECDSAWithSHA512: crypto.SHA512,
}

// Endorse fills in the trust anchor signature of c.  The signature uses the
// algorithm the anchor certificate itself was signed with.
func Endorse(c *backend.Certificate, anchor *x509.Certificate, key crypto.Signer) error {
	h, ok := signatureHashes[anchor.SignatureAlgorithm]
	if !ok {
		return fmt.Errorf("unsupported trust anchor algorithm %v",
			anchor.SignatureAlgorithm)
	}
	d := h.New()
	d.Write([]byte(c.RawData))
	sig, err := key.Sign(rand.Reader, d.Sum(nil), h)
	if err != nil {
		return err
	}
	c.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// NewRecord returns an unendorsed record for cert.
func NewRecord(cert *x509.Certificate, typ backend.CertificateType) (*backend.Certificate, error) {
	country, err := util.SubjectCountry(cert)
	if err != nil {
		return nil, err
	}
	return &backend.Certificate{
		Thumbprint: util.Thumbprint(cert),
		Country:    country,
		Type:       typ,
		NotBefore:  cert.NotBefore,
		NotAfter:   cert.NotAfter,
		RawData:    string(util.EncodePEMCertificate(cert)),
	}, nil
}
