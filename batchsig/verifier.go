// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package batchsig verifies and produces detached CMS signatures over the
// canonical bytes of a diagnosis key batch.
package batchsig

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	v1 "github.com/interop/efgs/api/v1"
	"github.com/interop/efgs/canonical"
	"github.com/interop/efgs/efgsd/backend"
	"github.com/interop/efgs/util"
	"github.com/scionproto/scion/pkg/scrypto/cms/protocol"
)

// Reason identifies why a batch signature was rejected.
type Reason string

const (
	ReasonMalformedSignature      Reason = "malformed signature"
	ReasonNoSigner                Reason = "no signer"
	ReasonMultipleSigners         Reason = "multiple signers"
	ReasonNoCertificate           Reason = "no certificate"
	ReasonCertificateExpired      Reason = "certificate expired or not yet valid"
	ReasonUnknownCertificate      Reason = "unknown certificate"
	ReasonRevoked                 Reason = "certificate revoked"
	ReasonLookupFailed            Reason = "certificate lookup failed"
	ReasonCountryMismatch         Reason = "country mismatch"
	ReasonSignatureInvalid        Reason = "signature invalid"
	ReasonUploaderCountryMismatch Reason = "uploader country mismatch"
)

// RejectionError is returned for every signature that does not verify.
type RejectionError struct {
	Reason     Reason
	Thumbprint string // Empty when rejected before the certificate was found
	Err        error  // Underlying cause, may be nil
}

func (e *RejectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("batch signature rejected: %v: %v", e.Reason,
			e.Err)
	}
	return fmt.Sprintf("batch signature rejected: %v", e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// IsReason reports whether err is a RejectionError with reason r.
func IsReason(err error, r Reason) bool {
	var re *RejectionError
	return errors.As(err, &re) && re.Reason == r
}

// CertificateLookup resolves registered certificates.  It returns nil and
// no error when the certificate is absent.
type CertificateLookup interface {
	Lookup(ctx context.Context, thumbprint, country string,
		typ backend.CertificateType) (*backend.Certificate, error)
}

// Verifier checks batch signatures against the registered signing
// certificates.  It is safe for concurrent use.
type Verifier struct {
	certs CertificateLookup
	myNow func() time.Time // Override time.Now()
}

// New returns a Verifier that resolves certificates through certs.
func New(certs CertificateLookup) *Verifier {
	return &Verifier{
		certs: certs,
		myNow: time.Now,
	}
}

func reject(r Reason, thumbprint string, err error) (string, error) {
	return "", &RejectionError{Reason: r, Thumbprint: thumbprint, Err: err}
}

// parse decodes the signature and returns the single signer info together
// with the embedded certificates.
func parse(sigBase64 string) (si protocol.SignerInfo, certs []*x509.Certificate, rerr *RejectionError) {
	defer func() {
		if r := recover(); r != nil {
			rerr = &RejectionError{
				Reason: ReasonMalformedSignature,
				Err:    fmt.Errorf("%v", r),
			}
		}
	}()

	der, err := base64.StdEncoding.DecodeString(sigBase64)
	if err != nil {
		return si, nil, &RejectionError{Reason: ReasonMalformedSignature,
			Err: err}
	}
	ci, err := protocol.ParseContentInfo(der)
	if err != nil {
		return si, nil, &RejectionError{Reason: ReasonMalformedSignature,
			Err: err}
	}
	sd, err := ci.SignedDataContent()
	if err != nil {
		return si, nil, &RejectionError{Reason: ReasonMalformedSignature,
			Err: err}
	}
	switch len(sd.SignerInfos) {
	case 0:
		return si, nil, &RejectionError{Reason: ReasonNoSigner}
	case 1:
	default:
		return si, nil, &RejectionError{Reason: ReasonMultipleSigners,
			Err: fmt.Errorf("%v signer infos", len(sd.SignerInfos))}
	}
	certs, err = sd.X509Certificates()
	if err != nil {
		return si, nil, &RejectionError{Reason: ReasonMalformedSignature,
			Err: err}
	}
	return sd.SignerInfos[0], certs, nil
}

// verifySignerInfo checks the signer info against content.  Without signed
// attributes the signature covers the content directly.
func verifySignerInfo(cert *x509.Certificate, si protocol.SignerInfo, content []byte) error {
	algo := si.X509SignatureAlgorithm()
	if len(si.SignedAttrs) == 0 {
		return cert.CheckSignature(algo, content, si.Signature)
	}
	hash, err := si.Hash()
	if err != nil {
		return err
	}
	attrDigest, err := si.GetMessageDigestAttribute()
	if err != nil {
		return err
	}
	actualDigest := hash.New()
	actualDigest.Write(content)
	if !bytes.Equal(attrDigest, actualDigest.Sum(nil)) {
		return errors.New("message digest does not match")
	}
	input, err := si.SignedAttrs.MarshaledForVerifying()
	if err != nil {
		return err
	}
	return cert.CheckSignature(algo, input, si.Signature)
}

// Verify checks that sigBase64 is a valid detached signature over the
// canonical bytes of batch, made with a registered, unrevoked signing
// certificate whose country is the origin of every key.  It returns the
// hex thumbprint of the signing certificate.  Every failure is a
// *RejectionError.
func (v *Verifier) Verify(ctx context.Context, batch v1.DiagnosisKeyBatch, sigBase64 string) (thumbprint string, err error) {
	// The signer info accessors index into decoded ASN.1 without bounds
	// checks.
	defer func() {
		if r := recover(); r != nil {
			log.Infof("Batch signature rejected: %v: %v",
				ReasonMalformedSignature, r)
			thumbprint, err = reject(ReasonMalformedSignature, "",
				fmt.Errorf("%v", r))
		}
	}()

	si, certs, rerr := parse(sigBase64)
	if rerr != nil {
		log.Infof("Batch signature rejected: %v", rerr)
		return "", rerr
	}

	cert, err := si.FindCertificate(certs)
	if err != nil {
		log.Infof("Batch signature rejected: %v: %v", ReasonNoCertificate,
			err)
		return reject(ReasonNoCertificate, "", err)
	}

	thumbprint = util.Thumbprint(cert)
	now := v.myNow()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		log.Infof("Batch signature rejected: %v: thumbprint %v valid "+
			"%v to %v", ReasonCertificateExpired, thumbprint,
			cert.NotBefore, cert.NotAfter)
		return reject(ReasonCertificateExpired, thumbprint, nil)
	}

	country, err := util.SubjectCountry(cert)
	if err != nil {
		log.Infof("Batch signature rejected: %v: thumbprint %v: %v",
			ReasonCountryMismatch, thumbprint, err)
		return reject(ReasonCountryMismatch, thumbprint, err)
	}

	rec, err := v.certs.Lookup(ctx, thumbprint, country,
		backend.CertificateTypeSigning)
	switch {
	case err != nil:
		log.Errorf("Certificate lookup %v: %v", thumbprint, err)
		return reject(ReasonLookupFailed, thumbprint, err)
	case rec == nil:
		log.Infof("Batch signature rejected: %v: thumbprint %v "+
			"country %v", ReasonUnknownCertificate, thumbprint,
			country)
		return reject(ReasonUnknownCertificate, thumbprint, nil)
	case rec.Revoked:
		log.Infof("Batch signature rejected: %v: thumbprint %v "+
			"country %v", ReasonRevoked, thumbprint, country)
		return reject(ReasonRevoked, thumbprint, nil)
	}

	for i, k := range batch.Keys {
		if k.Origin != country {
			log.Infof("Batch signature rejected: %v: thumbprint %v "+
				"country %v key %v origin %v", ReasonCountryMismatch,
				thumbprint, country, i, k.Origin)
			return reject(ReasonCountryMismatch, thumbprint,
				fmt.Errorf("key %v origin %v", i, k.Origin))
		}
	}

	err = verifySignerInfo(cert, si, canonical.EncodeBatch(batch))
	if err != nil {
		log.Infof("Batch signature rejected: %v: thumbprint %v: %v",
			ReasonSignatureInvalid, thumbprint, err)
		return reject(ReasonSignatureInvalid, thumbprint, err)
	}

	log.Debugf("Batch signature verified: thumbprint %v country %v keys %v",
		thumbprint, country, len(batch.Keys))
	return thumbprint, nil
}
