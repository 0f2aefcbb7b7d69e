// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package batchsig

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"errors"
	"math/rand"
	"testing"
	"time"

	v1 "github.com/interop/efgs/api/v1"
	"github.com/interop/efgs/efgsd/backend"
	"github.com/interop/efgs/util"
	"github.com/interop/efgs/util/testcert"
	"github.com/scionproto/scion/pkg/scrypto/cms/protocol"
	"github.com/stretchr/testify/require"
)

type certMap struct {
	certs map[string]*backend.Certificate
	err   error
}

func (m *certMap) Lookup(ctx context.Context, thumbprint, country string, typ backend.CertificateType) (*backend.Certificate, error) {
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.certs[thumbprint]
	if !ok || c.Country != country || c.Type != typ {
		return nil, nil
	}
	return c, nil
}

func (m *certMap) add(c *testcert.Cert, country string, revoked bool) {
	tp := util.Thumbprint(c.Cert)
	m.certs[tp] = &backend.Certificate{
		Thumbprint: tp,
		Country:    country,
		Type:       backend.CertificateTypeSigning,
		Revoked:    revoked,
		NotBefore:  c.Cert.NotBefore,
		NotAfter:   c.Cert.NotAfter,
	}
}

func newCertMap() *certMap {
	return &certMap{certs: make(map[string]*backend.Certificate)}
}

func testBatch(origin string) v1.DiagnosisKeyBatch {
	var batch v1.DiagnosisKeyBatch
	for i := 0; i < 4; i++ {
		kd := make([]byte, v1.KeyDataSize)
		kd[0] = byte(40 - i)
		batch.Keys = append(batch.Keys, v1.DiagnosisKey{
			KeyData:                    kd,
			RollingStartIntervalNumber: 2656800 + uint32(i)*144,
			RollingPeriod:              144,
			TransmissionRiskLevel:      int32(i),
			VisitedCountries:           []string{"FR", "NL"},
			Origin:                     origin,
			ReportType:                 v1.ReportTypeConfirmedTest,
			DaysSinceOnsetOfSymptoms:   int32(i),
		})
	}
	return batch
}

func sign(t *testing.T, batch v1.DiagnosisKeyBatch, c *testcert.Cert) string {
	t.Helper()
	sig, err := Sign(batch, c.Cert, c.Key)
	require.NoError(t, err)
	return sig
}

func requireReason(t *testing.T, err error, r Reason) {
	t.Helper()
	var re *RejectionError
	require.True(t, errors.As(err, &re), "not a rejection: %v", err)
	require.Equal(t, r, re.Reason, "%v", err)
}

func TestVerify(t *testing.T) {
	c := testcert.New(t, testcert.Options{Countries: []string{"DE"}})
	certs := newCertMap()
	certs.add(c, "DE", false)
	v := New(certs)

	batch := testBatch("DE")
	sig := sign(t, batch, c)

	tp, err := v.Verify(context.Background(), batch, sig)
	require.NoError(t, err)
	require.Equal(t, util.Thumbprint(c.Cert), tp)
	require.Len(t, tp, 64)

	// Any reordering verifies.
	reordered := v1.DiagnosisKeyBatch{Keys: []v1.DiagnosisKey{
		batch.Keys[2], batch.Keys[0], batch.Keys[3], batch.Keys[1],
	}}
	tp2, err := v.Verify(context.Background(), reordered, sig)
	require.NoError(t, err)
	require.Equal(t, tp, tp2)
}

// A valid signature over a batch does not verify a batch with one altered
// key field.
func TestVerifyAlteredKey(t *testing.T) {
	c := testcert.New(t, testcert.Options{Countries: []string{"DE"}})
	certs := newCertMap()
	certs.add(c, "DE", false)
	v := New(certs)

	batch := testBatch("DE")
	sig := sign(t, batch, c)

	alter := []func(k *v1.DiagnosisKey){
		func(k *v1.DiagnosisKey) { k.KeyData[3] = 0xff },
		func(k *v1.DiagnosisKey) { k.RollingPeriod = 12 },
		func(k *v1.DiagnosisKey) { k.TransmissionRiskLevel = 7 },
		func(k *v1.DiagnosisKey) { k.VisitedCountries = nil },
		func(k *v1.DiagnosisKey) { k.ReportType = v1.ReportTypeRevoked },
		func(k *v1.DiagnosisKey) { k.DaysSinceOnsetOfSymptoms = 14 },
	}
	for i, f := range alter {
		b := testBatch("DE")
		f(&b.Keys[1])
		_, err := v.Verify(context.Background(), b, sig)
		requireReason(t, err, ReasonSignatureInvalid)
		t.Logf("alteration %v: %v", i, err)
	}
}

// A subject without country attribute is a country mismatch even when the
// certificate is otherwise acceptable.
func TestVerifyNoCountry(t *testing.T) {
	c := testcert.New(t, testcert.Options{})
	certs := newCertMap()
	certs.add(c, "DE", false)
	v := New(certs)

	batch := testBatch("DE")
	_, err := v.Verify(context.Background(), batch, sign(t, batch, c))
	requireReason(t, err, ReasonCountryMismatch)

	c2 := testcert.New(t, testcert.Options{Countries: []string{"DE", "DE"}})
	certs.add(c2, "DE", false)
	_, err = v.Verify(context.Background(), batch, sign(t, batch, c2))
	requireReason(t, err, ReasonCountryMismatch)
}

func TestVerifyCertificateGating(t *testing.T) {
	now := time.Now()
	valid := testcert.New(t, testcert.Options{Countries: []string{"DE"}})
	expired := testcert.New(t, testcert.Options{
		Countries: []string{"DE"},
		NotBefore: now.Add(-48 * time.Hour),
		NotAfter:  now.Add(-time.Hour),
	})
	future := testcert.New(t, testcert.Options{
		Countries: []string{"DE"},
		NotBefore: now.Add(time.Hour),
		NotAfter:  now.Add(48 * time.Hour),
	})
	revoked := testcert.New(t, testcert.Options{Countries: []string{"DE"}})
	unknown := testcert.New(t, testcert.Options{Countries: []string{"DE"}})
	otherCountry := testcert.New(t, testcert.Options{
		Countries: []string{"FR"},
	})

	certs := newCertMap()
	certs.add(valid, "DE", false)
	certs.add(expired, "DE", false)
	certs.add(future, "DE", false)
	certs.add(revoked, "DE", true)
	certs.add(otherCountry, "FR", false)
	v := New(certs)

	tests := []struct {
		name   string
		cert   *testcert.Cert
		reason Reason
	}{
		{"expired", expired, ReasonCertificateExpired},
		{"not yet valid", future, ReasonCertificateExpired},
		{"revoked", revoked, ReasonRevoked},
		{"unknown", unknown, ReasonUnknownCertificate},
		{"country mismatch", otherCountry, ReasonCountryMismatch},
	}
	batch := testBatch("DE")
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), batch,
				sign(t, batch, test.cert))
			requireReason(t, err, test.reason)
		})
	}

	_, err := v.Verify(context.Background(), batch, sign(t, batch, valid))
	require.NoError(t, err)
}

func TestVerifyClock(t *testing.T) {
	c := testcert.New(t, testcert.Options{Countries: []string{"DE"}})
	certs := newCertMap()
	certs.add(c, "DE", false)
	v := New(certs)
	batch := testBatch("DE")
	sig := sign(t, batch, c)

	v.myNow = func() time.Time { return c.Cert.NotAfter.Add(time.Second) }
	_, err := v.Verify(context.Background(), batch, sig)
	requireReason(t, err, ReasonCertificateExpired)

	v.myNow = func() time.Time { return c.Cert.NotAfter }
	_, err = v.Verify(context.Background(), batch, sig)
	require.NoError(t, err)
}

func TestVerifyLookupFailure(t *testing.T) {
	c := testcert.New(t, testcert.Options{Countries: []string{"DE"}})
	certs := newCertMap()
	certs.err = errors.New("connection refused")
	v := New(certs)

	batch := testBatch("DE")
	_, err := v.Verify(context.Background(), batch, sign(t, batch, c))
	requireReason(t, err, ReasonLookupFailed)
	require.ErrorIs(t, err, certs.err)
}

func TestVerifyMalformed(t *testing.T) {
	v := New(newCertMap())
	batch := testBatch("DE")

	for _, sig := range []string{
		"",
		"not base64 !!!",
		base64.StdEncoding.EncodeToString([]byte("garbage")),
	} {
		_, err := v.Verify(context.Background(), batch, sig)
		requireReason(t, err, ReasonMalformedSignature)
	}
}

// Corrupting a few bytes of a valid signature never escapes as a panic.
func TestVerifyCorrupted(t *testing.T) {
	c := testcert.New(t, testcert.Options{Countries: []string{"DE"}})
	certs := newCertMap()
	certs.add(c, "DE", false)
	v := New(certs)
	batch := testBatch("DE")

	der, err := base64.StdEncoding.DecodeString(sign(t, batch, c))
	require.NoError(t, err)

	iterations := 20000
	if testing.Short() {
		iterations = 2000
	}
	r := rand.New(rand.NewSource(1))
	mutated := make([]byte, len(der))
	for i := 0; i < iterations; i++ {
		copy(mutated, der)
		for n := r.Intn(3) + 1; n > 0; n-- {
			mutated[r.Intn(len(mutated))] ^= byte(r.Intn(255) + 1)
		}
		sig := base64.StdEncoding.EncodeToString(mutated)
		require.NotPanics(t, func() {
			_, err = v.Verify(context.Background(), batch, sig)
		}, "iteration %v", i)
		if err != nil {
			var re *RejectionError
			require.True(t, errors.As(err, &re),
				"iteration %v: not a rejection: %v", i, err)
		}
	}
}

func TestVerifySignerCount(t *testing.T) {
	c1 := testcert.New(t, testcert.Options{Countries: []string{"DE"}})
	c2 := testcert.New(t, testcert.Options{Countries: []string{"DE"}})
	certs := newCertMap()
	certs.add(c1, "DE", false)
	certs.add(c2, "DE", false)
	v := New(certs)
	batch := testBatch("DE")

	build := func(signers ...*testcert.Cert) string {
		eci, err := protocol.NewDataEncapsulatedContentInfo([]byte("x"))
		require.NoError(t, err)
		sd, err := protocol.NewSignedData(eci)
		require.NoError(t, err)
		for _, s := range signers {
			err := sd.AddSignerInfo([]*x509.Certificate{s.Cert}, s.Key)
			require.NoError(t, err)
		}
		sd.EncapContentInfo.EContent = asn1.RawValue{}
		der, err := sd.ContentInfoDER()
		require.NoError(t, err)
		return base64.StdEncoding.EncodeToString(der)
	}

	_, err := v.Verify(context.Background(), batch, build())
	requireReason(t, err, ReasonNoSigner)

	_, err = v.Verify(context.Background(), batch, build(c1, c2))
	requireReason(t, err, ReasonMultipleSigners)
}

func TestVerifyNoEmbeddedCertificate(t *testing.T) {
	c := testcert.New(t, testcert.Options{Countries: []string{"DE"}})
	batch := testBatch("DE")
	sig := sign(t, batch, c)

	der, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)
	ci, err := protocol.ParseContentInfo(der)
	require.NoError(t, err)
	sd, err := ci.SignedDataContent()
	require.NoError(t, err)
	sd.Certificates = nil
	der, err = sd.ContentInfoDER()
	require.NoError(t, err)

	v := New(newCertMap())
	_, err = v.Verify(context.Background(), batch,
		base64.StdEncoding.EncodeToString(der))
	requireReason(t, err, ReasonNoCertificate)
}
