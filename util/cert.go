// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package util

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

var (
	// ErrNoCountry is returned when a subject has no C attribute.
	ErrNoCountry = errors.New("subject has no country attribute")

	// ErrMultipleCountries is returned when a subject has more than one
	// C attribute.
	ErrMultipleCountries = errors.New("subject has multiple country " +
		"attributes")

	oidCountry = asn1.ObjectIdentifier{2, 5, 4, 6}
)

// Thumbprint returns the lowercase hex SHA-256 digest of the DER encoded
// certificate.  The result is always 64 characters.
func Thumbprint(cert *x509.Certificate) string {
	d := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(d[:])
}

// SubjectCountry returns the single country attribute of the certificate
// subject.  The raw subject attributes are inspected instead of
// Subject.Country so that duplicated RDNs are caught.
func SubjectCountry(cert *x509.Certificate) (string, error) {
	var country string
	var found int
	for _, atv := range cert.Subject.Names {
		if !atv.Type.Equal(oidCountry) {
			continue
		}
		found++
		s, ok := atv.Value.(string)
		if !ok {
			return "", fmt.Errorf("country attribute is not a string")
		}
		country = s
	}
	switch found {
	case 0:
		return "", ErrNoCountry
	case 1:
		return country, nil
	default:
		return "", ErrMultipleCountries
	}
}

// ParsePEMCertificate parses the first CERTIFICATE block of data.
func ParsePEMCertificate(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no PEM certificate found")
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		return x509.ParseCertificate(block.Bytes)
	}
}

// EncodePEMCertificate returns the PEM form of a certificate.
func EncodePEMCertificate(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	})
}
