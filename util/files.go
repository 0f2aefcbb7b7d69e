// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package util

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// LoadCertificateFile reads a PEM certificate from filename.
func LoadCertificateFile(filename string) (*x509.Certificate, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cert, err := ParsePEMCertificate(b)
	if err != nil {
		return nil, fmt.Errorf("%v: %v", filename, err)
	}
	return cert, nil
}

// LoadPrivateKeyFile reads a PKCS#8, EC or PKCS#1 PEM private key from
// filename.
func LoadPrivateKeyFile(filename string) (crypto.Signer, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, fmt.Errorf("%v: no PEM block found", filename)
	}

	var key interface{}
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("%v: %v", filename, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%v: unsupported key type %T", filename,
			key)
	}
	return signer, nil
}
