// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package batchsig

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"

	v1 "github.com/interop/efgs/api/v1"
	"github.com/interop/efgs/canonical"
	"github.com/scionproto/scion/pkg/scrypto/cms/protocol"
)

// Sign returns the base64 encoded detached CMS signature of batch made with
// signer.  The certificate is embedded in the signature.
func Sign(batch v1.DiagnosisKeyBatch, cert *x509.Certificate, signer crypto.Signer) (string, error) {
	eci, err := protocol.NewDataEncapsulatedContentInfo(
		canonical.EncodeBatch(batch))
	if err != nil {
		return "", err
	}
	sd, err := protocol.NewSignedData(eci)
	if err != nil {
		return "", err
	}
	if err := sd.AddSignerInfo([]*x509.Certificate{cert}, signer); err != nil {
		return "", err
	}

	// Detach
	sd.EncapContentInfo.EContent = asn1.RawValue{}

	der, err := sd.ContentInfoDER()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}
