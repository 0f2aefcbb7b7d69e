// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package canonical produces the byte representation a batch signature is
// computed over.  The encoding has no delimiters.  Key data is fixed at 16
// bytes and country codes at two characters by validation, so field
// boundaries never shift between two valid keys.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	v1 "github.com/interop/efgs/api/v1"
)

func putUint32(b *bytes.Buffer, v uint32) {
	var x [4]byte
	binary.BigEndian.PutUint32(x[:], v)
	b.Write(x[:])
}

func encodeKey(b *bytes.Buffer, k v1.DiagnosisKey) {
	b.Write(k.KeyData)
	putUint32(b, k.RollingStartIntervalNumber)
	putUint32(b, k.RollingPeriod)
	putUint32(b, uint32(k.TransmissionRiskLevel))

	visited := make([]string, len(k.VisitedCountries))
	copy(visited, k.VisitedCountries)
	sort.Strings(visited)
	for _, c := range visited {
		b.WriteString(c)
	}

	b.WriteString(k.Origin)
	putUint32(b, uint32(k.ReportType))
	putUint32(b, uint32(k.DaysSinceOnsetOfSymptoms))
}

// EncodeKey returns the canonical bytes of a single key.
func EncodeKey(k v1.DiagnosisKey) []byte {
	var b bytes.Buffer
	encodeKey(&b, k)
	return b.Bytes()
}

// EncodeBatch returns the canonical bytes of a batch.  Keys are ordered by
// key data with ties broken by their full encoding, so every permutation of
// the same keys encodes identically.
func EncodeBatch(batch v1.DiagnosisKeyBatch) []byte {
	encoded := make([][]byte, len(batch.Keys))
	for i, k := range batch.Keys {
		encoded[i] = EncodeKey(k)
	}
	idx := make([]int, len(batch.Keys))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		a, b := batch.Keys[idx[i]], batch.Keys[idx[j]]
		if c := bytes.Compare(a.KeyData, b.KeyData); c != 0 {
			return c < 0
		}
		return bytes.Compare(encoded[idx[i]], encoded[idx[j]]) < 0
	})

	var b bytes.Buffer
	for _, i := range idx {
		b.Write(encoded[i])
	}
	return b.Bytes()
}

// PayloadHash returns the hex encoded SHA-256 digest of the canonical key
// bytes.  It is always 64 characters long.
func PayloadHash(k v1.DiagnosisKey) string {
	d := sha256.Sum256(EncodeKey(k))
	return hex.EncodeToString(d[:])
}
