// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package canonical

import (
	"bytes"
	"encoding/hex"
	"testing"

	v1 "github.com/interop/efgs/api/v1"
)

func testKey(seed byte) v1.DiagnosisKey {
	kd := make([]byte, v1.KeyDataSize)
	for i := range kd {
		kd[i] = seed + byte(i)
	}
	return v1.DiagnosisKey{
		KeyData:                    kd,
		RollingStartIntervalNumber: 2656800,
		RollingPeriod:              144,
		TransmissionRiskLevel:      3,
		VisitedCountries:           []string{"FR", "DK"},
		Origin:                     "DE",
		ReportType:                 v1.ReportTypeConfirmedTest,
		DaysSinceOnsetOfSymptoms:   2,
	}
}

func TestEncodeKeyVector(t *testing.T) {
	k := testKey(0)
	expected := "000102030405060708090a0b0c0d0e0f00288a2000000090" +
		"00000003444b465244450000000100000002"
	got := hex.EncodeToString(EncodeKey(k))
	if got != expected {
		t.Fatalf("got %v want %v", got, expected)
	}

	h := PayloadHash(k)
	if h != "f1ab3c5f74edd11c10c27843e439fce545d5b4b382aa6930e90dbb876edf75b7" {
		t.Fatalf("unexpected payload hash %v", h)
	}
	if !v1.RegexpPayloadHash.MatchString(h) {
		t.Fatalf("payload hash not 64 hex chars: %v", h)
	}
}

func TestEncodeKeyDoesNotMutate(t *testing.T) {
	k := testKey(0)
	EncodeKey(k)
	if k.VisitedCountries[0] != "FR" || k.VisitedCountries[1] != "DK" {
		t.Fatalf("visited countries reordered: %v", k.VisitedCountries)
	}
}

func permutations(keys []v1.DiagnosisKey) [][]v1.DiagnosisKey {
	if len(keys) <= 1 {
		return [][]v1.DiagnosisKey{keys}
	}
	var all [][]v1.DiagnosisKey
	for i := range keys {
		rest := make([]v1.DiagnosisKey, 0, len(keys)-1)
		rest = append(rest, keys[:i]...)
		rest = append(rest, keys[i+1:]...)
		for _, p := range permutations(rest) {
			all = append(all, append([]v1.DiagnosisKey{keys[i]}, p...))
		}
	}
	return all
}

func TestEncodeBatchDeterministic(t *testing.T) {
	// Two keys share key data to exercise the tie break.
	twin := testKey(9)
	twin.RollingPeriod = 100
	keys := []v1.DiagnosisKey{testKey(9), testKey(1), twin, testKey(200)}

	expected := EncodeBatch(v1.DiagnosisKeyBatch{Keys: keys})
	for i, p := range permutations(keys) {
		got := EncodeBatch(v1.DiagnosisKeyBatch{Keys: p})
		if !bytes.Equal(got, expected) {
			t.Fatalf("permutation %v encodes differently", i)
		}
	}

	// Sorted by key data.
	first := EncodeKey(testKey(1))
	if !bytes.HasPrefix(expected, first) {
		t.Fatalf("batch does not start with lowest key")
	}
}

func TestEncodeKeyBoundarySensitivity(t *testing.T) {
	base := EncodeKey(testKey(0))

	mutations := []struct {
		name   string
		mutate func(k *v1.DiagnosisKey)
	}{
		{"keydata", func(k *v1.DiagnosisKey) { k.KeyData[15] ^= 1 }},
		{"rolling start", func(k *v1.DiagnosisKey) {
			k.RollingStartIntervalNumber++
		}},
		{"rolling period", func(k *v1.DiagnosisKey) { k.RollingPeriod-- }},
		{"transmission risk", func(k *v1.DiagnosisKey) {
			k.TransmissionRiskLevel = v1.TransmissionRiskLevelDefault
		}},
		{"visited", func(k *v1.DiagnosisKey) {
			k.VisitedCountries = []string{"FR", "DE"}
		}},
		{"visited dropped", func(k *v1.DiagnosisKey) {
			k.VisitedCountries = []string{"DK"}
		}},
		{"origin", func(k *v1.DiagnosisKey) { k.Origin = "NL" }},
		{"report type", func(k *v1.DiagnosisKey) {
			k.ReportType = v1.ReportTypeSelfReport
		}},
		{"days since onset", func(k *v1.DiagnosisKey) {
			k.DaysSinceOnsetOfSymptoms = -2
		}},
	}
	seen := map[string]string{hex.EncodeToString(base): "base"}
	for _, m := range mutations {
		k := testKey(0)
		m.mutate(&k)
		e := hex.EncodeToString(EncodeKey(k))
		if prev, ok := seen[e]; ok {
			t.Fatalf("%v collides with %v", m.name, prev)
		}
		seen[e] = m.name
	}
}
