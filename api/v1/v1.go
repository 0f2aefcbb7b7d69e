// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package v1

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// APIVersion defines the version number for this code.
	APIVersion = 1

	// KeyDataSize is the size of a temporary exposure key.
	KeyDataSize = 16

	// RollingStartIntervalLength is the length, in seconds, of one rolling
	// start interval.
	RollingStartIntervalLength = 600

	// MaxRollingPeriod is the number of intervals in one day.
	MaxRollingPeriod = 144

	// MaxKeyAgeDays is how far back a rolling start interval may lie.
	MaxKeyAgeDays = 15

	// TransmissionRiskLevelDefault is used by backends that cannot
	// provide a correct transmission risk level.
	TransmissionRiskLevelDefault = 0x7fffffff

	// MaxTransmissionRiskLevel is the highest regular risk level.
	MaxTransmissionRiskLevel = 8

	// CountryCodeLength is the length of an ISO 3166 alpha-2 code.
	CountryCodeLength = 2
)

var (
	// RegexpPayloadHash matches a hex encoded SHA-256 payload hash or
	// certificate thumbprint.
	RegexpPayloadHash = regexp.MustCompile("^[0-9a-f]{64}$")

	// RegexpBatchName matches a download batch name, YYYYMMDD-sequence.
	RegexpBatchName = regexp.MustCompile("^[0-9]{8}-[1-9][0-9]*$")
)

// ReportType describes how a key was verified by the uploading authority.
// The numeric values are the wire values and are part of the signed bytes.
type ReportType int32

const (
	ReportTypeUnknown                    ReportType = 0
	ReportTypeConfirmedTest              ReportType = 1
	ReportTypeConfirmedClinicalDiagnosis ReportType = 2
	ReportTypeSelfReport                 ReportType = 3
	ReportTypeRecursive                  ReportType = 4
	ReportTypeRevoked                    ReportType = 5
)

var reportTypeNames = map[ReportType]string{
	ReportTypeUnknown:                    "UNKNOWN",
	ReportTypeConfirmedTest:              "CONFIRMED_TEST",
	ReportTypeConfirmedClinicalDiagnosis: "CONFIRMED_CLINICAL_DIAGNOSIS",
	ReportTypeSelfReport:                 "SELF_REPORT",
	ReportTypeRecursive:                  "RECURSIVE",
	ReportTypeRevoked:                    "REVOKED",
}

func (r ReportType) String() string {
	if s, ok := reportTypeNames[r]; ok {
		return s
	}
	return fmt.Sprintf("ReportType(%d)", int32(r))
}

// DiagnosisKey is a single exposure key as exchanged between backends.
type DiagnosisKey struct {
	KeyData                    []byte     `json:"keyData"`
	RollingStartIntervalNumber uint32     `json:"rollingStartIntervalNumber"`
	RollingPeriod              uint32     `json:"rollingPeriod"`
	TransmissionRiskLevel      int32      `json:"transmissionRiskLevel"`
	VisitedCountries           []string   `json:"visitedCountries"`
	Origin                     string     `json:"origin"`
	ReportType                 ReportType `json:"reportType"`
	DaysSinceOnsetOfSymptoms   int32      `json:"daysSinceOnsetOfSymptoms"`
}

// DiagnosisKeyBatch is an ordered set of keys uploaded or downloaded in one
// call.
type DiagnosisKeyBatch struct {
	Keys []DiagnosisKey `json:"keys"`
}

// FormatVersion is the major.minor version of the transport format a key
// was uploaded with.  Keys of different formats never share a batch.
type FormatVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// String returns the version as major.minor.
func (f FormatVersion) String() string {
	return fmt.Sprintf("%d.%d", f.Major, f.Minor)
}

// Compatible reports whether both versions share major and minor.
func (f FormatVersion) Compatible(o FormatVersion) bool {
	return f.Major == o.Major && f.Minor == o.Minor
}

// ParseFormatVersion parses a version string that contains exactly a major
// and a minor number separated by a dot.
func ParseFormatVersion(s string) (FormatVersion, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return FormatVersion{}, fmt.Errorf("version %q must be "+
			"major.minor", s)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return FormatVersion{}, fmt.Errorf("version %q: invalid major: %v",
			s, err)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return FormatVersion{}, fmt.Errorf("version %q: invalid minor: %v",
			s, err)
	}
	if major < 0 || minor < 0 {
		return FormatVersion{}, fmt.Errorf("version %q: negative "+
			"component", s)
	}
	return FormatVersion{Major: major, Minor: minor}, nil
}

// ValidationError describes the first invalid key of a batch.
type ValidationError struct {
	Index  int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation of diagnosis key %d failed: %v",
		e.Index, e.Reason)
}

// Validate checks every key of the batch against the field rules of the
// exchange format.  now anchors the accepted rolling start window.
func Validate(batch DiagnosisKeyBatch, now time.Time) error {
	now = now.UTC()
	minStart := now.Truncate(24*time.Hour).AddDate(0, 0, -MaxKeyAgeDays).
		Unix() / RollingStartIntervalLength
	maxStart := now.Unix()/RollingStartIntervalLength + 1

	for i, k := range batch.Keys {
		var reason string
		switch {
		case len(k.KeyData) == 0:
			reason = "the keydata is empty"
		case len(k.KeyData) != KeyDataSize:
			reason = fmt.Sprintf("the keydata is not %v bytes",
				KeyDataSize)
		case int64(k.RollingStartIntervalNumber) < minStart ||
			int64(k.RollingStartIntervalNumber) > maxStart:
			reason = "invalid rolling start interval number"
		case k.RollingPeriod < 1 || k.RollingPeriod > MaxRollingPeriod:
			reason = "invalid rolling period"
		case (k.TransmissionRiskLevel < 0 ||
			k.TransmissionRiskLevel > MaxTransmissionRiskLevel) &&
			k.TransmissionRiskLevel != TransmissionRiskLevelDefault:
			reason = "invalid transmission risk level"
		case len(k.Origin) != CountryCodeLength:
			reason = "invalid origin"
		}
		if reason == "" {
			for _, c := range k.VisitedCountries {
				if len(c) != CountryCodeLength {
					reason = "invalid visited country"
					break
				}
			}
		}
		if reason != "" {
			return &ValidationError{Index: i, Reason: reason}
		}
	}
	return nil
}
