// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sqldb

// schemaVersion is stored in the sqlite user_version pragma.
const schemaVersion = 1

// The schemas only differ in column types.  Timestamps are unix nanoseconds.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS diagnosis_keys
(
    id bigserial PRIMARY KEY,
    payload_hash text NOT NULL UNIQUE,
    key_data bytea NOT NULL,
    rolling_start_interval_number bigint NOT NULL,
    rolling_period bigint NOT NULL,
    transmission_risk_level integer NOT NULL,
    visited_countries text NOT NULL,
    origin text NOT NULL,
    report_type integer NOT NULL,
    days_since_onset_of_symptoms integer NOT NULL,
    batch_tag text,
    uploader_batch_tag text NOT NULL,
    uploader_batch_signature text NOT NULL,
    uploader_thumbprint text NOT NULL,
    uploader_signing_thumbprint text NOT NULL,
    uploader_country text NOT NULL,
    format_major integer NOT NULL,
    format_minor integer NOT NULL,
    created_at bigint NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_keys_batch_tag
    ON diagnosis_keys (batch_tag);
CREATE INDEX IF NOT EXISTS idx_keys_uploader_batch_tag
    ON diagnosis_keys (uploader_batch_tag);
CREATE INDEX IF NOT EXISTS idx_keys_created_at
    ON diagnosis_keys (created_at);

CREATE TABLE IF NOT EXISTS diagnosis_key_batches
(
    batch_name text PRIMARY KEY,
    batch_link text,
    created_at bigint NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_batches_created_at
    ON diagnosis_key_batches (created_at);

CREATE TABLE IF NOT EXISTS certificates
(
    thumbprint text NOT NULL,
    country text NOT NULL,
    type text NOT NULL,
    revoked boolean NOT NULL,
    not_before bigint NOT NULL,
    not_after bigint NOT NULL,
    raw_data text NOT NULL,
    signature text NOT NULL,
    PRIMARY KEY (thumbprint, country, type)
);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS diagnosis_keys
(
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    payload_hash TEXT NOT NULL UNIQUE,
    key_data BLOB NOT NULL,
    rolling_start_interval_number INTEGER NOT NULL,
    rolling_period INTEGER NOT NULL,
    transmission_risk_level INTEGER NOT NULL,
    visited_countries TEXT NOT NULL,
    origin TEXT NOT NULL,
    report_type INTEGER NOT NULL,
    days_since_onset_of_symptoms INTEGER NOT NULL,
    batch_tag TEXT,
    uploader_batch_tag TEXT NOT NULL,
    uploader_batch_signature TEXT NOT NULL,
    uploader_thumbprint TEXT NOT NULL,
    uploader_signing_thumbprint TEXT NOT NULL,
    uploader_country TEXT NOT NULL,
    format_major INTEGER NOT NULL,
    format_minor INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_keys_batch_tag
    ON diagnosis_keys (batch_tag);
CREATE INDEX IF NOT EXISTS idx_keys_uploader_batch_tag
    ON diagnosis_keys (uploader_batch_tag);
CREATE INDEX IF NOT EXISTS idx_keys_created_at
    ON diagnosis_keys (created_at);

CREATE TABLE IF NOT EXISTS diagnosis_key_batches
(
    batch_name TEXT PRIMARY KEY,
    batch_link TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_batches_created_at
    ON diagnosis_key_batches (created_at);

CREATE TABLE IF NOT EXISTS certificates
(
    thumbprint TEXT NOT NULL,
    country TEXT NOT NULL,
    type TEXT NOT NULL,
    revoked INTEGER NOT NULL,
    not_before INTEGER NOT NULL,
    not_after INTEGER NOT NULL,
    raw_data TEXT NOT NULL,
    signature TEXT NOT NULL,
    PRIMARY KEY (thumbprint, country, type)
);
`
