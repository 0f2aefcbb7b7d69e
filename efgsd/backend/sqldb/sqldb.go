// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package sqldb implements the backend on database/sql.  PostgreSQL is the
// production database for multi instance deployments; SQLite serves
// development and tests.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/interop/efgs/efgsd/backend"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var _ backend.Backend = (*SQL)(nil)

// dialect captures what differs between the supported databases.
type dialect struct {
	name      string
	txOptions *sql.TxOptions

	// rebind rewrites ? placeholders into the native form.
	rebind func(string) string

	// isUnique reports whether err is a unique constraint violation.
	isUnique func(error) bool
}

func rebindDollar(q string) string {
	var b strings.Builder
	n := 0
	for _, c := range q {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func rebindNone(q string) string {
	return q
}

func postgresUnique(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func sqliteUnique(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE,
			sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return err != nil &&
		strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var (
	dialectPostgres = dialect{
		name:      "postgres",
		txOptions: &sql.TxOptions{Isolation: sql.LevelRepeatableRead},
		rebind:    rebindDollar,
		isUnique:  postgresUnique,
	}

	// SQLite transactions are serializable; _txlock=immediate takes the
	// write lock on begin.
	dialectSQLite = dialect{
		name:     "sqlite",
		rebind:   rebindNone,
		isUnique: sqliteUnique,
	}
)

// SQL is a database/sql implementation of the backend.
type SQL struct {
	db      *sql.DB
	dialect dialect
}

// Begin starts a transaction bound to ctx.
func (s *SQL) Begin(ctx context.Context) (backend.Tx, error) {
	tx, err := s.db.BeginTx(ctx, s.dialect.txOptions)
	if err != nil {
		return nil, err
	}
	return &sqlTx{ctx: ctx, tx: tx, d: &s.dialect}, nil
}

// Close closes the database.
func (s *SQL) Close() error {
	log.Infof("Closing %v database", s.dialect.name)
	return s.db.Close()
}

func buildQueryString(rootCert, cert, key string) string {
	v := url.Values{}
	v.Set("sslmode", "require")
	v.Set("sslrootcert", filepath.Clean(rootCert))
	v.Set("sslcert", filepath.Join(cert))
	v.Set("sslkey", filepath.Join(key))
	return v.Encode()
}

// NewPostgres connects to the efgs database on host as user, authenticating
// with the client certificate, and creates missing tables.
func NewPostgres(user, host, dbName, rootCert, cert, key string) (*SQL, error) {
	log.Tracef("NewPostgres: %v %v %v %v %v %v", user, host, dbName,
		rootCert, cert, key)

	h := "postgresql://" + user + "@" + host + "/" + dbName
	u, err := url.Parse(h)
	if err != nil {
		return nil, fmt.Errorf("parse url '%v': %v", h, err)
	}
	addr := u.String() + "?" + buildQueryString(rootCert, cert, key)

	db, err := sql.Open("postgres", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to database '%v': %v", addr, err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %v", err)
	}
	log.Infof("Database: %v", h)

	return &SQL{db: db, dialect: dialectPostgres}, nil
}

// NewSQLite opens the sqlite database at path.  A path of the form
// "memory:<name>" selects a named in-memory database.
func NewSQLite(path string) (*SQL, error) {
	connParams := make(url.Values)
	connParams.Add("_txlock", "immediate")
	connParams.Add("_pragma", "busy_timeout(5000)")

	var connURL string
	if name, ok := strings.CutPrefix(path, "memory:"); ok {
		connParams.Add("mode", "memory")
		connParams.Add("cache", "shared")
		connURL = "file:" + name + "?" + connParams.Encode()
	} else {
		connParams.Add("_pragma", "journal_mode(WAL)")
		connParams.Add("_pragma", "synchronous(NORMAL)")
		connURL = "file:" + path + "?" + connParams.Encode()
	}

	db, err := sql.Open("sqlite", connURL)
	if err != nil {
		return nil, fmt.Errorf("open %v: %v", path, err)
	}
	// One writer; every statement runs inside a transaction.
	db.SetMaxOpenConns(1)

	if err := setupSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Infof("Database: %v", path)

	return &SQL{db: db, dialect: dialectSQLite}, nil
}

// setupSQLite applies the schema to a new database and refuses databases
// created by a different schema version.
func setupSQLite(db *sql.DB) error {
	var existing int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&existing); err != nil {
		return fmt.Errorf("checking database schema version: %w", err)
	}
	switch {
	case existing == 0:
		if _, err := db.Exec(sqliteSchema); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
		_, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d",
			schemaVersion))
		if err != nil {
			return fmt.Errorf("writing schema version: %w", err)
		}
		return nil
	case existing != schemaVersion:
		return fmt.Errorf("database schema version mismatch: expected "+
			"%d, have %d", schemaVersion, existing)
	default:
		return nil
	}
}
