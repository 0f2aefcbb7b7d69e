// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package backendcfg reads the storage options of efgsd.conf and opens the
// configured backend.  It is shared by efgsd and its offline tools.
package backendcfg

import (
	"fmt"
	"path/filepath"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/interop/efgs/efgsd/backend"
	"github.com/interop/efgs/efgsd/backend/filesystem"
	"github.com/interop/efgs/efgsd/backend/sqldb"
	"github.com/jessevdk/go-flags"
)

const (
	DefaultBackend        = "filesystem"
	DefaultPostgresUser   = "efgs"
	DefaultPostgresDBName = "efgs"

	defaultConfigFilename = "efgsd.conf"
	defaultSQLiteFilename = "efgs.db"
)

var (
	DefaultHomeDir    = dcrutil.AppDataDir("efgsd", false)
	DefaultConfigFile = filepath.Join(DefaultHomeDir, defaultConfigFilename)
	DefaultDataDir    = filepath.Join(DefaultHomeDir, "data")
)

// Config holds the storage options.  Unknown options of the file are
// ignored.
type Config struct {
	DataDir          string `short:"b" long:"datadir" description:"Directory to store data"`
	Backend          string `long:"backend" description:"Storage backend 'filesystem'/'postgres'/'sqlite'"`
	PostgresHost     string `long:"postgreshost" description:"Postgres ip:port"`
	PostgresUser     string `long:"postgresuser" description:"Postgres user"`
	PostgresDBName   string `long:"postgresdbname" description:"Postgres database name"`
	PostgresRootCert string `long:"postgresrootcert" description:"File containing the CA certificate for postgres"`
	PostgresCert     string `long:"postgrescert" description:"File containing the efgsd client certificate for postgres"`
	PostgresKey      string `long:"postgreskey" description:"File containing the efgsd client certificate key for postgres"`
	SQLitePath       string `long:"sqlitepath" description:"SQLite database file"`
}

// DefaultSQLitePath returns the sqlite database file inside dataDir.
func DefaultSQLitePath(dataDir string) string {
	return filepath.Join(dataDir, defaultSQLiteFilename)
}

// Load reads the storage options of the config file filename.
func Load(filename string) (*Config, error) {
	cfg := Config{
		DataDir:        DefaultDataDir,
		Backend:        DefaultBackend,
		PostgresUser:   DefaultPostgresUser,
		PostgresDBName: DefaultPostgresDBName,
	}

	parser := flags.NewParser(&cfg, flags.IgnoreUnknown)
	err := flags.NewIniParser(parser).ParseFile(filename)
	if err != nil {
		return nil, err
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = DefaultSQLitePath(cfg.DataDir)
	}

	return &cfg, nil
}

// Open opens the configured backend.
func (cfg *Config) Open() (backend.Backend, error) {
	switch cfg.Backend {
	case "filesystem":
		return filesystem.New(cfg.DataDir)
	case "sqlite":
		return sqldb.NewSQLite(cfg.SQLitePath)
	case "postgres":
		return sqldb.NewPostgres(cfg.PostgresUser, cfg.PostgresHost,
			cfg.PostgresDBName, cfg.PostgresRootCert,
			cfg.PostgresCert, cfg.PostgresKey)
	}
	return nil, fmt.Errorf("unsupported backend type: %v", cfg.Backend)
}
