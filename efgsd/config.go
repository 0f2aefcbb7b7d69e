// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/interop/efgs/efgsd/backend"
	"github.com/interop/efgs/efgsd/backend/backendcfg"
	"github.com/interop/efgs/efgsd/batcher"
	"github.com/interop/efgs/efgsd/certstore"
	"github.com/interop/efgs/efgsd/gateway"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "efgsd.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "efgsd.log"
	defaultListen         = "127.0.0.1:49180"
	defaultRedisChannel   = "efgs:batches"
	defaultNotifyRetries  = 3

	// Seconds Minutes Hours Days Months DayOfWeek
	cleanupSchedule = "0 0 0 * * *" // Midnight
)

var (
	defaultHomeDir    = backendcfg.DefaultHomeDir
	defaultConfigFile = backendcfg.DefaultConfigFile
	defaultDataDir    = backendcfg.DefaultDataDir
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// config defines the configuration options for efgsd.
//
// See loadConfig for details on the configuration load process.
type config struct {
	HomeDir     string `short:"A" long:"appdata" description:"Path to application home directory"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	Listen      string `long:"listen" description:"Interface/port for the metrics and health endpoint"`

	Backend          string `long:"backend" description:"Storage backend 'filesystem'/'postgres'/'sqlite'"`
	PostgresHost     string `long:"postgreshost" description:"Postgres ip:port"`
	PostgresUser     string `long:"postgresuser" description:"Postgres user"`
	PostgresDBName   string `long:"postgresdbname" description:"Postgres database name"`
	PostgresRootCert string `long:"postgresrootcert" description:"File containing the CA certificate for postgres"`
	PostgresCert     string `long:"postgrescert" description:"File containing the efgsd client certificate for postgres"`
	PostgresKey      string `long:"postgreskey" description:"File containing the efgsd client certificate key for postgres"`
	SQLitePath       string `long:"sqlitepath" description:"SQLite database file (default datadir/efgs.db)"`

	BatchDocLimit  int           `long:"batchdoclimit" description:"Maximum number of keys in one download batch"`
	BatchInterval  time.Duration `long:"batchinterval" description:"How often a batching cycle is started"`
	BatchTimeLimit time.Duration `long:"batchtimelimit" description:"Maximum duration of one batching cycle"`
	LockLimit      time.Duration `long:"locklimit" description:"Lifetime of the batching and cleanup locks"`
	TxTimeout      time.Duration `long:"txtimeout" description:"Timeout of one storage transaction"`
	RetryMax       uint64        `long:"retrymax" description:"Retries of a failed batch transaction"`
	RetryDelay     time.Duration `long:"retrydelay" description:"Delay between batch transaction retries"`

	RedisAddress  string `long:"redisaddress" description:"Redis ip:port for cluster locks and batch notifications; empty runs a single instance"`
	RedisChannel  string `long:"redischannel" description:"Redis channel new batches are published on"`
	NotifyRetries uint64 `long:"notifyretries" description:"Retries of a failed batch notification"`

	MaxUploadBatchSize int `long:"maxuploadbatchsize" description:"Maximum number of keys in one upload"`
	MaxAgeInDays       int `long:"maxageindays" description:"Days keys and batches are retained"`

	TrustAnchor    string        `long:"trustanchor" description:"PEM file of the certificate that endorses registered certificates"`
	TrustAnchorKey string        `long:"trustanchorkey" description:"PEM private key of the trust anchor, used to endorse imported certificates"`
	Certificates   []string      `long:"certificate" description:"Register a certificate on start up as <AUTHENTICATION|SIGNING|CALLBACK>:<pem file>"`
	CertCacheSize  int           `long:"certcachesize" description:"Number of cached certificate integrity checks"`
	CertCacheTTL   time.Duration `long:"certcachettl" description:"Lifetime of a cached certificate integrity check"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// initHomeDirectory creates the home directory if it doesn't already exist.
func initHomeDirectory(homeDir string) error {
	err := os.MkdirAll(homeDir, 0700)
	if err != nil {
		// Show a nicer error message if it's because a symlink is
		// linked to a directory that does not exist (probably because
		// it's not mounted).
		var e *os.PathError
		if errors.As(err, &e) && os.IsExist(err) {
			if link, lerr := os.Readlink(e.Path); lerr == nil {
				err = fmt.Errorf("is symlink %s -> %s mounted?",
					e.Path, link)
			}
		}
		return fmt.Errorf("failed to create home directory: %v", err)
	}
	return nil
}

// parseCertificateOption splits a --certificate value.
func parseCertificateOption(s string) (backend.CertificateType, string, error) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", fmt.Errorf("invalid certificate %q: want "+
			"type:file", s)
	}
	typ := backend.CertificateType(strings.ToUpper(s[:i]))
	switch typ {
	case backend.CertificateTypeAuthentication,
		backend.CertificateTypeSigning,
		backend.CertificateTypeCallback:
	default:
		return "", "", fmt.Errorf("invalid certificate type %q", s[:i])
	}
	return typ, cleanAndExpandPath(s[i+1:]), nil
}

// validate checks option values that do not depend on the file system.
func (cfg *config) validate() error {
	switch cfg.Backend {
	case "filesystem", "sqlite":
	case "postgres":
		if cfg.PostgresHost == "" {
			return errors.New("postgres backend requires --postgreshost")
		}
	default:
		return fmt.Errorf("invalid backend %q", cfg.Backend)
	}
	if cfg.BatchDocLimit <= 0 {
		return fmt.Errorf("invalid batch doc limit %v", cfg.BatchDocLimit)
	}
	// An upload that does not fit into one batch would never be batched.
	if cfg.MaxUploadBatchSize <= 0 ||
		cfg.MaxUploadBatchSize > cfg.BatchDocLimit {
		return fmt.Errorf("max upload batch size %v must be between 1 "+
			"and the batch doc limit %v", cfg.MaxUploadBatchSize,
			cfg.BatchDocLimit)
	}
	if cfg.BatchInterval < time.Second {
		return fmt.Errorf("batch interval %v too short", cfg.BatchInterval)
	}
	if cfg.MaxAgeInDays <= 0 {
		return fmt.Errorf("invalid max age %v", cfg.MaxAgeInDays)
	}
	if cfg.TrustAnchorKey != "" && cfg.TrustAnchor == "" {
		return errors.New("--trustanchorkey requires --trustanchor")
	}
	for _, c := range cfg.Certificates {
		if _, _, err := parseCertificateOption(c); err != nil {
			return err
		}
	}
	return nil
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in efgsd functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		HomeDir:            defaultHomeDir,
		ConfigFile:         defaultConfigFile,
		DataDir:            defaultDataDir,
		LogDir:             defaultLogDir,
		DebugLevel:         defaultLogLevel,
		Listen:             defaultListen,
		Backend:            backendcfg.DefaultBackend,
		PostgresUser:       backendcfg.DefaultPostgresUser,
		PostgresDBName:     backendcfg.DefaultPostgresDBName,
		BatchDocLimit:      batcher.DefaultDocLimit,
		BatchInterval:      5 * time.Minute,
		BatchTimeLimit:     batcher.DefaultTimeLimit,
		LockLimit:          batcher.DefaultLockLimit,
		TxTimeout:          batcher.DefaultTxTimeout,
		RetryMax:           batcher.DefaultRetryMax,
		RetryDelay:         batcher.DefaultRetryDelay,
		RedisChannel:       defaultRedisChannel,
		NotifyRetries:      defaultNotifyRetries,
		MaxUploadBatchSize: gateway.DefaultMaxUploadBatchSize,
		MaxAgeInDays:       gateway.DefaultMaxAgeInDays,
		CertCacheSize:      certstore.DefaultCacheSize,
		CertCacheTTL:       certstore.DefaultCacheTTL,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, version())
		os.Exit(0)
	}

	// Update the home directory for efgsd if specified.  Since the home
	// directory is updated, other variables need to be updated to reflect
	// the new changes.
	if preCfg.HomeDir != "" {
		cfg.HomeDir = cleanAndExpandPath(preCfg.HomeDir)

		if preCfg.ConfigFile == defaultConfigFile {
			cfg.ConfigFile = filepath.Join(cfg.HomeDir,
				defaultConfigFilename)
		} else {
			cfg.ConfigFile = cleanAndExpandPath(preCfg.ConfigFile)
		}
		if preCfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(cfg.HomeDir,
				defaultDataDirname)
		}
		if preCfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
		}
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(cfg.ConfigFile)
	if err != nil {
		var e *os.PathError
		if !errors.As(err, &e) {
			fmt.Fprintf(os.Stderr, "Error parsing config "+
				"file: %v\n", err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return nil, nil, err
	}

	if err := initHomeDirectory(cfg.HomeDir); err != nil {
		return nil, nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = backendcfg.DefaultSQLitePath(cfg.DataDir)
	}
	cfg.SQLitePath = cleanAndExpandPath(cfg.SQLitePath)
	if cfg.TrustAnchor != "" {
		cfg.TrustAnchor = cleanAndExpandPath(cfg.TrustAnchor)
	}
	if cfg.TrustAnchorKey != "" {
		cfg.TrustAnchorKey = cleanAndExpandPath(cfg.TrustAnchorKey)
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	err = initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	if err != nil {
		return nil, nil, err
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", "loadConfig", err.Error())
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	if err := cfg.validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Warn about missing config file only after all other configuration
	// is done.  This prevents the warning on help messages and invalid
	// options.  Note this should go directly before the return.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
