// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/interop/efgs/efgsd/backend"
	"github.com/interop/efgs/efgsd/backend/backendcfg"
	"github.com/interop/efgs/efgsd/batcher"
	"github.com/interop/efgs/efgsd/certstore"
	"github.com/interop/efgs/efgsd/lock"
	"github.com/interop/efgs/efgsd/metrics"
	"github.com/interop/efgs/efgsd/notify"
	"github.com/interop/efgs/util"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron"
)

const (
	healthTimeout = 5 * time.Second
	redisPrefix   = "efgs:lock:"
)

// efgsd application context.
type efgsd struct {
	cfg     *config
	backend backend.Backend
	redis   *redis.Client // nil when running a single instance
	engine  *batcher.Engine
	cleaner *batcher.Cleaner
	router  *mux.Router
	cron    *cron.Cron
}

func (d *efgsd) openBackend() error {
	bcfg := backendcfg.Config{
		DataDir:          d.cfg.DataDir,
		Backend:          d.cfg.Backend,
		PostgresHost:     d.cfg.PostgresHost,
		PostgresUser:     d.cfg.PostgresUser,
		PostgresDBName:   d.cfg.PostgresDBName,
		PostgresRootCert: d.cfg.PostgresRootCert,
		PostgresCert:     d.cfg.PostgresCert,
		PostgresKey:      d.cfg.PostgresKey,
		SQLitePath:       d.cfg.SQLitePath,
	}
	b, err := bcfg.Open()
	if err != nil {
		return fmt.Errorf("open %v backend: %v", d.cfg.Backend, err)
	}
	d.backend = b
	return nil
}

// importCertificates registers the certificates named on the command line.
// They are endorsed when the trust anchor key is available.
func (d *efgsd) importCertificates(ctx context.Context, store *certstore.Store, anchor *x509.Certificate) error {
	var key crypto.Signer
	if d.cfg.TrustAnchorKey != "" {
		var err error
		key, err = util.LoadPrivateKeyFile(d.cfg.TrustAnchorKey)
		if err != nil {
			return err
		}
	}

	for _, c := range d.cfg.Certificates {
		typ, filename, err := parseCertificateOption(c)
		if err != nil {
			return err
		}
		cert, err := util.LoadCertificateFile(filename)
		if err != nil {
			return err
		}
		rec, err := certstore.NewRecord(cert, typ)
		if err != nil {
			return fmt.Errorf("%v: %v", filename, err)
		}
		if key != nil {
			if err := certstore.Endorse(rec, anchor, key); err != nil {
				return fmt.Errorf("endorse %v: %v", filename, err)
			}
		}
		if err := store.Put(ctx, rec); err != nil {
			return fmt.Errorf("register %v: %v", filename, err)
		}
		log.Infof("Registered %v certificate %v country %v", typ,
			rec.Thumbprint, rec.Country)
	}
	return nil
}

func (d *efgsd) runBatching() {
	ctx, cancel := context.WithTimeout(context.Background(),
		d.cfg.LockLimit)
	defer cancel()
	if _, err := d.engine.RunCycle(ctx); err != nil {
		log.Errorf("Batching: %v", err)
	}
}

func (d *efgsd) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(),
		d.cfg.LockLimit)
	defer cancel()
	if err := d.cleaner.Run(ctx); err != nil {
		log.Errorf("Cleanup: %v", err)
	}
}

type healthReply struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks"`
}

func (d *efgsd) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	reply := healthReply{
		Status:  "healthy",
		Version: version(),
		Checks:  map[string]string{"backend": "ok"},
	}
	code := http.StatusOK

	err := backend.View(ctx, d.backend, func(backend.Tx) error {
		return nil
	})
	if err != nil {
		log.Errorf("Health: backend: %v", err)
		reply.Checks["backend"] = err.Error()
		reply.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	if d.redis != nil {
		reply.Checks["redis"] = "ok"
		if err := d.redis.Ping(ctx).Err(); err != nil {
			log.Errorf("Health: redis: %v", err)
			reply.Checks["redis"] = err.Error()
			reply.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	util.RespondWithJSON(w, code, reply)
}

type chainReply struct {
	Date    string `json:"date"`
	Batches int    `json:"batches"`
	Error   string `json:"error,omitempty"`
}

// chain reports whether the batch chain of a day is intact.
func (d *efgsd) chain(w http.ResponseWriter, r *http.Request) {
	date := mux.Vars(r)["date"]
	day, err := time.ParseInLocation("2006-01-02", date, time.UTC)
	if err != nil {
		util.RespondWithError(w, http.StatusBadRequest, "invalid date")
		return
	}

	n, err := batcher.VerifyChain(r.Context(), d.backend, day)
	reply := chainReply{Date: date, Batches: n}
	switch {
	case errors.Is(err, batcher.ErrChainCorrupt):
		reply.Error = err.Error()
		util.RespondWithJSON(w, http.StatusConflict, reply)
	case err != nil:
		log.Errorf("Chain %v: %v", date, err)
		util.RespondWithError(w, http.StatusInternalServerError,
			"chain check failed")
	default:
		util.RespondWithJSON(w, http.StatusOK, reply)
	}
}

func _main() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	loadedCfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("Could not load configuration file: %v", err)
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version : %v", version())
	log.Infof("Backend : %v", loadedCfg.Backend)
	log.Infof("Home dir: %v", loadedCfg.HomeDir)

	// Create the data directory in case it does not exist.
	err = os.MkdirAll(loadedCfg.DataDir, 0700)
	if err != nil {
		return err
	}
	err = os.MkdirAll(filepath.Dir(loadedCfg.SQLitePath), 0700)
	if err != nil {
		return err
	}

	// Setup application context.
	d := &efgsd{
		cfg:  loadedCfg,
		cron: cron.New(),
	}
	ctx := context.Background()

	if err := d.openBackend(); err != nil {
		return err
	}
	defer d.backend.Close()

	// Cluster coordination.
	var (
		locker   lock.Locker
		notifier batcher.NotificationSink
	)
	if loadedCfg.RedisAddress != "" {
		d.redis = redis.NewClient(&redis.Options{
			Addr: loadedCfg.RedisAddress,
		})
		defer d.redis.Close()
		locker = lock.NewRedis(d.redis, redisPrefix)
		notifier = notify.NewRedis(d.redis, loadedCfg.RedisChannel,
			loadedCfg.NotifyRetries)
		log.Infof("Redis   : %v channel %v", loadedCfg.RedisAddress,
			loadedCfg.RedisChannel)
	} else {
		locker = lock.NewLocal()
		notifier = notify.Log{}
		log.Infof("Redis   : disabled, running a single instance")
	}

	// Certificates.
	var anchor *x509.Certificate
	if loadedCfg.TrustAnchor != "" {
		anchor, err = util.LoadCertificateFile(loadedCfg.TrustAnchor)
		if err != nil {
			return err
		}
		log.Infof("Trust anchor: %v", util.Thumbprint(anchor))
	}
	store := certstore.New(d.backend, anchor, loadedCfg.CertCacheSize,
		loadedCfg.CertCacheTTL)
	if err := d.importCertificates(ctx, store, anchor); err != nil {
		return err
	}

	d.engine = batcher.New(d.backend, locker, notifier, batcher.Config{
		DocLimit:   loadedCfg.BatchDocLimit,
		TimeLimit:  loadedCfg.BatchTimeLimit,
		LockLimit:  loadedCfg.LockLimit,
		TxTimeout:  loadedCfg.TxTimeout,
		RetryMax:   loadedCfg.RetryMax,
		RetryDelay: loadedCfg.RetryDelay,
	})
	d.cleaner = batcher.NewCleaner(d.backend, locker,
		loadedCfg.MaxAgeInDays, loadedCfg.LockLimit)

	// Report a damaged chain of today early.
	n, err := batcher.VerifyChain(ctx, d.backend, time.Now())
	if err != nil {
		log.Errorf("Batch chain of today: %v", err)
	} else {
		log.Infof("Batch chain of today: %v batches", n)
	}

	// Launch cron.
	err = d.cron.AddFunc("@every "+loadedCfg.BatchInterval.String(),
		d.runBatching)
	if err != nil {
		return err
	}
	err = d.cron.AddFunc(cleanupSchedule, d.runCleanup)
	if err != nil {
		return err
	}
	d.cron.Start()
	defer d.cron.Stop()

	// Setup mux.
	d.router = mux.NewRouter()
	d.router.Handle("/metrics", metrics.Handler()).Methods("GET")
	d.router.HandleFunc("/health", d.health).Methods("GET")
	d.router.HandleFunc("/chain/{date:[0-9]{4}-[0-9]{2}-[0-9]{2}}",
		d.chain).Methods("GET")

	srv := &http.Server{
		Addr: loadedCfg.Listen,
		Handler: handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(
			handlers.CombinedLoggingHandler(logWriter{}, d.router)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	listenC := make(chan error)
	go func() {
		log.Infof("Listen: %v", loadedCfg.Listen)
		listenC <- srv.ListenAndServe()
	}()

	// Tell user we are ready to go.
	log.Infof("Start of day")

	// Setup OS signals
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.Infof("Terminating with %v", sig)
	case err := <-listenC:
		log.Errorf("%v", err)
	}

	sctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Errorf("Shutdown: %v", err)
	}

	log.Infof("Exiting")

	return nil
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
