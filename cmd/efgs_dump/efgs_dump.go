// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/interop/efgs/efgsd/backend"
	"github.com/interop/efgs/efgsd/backend/backendcfg"
)

var (
	configFile = flag.String("configfile", backendcfg.DefaultConfigFile, "efgsd configuration file")
	date       = flag.String("date", "", "Day to dump, YYYY-MM-DD (default today)")
	dumpJSON   = flag.Bool("json", false, "Dump JSON")
)

type dumpBatch struct {
	backend.Batch
	Keys []backend.KeyRecord `json:"keys"`
}

func dump(b backend.Backend, day time.Time) ([]dumpBatch, error) {
	from, to := backend.DayRange(day)
	var batches []dumpBatch
	err := backend.View(context.Background(), b, func(tx backend.Tx) error {
		all, err := tx.Batches(from, to)
		if err != nil {
			return err
		}
		for _, batch := range all {
			keys, err := tx.KeysByBatch(batch.Name)
			if err != nil {
				return err
			}
			batches = append(batches, dumpBatch{
				Batch: batch,
				Keys:  keys,
			})
		}
		return nil
	})
	return batches, err
}

func _main() error {
	flag.Parse()

	loadedCfg, err := backendcfg.Load(*configFile)
	if err != nil {
		return fmt.Errorf("Could not load configuration file: %v", err)
	}

	day := time.Now().UTC()
	if *date != "" {
		day, err = time.ParseInLocation("2006-01-02", *date, time.UTC)
		if err != nil {
			return fmt.Errorf("invalid date: %v", err)
		}
	}

	b, err := loadedCfg.Open()
	if err != nil {
		return err
	}
	defer b.Close()

	batches, err := dump(b, day)
	if err != nil {
		return err
	}

	if *dumpJSON {
		e := json.NewEncoder(os.Stdout)
		e.SetIndent("", "  ")
		return e.Encode(batches)
	}

	fmt.Printf("=== Backend: %v\n", loadedCfg.Backend)
	for _, batch := range batches {
		fmt.Printf("--- %v (%v keys) next %q\n", batch.Name,
			len(batch.Keys), batch.Link)
		spew.Dump(batch.Keys)
	}
	return nil
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
