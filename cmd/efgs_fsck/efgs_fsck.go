// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/interop/efgs/efgsd/backend/backendcfg"
	"github.com/interop/efgs/efgsd/batcher"
)

var (
	configFile = flag.String("configfile", backendcfg.DefaultConfigFile, "efgsd configuration file")
	date       = flag.String("date", "", "Last day to check, YYYY-MM-DD (default today)")
	days       = flag.Int("days", 15, "Number of days to check")
	verbose    = flag.Bool("v", false, "Print more information during run")
)

func _main() error {
	flag.Parse()

	loadedCfg, err := backendcfg.Load(*configFile)
	if err != nil {
		return fmt.Errorf("Could not load configuration file: %v", err)
	}

	last := time.Now().UTC()
	if *date != "" {
		last, err = time.ParseInLocation("2006-01-02", *date, time.UTC)
		if err != nil {
			return fmt.Errorf("invalid date: %v", err)
		}
	}
	if *days < 1 {
		return fmt.Errorf("invalid number of days: %v", *days)
	}

	fmt.Printf("=== Backend: %v\n", loadedCfg.Backend)

	b, err := loadedCfg.Open()
	if err != nil {
		return err
	}
	defer b.Close()

	var corrupt int
	for i := *days - 1; i >= 0; i-- {
		day := last.AddDate(0, 0, -i)
		n, err := batcher.VerifyChain(context.Background(), b, day)
		switch {
		case errors.Is(err, batcher.ErrChainCorrupt):
			corrupt++
			fmt.Printf("%v: %v\n", day.Format("2006-01-02"), err)
		case err != nil:
			return err
		case *verbose:
			fmt.Printf("%v: %v batches\n", day.Format("2006-01-02"), n)
		}
	}

	if corrupt > 0 {
		return fmt.Errorf("%v corrupt chains", corrupt)
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
