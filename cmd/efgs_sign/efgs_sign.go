// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// efgs_sign prints the detached batch signature of JSON encoded diagnosis
// key batches, as an uploading backend would send it.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	v1 "github.com/interop/efgs/api/v1"
	"github.com/interop/efgs/batchsig"
	"github.com/interop/efgs/canonical"
	"github.com/interop/efgs/util"
	flags "github.com/jessevdk/go-flags"
)

type options struct {
	Cert     string `short:"c" long:"cert" description:"PEM signing certificate" required:"true"`
	Key      string `short:"k" long:"key" description:"PEM private key of the signing certificate" required:"true"`
	Validate bool   `long:"validate" description:"Validate the keys before signing"`
	Hashes   bool   `long:"hashes" description:"Also print the payload hash of every key"`
	Args     struct {
		Files []string `positional-arg-name:"batch.json" description:"Batch files, - reads standard input"`
	} `positional-args:"yes"`
}

func readBatch(filename string) (*v1.DiagnosisKeyBatch, error) {
	var r io.Reader = os.Stdin
	if filename != "-" {
		f, err := os.Open(filename)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var batch v1.DiagnosisKeyBatch
	if err := json.NewDecoder(r).Decode(&batch); err != nil {
		return nil, fmt.Errorf("%v: %v", filename, err)
	}
	return &batch, nil
}

func _main() error {
	var opts options
	_, err := flags.Parse(&opts)
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return err
	}
	if len(opts.Args.Files) == 0 {
		opts.Args.Files = []string{"-"}
	}

	cert, err := util.LoadCertificateFile(opts.Cert)
	if err != nil {
		return err
	}
	signer, err := util.LoadPrivateKeyFile(opts.Key)
	if err != nil {
		return err
	}
	country, err := util.SubjectCountry(cert)
	if err != nil {
		return fmt.Errorf("%v: %v", opts.Cert, err)
	}

	for _, filename := range opts.Args.Files {
		batch, err := readBatch(filename)
		if err != nil {
			return err
		}
		if opts.Validate {
			if err := v1.Validate(*batch, time.Now()); err != nil {
				return fmt.Errorf("%v: %v", filename, err)
			}
		}
		for i, k := range batch.Keys {
			if k.Origin != country {
				fmt.Fprintf(os.Stderr, "%v: key %v origin %v "+
					"does not match certificate country %v\n",
					filename, i, k.Origin, country)
			}
		}

		sig, err := batchsig.Sign(*batch, cert, signer)
		if err != nil {
			return fmt.Errorf("%v: %v", filename, err)
		}
		fmt.Printf("%v\n", sig)

		if opts.Hashes {
			for _, k := range batch.Keys {
				fmt.Printf("%v\n", canonical.PayloadHash(k))
			}
		}
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
