// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package backendcfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	filename := filepath.Join(dir, "efgsd.conf")
	conf := "[Application Options]\n" +
		"datadir=" + dir + "\n" +
		"backend=sqlite\n" +
		"listen=127.0.0.1:1\n"
	require.NoError(t, os.WriteFile(filename, []byte(conf), 0600))

	cfg, err := Load(filename)
	require.NoError(t, err)
	require.Equal(t, dir, cfg.DataDir)
	require.Equal(t, "sqlite", cfg.Backend)
	require.Equal(t, DefaultPostgresUser, cfg.PostgresUser)
	require.Equal(t, filepath.Join(dir, "efgs.db"), cfg.SQLitePath)

	b, err := cfg.Open()
	require.NoError(t, err)
	require.NoError(t, b.Close())
}

func TestOpenUnsupported(t *testing.T) {
	cfg := Config{Backend: "mongodb"}
	_, err := cfg.Open()
	require.Error(t, err)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.conf"))
	require.Error(t, err)
}
