// Copyright (c) 2020-2021 The efgs developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import "fmt"

const (
	appMajor uint = 1
	appMinor uint = 1
	appPatch uint = 0
)

// appBuild may be set at link time with -ldflags "-X main.appBuild=...".
var appBuild string

// version returns the application version as a semver string.
func version() string {
	v := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if appBuild != "" {
		v += "+" + appBuild
	}
	return v
}
