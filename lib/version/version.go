// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

// Package version exposes the Domex build version. The value is set at
// link time via -ldflags; development builds report "dev".
package version

// Version is the Domex release version, injected at build time with:
//
//	go build -ldflags "-X github.com/domex-project/domex/lib/version.Version=1.2.3"
var Version = "dev"
