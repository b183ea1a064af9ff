// Copyright 2021-present ZenSBPM Contributors
// (based on git commit history).
//
// ZenSBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package log

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zensbpm/internal/profile"
)

var root hclog.Logger = hclog.Default()

// Init sets up the root logger according to the active profile: human
// readable colored output in DEV, JSON in PROD, quiet in TEST.
func Init() {
	opts := &hclog.LoggerOptions{
		Name:   "zensbpm",
		Output: os.Stderr,
		Level:  hclog.Info,
	}
	switch profile.Current {
	case profile.DEV:
		opts.Level = hclog.Debug
		opts.Color = hclog.AutoColor
	case profile.TEST:
		opts.Level = hclog.Error
	case profile.PROD:
		opts.JSONFormat = true
	}
	root = hclog.New(opts)
	hclog.SetDefault(root)
}

// Named returns a child logger of the root, for handing into components.
func Named(name string) hclog.Logger {
	return root.Named(name)
}

func Debug(format string, args ...interface{}) {
	root.Debug(fmt.Sprintf(format, args...))
}

func Info(format string, args ...interface{}) {
	root.Info(fmt.Sprintf(format, args...))
}

func Error(format string, args ...interface{}) {
	root.Error(fmt.Sprintf(format, args...))
}
