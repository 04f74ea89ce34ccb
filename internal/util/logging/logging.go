// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging provides the shared logger setup for the seedtest
// binaries and test harness. It builds a zap core, exposes it as a
// logr.Logger handle, and wires the same handler into log/slog so stray
// slog calls land in the same stream.
//
// Collaborators receive the logr handle explicitly; nothing in the harness
// consults a global logger for its own output.
package logging

import (
	"log/slog"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// Options configures the logger behavior.
type Options struct {
	// Development enables development mode logging (more verbose,
	// human-readable).
	Development bool

	// Level sets the minimum enabled level. Defaults to info.
	Level zap.AtomicLevel
}

// DefaultOptions returns the default logging options.
func DefaultOptions() Options {
	return Options{
		Development: false,
		Level:       zap.NewAtomicLevelAt(zap.InfoLevel),
	}
}

// Setup builds the process logger. Call early in main(), before any
// component that logs is constructed.
func Setup(opts Options) logr.Logger {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = opts.Level

	zapLog, err := cfg.Build()
	if err != nil {
		// Config is fully constructed above; Build only fails on
		// invalid sink paths, which we never set.
		panic(err)
	}

	logger := zapr.NewLogger(zapLog)
	slog.SetDefault(slog.New(logr.ToSlogHandler(logger)))

	return logger
}

// SetupDefault sets up logging with default options.
func SetupDefault() logr.Logger {
	return Setup(DefaultOptions())
}

// SetupDevelopment sets up logging in development mode at debug level.
func SetupDevelopment() logr.Logger {
	return Setup(Options{
		Development: true,
		Level:       zap.NewAtomicLevelAt(zap.DebugLevel),
	})
}
