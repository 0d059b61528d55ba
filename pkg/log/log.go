/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package log builds the shared logr.Logger used by every component. The
// backend is zap; components receive the logr interface and never touch zap
// directly.
package log

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	// Development switches to console encoding with full caller info.
	// Production uses JSON encoding.
	Development bool
	// Level is the minimum enabled logr verbosity. 0 is INFO; higher values
	// enable more verbose V-levels.
	Level int
	// ServiceName names the root logger and is attached to every line.
	ServiceName string
}

// NewLogger builds a zap-backed logr.Logger. Construction never fails; an
// invalid configuration falls back to the production preset.
func NewLogger(opts Options) logr.Logger {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	// zapr maps logr V-levels onto negated zap levels.
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-opts.Level))

	zapLogger, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		zapLogger = zap.Must(zap.NewProduction())
	}
	if opts.ServiceName != "" {
		zapLogger = zapLogger.Named(opts.ServiceName)
	}
	return zapr.NewLogger(zapLogger)
}

// Sync flushes buffered log entries. Deferred in main; safe to call on any
// logr.Logger, including ones not backed by zap.
func Sync(logger logr.Logger) {
	if underlier, ok := logger.GetSink().(zapr.Underlier); ok {
		_ = underlier.GetUnderlying().Sync()
	}
}
