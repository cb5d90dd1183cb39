// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger holds the process-wide logger used by authgate.
//
// It wraps toolhive-core/logging so packages can log without having a
// *slog.Logger threaded through every constructor. Components that are
// constructed once (servers, stores, the relying party) should prefer
// taking a *slog.Logger obtained from [Get].
package logger

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"
)

const (
	// UnstructuredLogsEnv selects text output when true (the default) and JSON otherwise.
	UnstructuredLogsEnv = "UNSTRUCTURED_LOGS"

	// LogLevelEnv overrides the level: debug, info, warn or error.
	LogLevelEnv = "AUTHGATE_LOG_LEVEL"
)

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(logging.New())
}

// Get returns the process logger.
func Get() *slog.Logger {
	return current.Load()
}

// Set replaces the process logger. Tests use it to capture output.
func Set(l *slog.Logger) {
	current.Store(l)
}

// Debugw logs at debug level with key-value pairs.
func Debugw(msg string, keysAndValues ...any) {
	Get().Debug(msg, keysAndValues...)
}

// Debugf logs a formatted message at debug level.
func Debugf(msg string, args ...any) {
	Get().Debug(fmt.Sprintf(msg, args...))
}

// Infow logs at info level with key-value pairs.
func Infow(msg string, keysAndValues ...any) {
	Get().Info(msg, keysAndValues...)
}

// Infof logs a formatted message at info level.
func Infof(msg string, args ...any) {
	Get().Info(fmt.Sprintf(msg, args...))
}

// Warnw logs at warn level with key-value pairs.
func Warnw(msg string, keysAndValues ...any) {
	Get().Warn(msg, keysAndValues...)
}

// Errorw logs at error level with key-value pairs.
func Errorw(msg string, keysAndValues ...any) {
	Get().Error(msg, keysAndValues...)
}

// Initialize configures the process logger from the environment and the
// "debug" viper key.
func Initialize() {
	InitializeWithEnv(&env.OSReader{})
}

// InitializeWithEnv is Initialize with an injectable environment.
func InitializeWithEnv(envReader env.Reader) {
	var opts []logging.Option

	if unstructuredLogsWithEnv(envReader) {
		opts = append(opts, logging.WithFormat(logging.FormatText))
	}

	if level, ok := levelWithEnv(envReader); ok {
		opts = append(opts, logging.WithLevel(level))
	} else if viper.GetBool("debug") {
		opts = append(opts, logging.WithLevel(slog.LevelDebug))
	}

	current.Store(logging.New(opts...))
}

func unstructuredLogsWithEnv(envReader env.Reader) bool {
	v, err := strconv.ParseBool(envReader.Getenv(UnstructuredLogsEnv))
	if err != nil {
		// unset or unparsable
		return true
	}
	return v
}

func levelWithEnv(envReader env.Reader) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(envReader.Getenv(LogLevelEnv))) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}
