// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-kms.
//
// go-kms is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package logging provides a thin wrapper around log/slog with leveled
// helpers used throughout go-kms. Components receive a *Logger at
// construction; nothing in this module logs through a package-level default.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with convenience methods.
type Logger struct {
	logger *slog.Logger
	debug  bool
}

// New creates a Logger writing text output to w. When debug is true the
// level is lowered to slog.LevelDebug.
func New(w io.Writer, debug bool) *Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{logger: slog.New(handler), debug: debug}
}

// NewJSON creates a Logger writing JSON output to w.
func NewJSON(w io.Writer, debug bool) *Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{logger: slog.New(handler), debug: debug}
}

// DefaultLogger returns a text logger on stderr at info level.
func DefaultLogger() *Logger {
	return New(os.Stderr, false)
}

// With returns a Logger that includes the given attributes on every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...), debug: l.debug}
}

// Debug logs at debug level with optional structured attributes.
func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

// Debugf logs a formatted message at debug level.
func (l *Logger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Info logs at info level with optional structured attributes.
func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

// Infof logs a formatted message at info level.
func (l *Logger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

// Warn logs at warn level with optional structured attributes.
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

// Warnf logs a formatted message at warn level.
func (l *Logger) Warnf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

// Error logs an error at error level.
func (l *Logger) Error(err error, args ...any) {
	if err == nil {
		return
	}
	l.logger.Error(err.Error(), args...)
}

// Errorf logs a formatted message at error level.
func (l *Logger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

// MaybeError logs err if non-nil and returns it unchanged.
func (l *Logger) MaybeError(err error) error {
	if err != nil {
		l.logger.Error(err.Error())
	}
	return err
}

// FatalError logs err and exits with status 1 if err is non-nil.
func (l *Logger) FatalError(err error) {
	if err != nil {
		l.logger.Error(err.Error())
		os.Exit(1)
	}
}

// IsDebug reports whether debug logging is enabled.
func (l *Logger) IsDebug() bool {
	return l.debug
}
