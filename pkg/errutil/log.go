// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package errutil holds error helpers shared by the runtime and its tests.
package errutil

import (
	"context"
	"log/slog"

	"github.com/samber/oops"
)

// CodePanic marks errors recovered from a panic in mod code.
const CodePanic = "MOD_PANIC"

// LogError logs err at error level. See Log.
func LogError(logger *slog.Logger, msg string, err error, attrs ...any) {
	Log(logger, slog.LevelError, msg, err, attrs...)
}

// Log logs err with its oops code and context when it carries them. Extra
// attrs are appended as-is.
func Log(logger *slog.Logger, level slog.Level, msg string, err error, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]any, 0, len(attrs)+6)
	out = append(out, "error", err.Error())
	if oopsErr, ok := oops.AsOops(err); ok {
		if code := oopsErr.Code(); code != nil && code != "" {
			out = append(out, "code", code)
		}
		if ctx := oopsErr.Context(); len(ctx) > 0 {
			out = append(out, "context", ctx)
		}
	}
	out = append(out, attrs...)
	logger.Log(context.Background(), level, msg, out...)
}

// FromPanic converts a recovered panic value into an oops error in domain.
func FromPanic(domain string, recovered any) error {
	if err, ok := recovered.(error); ok {
		return oops.In(domain).Code(CodePanic).Wrapf(err, "recovered panic")
	}
	return oops.In(domain).Code(CodePanic).With("panic", recovered).Errorf("recovered panic: %v", recovered)
}

// Recover runs fn and returns its error, or the panic it raised converted by
// FromPanic.
func Recover(domain string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = FromPanic(domain, r)
		}
	}()
	return fn()
}
