// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package ident generates the identifiers handed out by the mod runtime:
// load context ids and auto-generated hook and patch identifiers.
package ident

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// New returns a fresh monotonic ULID.
func New() ulid.ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// NewString returns New as its canonical string.
func NewString() string {
	return New().String()
}

// Parse parses a ULID string.
func Parse(s string) (ulid.ULID, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return ulid.ULID{}, oops.In("ident").With("id", s).Wrapf(err, "invalid ULID")
	}
	return id, nil
}

// Normalize trims and lower-cases a caller-chosen identifier. An empty
// identifier is replaced with a generated one.
func Normalize(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return strings.ToLower(NewString())
	}
	return id
}
