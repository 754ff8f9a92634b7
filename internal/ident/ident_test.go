// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package ident

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	id1 := New()
	id2 := New()

	assert.NotEqual(t, id1.String(), id2.String())
	assert.LessOrEqual(t, id1.String(), id2.String(), "monotonic ids must sort in creation order")
}

func TestParse(t *testing.T) {
	original := New()
	parsed, err := Parse(original.String())
	require.NoError(t, err)
	assert.Equal(t, original, parsed)

	_, err = Parse("invalid")
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "my-hook", Normalize("  My-Hook "))

	generated := Normalize("")
	assert.Len(t, generated, 26)
	assert.Equal(t, strings.ToLower(generated), generated)
	assert.NotEqual(t, generated, Normalize(""))
}
