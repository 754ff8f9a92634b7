// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pkgrt_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/modrt/internal/pkgrt"
	"github.com/holomush/modrt/pkg/errutil"
)

func TestCondition_Eval(t *testing.T) {
	enabled := map[string]bool{"core": true, "seasons": true, "hard-mode": true}

	tests := []struct {
		expr string
		want bool
	}{
		{"core", true},
		{"tropics", false},
		{"!tropics", true},
		{"!!core", true},
		{"core & seasons", true},
		{"core && tropics", false},
		{"tropics | seasons", true},
		{"tropics || deserts", false},
		{"core & !tropics", true},
		{"tropics | core & seasons", true},
		{"(tropics | core) & !seasons", false},
		{"!(tropics | deserts)", true},
		{"hard-mode & core.extras | seasons", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			c, err := pkgrt.ParseCondition(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Eval(enabled))
		})
	}
}

func TestCondition_Invalid(t *testing.T) {
	for _, expr := range []string{"", "&", "a &", "a | | b", "(a", "a)", "!", "a b", "a # b"} {
		t.Run(expr, func(t *testing.T) {
			_, err := pkgrt.ParseCondition(expr)
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, pkgrt.CodeInvalidCondition)
		})
	}
}

func TestCondition_DepthLimit(t *testing.T) {
	ok := strings.Repeat("(", 8) + "a" + strings.Repeat(")", 8)
	_, err := pkgrt.ParseCondition(ok)
	require.NoError(t, err)

	deep := strings.Repeat("(", 40) + "a" + strings.Repeat(")", 40)
	_, err = pkgrt.ParseCondition(deep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nesting depth")

	nots := strings.Repeat("!", 40) + "a"
	_, err = pkgrt.ParseCondition(nots)
	require.Error(t, err)
}

func TestCondition_PackagesAndString(t *testing.T) {
	c, err := pkgrt.ParseCondition("a&!(b||c)")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, c.Packages())
	assert.Equal(t, "a & !(b | c)", c.String())
}
