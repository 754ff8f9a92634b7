// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package patching_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/modrt/internal/patching"
	"github.com/holomush/modrt/pkg/modapi"
)

// doubler is a patch that doubles the "n" parameter whatever its shape.
func doubler(_ any, pt *patching.ParameterTable) error {
	v, _ := pt.Get("n")
	switch n := v.(type) {
	case int:
		return pt.Set("n", n*2)
	case *int:
		doubled := *n * 2
		return pt.Set("n", &doubled)
	}
	return nil
}

func TestHookable_RoundTripValueParameter(t *testing.T) {
	p := patching.New()
	var observed int
	square, m := patching.Hookable(p, "host.Math", "Square", func(n int) int {
		observed = n
		return n * n
	}, "n")

	assert.Equal(t, 9, square(3), "unpatched call passes through")

	_, err := p.Patch("double", m, doubler, modapi.Before)
	require.NoError(t, err)

	assert.Equal(t, 36, square(3))
	assert.Equal(t, 6, observed)
}

func TestHookable_RoundTripReferenceParameter(t *testing.T) {
	p := patching.New()
	var observed int
	read, m := patching.Hookable(p, "host.Math", "Read", func(n *int) {
		observed = *n
	}, "n")

	_, err := p.Patch("double", m, doubler, modapi.Before)
	require.NoError(t, err)

	value := 21
	read(&value)
	assert.Equal(t, 42, observed)
	assert.Equal(t, 21, value, "the caller's pointee is untouched; the slot was rewritten")
}

func TestHookable_DefaultParamNamesAndNoResult(t *testing.T) {
	p := patching.New()
	var got string
	greet, m := patching.Hookable(p, "host.Chat", "Greet", func(who string, times int) {
		got = who
		_ = times
	})
	assert.Equal(t, []string{"arg0", "arg1"}, m.Params)
	assert.False(t, m.Returns)
	assert.True(t, m.Static)

	_, err := p.Patch("rename", m, func(_ any, pt *patching.ParameterTable) error {
		return pt.Set("arg0", "mod")
	}, modapi.Before)
	require.NoError(t, err)

	greet("host", 1)
	assert.Equal(t, "mod", got)
}

func TestHookable_PreventReturnsZeroValue(t *testing.T) {
	p := patching.New()
	calls := 0
	count, m := patching.Hookable(p, "host.Counter", "Next", func() int {
		calls++
		return calls
	})

	_, err := p.Patch("stop", m, func(_ any, pt *patching.ParameterTable) error {
		pt.PreventExecution()
		return nil
	}, modapi.Before)
	require.NoError(t, err)

	assert.Equal(t, 0, count())
	assert.Zero(t, calls)
}

type character struct {
	name string
	hp   int
}

func TestHookableMethod_PassesInstance(t *testing.T) {
	p := patching.New()
	damage, m := patching.HookableMethod(p, "host.Character", "Damage", func(c *character, amount int) int {
		c.hp -= amount
		return c.hp
	}, "amount")
	assert.Equal(t, []string{"amount"}, m.Params)
	assert.False(t, m.Static)

	var seen *character
	_, err := p.Patch("armor", m, func(instance any, pt *patching.ParameterTable) error {
		seen = instance.(*character)
		amount, _ := pt.Get("amount")
		return pt.Set("amount", float64(amount.(int))/2)
	}, modapi.Before)
	require.NoError(t, err)

	hero := &character{name: "hero", hp: 100}
	assert.Equal(t, 90, damage(hero, 20))
	assert.Same(t, hero, seen)
}

func TestParameterTable(t *testing.T) {
	m := patching.New().Declare("host.Inventory", "Add", []string{"item", "count"}, true, true)
	pt := patching.NewParameterTable(m, []any{"apple", 2})

	assert.Equal(t, []string{"item", "count"}, pt.Names())

	require.NoError(t, pt.Set("count", 5.0))
	v, ok := pt.Get("count")
	require.True(t, ok)
	assert.Equal(t, 5, v, "floats convert to the caller's int type")
	orig, _ := pt.Original("count")
	assert.Equal(t, 2, orig)
	assert.True(t, pt.Modified())

	err := pt.Set("item", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot use int as string")

	assert.Error(t, pt.Set("missing", 1))
	_, ok = pt.Get("missing")
	assert.False(t, ok)

	assert.Nil(t, pt.Return())
	assert.False(t, pt.ReturnOverridden())
	require.NoError(t, pt.SetReturn(true))
	assert.Equal(t, true, pt.Return())

	noReturn := patching.New().Declare("host.Inventory", "Clear", nil, false, true)
	assert.Error(t, patching.NewParameterTable(noReturn, nil).SetReturn(1))
}

func TestHookable_PassesContextArgument(t *testing.T) {
	p := patching.New()
	scale, m := patching.Hookable(p, "host.Math", "Scale", func(_ context.Context, n int) int {
		return n * 3
	}, "ctx", "n")

	var seen any
	_, err := p.Patch("", m, func(_ any, pt *patching.ParameterTable) error {
		seen = pt.Context().Value(ctxKey{})
		return nil
	}, modapi.Before)
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), ctxKey{}, "tree")
	assert.Equal(t, 6, scale(ctx, 2))
	assert.Equal(t, "tree", seen)
}
