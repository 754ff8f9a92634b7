// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package loadctx_test

import (
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/holomush/modrt/internal/loadctx"
	"github.com/holomush/modrt/pkg/modapi"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) UnitLoaded(u modapi.UnitInfo)    { m.Called(u) }
func (m *mockNotifier) UnitUnloading(u modapi.UnitInfo) { m.Called(u) }

func unitNamed(name string, types ...string) any {
	return mock.MatchedBy(func(u modapi.UnitInfo) bool {
		if u.Name != name || len(u.Types) != len(types) {
			return false
		}
		for i := range types {
			if u.Types[i] != types[i] {
				return false
			}
		}
		return true
	})
}

func TestNotifier_LoadThenUnload(t *testing.T) {
	n := &mockNotifier{}
	n.On("UnitLoaded", unitNamed("gamma", "gamma.T")).Once()
	n.On("UnitUnloading", unitNamed("gamma", "gamma.T")).Once()

	reg := loadctx.NewRegistry(loadctx.WithNotifier(n))
	res := reg.LoadFromSource("", unit("gamma", typeSource("gamma.T")), nil, loadctx.CompileOptions{})
	require.True(t, res.OK(), res.Diagnostics)
	n.AssertNotCalled(t, "UnitUnloading", mock.Anything)

	require.True(t, reg.BeginUnload(res.ID))
	require.True(t, reg.BeginUnload(res.ID), "a second unload is a no-op")

	n.AssertExpectations(t)
}

func TestNotifier_FailedCompileIsSilent(t *testing.T) {
	n := &mockNotifier{}

	reg := loadctx.NewRegistry(loadctx.WithNotifier(n))
	res := reg.LoadFromSource("", unit("broken", "package main\n\nfunc {"), nil, loadctx.CompileOptions{})
	require.False(t, res.OK())

	n.AssertNotCalled(t, "UnitLoaded", mock.Anything)
}
