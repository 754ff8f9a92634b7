// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package observability

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	server := NewServer("127.0.0.1:0", opts...)
	_, err := server.Start()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
	return server
}

func get(t *testing.T, server *Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get("http://" + server.Addr() + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_Metrics(t *testing.T) {
	server := startServer(t, WithReadiness(func() bool { return true }))

	server.Metrics().RecordPatchInvocation("before")
	server.Metrics().RecordEventFailure("modapi.Updater")
	server.Metrics().SetLoadContexts(3)

	status, body := get(t, server, "/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "go_")
	assert.Contains(t, body, "process_")
	assert.Contains(t, body, `modrt_patch_invocations_total{hook="before"} 1`)
	assert.Contains(t, body, `modrt_event_failures_total{event="modapi.Updater"} 1`)
	assert.Contains(t, body, "modrt_load_contexts 3")
}

func TestServer_Readiness(t *testing.T) {
	tests := []struct {
		name   string
		ready  ReadinessChecker
		status int
		body   string
	}{
		{name: "ready", ready: func() bool { return true }, status: http.StatusOK, body: "ok\n"},
		{name: "not ready", ready: func() bool { return false }, status: http.StatusServiceUnavailable, body: "not ready\n"},
		{name: "nil checker", ready: nil, status: http.StatusOK, body: "ok\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := startServer(t, WithReadiness(tt.ready))
			status, body := get(t, server, "/healthz/readiness")
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.body, body)
		})
	}
}

func TestServer_Liveness(t *testing.T) {
	server := startServer(t, WithReadiness(func() bool { return false }))
	status, body := get(t, server, "/healthz/liveness")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok\n", body)
}

func TestServer_Packages(t *testing.T) {
	type pkg struct {
		Name  string `json:"name"`
		State string `json:"state"`
	}
	server := startServer(t, WithPackages(func() any {
		return []pkg{{Name: "echo", State: "running"}}
	}))

	status, body := get(t, server, "/debug/packages")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[{"name":"echo","state":"running"}]`, body)
}

func TestServer_PackagesWithoutLister(t *testing.T) {
	server := startServer(t)
	status, _ := get(t, server, "/debug/packages")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_AddrBeforeStart(t *testing.T) {
	assert.Empty(t, NewServer("127.0.0.1:0").Addr())
}

func TestServer_DoubleStartFails(t *testing.T) {
	server := startServer(t)
	_, err := server.Start()
	assert.Error(t, err)
}

func TestServer_StopIdempotent(t *testing.T) {
	server := NewServer("127.0.0.1:0")
	_, err := server.Start()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, server.Stop(ctx))
	require.NoError(t, server.Stop(ctx))
}

func TestServer_ErrorChannelReportsServeErrors(t *testing.T) {
	server := NewServer("127.0.0.1:0")
	errCh, err := server.Start()
	require.NoError(t, err)

	_ = server.listener.Close()

	select {
	case serveErr := <-errCh:
		assert.Error(t, serveErr)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for serve error")
	}
	_ = server.Stop(context.Background())
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetLoadContexts(1)
		m.RecordUnitLoaded()
		m.RecordPatchInvocation("after")
		m.RecordPatchFailure()
		m.RecordEventFailure("x")
		m.RecordSandboxDenial("file")
		m.RecordScriptFailure()
		m.SetPackagesByState(map[string]int{"running": 1})
		m.RecordUnloadLeak()
	})
}

func TestMetrics_PackagesByStateResets(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetPackagesByState(map[string]int{"running": 2, "loaded": 1})
	m.SetPackagesByState(map[string]int{"unloaded": 3})

	assert.Equal(t, 1, testutil.CollectAndCount(m.PackagesByState))
	assert.InDelta(t, 3.0, testutil.ToFloat64(m.PackagesByState.WithLabelValues("unloaded")), 0)
}
