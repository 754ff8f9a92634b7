// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the mod runtime's Prometheus metrics.
//
// All record methods are safe on a nil *Metrics so components can be built
// without an observability server.
type Metrics struct {
	LoadContexts     prometheus.Gauge
	UnitsLoaded      prometheus.Counter
	PatchInvocations *prometheus.CounterVec
	PatchFailures    prometheus.Counter
	EventFailures    *prometheus.CounterVec
	SandboxDenials   *prometheus.CounterVec
	ScriptFailures   prometheus.Counter
	PackagesByState  *prometheus.GaugeVec
	UnloadLeaks      prometheus.Counter
}

// NewMetrics creates and registers the mod runtime metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoadContexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modrt_load_contexts",
			Help: "Number of live isolated load contexts",
		}),
		UnitsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modrt_units_loaded_total",
			Help: "Total number of units loaded into load contexts",
		}),
		PatchInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modrt_patch_invocations_total",
			Help: "Total number of patch function invocations by hook position",
		}, []string{"hook"}),
		PatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modrt_patch_failures_total",
			Help: "Total number of patch functions that failed or panicked",
		}),
		EventFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modrt_event_failures_total",
			Help: "Total number of subscriber failures by event",
		}, []string{"event"}),
		SandboxDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modrt_sandbox_denials_total",
			Help: "Total number of sandbox access denials by kind",
		}, []string{"kind"}),
		ScriptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modrt_script_failures_total",
			Help: "Total number of script executions or callbacks that failed",
		}),
		PackagesByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modrt_packages",
			Help: "Number of packages by lifecycle state",
		}, []string{"state"}),
		UnloadLeaks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modrt_unload_leaks_total",
			Help: "Total number of load contexts that were not collected before the unload timeout",
		}),
	}

	reg.MustRegister(
		m.LoadContexts,
		m.UnitsLoaded,
		m.PatchInvocations,
		m.PatchFailures,
		m.EventFailures,
		m.SandboxDenials,
		m.ScriptFailures,
		m.PackagesByState,
		m.UnloadLeaks,
	)

	return m
}

// SetLoadContexts records the number of live load contexts.
func (m *Metrics) SetLoadContexts(n int) {
	if m == nil {
		return
	}
	m.LoadContexts.Set(float64(n))
}

// RecordUnitLoaded counts one loaded unit.
func (m *Metrics) RecordUnitLoaded() {
	if m == nil {
		return
	}
	m.UnitsLoaded.Inc()
}

// RecordPatchInvocation counts one patch call at the given hook position.
func (m *Metrics) RecordPatchInvocation(hook string) {
	if m == nil {
		return
	}
	m.PatchInvocations.WithLabelValues(hook).Inc()
}

// RecordPatchFailure counts a failed patch call.
func (m *Metrics) RecordPatchFailure() {
	if m == nil {
		return
	}
	m.PatchFailures.Inc()
}

// RecordEventFailure counts a failed subscriber for event.
func (m *Metrics) RecordEventFailure(event string) {
	if m == nil {
		return
	}
	m.EventFailures.WithLabelValues(event).Inc()
}

// RecordSandboxDenial counts a denied file or type access.
func (m *Metrics) RecordSandboxDenial(kind string) {
	if m == nil {
		return
	}
	m.SandboxDenials.WithLabelValues(kind).Inc()
}

// RecordScriptFailure counts a failed script or scripted callback.
func (m *Metrics) RecordScriptFailure() {
	if m == nil {
		return
	}
	m.ScriptFailures.Inc()
}

// SetPackagesByState replaces the per-state package gauge values.
func (m *Metrics) SetPackagesByState(counts map[string]int) {
	if m == nil {
		return
	}
	m.PackagesByState.Reset()
	for state, n := range counts {
		m.PackagesByState.WithLabelValues(state).Set(float64(n))
	}
}

// RecordUnloadLeak counts a context that did not collect in time.
func (m *Metrics) RecordUnloadLeak() {
	if m == nil {
		return
	}
	m.UnloadLeaks.Inc()
}
