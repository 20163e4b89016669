package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dbhelm"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	instanceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "starts_total",
			Help:      "Number of successful engine starts.",
		}, []string{"engine"},
	)
	instanceStartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "start_failures_total",
			Help:      "Number of failed engine starts by stage.",
		}, []string{"engine", "stage"},
	)
	instanceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "stops_total",
			Help:      "Number of requested stops.",
		}, []string{"engine"},
	)
	instanceExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "unexpected_exits_total",
			Help:      "Number of engine processes that exited without a stop request.",
		}, []string{"engine"},
	)
	instanceStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "start_duration_seconds",
			Help:      "Time from start request to the end of the start grace period.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"engine"},
	)
	trackedInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "tracked_instances",
			Help:      "Processes currently held by the registry.",
		},
	)
	driftCorrections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "drift_total",
			Help:      "Drift found by reconciliation, by action taken.",
		}, []string{"action"},
	)
	reconcilePasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "passes_total",
			Help:      "Number of reconciliation passes.",
		},
	)
	autostartConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "autostart",
			Name:      "port_conflicts_total",
			Help:      "Auto-start port collisions resolved by reassignment.",
		},
	)
	ipcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ipc",
			Name:      "requests_total",
			Help:      "Helper requests by operation and outcome.",
		}, []string{"op", "outcome"},
	)
	ipcFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ipc",
			Name:      "fallbacks_total",
			Help:      "Operations served in-process because the helper was unreachable.",
		}, []string{"op"},
	)
	orphansKilled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "orphans_killed_total",
			Help:      "Orphaned engine processes terminated by cleanup.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		instanceStarts, instanceStartFailures, instanceStops, instanceExits, instanceStartDuration,
		trackedInstances, driftCorrections, reconcilePasses, autostartConflicts,
		ipcRequests, ipcFallbacks, orphansKilled,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves metrics from the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(engine string) {
	if regOK.Load() {
		instanceStarts.WithLabelValues(engine).Inc()
	}
}

func IncStartFailure(engine, stage string) {
	if regOK.Load() {
		instanceStartFailures.WithLabelValues(engine, stage).Inc()
	}
}

func IncStop(engine string) {
	if regOK.Load() {
		instanceStops.WithLabelValues(engine).Inc()
	}
}

func IncUnexpectedExit(engine string) {
	if regOK.Load() {
		instanceExits.WithLabelValues(engine).Inc()
	}
}

func ObserveStartDuration(engine string, seconds float64) {
	if regOK.Load() {
		instanceStartDuration.WithLabelValues(engine).Observe(seconds)
	}
}

func SetTracked(n int) {
	if regOK.Load() {
		trackedInstances.Set(float64(n))
	}
}

func IncDrift(action string) {
	if regOK.Load() {
		driftCorrections.WithLabelValues(action).Inc()
	}
}

func IncReconcilePass() {
	if regOK.Load() {
		reconcilePasses.Inc()
	}
}

func AddAutoStartConflicts(n int) {
	if regOK.Load() && n > 0 {
		autostartConflicts.Add(float64(n))
	}
}

func IncIPCRequest(op, outcome string) {
	if regOK.Load() {
		ipcRequests.WithLabelValues(op, outcome).Inc()
	}
}

func IncFallback(op string) {
	if regOK.Load() {
		ipcFallbacks.WithLabelValues(op).Inc()
	}
}

func AddOrphansKilled(n int) {
	if regOK.Load() && n > 0 {
		orphansKilled.Add(float64(n))
	}
}
