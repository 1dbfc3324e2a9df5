package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.EntriesAllowed.Inc()
	prom.Metrics.Tier1Locks.Inc()
	prom.Metrics.Tier1Locks.Inc()
	prom.Metrics.CyclesSkipped.Inc()

	assertCounter(t, prom.Metrics.EntriesAllowed, 1)
	assertCounter(t, prom.Metrics.Tier1Locks, 2)
	assertCounter(t, prom.Metrics.CyclesSkipped, 1)
	assertCounter(t, prom.Metrics.StopExits, 0)
}

func TestNoopMetricsAreSafe(t *testing.T) {
	m := NewNoop()
	m.EntriesBlocked.Inc()
	m.ActionsFailed.Inc()
}

func assertCounter(t *testing.T, counter Counter, expected float64) {
	t.Helper()
	pc, ok := counter.(promCounter)
	if !ok {
		t.Fatalf("expected prometheus-backed counter")
	}
	if got := testutil.ToFloat64(pc.counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
