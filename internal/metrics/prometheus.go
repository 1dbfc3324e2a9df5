package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "tier_exit_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}

	m := &Metrics{
		EntriesAllowed:    promCounter{counter("entries_allowed_total", "Entry evaluations that met the confirmation quorum.")},
		EntriesBlocked:    promCounter{counter("entries_blocked_total", "Entry evaluations blocked by the regime gate.")},
		Tier1Locks:        promCounter{counter("tier1_locks_total", "Tier-1 end-of-day partial profit locks.")},
		Tier2Captures:     promCounter{counter("tier2_captures_total", "Tier-2 momentum spike captures.")},
		StopExits:         promCounter{counter("stop_exits_total", "Full exits on a stop loss.")},
		TargetExits:       promCounter{counter("target_exits_total", "Full exits on the original target.")},
		CyclesSkipped:     promCounter{counter("cycles_skipped_total", "Position evaluations skipped on missing or stale data.")},
		ActionsDispatched: promCounter{counter("actions_dispatched_total", "Exit actions handed to the order router.")},
		ActionsFailed:     promCounter{counter("actions_failed_total", "Exit actions the router could not place.")},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
