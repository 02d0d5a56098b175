// Package metrics exposes the solver's prometheus counters on a private
// registry, served from the admin surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set is the solver's metric family, bound to one registry.
type Set struct {
	registry *prometheus.Registry

	IntentsSeen     *prometheus.CounterVec
	SolveAttempts   *prometheus.CounterVec
	SolveOutcomes   *prometheus.CounterVec
	RelaySubmits    *prometheus.CounterVec
	MatchmakerPosts prometheus.Counter
	InventorySweeps prometheus.Counter
	Authorizations  prometheus.Counter
}

// New builds the metric set and registers it with a fresh registry.
func New() *Set {
	registry := prometheus.NewRegistry()
	s := &Set{
		registry: registry,
		IntentsSeen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memswap",
			Name:      "intents_seen_total",
			Help:      "Intents decoded from pending transactions or HTTP ingress.",
		}, []string{"protocol", "source"}),
		SolveAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memswap",
			Name:      "solve_attempts_total",
			Help:      "Solve jobs picked up by the engine.",
		}, []string{"protocol"}),
		SolveOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memswap",
			Name:      "solve_outcomes_total",
			Help:      "Terminal solve outcomes by kind.",
		}, []string{"protocol", "outcome"}),
		RelaySubmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memswap",
			Name:      "relay_submits_total",
			Help:      "Bundle and transaction submissions per relay and result.",
		}, []string{"relay", "result"}),
		MatchmakerPosts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memswap",
			Name:      "matchmaker_posts_total",
			Help:      "Solutions posted to the matchmaker.",
		}),
		InventorySweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memswap",
			Name:      "inventory_sweeps_total",
			Help:      "Inventory liquidation passes started.",
		}),
		Authorizations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memswap",
			Name:      "authorizations_submitted_total",
			Help:      "On-chain authorizations landed for winning bids.",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		s.IntentsSeen,
		s.SolveAttempts,
		s.SolveOutcomes,
		s.RelaySubmits,
		s.MatchmakerPosts,
		s.InventorySweeps,
		s.Authorizations,
	)
	return s
}

// Handler serves the registry in the prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
