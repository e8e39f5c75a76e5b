package pipeline

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "commitlane"

// Metrics are the pipeline's Prometheus collectors.
type Metrics struct {
	BufferItems       prometheus.Gauge       // BufferItems is the number of in-flight items
	ExecutionRequests prometheus.Counter     // ExecutionRequests counts dispatched execution requests
	SigningRequests   prometheus.Counter     // SigningRequests counts dispatched signing requests
	SigningFailures   prometheus.Counter     // SigningFailures counts failed signing responses
	Votes             *prometheus.CounterVec // Votes counts commit votes by result
	Decisions         *prometheus.CounterVec // Decisions counts commit decisions by result
	VoteBroadcasts    prometheus.Counter     // VoteBroadcasts counts vote broadcasts, retries included
	PersistedBlocks   prometheus.Counter     // PersistedBlocks counts blocks handed to the persisting phase
	CommittedRound    prometheus.Gauge       // CommittedRound is the round of the last drained certificate
	Resets            prometheus.Counter     // Resets counts processed reset requests
}

// NewMetrics creates the pipeline collectors and registers them with reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		BufferItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "buffer_items",
			Help: "Number of ordered batches in the commit buffer",
		}),
		ExecutionRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "execution_requests_total",
			Help: "Execution requests dispatched",
		}),
		SigningRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "signing_requests_total",
			Help: "Signing requests dispatched",
		}),
		SigningFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "signing_failures_total",
			Help: "Signing responses that carried an error or an unusable signature",
		}),
		Votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "commit_votes_total",
			Help: "Commit votes received, by result",
		}, []string{"result"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "commit_decisions_total",
			Help: "Commit decisions received, by result",
		}, []string{"result"}),
		VoteBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "vote_broadcasts_total",
			Help: "Commit vote broadcasts, retries included",
		}),
		PersistedBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "persisted_blocks_total",
			Help: "Blocks handed to the persisting phase",
		}),
		CommittedRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "committed_round",
			Help: "Round of the last certified commit",
		}),
		Resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "resets_total",
			Help: "Reset requests processed",
		}),
	}

	if reg == nil {
		return m, nil
	}

	collectors := []prometheus.Collector{
		m.BufferItems, m.ExecutionRequests, m.SigningRequests, m.SigningFailures,
		m.Votes, m.Decisions, m.VoteBroadcasts, m.PersistedBlocks, m.CommittedRound, m.Resets,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register pipeline metric:\n%w", err)
		}
	}

	return m, nil
}

// Result labels for vote and decision counters.
const (
	resultAccepted  = "accepted"
	resultDuplicate = "duplicate"
	resultUnknown   = "unknown"
	resultRejected  = "rejected"
	resultCached    = "cached"
)
