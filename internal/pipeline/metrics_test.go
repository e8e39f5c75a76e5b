package pipeline

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"CommitLane/internal/ledger"
)

func TestMetricsTrackCommit(t *testing.T) {
	h := newHarness(t, 4, 4)

	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	h.m.metrics = metrics

	h.m.onOrderedBlocks(h.chain.next(nil))

	if got := testutil.ToFloat64(metrics.BufferItems); got != 1 {
		t.Fatalf("buffer items: got %v, want 1", got)
	}

	h.execute()
	li := h.signOwn()

	h.m.onCommitMessage(h.tv.vote(1, li))
	h.m.onCommitMessage(h.tv.vote(1, li))

	forged := h.tv.vote(2, li)
	forged.Vote.Signature = h.tv.sign(3, li)
	h.m.onCommitMessage(forged)

	h.m.onCommitMessage(CommitMessage{Vote: &ledger.CommitVote{
		Author:     h.tv.authors[1],
		LedgerInfo: ledger.LedgerInfo{CommitInfo: ledger.BlockInfo{ID: ledger.Hash{0x99}}},
	}})

	h.m.onCommitMessage(h.tv.vote(2, li))
	h.m.onCommitMessage(h.tv.vote(3, li))

	counters := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"execution requests", metrics.ExecutionRequests, 1},
		{"signing requests", metrics.SigningRequests, 1},
		{"vote broadcasts", metrics.VoteBroadcasts, 1},
		{"accepted votes", metrics.Votes.WithLabelValues(resultAccepted), 3},
		{"duplicate votes", metrics.Votes.WithLabelValues(resultDuplicate), 1},
		{"rejected votes", metrics.Votes.WithLabelValues(resultRejected), 1},
		{"unknown votes", metrics.Votes.WithLabelValues(resultUnknown), 1},
		{"persisted blocks", metrics.PersistedBlocks, 1},
		{"committed round", metrics.CommittedRound, 1},
		{"buffer items", metrics.BufferItems, 0},
	}

	for _, c := range counters {
		if got := testutil.ToFloat64(c.c); got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()

	if _, err := NewMetrics(reg); err != nil {
		t.Fatalf("first registration: %v", err)
	}

	if _, err := NewMetrics(reg); err == nil {
		t.Fatal("second registration on the same registry succeeded")
	}

	expected := `
# HELP commitlane_resets_total Reset requests processed
# TYPE commitlane_resets_total counter
commitlane_resets_total 0
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "commitlane_resets_total"); err != nil {
		t.Errorf("gathered metrics differ:\n%v", err)
	}
}
