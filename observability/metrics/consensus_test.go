package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConsensusMetricsObservers(t *testing.T) {
	m := Consensus()
	if m != Consensus() {
		t.Fatalf("expected singleton")
	}

	before := testutil.ToFloat64(m.messages.WithLabelValues("unknown", "rejected"))
	m.ObserveMessage("", "rejected")
	if got := testutil.ToFloat64(m.messages.WithLabelValues("unknown", "rejected")); got != before+1 {
		t.Fatalf("message counter: got %v want %v", got, before+1)
	}

	m.SetEpoch(7, "pbft")
	if got := testutil.ToFloat64(m.epoch); got != 7 {
		t.Fatalf("epoch gauge: %v", got)
	}
	if testutil.ToFloat64(m.mode.WithLabelValues("pbft")) != 1 || testutil.ToFloat64(m.mode.WithLabelValues("pos")) != 0 {
		t.Fatalf("mode gauge not flipped")
	}

	m.ObserveCertificate("pbft", 42, 150*time.Millisecond)
	if got := testutil.ToFloat64(m.finalizedHeight); got != 42 {
		t.Fatalf("finalized height: %v", got)
	}

	m.SetHalted(true)
	if testutil.ToFloat64(m.halted) != 1 {
		t.Fatalf("halted gauge not set")
	}
	m.SetHalted(false)
	if testutil.ToFloat64(m.halted) != 0 {
		t.Fatalf("halted gauge not cleared")
	}
}

func TestNilConsensusMetricsAreSafe(t *testing.T) {
	var m *ConsensusMetrics
	m.ObserveMessage("propose", "ok")
	m.ObserveCertificate("pos", 1, time.Second)
	m.SetEpoch(1, "pos")
	m.ObserveTimeout("pos")
	m.SetHalted(true)
	m.ObserveVerifyCache(true)
	m.ObserveSlashing("double_sign")
	if m.Messages() != nil {
		t.Fatalf("expected nil counter")
	}
}
