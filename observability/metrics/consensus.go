package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ConsensusMetrics tracks the adaptive consensus core.
type ConsensusMetrics struct {
	messages        *prometheus.CounterVec
	certificates    *prometheus.CounterVec
	finalizedHeight prometheus.Gauge
	epoch           prometheus.Gauge
	mode            *prometheus.GaugeVec
	timeouts        *prometheus.CounterVec
	halted          prometheus.Gauge
	verifyCache     *prometheus.CounterVec
	slashing        *prometheus.CounterVec
	finalityLatency *prometheus.HistogramVec
}

var (
	consensusOnce     sync.Once
	consensusRegistry *ConsensusMetrics
)

var modeLabels = []string{"pos", "pbft", "emergency_pow"}

func Consensus() *ConsensusMetrics {
	consensusOnce.Do(func() {
		consensusRegistry = &ConsensusMetrics{
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "consensus_messages_total",
				Help: "Consensus messages processed by kind and outcome.",
			}, []string{"kind", "result"}),
			certificates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "consensus_certificates_total",
				Help: "Finality certificates issued or imported by mode.",
			}, []string{"mode"}),
			finalizedHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "consensus_finalized_height",
				Help: "Highest height committed to the ledger.",
			}),
			epoch: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "consensus_epoch",
				Help: "Current epoch number.",
			}),
			mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "consensus_mode",
				Help: "Set to 1 for the active consensus mode.",
			}, []string{"mode"}),
			timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "consensus_timeouts_total",
				Help: "Slot timeouts fired by mode.",
			}, []string{"mode"}),
			halted: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "consensus_halted",
				Help: "Set to 1 once the orchestrator halts on an invariant violation.",
			}),
			verifyCache: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "consensus_verify_cache_total",
				Help: "Signature verification cache lookups by result.",
			}, []string{"result"}),
			slashing: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "consensus_slashing_events_total",
				Help: "Slashing penalties applied by evidence kind.",
			}, []string{"kind"}),
			finalityLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "consensus_finality_latency_seconds",
				Help:    "Time from block timestamp to ledger commit.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			}, []string{"mode"}),
		}
		prometheus.MustRegister(
			consensusRegistry.messages,
			consensusRegistry.certificates,
			consensusRegistry.finalizedHeight,
			consensusRegistry.epoch,
			consensusRegistry.mode,
			consensusRegistry.timeouts,
			consensusRegistry.halted,
			consensusRegistry.verifyCache,
			consensusRegistry.slashing,
			consensusRegistry.finalityLatency,
		)
	})
	return consensusRegistry
}

func (m *ConsensusMetrics) ObserveMessage(kind, result string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.messages.WithLabelValues(kind, result).Inc()
}

func (m *ConsensusMetrics) ObserveCertificate(mode string, height uint64, latency time.Duration) {
	if m == nil {
		return
	}
	m.certificates.WithLabelValues(mode).Inc()
	m.finalizedHeight.Set(float64(height))
	if latency > 0 {
		m.finalityLatency.WithLabelValues(mode).Observe(latency.Seconds())
	}
}

// SetEpoch records the epoch number and flips the mode gauge.
func (m *ConsensusMetrics) SetEpoch(epoch uint64, mode string) {
	if m == nil {
		return
	}
	m.epoch.Set(float64(epoch))
	for _, label := range modeLabels {
		value := 0.0
		if label == mode {
			value = 1
		}
		m.mode.WithLabelValues(label).Set(value)
	}
}

func (m *ConsensusMetrics) ObserveTimeout(mode string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(mode).Inc()
}

func (m *ConsensusMetrics) SetHalted(halted bool) {
	if m == nil {
		return
	}
	if halted {
		m.halted.Set(1)
		return
	}
	m.halted.Set(0)
}

func (m *ConsensusMetrics) ObserveVerifyCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.verifyCache.WithLabelValues("hit").Inc()
		return
	}
	m.verifyCache.WithLabelValues("miss").Inc()
}

func (m *ConsensusMetrics) ObserveSlashing(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.slashing.WithLabelValues(kind).Inc()
}

// Messages exposes the message counter for tests.
func (m *ConsensusMetrics) Messages() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.messages
}
