package txm

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "txmgr_transactions_submitted_total", Help: "Transactions broadcast successfully"},
		[]string{"chainID"},
	)
	promConfirmed = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "txmgr_transactions_confirmed_total", Help: "Transactions confirmed on-chain"},
		[]string{"chainID"},
	)
	promFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "txmgr_transactions_failed_total", Help: "Transactions failed (exhausted retries or reverted)"},
		[]string{"chainID"},
	)
	promTimedOut = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "txmgr_transactions_timed_out_total", Help: "Transactions unresolved by their deadline"},
		[]string{"chainID"},
	)
	promConfirmLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "txmgr_confirmation_latency_seconds",
			Help:    "Time from broadcast to confirmed receipt",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)
)

// Metrics aggregates lifecycle outcomes process-wide. Counters only go up
// and reset on restart. Increments are commutative, so any goroutine may
// record without ordering requirements.
type Metrics struct {
	mu sync.Mutex

	totalSubmitted uint64
	totalConfirmed uint64
	totalFailed    uint64
	totalTimedOut  uint64
	totalLatency   time.Duration
	startTime      time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) RecordSubmitted(chainID uint64) {
	m.mu.Lock()
	m.totalSubmitted++
	m.mu.Unlock()
	promSubmitted.WithLabelValues(ChainName(chainID)).Inc()
}

func (m *Metrics) RecordConfirmed(chainID uint64, latency time.Duration) {
	m.mu.Lock()
	m.totalConfirmed++
	m.totalLatency += latency
	m.mu.Unlock()
	promConfirmed.WithLabelValues(ChainName(chainID)).Inc()
	promConfirmLatency.Observe(latency.Seconds())
}

func (m *Metrics) RecordFailed(chainID uint64) {
	m.mu.Lock()
	m.totalFailed++
	m.mu.Unlock()
	promFailed.WithLabelValues(ChainName(chainID)).Inc()
}

func (m *Metrics) RecordTimedOut(chainID uint64) {
	m.mu.Lock()
	m.totalTimedOut++
	m.mu.Unlock()
	promTimedOut.WithLabelValues(ChainName(chainID)).Inc()
}

// Snapshot returns the counters plus the running average confirmation
// latency, which is the arithmetic mean over all confirmed transactions.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var avg time.Duration
	if m.totalConfirmed > 0 {
		avg = m.totalLatency / time.Duration(m.totalConfirmed)
	}
	return MetricsSnapshot{
		TotalSubmitted: m.totalSubmitted,
		TotalConfirmed: m.totalConfirmed,
		TotalFailed:    m.totalFailed,
		TotalTimedOut:  m.totalTimedOut,
		AvgConfirmTime: avg,
		StartTime:      m.startTime,
	}
}
