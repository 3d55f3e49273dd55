package deadletter

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks dead-letter, retry and escalation statistics.
type Metrics struct {
	mu sync.RWMutex

	topicCounts map[string]*TopicMetrics

	deadLettersTotal *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	escalationsTotal *prometheus.CounterVec
	pendingRetries   prometheus.Gauge
	retryCountHist   *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// TopicMetrics holds counters for one source topic.
type TopicMetrics struct {
	DeadLetters      uint64    `json:"dead_letters"`
	RetriesScheduled uint64    `json:"retries_scheduled"`
	Escalations      uint64    `json:"escalations"`
	AvgRetryCount    float64   `json:"avg_retry_count"`
	LastFailureAt    time.Time `json:"last_failure_at,omitempty"`
}

// Snapshot provides a point-in-time view of the metrics.
type Snapshot struct {
	TotalDeadLetters uint64                   `json:"total_dead_letters"`
	TotalEscalations uint64                   `json:"total_escalations"`
	TopicMetrics     map[string]*TopicMetrics `json:"topic_metrics"`
	CollectedAt      time.Time                `json:"collected_at"`
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgerflow",
			Subsystem: "dlq",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates a collector. A nil registerer means the default one.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		topicCounts:      make(map[string]*TopicMetrics),
		registerer:       registerer,
		deadLettersTotal: newCounterVec("messages_total", "Total number of failed attempts written to the dead letter topic", []string{"topic", "kind"}),
		retriesTotal:     newCounterVec("retries_scheduled_total", "Total number of redeliveries scheduled", []string{"topic"}),
		escalationsTotal: newCounterVec("escalations_total", "Total number of failures escalated to an operator", []string{"topic", "reason"}),
		pendingRetries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ledgerflow",
			Subsystem: "dlq",
			Name:      "pending_retries",
			Help:      "Redeliveries waiting for their delay to elapse",
		}),
		retryCountHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ledgerflow",
			Subsystem: "dlq",
			Name:      "retry_count",
			Help:      "Retry count of the attempt that was dead-lettered",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 10},
		}, []string{"topic"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.deadLettersTotal,
		m.retriesTotal,
		m.escalationsTotal,
		m.pendingRetries,
		m.retryCountHist,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordDeadLetter records one failed attempt.
func (m *Metrics) RecordDeadLetter(topic, kind string, retryCount int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateTopicMetrics(topic)
	metrics.DeadLetters++
	metrics.LastFailureAt = time.Now()
	total := metrics.DeadLetters
	metrics.AvgRetryCount = ((metrics.AvgRetryCount * float64(total-1)) + float64(retryCount)) / float64(total)

	m.deadLettersTotal.WithLabelValues(topic, kind).Inc()
	m.retryCountHist.WithLabelValues(topic).Observe(float64(retryCount))
}

// RecordRetryScheduled records one scheduled redelivery.
func (m *Metrics) RecordRetryScheduled(topic string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getOrCreateTopicMetrics(topic).RetriesScheduled++
	m.retriesTotal.WithLabelValues(topic).Inc()
}

// RecordEscalation records one terminal failure handed to the notifier.
func (m *Metrics) RecordEscalation(topic, reason string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getOrCreateTopicMetrics(topic).Escalations++
	m.escalationsTotal.WithLabelValues(topic, reason).Inc()
}

// SetPendingRetries publishes the scheduler backlog.
func (m *Metrics) SetPendingRetries(n int) {
	if m == nil {
		return
	}
	m.pendingRetries.Set(float64(n))
}

// GetSnapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := Snapshot{
		TopicMetrics: make(map[string]*TopicMetrics, len(m.topicCounts)),
		CollectedAt:  time.Now(),
	}
	for topic, metrics := range m.topicCounts {
		metricsCopy := *metrics
		snapshot.TopicMetrics[topic] = &metricsCopy
		snapshot.TotalDeadLetters += metrics.DeadLetters
		snapshot.TotalEscalations += metrics.Escalations
	}
	return snapshot
}

// GetTopicMetrics returns a copy of the metrics for topic, or nil.
func (m *Metrics) GetTopicMetrics(topic string) *TopicMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if metrics, ok := m.topicCounts[topic]; ok {
		metricsCopy := *metrics
		return &metricsCopy
	}
	return nil
}

func (m *Metrics) getOrCreateTopicMetrics(topic string) *TopicMetrics {
	if metrics, ok := m.topicCounts[topic]; ok {
		return metrics
	}
	metrics := &TopicMetrics{}
	m.topicCounts[topic] = metrics
	return metrics
}

// Reset clears all metrics.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.topicCounts = make(map[string]*TopicMetrics)
	m.deadLettersTotal.Reset()
	m.retriesTotal.Reset()
	m.escalationsTotal.Reset()
	m.retryCountHist.Reset()
	m.pendingRetries.Set(0)
}
