package mqttrequest

import (
	"time"

	"github.com/vitalvas/mqttv5"
)

// Standard metric names for the correlation engine.
const (
	// MetricRequestsSent is the total number of requests published.
	MetricRequestsSent = "mqttrequest_requests_sent_total"

	// MetricResponsesDelivered is the total number of responses handed to a callback.
	MetricResponsesDelivered = "mqttrequest_responses_delivered_total"

	// MetricResponsesExpired is the total number of responses that arrived too late.
	MetricResponsesExpired = "mqttrequest_responses_expired_total"

	// MetricResponsesUnmatched is the total number of responses with an unknown id.
	MetricResponsesUnmatched = "mqttrequest_responses_unmatched_total"

	// MetricRequestsHandled is the total number of inbound requests answered,
	// labeled by whether a responder was registered.
	MetricRequestsHandled = "mqttrequest_requests_handled_total"

	// MetricRequestsDropped is the total number of inbound requests dropped by the rate limit.
	MetricRequestsDropped = "mqttrequest_requests_dropped_total"

	// MetricPublishErrors is the total number of failed response publishes.
	MetricPublishErrors = "mqttrequest_publish_errors_total"

	// MetricExpiredSwept is the total number of entries removed by the sweeper.
	MetricExpiredSwept = "mqttrequest_expired_swept_total"

	// MetricPendingRequests is the current number of pending requests.
	MetricPendingRequests = "mqttrequest_pending_requests"

	// MetricResponderDuration is the time spent in responder callbacks.
	MetricResponderDuration = "mqttrequest_responder_duration_seconds"

	// MetricResponseLatency is the time between a request and its response.
	MetricResponseLatency = "mqttrequest_response_latency_seconds"
)

// Standard metric labels.
const (
	// LabelResponder tells whether a responder was registered for a request.
	LabelResponder = "responder"
)

// EngineMetrics provides convenience methods for engine metrics.
type EngineMetrics struct {
	metrics mqttv5.Metrics
}

// NewEngineMetrics creates a new EngineMetrics instance.
func NewEngineMetrics(m mqttv5.Metrics) *EngineMetrics {
	if m == nil {
		m = &mqttv5.NoOpMetrics{}
	}
	return &EngineMetrics{metrics: m}
}

// RequestSent records a published request.
func (m *EngineMetrics) RequestSent() {
	m.metrics.Counter(MetricRequestsSent, nil).Inc()
}

// ResponseDelivered records a response handed to its callback.
func (m *EngineMetrics) ResponseDelivered(latency time.Duration) {
	m.metrics.Counter(MetricResponsesDelivered, nil).Inc()
	m.metrics.Histogram(MetricResponseLatency, nil).ObserveDuration(latency)
}

// ResponseExpired records a response that arrived after expiry.
func (m *EngineMetrics) ResponseExpired() {
	m.metrics.Counter(MetricResponsesExpired, nil).Inc()
}

// ResponseUnmatched records a response with no pending request.
func (m *EngineMetrics) ResponseUnmatched() {
	m.metrics.Counter(MetricResponsesUnmatched, nil).Inc()
}

// RequestHandled records an inbound request and the responder run time.
func (m *EngineMetrics) RequestHandled(found bool, d time.Duration) {
	value := "missing"
	if found {
		value = "found"
		m.metrics.Histogram(MetricResponderDuration, nil).ObserveDuration(d)
	}
	m.metrics.Counter(MetricRequestsHandled, mqttv5.MetricLabels{LabelResponder: value}).Inc()
}

// RequestDropped records an inbound request rejected by the rate limit.
func (m *EngineMetrics) RequestDropped() {
	m.metrics.Counter(MetricRequestsDropped, nil).Inc()
}

// PublishError records a failed response publish.
func (m *EngineMetrics) PublishError() {
	m.metrics.Counter(MetricPublishErrors, nil).Inc()
}

// Swept records entries removed by the sweeper.
func (m *EngineMetrics) Swept(n int) {
	m.metrics.Counter(MetricExpiredSwept, nil).Add(float64(n))
}

// Pending sets the current number of pending requests.
func (m *EngineMetrics) Pending(n int) {
	m.metrics.Gauge(MetricPendingRequests, nil).Set(float64(n))
}
