package mqttrequest

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/vitalvas/mqttv5"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is how long a request waits for its response.
	DefaultTimeout = 200 * time.Millisecond

	// DefaultInboundBuffer is the capacity of the inbound message queue.
	DefaultInboundBuffer = 256

	// sweepFactor is the sweep period as a multiple of the timeout.
	sweepFactor = 5
)

// IDGenerator returns a new correlation id. Ids must not contain '/'.
type IDGenerator func() string

// engineOptions holds configuration for an Engine.
type engineOptions struct {
	timeout       time.Duration
	sweepInterval time.Duration

	// Publish options for requests and for responses
	publishOptions  PublishOptions
	responseOptions PublishOptions

	idGenerator IDGenerator
	clock       clock.Clock
	logger      mqttv5.Logger
	metrics     mqttv5.Metrics

	inboundBuffer int

	// Rate limit for inbound requests, disabled when limit is zero
	requestLimit rate.Limit
	requestBurst int

	replyWhenUnhandled bool
	unsubscribeOnClose bool
}

// defaultEngineOptions returns options with sensible defaults.
func defaultEngineOptions() *engineOptions {
	return &engineOptions{
		timeout:            DefaultTimeout,
		idGenerator:        uuid.NewString,
		clock:              clock.New(),
		logger:             mqttv5.NewNoOpLogger(),
		metrics:            &mqttv5.NoOpMetrics{},
		inboundBuffer:      DefaultInboundBuffer,
		replyWhenUnhandled: true,
		unsubscribeOnClose: true,
	}
}

// Option configures an Engine.
type Option func(*engineOptions)

// WithTimeout sets how long a request stays valid.
func WithTimeout(d time.Duration) Option {
	return func(o *engineOptions) {
		o.timeout = d
	}
}

// WithSweepInterval sets the period of the expired request sweep.
// Defaults to five times the timeout.
func WithSweepInterval(d time.Duration) Option {
	return func(o *engineOptions) {
		o.sweepInterval = d
	}
}

// WithPublishOptions sets the options forwarded on every request publish.
func WithPublishOptions(opts PublishOptions) Option {
	return func(o *engineOptions) {
		o.publishOptions = opts
	}
}

// WithResponsePublishOptions sets the options forwarded on every response publish.
func WithResponsePublishOptions(opts PublishOptions) Option {
	return func(o *engineOptions) {
		o.responseOptions = opts
	}
}

// WithIDGenerator sets the correlation id generator.
func WithIDGenerator(gen IDGenerator) Option {
	return func(o *engineOptions) {
		if gen != nil {
			o.idGenerator = gen
		}
	}
}

// WithClock sets the clock used for expiry and sweeping.
func WithClock(c clock.Clock) Option {
	return func(o *engineOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger mqttv5.Logger) Option {
	return func(o *engineOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics mqttv5.Metrics) Option {
	return func(o *engineOptions) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithInboundBuffer sets the capacity of the inbound message queue.
// When the queue is full the transport listener blocks until the
// dispatcher catches up, so slow callbacks push back on the transport.
// With MQTTTransport this stalls the client's receive path, keepalive
// included.
func WithInboundBuffer(n int) Option {
	return func(o *engineOptions) {
		if n > 0 {
			o.inboundBuffer = n
		}
	}
}

// WithRequestRateLimit limits how many inbound requests per second are
// handed to responders. Requests over the limit are dropped without reply.
func WithRequestRateLimit(limit rate.Limit, burst int) Option {
	return func(o *engineOptions) {
		o.requestLimit = limit
		o.requestBurst = burst
	}
}

// WithReplyWhenUnhandled sets whether a request with no registered
// responder is answered with an empty response. Enabled by default.
func WithReplyWhenUnhandled(reply bool) Option {
	return func(o *engineOptions) {
		o.replyWhenUnhandled = reply
	}
}

// WithUnsubscribeOnClose sets whether Close unsubscribes every filter the
// engine subscribed to. Enabled by default.
func WithUnsubscribeOnClose(unsubscribe bool) Option {
	return func(o *engineOptions) {
		o.unsubscribeOnClose = unsubscribe
	}
}

// applyEngineOptions applies all options to the default options.
func applyEngineOptions(opts ...Option) *engineOptions {
	options := defaultEngineOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.sweepInterval <= 0 {
		options.sweepInterval = sweepFactor * options.timeout
	}
	return options
}
