package managedwriter

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ozontech/appender/consts"
)

// BackpressureMode selects what Write does when the inflight limits are
// reached.
type BackpressureMode int

const (
	// BackpressureBlock waits for an earlier write to resolve.
	BackpressureBlock BackpressureMode = iota
	// BackpressureFail returns ErrBackpressureExceeded immediately.
	BackpressureFail
)

// Redelivery selects what happens to unacknowledged writes when the stream
// fails with a transient error.
type Redelivery int

const (
	// RedeliveryNone fails every unacknowledged write and closes the
	// connection (at most once).
	RedeliveryNone Redelivery = iota
	// RedeliveryResend reopens the stream and resends unacknowledged writes
	// in their original order (at least once). Rows may be duplicated
	// unless writes carry explicit offsets.
	RedeliveryResend
)

type config struct {
	log *zap.Logger

	maxInflightRequests int64
	maxInflightBytes    int64
	maxRequestSize      int64
	backpressure        BackpressureMode

	redelivery          Redelivery
	reconnectAttempts   int
	reconnectBackoff    time.Duration
	maxReconnectBackoff time.Duration
	classifier          Classifier

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

func newDefaultConfig() config {
	return config{
		log:                 zap.NewNop(),
		maxInflightRequests: consts.DefaultMaxInflightRequests,
		maxInflightBytes:    consts.DefaultMaxInflightBytes,
		maxRequestSize:      consts.DefaultMaxRequestSize,
		reconnectAttempts:   consts.DefaultReconnectAttempts,
		reconnectBackoff:    consts.DefaultReconnectBackoff,
		maxReconnectBackoff: consts.DefaultMaxReconnectBackoff,
		meterProvider:       otel.GetMeterProvider(),
		tracerProvider:      otel.GetTracerProvider(),
	}
}

type Option func(*config)

func WithLogger(log *zap.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// WithMaxInflightRequests limits unacknowledged writes; 0 disables the limit.
func WithMaxInflightRequests(n int64) Option {
	return func(c *config) {
		c.maxInflightRequests = n
	}
}

// WithMaxInflightBytes limits the total size of unacknowledged writes;
// 0 disables the limit.
func WithMaxInflightBytes(n int64) Option {
	return func(c *config) {
		c.maxInflightBytes = n
	}
}

// WithMaxRequestSize rejects larger requests with ErrRequestTooLarge;
// 0 disables the check.
func WithMaxRequestSize(n int64) Option {
	return func(c *config) {
		c.maxRequestSize = n
	}
}

func WithBackpressureMode(m BackpressureMode) Option {
	return func(c *config) {
		c.backpressure = m
	}
}

func WithRedelivery(r Redelivery) Option {
	return func(c *config) {
		c.redelivery = r
	}
}

// WithReconnectAttempts bounds stream reopen attempts after one failure.
func WithReconnectAttempts(n int) Option {
	return func(c *config) {
		c.reconnectAttempts = n
	}
}

// WithReconnectBackoff sets the initial and maximum delay between reopen
// attempts. The delay doubles after every attempt.
func WithReconnectBackoff(initial, max time.Duration) Option {
	return func(c *config) {
		c.reconnectBackoff = initial
		c.maxReconnectBackoff = max
	}
}

func WithClassifier(cl Classifier) Option {
	return func(c *config) {
		c.classifier = cl
	}
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *config) {
		c.meterProvider = mp
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) {
		c.tracerProvider = tp
	}
}
