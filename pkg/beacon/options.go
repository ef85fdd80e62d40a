package beacon

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/randalmurphal/beacon/pkg/beacon/event"
	"github.com/randalmurphal/beacon/pkg/beacon/observability"
	"github.com/randalmurphal/beacon/pkg/beacon/payload"
	"github.com/randalmurphal/beacon/pkg/beacon/store"
	"github.com/randalmurphal/beacon/pkg/beacon/transport"
)

// clientConfig holds what New needs beyond Settings.
type clientConfig struct {
	logger          *slog.Logger
	metrics         observability.MetricsRecorder
	spans           observability.SpanManager
	backend         store.Backend
	sender          transport.Sender
	httpClient      *http.Client
	contextProvider payload.ContextProvider
	clock           func() time.Time
	newAnonymousID  func() string
	inFlightPoll    time.Duration
}

// Option configures a Client.
type Option func(*clientConfig)

// WithLogger sets the logger. Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables OpenTelemetry metrics through the global meter
// provider. Configure the provider first:
//
//	otel.SetMeterProvider(provider)
//	client, err := beacon.New(settings, beacon.WithMetrics())
func WithMetrics() Option {
	return func(c *clientConfig) {
		c.metrics = observability.NewMetricsRecorder()
	}
}

// WithTracing enables OpenTelemetry spans for every transfer through the
// global tracer provider.
func WithTracing() Option {
	return func(c *clientConfig) {
		c.spans = observability.NewSpanManager()
	}
}

// WithBackend replaces the storage backend chosen by Settings.
func WithBackend(b store.Backend) Option {
	return func(c *clientConfig) {
		c.backend = b
	}
}

// WithSender replaces the HTTP transport, e.g. with a test double.
func WithSender(s transport.Sender) Option {
	return func(c *clientConfig) {
		c.sender = s
	}
}

// WithHTTPClient sets the client used by the default transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *clientConfig) {
		c.httpClient = hc
	}
}

// WithContextProvider replaces the request context source.
func WithContextProvider(p payload.ContextProvider) Option {
	return func(c *clientConfig) {
		c.contextProvider = p
	}
}

// WithClock overrides event timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *clientConfig) {
		c.clock = now
	}
}

// WithAnonymousIDGenerator overrides how anonymous ids are minted.
// Default: random UUIDv4.
func WithAnonymousIDGenerator(fn func() string) Option {
	return func(c *clientConfig) {
		c.newAnonymousID = fn
	}
}

// WithPollInterval sets how often the dispatcher checks outstanding
// transfers. Default: 100ms
func WithPollInterval(d time.Duration) Option {
	return func(c *clientConfig) {
		if d > 0 {
			c.inFlightPoll = d
		}
	}
}

// EventOption sets optional per-event fields on Track and Screen.
type EventOption func(*eventOptions)

type eventOptions struct {
	userID string
	traits event.Properties
}

// WithUser attributes a single event to userID with traits. Events
// without it carry the current user.
func WithUser(userID string, traits event.Properties) EventOption {
	return func(o *eventOptions) {
		o.userID = userID
		o.traits = traits
	}
}

func applyEventOptions(opts []EventOption) eventOptions {
	var o eventOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
