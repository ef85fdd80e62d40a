// Package payload builds request bodies for the Segment-compatible
// collection API.
package payload

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/randalmurphal/beacon/pkg/beacon/event"
)

// EndpointBatch is the path used in batch mode.
const EndpointBatch = "batch"

// TimestampFormat is ISO-8601 with milliseconds, always UTC.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Identity supplies the ids stamped onto every message.
type Identity interface {
	AnonymousID() string
	UserID() string
}

// message is one event on the wire.
type message struct {
	Type        string           `json:"type,omitempty"`
	AnonymousID string           `json:"anonymousId"`
	MessageID   string           `json:"messageId"`
	Event       string           `json:"event,omitempty"`
	Name        string           `json:"name,omitempty"`
	Timestamp   string           `json:"timestamp"`
	UserID      string           `json:"userId,omitempty"`
	PreviousID  string           `json:"previousId,omitempty"`
	GroupID     string           `json:"groupId,omitempty"`
	Category    string           `json:"category,omitempty"`
	Properties  event.Properties `json:"properties,omitempty"`
	Traits      event.Properties `json:"traits,omitempty"`
}

type singleBody struct {
	message
	SentAt  string          `json:"sentAt"`
	Context json.RawMessage `json:"context"`
}

type batchBody struct {
	Batch   []json.RawMessage `json:"batch"`
	SentAt  string            `json:"sentAt"`
	Context json.RawMessage   `json:"context"`
}

// Request is an encoded body ready to POST.
type Request struct {
	// Endpoint is the path below the API base: an event type name or "batch".
	Endpoint string

	// Body is the JSON document.
	Body []byte

	// Events are the events the body carries, ascending by id.
	Events []*event.Event

	// Skipped are events left out because they could not be encoded.
	Skipped []*event.Event
}

// Builder turns events into request bodies.
type Builder struct {
	identity   Identity
	context    ContextProvider
	includeIP  bool
	includeGeo bool
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithContextProvider replaces the context source.
func WithContextProvider(p ContextProvider) Option {
	return func(b *Builder) { b.context = p }
}

// WithIncludeIP controls whether the collector may record the client IP.
// When false, context.ip is forced to "0.0.0.0".
func WithIncludeIP(include bool) Option {
	return func(b *Builder) { b.includeIP = include }
}

// WithIncludeGeolocation controls whether context.location is forwarded.
func WithIncludeGeolocation(include bool) Option {
	return func(b *Builder) { b.includeGeo = include }
}

// WithClock overrides the sentAt time source.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithLogger sets the logger for context entries dropped during encoding.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBuilder creates a Builder. Without WithContextProvider the context is
// empty apart from the IP and location rules.
func NewBuilder(identity Identity, opts ...Option) *Builder {
	b := &Builder{
		identity: identity,
		context:  ContextFunc(func() map[string]any { return map[string]any{} }),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Single encodes one event for its type's endpoint. An event that cannot
// be encoded is reported in Skipped. A non-nil error with Events set means
// the event is fine but the body could not be assembled.
func (b *Builder) Single(e *event.Event) (*Request, error) {
	anonID, userID := b.ids()
	req := &Request{Endpoint: e.Type().String()}
	msg := toMessage(e, anonID, userID, false)
	if _, err := json.Marshal(msg); err != nil {
		req.Skipped = []*event.Event{e}
		return req, fmt.Errorf("encode event %d: %w", e.ID(), err)
	}
	req.Events = []*event.Event{e}

	data, err := json.Marshal(singleBody{
		message: msg,
		SentAt:  b.sentAt(),
		Context: b.encodeContext(),
	})
	if err != nil {
		return req, fmt.Errorf("encode request for event %d: %w", e.ID(), err)
	}
	req.Body = data
	return req, nil
}

// Batch encodes events into one batch body. Events that fail to encode are
// reported in Skipped and left out. The error is non-nil when no event
// could be encoded, or when the body itself could not be assembled; in the
// latter case Events still lists the encodable events.
func (b *Builder) Batch(events []*event.Event) (*Request, error) {
	anonID, userID := b.ids()
	req := &Request{Endpoint: EndpointBatch}
	body := batchBody{
		Batch:  make([]json.RawMessage, 0, len(events)),
		SentAt: b.sentAt(),
	}
	for _, e := range events {
		raw, err := json.Marshal(toMessage(e, anonID, userID, true))
		if err != nil {
			req.Skipped = append(req.Skipped, e)
			continue
		}
		body.Batch = append(body.Batch, raw)
		req.Events = append(req.Events, e)
	}
	if len(req.Events) == 0 {
		return req, fmt.Errorf("encode batch: none of %d events could be encoded", len(events))
	}
	body.Context = b.encodeContext()
	data, err := json.Marshal(body)
	if err != nil {
		return req, fmt.Errorf("encode batch: %w", err)
	}
	req.Body = data
	return req, nil
}

// MessageID is the per-event id the collector uses to discard duplicates.
func MessageID(anonymousID string, e *event.Event) string {
	return fmt.Sprintf("%s-%d", anonymousID, e.ID())
}

func (b *Builder) ids() (anonID, userID string) {
	if b.identity == nil {
		return "", ""
	}
	return b.identity.AnonymousID(), b.identity.UserID()
}

func (b *Builder) sentAt() string {
	return b.now().UTC().Format(TimestampFormat)
}

func (b *Builder) buildContext() map[string]any {
	ctx := maps.Clone(b.context.Context())
	if ctx == nil {
		ctx = map[string]any{}
	}
	if !b.includeIP {
		ctx["ip"] = "0.0.0.0"
	}
	if !b.includeGeo {
		delete(ctx, "location")
	}
	return ctx
}

// encodeContext encodes the shared context object. Entries that cannot be
// encoded are dropped so they never cost the events their delivery; if the
// remainder still fails the context is sent empty.
func (b *Builder) encodeContext() json.RawMessage {
	ctx := b.buildContext()
	data, err := json.Marshal(ctx)
	if err == nil {
		return data
	}

	var dropped []string
	for key, value := range ctx {
		if _, err := json.Marshal(value); err != nil {
			dropped = append(dropped, key)
			delete(ctx, key)
		}
	}
	slices.Sort(dropped)
	b.logger.Warn("dropping unencodable context entries",
		slog.Any("keys", dropped),
		slog.String("error", err.Error()))

	if data, err = json.Marshal(ctx); err != nil {
		b.logger.Warn("sending empty context", slog.String("error", err.Error()))
		return json.RawMessage("{}")
	}
	return data
}

func toMessage(e *event.Event, anonID, currentUserID string, tagged bool) message {
	m := message{
		AnonymousID: anonID,
		MessageID:   MessageID(anonID, e),
		Timestamp:   e.Timestamp().UTC().Format(TimestampFormat),
		UserID:      e.UserID(),
		Properties:  e.Properties(),
		Traits:      e.UserTraits(),
	}
	if m.UserID == "" {
		m.UserID = currentUserID
	}
	if tagged {
		m.Type = e.Type().String()
	}

	switch e.Type() {
	case event.TypeIdentify:
		m.UserID = e.Name()
	case event.TypeAlias:
		m.PreviousID = e.Name()
	case event.TypeGroup:
		m.GroupID = e.Name()
	case event.TypeTrack:
		m.Event = e.Name()
	case event.TypeScreen:
		m.Name = e.Name()
		m.Category = e.Category()
	}
	return m
}
