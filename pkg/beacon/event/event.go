package event

import (
	"fmt"
	"strings"
	"time"
)

// Type is the kind of analytics event.
type Type int

// Event types. The zero Type is invalid.
const (
	TypeIdentify Type = iota + 1
	TypeAlias
	TypeGroup
	TypeTrack
	TypeScreen
)

// String returns the symbolic name used on the wire and in storage.
func (t Type) String() string {
	switch t {
	case TypeIdentify:
		return "identify"
	case TypeAlias:
		return "alias"
	case TypeGroup:
		return "group"
	case TypeTrack:
		return "track"
	case TypeScreen:
		return "screen"
	default:
		return "unknown"
	}
}

// ParseType returns the Type for a symbolic name.
func ParseType(name string) (Type, error) {
	switch name {
	case "identify":
		return TypeIdentify, nil
	case "alias":
		return TypeAlias, nil
	case "group":
		return TypeGroup, nil
	case "track":
		return TypeTrack, nil
	case "screen":
		return TypeScreen, nil
	default:
		return 0, fmt.Errorf("unknown event type %q", name)
	}
}

// Valid reports whether t is one of the defined types.
func (t Type) Valid() bool {
	return t >= TypeIdentify && t <= TypeScreen
}

// SupportsCategory reports whether events of this type carry a category.
func (t Type) SupportsCategory() bool {
	return t == TypeScreen
}

// SupportsProperties reports whether events of this type carry properties.
func (t Type) SupportsProperties() bool {
	return t == TypeTrack || t == TypeScreen
}

// SupportsTraits reports whether events of this type carry a user id and
// user traits.
func (t Type) SupportsTraits() bool {
	return t.Valid() && t != TypeAlias
}

// Event is a single analytics occurrence. Events are immutable after
// construction and safe to share between goroutines.
type Event struct {
	id         uint64
	typ        Type
	name       string
	category   string
	timestamp  time.Time
	userID     string
	properties Properties
	traits     Properties
}

// ID returns the process-unique, monotonically increasing identifier.
func (e *Event) ID() uint64 { return e.id }

// Type returns the event type.
func (e *Event) Type() Type { return e.typ }

// Name returns the event name. For identify, alias and group events this
// is the user id, previous user id and group id respectively.
func (e *Event) Name() string { return e.name }

// Category returns the screen category.
func (e *Event) Category() string { return e.category }

// Timestamp returns the capture time, truncated to milliseconds.
func (e *Event) Timestamp() time.Time { return e.timestamp }

// UserID returns the user id captured with the event.
func (e *Event) UserID() string { return e.userID }

// Properties returns a copy of the event properties.
func (e *Event) Properties() Properties { return e.properties.Clone() }

// UserTraits returns a copy of the user traits.
func (e *Event) UserTraits() Properties { return e.traits.Clone() }

// IsValid reports whether the event may be persisted and sent: the name
// is set and no field unsupported by the type is populated.
func (e *Event) IsValid() bool {
	if e == nil || !e.typ.Valid() || e.name == "" {
		return false
	}
	if e.category != "" && !e.typ.SupportsCategory() {
		return false
	}
	if len(e.properties) > 0 && !e.typ.SupportsProperties() {
		return false
	}
	if !e.typ.SupportsTraits() && (len(e.traits) > 0 || e.userID != "") {
		return false
	}
	return true
}

// Equal reports whether two events carry identical data.
func (e *Event) Equal(other *Event) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.id == other.id &&
		e.typ == other.typ &&
		e.name == other.name &&
		e.category == other.category &&
		e.timestamp.Equal(other.timestamp) &&
		e.userID == other.userID &&
		e.properties.Equal(other.properties) &&
		e.traits.Equal(other.traits)
}

// String returns a short description for logs.
func (e *Event) String() string {
	return fmt.Sprintf("%s#%d(%s)", e.typ, e.id, e.name)
}

// ValidKey reports whether a property or trait key is acceptable:
// non-empty and free of spaces and tabs.
func ValidKey(key string) bool {
	return key != "" && !strings.ContainsAny(key, " \t")
}

// IDSource hands out event identifiers. Implementations must return
// strictly increasing values starting at 1.
type IDSource interface {
	NextEventID() uint64
}

// Factory builds events of each kind, assigning identifiers from an
// IDSource. Fields a kind does not support are dropped silently, as are
// keys rejected by ValidKey.
type Factory struct {
	ids IDSource
	now func() time.Time
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithClock overrides the capture time source (default: time.Now).
func WithClock(now func() time.Time) FactoryOption {
	return func(f *Factory) {
		if now != nil {
			f.now = now
		}
	}
}

// NewFactory creates a Factory drawing identifiers from ids.
func NewFactory(ids IDSource, opts ...FactoryOption) *Factory {
	f := &Factory{ids: ids, now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Identify builds an identify event for userID with its traits.
func (f *Factory) Identify(userID string, traits Properties) *Event {
	return f.build(TypeIdentify, userID, "", nil, userID, traits)
}

// Alias builds an alias event linking previousUserID to the current user.
func (f *Factory) Alias(previousUserID string) *Event {
	return f.build(TypeAlias, previousUserID, "", nil, "", nil)
}

// Group builds a group event for groupID with the group traits.
func (f *Factory) Group(groupID string, traits Properties) *Event {
	return f.build(TypeGroup, groupID, "", nil, "", traits)
}

// Track builds a track event.
func (f *Factory) Track(name string, properties Properties, userID string, userTraits Properties) *Event {
	return f.build(TypeTrack, name, "", properties, userID, userTraits)
}

// Screen builds a screen event.
func (f *Factory) Screen(name, category string, properties Properties, userID string, userTraits Properties) *Event {
	return f.build(TypeScreen, name, category, properties, userID, userTraits)
}

func (f *Factory) build(typ Type, name, category string, properties Properties, userID string, traits Properties) *Event {
	e := &Event{
		id:        f.ids.NextEventID(),
		typ:       typ,
		name:      name,
		timestamp: f.now().UTC().Truncate(time.Millisecond),
	}
	if typ.SupportsCategory() {
		e.category = category
	}
	if typ.SupportsProperties() {
		e.properties = filterKeys(properties)
	}
	if typ.SupportsTraits() {
		e.userID = userID
		e.traits = filterKeys(traits)
	}
	return e
}

func filterKeys(p Properties) Properties {
	if len(p) == 0 {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		if ValidKey(k) {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
