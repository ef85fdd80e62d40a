package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrMalformed indicates an event document could not be decoded.
var ErrMalformed = errors.New("malformed event document")

// document is the storage shape of an Event.
type document struct {
	ID         uint64     `json:"id"`
	Type       string     `json:"type"`
	Name       string     `json:"name"`
	Category   string     `json:"category,omitempty"`
	Timestamp  int64      `json:"timestamp"`
	UserID     string     `json:"userID,omitempty"`
	Properties Properties `json:"properties,omitempty"`
	UserTraits Properties `json:"userTraits,omitempty"`
}

var knownFields = map[string]bool{
	"id":         true,
	"type":       true,
	"name":       true,
	"category":   true,
	"timestamp":  true,
	"userID":     true,
	"properties": true,
	"userTraits": true,
}

var requiredFields = []string{"id", "type", "name", "timestamp"}

// MarshalJSON implements json.Marshaler. The id is a positive integer,
// the type its symbolic name and the timestamp epoch milliseconds.
func (e *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(document{
		ID:         e.id,
		Type:       e.typ.String(),
		Name:       e.name,
		Category:   e.category,
		Timestamp:  e.timestamp.UnixMilli(),
		UserID:     e.userID,
		Properties: e.properties,
		UserTraits: e.traits,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Unexpected fields are
// ignored; use Decode to learn which ones were present.
func (e *Event) UnmarshalJSON(data []byte) error {
	decoded, _, err := Decode(data)
	if err != nil {
		return err
	}
	*e = *decoded
	return nil
}

// Decode parses an event document. It fails when a required field is
// missing, the id is zero, the type is unknown, a key is invalid or the
// result violates the type's field rules. Field names the format does
// not define are returned as extras so the caller can log them.
func Decode(data []byte) (*Event, []string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return nil, nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	for _, name := range requiredFields {
		if _, ok := fields[name]; !ok {
			return nil, nil, fmt.Errorf("%w: missing field %q", ErrMalformed, name)
		}
	}

	var extras []string
	for name := range fields {
		if !knownFields[name] {
			extras = append(extras, name)
		}
	}
	sort.Strings(extras)

	dec := json.NewDecoder(bytes.NewReader(data))
	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, extras, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if doc.ID == 0 {
		return nil, extras, fmt.Errorf("%w: id must be positive", ErrMalformed)
	}
	typ, err := ParseType(doc.Type)
	if err != nil {
		return nil, extras, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for _, p := range []Properties{doc.Properties, doc.UserTraits} {
		for k := range p {
			if !ValidKey(k) {
				return nil, extras, fmt.Errorf("%w: invalid key %q", ErrMalformed, k)
			}
		}
	}

	e := &Event{
		id:         doc.ID,
		typ:        typ,
		name:       doc.Name,
		category:   doc.Category,
		timestamp:  time.UnixMilli(doc.Timestamp).UTC(),
		userID:     doc.UserID,
		properties: nonEmpty(doc.Properties),
		traits:     nonEmpty(doc.UserTraits),
	}
	if !e.IsValid() {
		return nil, extras, fmt.Errorf("%w: %s event violates field rules", ErrMalformed, typ)
	}
	return e, extras, nil
}

func nonEmpty(p Properties) Properties {
	if len(p) == 0 {
		return nil
	}
	return p
}
