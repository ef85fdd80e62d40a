package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/beacon/pkg/beacon/event"
)

const (
	fileType      = "beacon-event-store"
	formatVersion = "1"
)

// record is the persisted form of the store.
type record struct {
	FileType                   string            `json:"fileType"`
	Version                    string            `json:"version"`
	FirstApplicationLaunch     bool              `json:"firstApplicationLaunch"`
	FirstLaunchTime            time.Time         `json:"firstLaunchTime"`
	SessionNumber              uint64            `json:"sessionNumber"`
	PreviousApplicationVersion string            `json:"previousApplicationVersion"`
	PreviousApplicationBuild   string            `json:"previousApplicationBuild"`
	AnonymousID                string            `json:"anonymousID,omitempty"`
	UserID                     string            `json:"userID,omitempty"`
	UserTraits                 event.Properties  `json:"userTraits,omitempty"`
	NextEventID                uint64            `json:"nextEventID"`
	PendingEvents              []json.RawMessage `json:"pendingEvents"`
}

// Store is the durable record of identity, session bookkeeping and events
// not yet delivered. Every mutation is written through to the Backend before
// the call returns.
//
// Store is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
	closed  bool

	firstLaunchAt   time.Time
	firstLaunch     bool
	wasUpdated      bool
	sessionNumber   uint64
	previousVersion string
	previousBuild   string
	appVersion      string
	appBuild        string

	anonymousID string
	userID      string
	userTraits  event.Properties

	nextEventID uint64
	pending     map[uint64]*event.Event
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for skipped or malformed records.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the time source for the first-launch timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open loads the store from backend, or initialises a fresh record on the
// first run. The session number is incremented and the result persisted
// before Open returns. A record that exists but cannot be decoded fails
// with ErrCorrupt.
func Open(backend Backend, appVersion, appBuild string, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("store: nil backend")
	}
	s := &Store{
		backend:    backend,
		logger:     slog.Default(),
		now:        time.Now,
		appVersion: appVersion,
		appBuild:   appBuild,
		pending:    make(map[uint64]*event.Event),
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := backend.Load()
	switch {
	case errors.Is(err, ErrNotFound):
		s.firstLaunch = true
		s.firstLaunchAt = s.now().UTC()
		s.nextEventID = 1
	case err != nil:
		return nil, fmt.Errorf("load event store: %w", err)
	default:
		if err := s.restore(data); err != nil {
			return nil, err
		}
	}

	s.sessionNumber++
	s.wasUpdated = !s.firstLaunch &&
		(s.previousVersion != appVersion || s.previousBuild != appBuild)

	if err := s.saveLocked(); err != nil {
		return nil, fmt.Errorf("persist event store: %w", err)
	}
	return s, nil
}

func (s *Store) restore(data []byte) error {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if rec.FileType != fileType {
		return fmt.Errorf("%w: unexpected file type %q", ErrCorrupt, rec.FileType)
	}
	if rec.Version != formatVersion {
		return fmt.Errorf("%w: unsupported version %q", ErrCorrupt, rec.Version)
	}

	s.firstLaunchAt = rec.FirstLaunchTime
	s.sessionNumber = rec.SessionNumber
	s.previousVersion = rec.PreviousApplicationVersion
	s.previousBuild = rec.PreviousApplicationBuild
	s.anonymousID = rec.AnonymousID
	s.userID = rec.UserID
	s.userTraits = rec.UserTraits.Clone()
	s.nextEventID = rec.NextEventID

	var maxID uint64
	for i, raw := range rec.PendingEvents {
		e, extras, err := event.Decode(raw)
		if err != nil {
			s.logger.Warn("skipping malformed pending event",
				slog.Int("index", i),
				slog.String("error", err.Error()))
			continue
		}
		if len(extras) > 0 {
			s.logger.Warn("pending event has unexpected fields",
				slog.Uint64("event_id", e.ID()),
				slog.Any("fields", extras))
		}
		if _, dup := s.pending[e.ID()]; dup {
			s.logger.Warn("skipping duplicate pending event", slog.Uint64("event_id", e.ID()))
			continue
		}
		s.pending[e.ID()] = e
		if e.ID() > maxID {
			maxID = e.ID()
		}
	}

	if s.nextEventID <= maxID {
		s.nextEventID = maxID + 1
	}
	if s.nextEventID == 0 {
		s.nextEventID = 1
	}
	return nil
}

// saveLocked serialises the current state and writes it to the backend.
// Callers must hold s.mu.
func (s *Store) saveLocked() error {
	rec := record{
		FileType:                   fileType,
		Version:                    formatVersion,
		FirstApplicationLaunch:     s.firstLaunch,
		FirstLaunchTime:            s.firstLaunchAt,
		SessionNumber:              s.sessionNumber,
		PreviousApplicationVersion: s.appVersion,
		PreviousApplicationBuild:   s.appBuild,
		AnonymousID:                s.anonymousID,
		UserID:                     s.userID,
		UserTraits:                 s.userTraits,
		NextEventID:                s.nextEventID,
		PendingEvents:              make([]json.RawMessage, 0, len(s.pending)),
	}
	for _, e := range s.sortedPendingLocked() {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", e.ID(), err)
		}
		rec.PendingEvents = append(rec.PendingEvents, raw)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode event store: %w", err)
	}
	return s.backend.Save(data)
}

func (s *Store) sortedPendingLocked() []*event.Event {
	out := make([]*event.Event, 0, len(s.pending))
	for _, e := range s.pending {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// NextEventID returns the next id of the durable sequence. The advanced
// counter is persisted with the next mutation, and ids are never reused for
// an event that reached the store.
func (s *Store) NextEventID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextEventID
	s.nextEventID++
	return id
}

// SetUserData records the current user and their traits.
func (s *Store) SetUserData(userID string, traits event.Properties) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.userID = userID
	s.userTraits = traits.Clone()
	return s.saveLocked()
}

// SetAnonymousID records the device-level anonymous identifier.
func (s *Store) SetAnonymousID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.anonymousID = id
	return s.saveLocked()
}

// AddPendingEvent stores e until it is removed by RemovePendingEvents.
func (s *Store) AddPendingEvent(e *event.Event) error {
	if e == nil || !e.IsValid() {
		return ErrInvalidEvent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.pending[e.ID()]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateEvent, e.ID())
	}
	s.pending[e.ID()] = e
	if e.ID() >= s.nextEventID {
		s.nextEventID = e.ID() + 1
	}
	if err := s.saveLocked(); err != nil {
		delete(s.pending, e.ID())
		return err
	}
	return nil
}

// RemovePendingEvents removes events by id and returns how many were
// present. Ids not pending are ignored.
func (s *Store) RemovePendingEvents(events []*event.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	removed := 0
	for _, e := range events {
		if e == nil {
			continue
		}
		if _, ok := s.pending[e.ID()]; ok {
			delete(s.pending, e.ID())
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.saveLocked(); err != nil {
		return removed, err
	}
	return removed, nil
}

// PendingEvents returns the pending events sorted by ascending id.
func (s *Store) PendingEvents() []*event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedPendingLocked()
}

// PendingCount returns the number of pending events.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Reset forgets the user, the anonymous id and every pending event.
// The id counter and session bookkeeping are kept.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.anonymousID = ""
	s.userID = ""
	s.userTraits = nil
	s.pending = make(map[uint64]*event.Event)
	return s.saveLocked()
}

// AnonymousID returns the stored anonymous id, or "" if none was set.
func (s *Store) AnonymousID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anonymousID
}

// UserID returns the current user id.
func (s *Store) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// UserTraits returns a copy of the current user's traits.
func (s *Store) UserTraits() event.Properties {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userTraits.Clone()
}

// SessionNumber counts opens, starting at 1.
func (s *Store) SessionNumber() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionNumber
}

// FirstLaunch reports whether this open created the record.
func (s *Store) FirstLaunch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstLaunch
}

// FirstLaunchTime returns when the record was created.
func (s *Store) FirstLaunchTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstLaunchAt
}

// WasUpdated reports whether the application version or build differs from
// the previous session's.
func (s *Store) WasUpdated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wasUpdated
}

// PreviousVersion returns the version and build recorded by the previous
// session. Both are empty on first launch.
func (s *Store) PreviousVersion() (version, build string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previousVersion, s.previousBuild
}

// Close persists nothing further and closes the backend. Subsequent
// mutations return ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.backend.Close()
}
