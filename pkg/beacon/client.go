package beacon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/beacon/pkg/beacon/config"
	"github.com/randalmurphal/beacon/pkg/beacon/dispatch"
	"github.com/randalmurphal/beacon/pkg/beacon/event"
	"github.com/randalmurphal/beacon/pkg/beacon/observability"
	"github.com/randalmurphal/beacon/pkg/beacon/payload"
	"github.com/randalmurphal/beacon/pkg/beacon/store"
	"github.com/randalmurphal/beacon/pkg/beacon/transport"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("beacon: client closed")

// Lifecycle event names.
const (
	EventApplicationInstalled = "Application Installed"
	EventApplicationUpdated   = "Application Updated"
	EventApplicationOpened    = "Application Opened"
)

// Client records analytics events and delivers them in the background.
// Create one per process with New and share it.
type Client struct {
	settings   config.Settings
	logger     *slog.Logger
	store      *store.Store
	factory    *event.Factory
	dispatcher *dispatch.Dispatcher
	newAnonID  func() string

	mu               sync.Mutex
	closed           bool
	lifecycleTracked bool
}

// New validates settings, opens the event store and wires the dispatcher.
// Delivery begins with Start; events tracked before that are persisted
// and wait.
func New(settings config.Settings, opts ...Option) (*Client, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	cfg := clientConfig{
		logger:         slog.Default(),
		metrics:        observability.NoopMetrics{},
		spans:          observability.NoopSpanManager{},
		clock:          time.Now,
		newAnonymousID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	backend := cfg.backend
	if backend == nil {
		b, err := openBackend(settings)
		if err != nil {
			return nil, err
		}
		backend = b
	}

	st, err := store.Open(backend, settings.AppVersion, settings.AppBuild, store.WithLogger(cfg.logger))
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("open event store: %w", err)
	}

	c := &Client{
		settings:  settings,
		logger:    cfg.logger,
		store:     st,
		factory:   event.NewFactory(st, event.WithClock(cfg.clock)),
		newAnonID: cfg.newAnonymousID,
	}
	if err := c.ensureAnonymousID(); err != nil {
		st.Close()
		return nil, err
	}

	provider := cfg.contextProvider
	if provider == nil {
		provider = payload.NewStaticContext(payload.AppInfo{
			Name:      settings.AppName,
			Version:   settings.AppVersion,
			Build:     settings.AppBuild,
			Namespace: settings.AppPackage,
		})
	}
	builder := payload.NewBuilder(st,
		payload.WithContextProvider(provider),
		payload.WithIncludeIP(settings.IncludeIP),
		payload.WithIncludeGeolocation(settings.IncludeGeolocation),
		payload.WithLogger(cfg.logger),
	)

	sender := cfg.sender
	if sender == nil {
		tr, err := transport.New(transport.Config{
			APIBase:         settings.APIBase,
			WriteKey:        settings.WriteKey,
			Timeout:         settings.RequestTimeout,
			MaxConcurrent:   int64(settings.MaxConcurrentRequests),
			GzipRequests:    settings.GzipRequests,
			BreakerFailures: uint32(settings.BreakerFailures),
			BreakerCooldown: settings.BreakerCooldown,
			Client:          cfg.httpClient,
			Logger:          cfg.logger,
		})
		if err != nil {
			st.Close()
			return nil, err
		}
		sender = tr
	}

	d, err := dispatch.New(st, builder, sender, dispatch.Config{
		BatchMode:        settings.BatchMode,
		MaxQueueSize:     settings.MaxQueueSize,
		RetryDelay:       settings.RetryDelay,
		InFlightInterval: cfg.inFlightPoll,
		MaxFailedRecords: settings.MaxFailedRecords,
		Logger:           cfg.logger,
		Metrics:          cfg.metrics,
		Spans:            cfg.spans,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	c.dispatcher = d
	return c, nil
}

func openBackend(s config.Settings) (store.Backend, error) {
	switch s.StorageBackend {
	case config.StorageSQLite:
		return store.NewSQLiteBackend(s.StoragePath)
	default:
		return store.NewFileBackend(s.StoragePath)
	}
}

// ensureAnonymousID mints and persists an anonymous id if none is stored.
func (c *Client) ensureAnonymousID() error {
	if c.store.AnonymousID() != "" {
		return nil
	}
	if err := c.store.SetAnonymousID(c.newAnonID()); err != nil {
		return fmt.Errorf("persist anonymous id: %w", err)
	}
	return nil
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *Client) enqueue(e *event.Event) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.dispatcher.QueueEvent(e)
}

// Identify records userID as the current user and sends an identify event.
func (c *Client) Identify(userID string, traits event.Properties) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if userID == "" {
		return dispatch.ErrInvalidEvent
	}
	if err := c.store.SetUserData(userID, traits); err != nil {
		return err
	}
	return c.enqueue(c.factory.Identify(userID, traits))
}

// Alias links previousUserID to the current user.
func (c *Client) Alias(previousUserID string) error {
	return c.enqueue(c.factory.Alias(previousUserID))
}

// Group associates the current user with groupID.
func (c *Client) Group(groupID string, traits event.Properties) error {
	return c.enqueue(c.factory.Group(groupID, traits))
}

// Track records an action by the current user, or by the user given
// with WithUser.
func (c *Client) Track(name string, properties event.Properties, opts ...EventOption) error {
	o := applyEventOptions(opts)
	return c.enqueue(c.factory.Track(name, properties, o.userID, o.traits))
}

// Screen records a screen view. category may be empty.
func (c *Client) Screen(name, category string, properties event.Properties, opts ...EventOption) error {
	o := applyEventOptions(opts)
	return c.enqueue(c.factory.Screen(name, category, properties, o.userID, o.traits))
}

// Start begins background delivery. With track_lifecycle_events enabled
// the first Start of the process also records an install, update or open
// event.
func (c *Client) Start(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.dispatcher.Start(ctx); err != nil {
		return err
	}
	if c.settings.TrackLifecycleEvents {
		if err := c.trackLifecycle(); err != nil {
			c.logger.Warn("lifecycle event not recorded", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (c *Client) trackLifecycle() error {
	c.mu.Lock()
	if c.lifecycleTracked {
		c.mu.Unlock()
		return nil
	}
	c.lifecycleTracked = true
	c.mu.Unlock()

	props := event.Properties{
		"version": event.String(c.settings.AppVersion),
		"build":   event.String(c.settings.AppBuild),
	}
	switch {
	case c.store.FirstLaunch():
		return c.Track(EventApplicationInstalled, props)
	case c.store.WasUpdated():
		prevVersion, prevBuild := c.store.PreviousVersion()
		props["previous_version"] = event.String(prevVersion)
		props["previous_build"] = event.String(prevBuild)
		return c.Track(EventApplicationUpdated, props)
	default:
		props["session_number"] = event.Int(int64(c.store.SessionNumber()))
		return c.Track(EventApplicationOpened, props)
	}
}

// Flush sends everything pending and waits up to timeout for it to
// finish. It returns false before Start or when the timeout elapses.
func (c *Client) Flush(timeout time.Duration) bool {
	if c.checkOpen() != nil {
		return false
	}
	return c.dispatcher.Flush(timeout)
}

// Stop halts background delivery. Pending events stay in the store.
func (c *Client) Stop() error {
	return c.dispatcher.Stop()
}

// Reset forgets the current user and discards pending events, then mints
// a new anonymous id. A running dispatcher is restarted on the new state.
func (c *Client) Reset(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	wasRunning := c.dispatcher.Running()
	if err := c.dispatcher.Stop(); err != nil {
		return err
	}
	if err := c.store.Reset(); err != nil {
		return err
	}
	if err := c.ensureAnonymousID(); err != nil {
		return err
	}
	if wasRunning {
		return c.dispatcher.Start(ctx)
	}
	return nil
}

// Close stops delivery and closes the store. Undelivered events are kept
// for the next process.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	stopErr := c.dispatcher.Stop()
	closeErr := c.store.Close()
	return errors.Join(stopErr, closeErr)
}

// AnonymousID returns the device-level identifier sent with every event.
func (c *Client) AnonymousID() string {
	return c.store.AnonymousID()
}

// UserID returns the identified user, or "".
func (c *Client) UserID() string {
	return c.store.UserID()
}

// PendingEvents returns events persisted but not yet delivered, by id.
func (c *Client) PendingEvents() []*event.Event {
	return c.store.PendingEvents()
}

// Stats returns the dispatcher's counters.
func (c *Client) Stats() dispatch.Stats {
	return c.dispatcher.Stats()
}

// SessionNumber counts process starts against this store.
func (c *Client) SessionNumber() uint64 {
	return c.store.SessionNumber()
}
