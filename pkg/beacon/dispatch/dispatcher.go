package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	bcerrors "github.com/randalmurphal/beacon/pkg/beacon/errors"
	"github.com/randalmurphal/beacon/pkg/beacon/event"
	"github.com/randalmurphal/beacon/pkg/beacon/observability"
	"github.com/randalmurphal/beacon/pkg/beacon/payload"
	"github.com/randalmurphal/beacon/pkg/beacon/store"
	"github.com/randalmurphal/beacon/pkg/beacon/transport"
)

// Sentinel errors for dispatcher operations.
var (
	// ErrNotInitialized indicates a dispatcher without a store.
	ErrNotInitialized = errors.New("dispatcher not initialized")

	// ErrInvalidEvent indicates an event that violates its type's rules.
	ErrInvalidEvent = store.ErrInvalidEvent

	// ErrAlreadyRunning is returned by Start on a running dispatcher.
	ErrAlreadyRunning = errors.New("dispatcher already running")

	// ErrNotRunning is returned by FlushContext before Start.
	ErrNotRunning = errors.New("dispatcher not running")

	// ErrRequestNotBuilt is returned by FlushContext when a request body
	// could not be assembled during the flush. The affected events stay
	// queued for retry.
	ErrRequestNotBuilt = errors.New("request body not built, events kept for retry")
)

// Store is the durable side of the queue.
type Store interface {
	AddPendingEvent(e *event.Event) error
	RemovePendingEvents(events []*event.Event) (int, error)
	PendingEvents() []*event.Event
}

// Encoder turns events into request bodies.
type Encoder interface {
	Single(e *event.Event) (*payload.Request, error)
	Batch(events []*event.Event) (*payload.Request, error)
}

// Config configures a Dispatcher.
type Config struct {
	// BatchMode sends events through the batch endpoint.
	BatchMode bool

	// MaxQueueSize is the batch size; a batch is sent as soon as this many
	// events are queued. Only used in batch mode. Default: 20
	MaxQueueSize int

	// RetryDelay is how long a failed event waits before another attempt.
	// Default: 30s
	RetryDelay time.Duration

	// SaturatedInterval is the loop period while a full batch is waiting.
	// Default: 20ms
	SaturatedInterval time.Duration

	// InFlightInterval is the loop period while transfers are outstanding.
	// Default: 100ms
	InFlightInterval time.Duration

	// MaxFailedRecords bounds the in-memory retry list. The oldest record
	// is evicted on overflow; its events stay in the store. Default: 1000
	MaxFailedRecords int

	// DeliveredCacheSize is how many delivered ids are remembered so a
	// duplicate queue entry is never sent twice. Default: 4096
	DeliveredCacheSize int

	// Logger receives delivery logs. Default: slog.Default()
	Logger *slog.Logger

	// Metrics records delivery metrics. Default: no-op
	Metrics observability.MetricsRecorder

	// Spans traces transfers. Default: no-op
	Spans observability.SpanManager
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	BatchMode:          true,
	MaxQueueSize:       20,
	RetryDelay:         30 * time.Second,
	SaturatedInterval:  20 * time.Millisecond,
	InFlightInterval:   100 * time.Millisecond,
	MaxFailedRecords:   1000,
	DeliveredCacheSize: 4096,
}

// State is the loop's current phase, for diagnostics.
type State int

const (
	StateStopped State = iota
	StateIdle
	StateCollecting
	StateSending
	StateRetrying
	StateStopping
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateSending:
		return "sending"
	case StateRetrying:
		return "retrying"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of the dispatcher's counters.
type Stats struct {
	Queued    int
	InFlight  int
	Failed    int
	Delivered uint64
	Dropped   uint64
	Retried   uint64
}

// failedRecord is one failed transfer awaiting its retry time.
type failedRecord struct {
	events     []*event.Event
	retryAfter time.Time
}

// inflight tracks what a transfer carries.
type inflight struct {
	span   trace.Span
	events []*event.Event
}

// drainSignal releases Flush callers. err is set before ch is closed.
type drainSignal struct {
	ch  chan struct{}
	err error
}

// Dispatcher delivers queued events in the background.
//
// All bookkeeping happens under one mutex on the loop goroutine; network
// I/O runs on transport goroutines that complete Transfers and wake the
// loop. Dispatcher is safe for concurrent use.
type Dispatcher struct {
	cfg     Config
	store   Store
	encoder Encoder
	sender  transport.Sender
	logger  *slog.Logger

	wake chan struct{}

	mu             sync.Mutex
	queue          []*event.Event
	failed         []*failedRecord
	transfers      map[*transport.Transfer]*inflight
	sending        map[uint64]struct{}
	delivered      *lru.Cache[uint64, struct{}]
	flushRequested bool
	stopRequested  bool
	running        bool
	state          State
	drain          *drainSignal
	buildFailed    bool
	done           chan struct{}
	stats          Stats
}

// New creates a stopped Dispatcher. Events may be queued before Start;
// they wait in the queue and the store.
func New(st Store, enc Encoder, sender transport.Sender, cfg Config) (*Dispatcher, error) {
	if enc == nil || sender == nil {
		return nil, errors.New("dispatch: encoder and sender are required")
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultConfig.MaxQueueSize
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig.RetryDelay
	}
	if cfg.SaturatedInterval <= 0 {
		cfg.SaturatedInterval = DefaultConfig.SaturatedInterval
	}
	if cfg.InFlightInterval <= 0 {
		cfg.InFlightInterval = DefaultConfig.InFlightInterval
	}
	if cfg.MaxFailedRecords <= 0 {
		cfg.MaxFailedRecords = DefaultConfig.MaxFailedRecords
	}
	if cfg.DeliveredCacheSize <= 0 {
		cfg.DeliveredCacheSize = DefaultConfig.DeliveredCacheSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}

	delivered, err := lru.New[uint64, struct{}](cfg.DeliveredCacheSize)
	if err != nil {
		return nil, err
	}

	return &Dispatcher{
		cfg:       cfg,
		store:     st,
		encoder:   enc,
		sender:    sender,
		logger:    observability.EnrichLogger(cfg.Logger, "dispatcher", cfg.BatchMode),
		wake:      make(chan struct{}, 1),
		transfers: make(map[*transport.Transfer]*inflight),
		sending:   make(map[uint64]struct{}),
		delivered: delivered,
	}, nil
}

// QueueEvent persists e and queues it for delivery.
func (d *Dispatcher) QueueEvent(e *event.Event) error {
	if d.store == nil {
		return ErrNotInitialized
	}
	if e == nil || !e.IsValid() {
		return ErrInvalidEvent
	}
	if err := d.store.AddPendingEvent(e); err != nil {
		return err
	}

	d.mu.Lock()
	d.queue = append(d.queue, e)
	d.mu.Unlock()

	d.cfg.Metrics.RecordQueued(context.Background(), e.Type().String())
	d.signal()
	return nil
}

// Start loads pending events from the store and launches the loop.
// Cancelling ctx stops the loop as Stop would.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.store == nil {
		return ErrNotInitialized
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrAlreadyRunning
	}
	d.queue = d.store.PendingEvents()
	d.running = true
	d.stopRequested = false
	d.flushRequested = false
	d.state = StateIdle
	d.done = make(chan struct{})

	observability.LogDispatcherStart(d.logger, len(d.queue))
	go d.loop(ctx, d.done)
	d.signal()
	return nil
}

// Stop terminates the loop and waits for it. In-flight transfers are
// aborted and the in-memory queue is dropped; the store is untouched, so a
// later Start resumes delivery. Stop is idempotent.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	done := d.done
	if d.running {
		d.stopRequested = true
		d.state = StateStopping
	}
	d.mu.Unlock()

	if done == nil {
		return nil
	}
	d.signal()
	<-done
	return nil
}

// Flush asks the loop to send everything now and, when timeout > 0, waits
// until no transfer is outstanding. It returns false when the dispatcher
// is not running, a request could not be built, or the timeout elapses
// first.
func (d *Dispatcher) Flush(timeout time.Duration) bool {
	if timeout <= 0 {
		err := d.requestFlush(nil)
		return err == nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return d.FlushContext(ctx) == nil
}

// FlushContext is Flush bounded by ctx instead of a timeout.
func (d *Dispatcher) FlushContext(ctx context.Context) error {
	var sig *drainSignal
	if err := d.requestFlush(&sig); err != nil {
		return err
	}
	if sig == nil {
		return nil
	}
	select {
	case <-sig.ch:
		return sig.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requestFlush sets the flush flag. When out is non-nil and there is
// outstanding work, *out receives the signal to wait on.
func (d *Dispatcher) requestFlush(out **drainSignal) error {
	d.mu.Lock()
	if !d.running || d.stopRequested {
		d.mu.Unlock()
		return ErrNotRunning
	}
	if d.idleLocked() {
		d.mu.Unlock()
		return nil
	}
	d.flushRequested = true
	if out != nil {
		if d.drain == nil {
			d.drain = &drainSignal{ch: make(chan struct{})}
		}
		*out = d.drain
	}
	d.mu.Unlock()

	d.signal()
	return nil
}

// Running reports whether the loop is active.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// State returns the loop's current phase.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.stats
	s.Queued = len(d.queue)
	s.InFlight = len(d.transfers)
	for _, rec := range d.failed {
		s.Failed += len(rec.events)
	}
	return s
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) idleLocked() bool {
	return len(d.queue) == 0 && len(d.transfers) == 0 && len(d.failed) == 0
}

func (d *Dispatcher) saturatedLocked() bool {
	return d.cfg.BatchMode && len(d.queue) >= d.cfg.MaxQueueSize
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		wait, stop := d.iterate(ctx)
		if stop {
			return
		}

		var timer *time.Timer
		var timeout <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		select {
		case <-d.wake:
		case <-timeout:
		case <-ctx.Done():
			d.mu.Lock()
			d.stopRequested = true
			d.mu.Unlock()
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// iterate runs one loop pass. It returns how long to sleep (negative:
// until woken) and whether the loop must exit.
func (d *Dispatcher) iterate(ctx context.Context) (time.Duration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopRequested {
		d.shutdownLocked()
		return 0, true
	}

	now := time.Now()
	d.state = StateCollecting

	var toSend []*event.Event
	switch {
	case !d.cfg.BatchMode || d.flushRequested:
		toSend = d.queue
		d.queue = nil
	case len(d.queue) >= d.cfg.MaxQueueSize:
		n := d.cfg.MaxQueueSize
		toSend = append([]*event.Event(nil), d.queue[:n]...)
		d.queue = append([]*event.Event(nil), d.queue[n:]...)
	}

	kept := d.failed[:0]
	for _, rec := range d.failed {
		if d.flushRequested || !rec.retryAfter.After(now) {
			toSend = append(toSend, rec.events...)
			continue
		}
		kept = append(kept, rec)
	}
	for i := len(kept); i < len(d.failed); i++ {
		d.failed[i] = nil
	}
	d.failed = kept

	var resolved []*event.Event
	if len(toSend) > 0 {
		d.state = StateSending
		resolved = append(resolved, d.sendLocked(ctx, toSend)...)
	}
	d.flushRequested = false

	for tr, inf := range d.transfers {
		if !tr.Finished() {
			continue
		}
		delete(d.transfers, tr)
		resolved = append(resolved, d.resolveLocked(ctx, tr, inf, now)...)
	}

	if len(resolved) > 0 {
		done := observability.TimedOperation()
		removed, err := d.store.RemovePendingEvents(resolved)
		if err != nil {
			observability.LogStoreError(d.logger, "remove pending events", err)
		} else {
			d.logger.Debug("pending events removed",
				slog.Int("count", removed),
				slog.Float64("duration_ms", done()))
		}
	}

	if len(d.transfers) == 0 {
		var err error
		if d.buildFailed {
			err = ErrRequestNotBuilt
		}
		d.releaseDrainLocked(err)
		d.buildFailed = false
	}

	switch {
	case d.saturatedLocked():
		d.state = StateCollecting
		return d.cfg.SaturatedInterval, false
	case len(d.transfers) > 0:
		d.state = StateSending
		return d.cfg.InFlightInterval, false
	case len(d.failed) > 0:
		d.state = StateRetrying
		wait := d.cfg.RetryDelay
		for _, rec := range d.failed {
			if until := rec.retryAfter.Sub(now); until < wait {
				wait = until
			}
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		return wait, false
	default:
		d.state = StateIdle
		return -1, false
	}
}

// sendLocked issues requests for events and returns any that must be
// dropped because they cannot be encoded.
func (d *Dispatcher) sendLocked(ctx context.Context, events []*event.Event) []*event.Event {
	seen := make(map[uint64]struct{}, len(events))
	batch := events[:0:0]
	for _, e := range events {
		id := e.ID()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, busy := d.sending[id]; busy {
			continue
		}
		if d.delivered.Contains(id) {
			continue
		}
		batch = append(batch, e)
	}
	if len(batch) == 0 {
		return nil
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].ID() < batch[j].ID() })

	var dropped []*event.Event
	if d.cfg.BatchMode {
		req, err := d.encoder.Batch(batch)
		dropped = append(dropped, d.issueLocked(ctx, batch, req, err)...)
	} else {
		for _, e := range batch {
			req, err := d.encoder.Single(e)
			dropped = append(dropped, d.issueLocked(ctx, []*event.Event{e}, req, err)...)
		}
	}
	return dropped
}

// issueLocked starts a transfer for req, built from attempted. Events the
// encoder skipped are returned for removal. Events whose request could not
// be assembled are kept for retry.
func (d *Dispatcher) issueLocked(ctx context.Context, attempted []*event.Event, req *payload.Request, err error) []*event.Event {
	if req == nil {
		if err == nil {
			err = errors.New("encoder returned no request")
		}
		d.retryUnbuiltLocked("", attempted, err)
		return nil
	}
	for _, e := range req.Skipped {
		observability.LogEventSkipped(d.logger, e.ID(), "cannot be encoded")
		d.stats.Dropped++
	}
	if len(req.Events) == 0 {
		if err != nil {
			d.logger.Warn("request not sent", slog.String("endpoint", req.Endpoint), slog.String("error", err.Error()))
		}
		return req.Skipped
	}
	if err != nil {
		d.retryUnbuiltLocked(req.Endpoint, req.Events, err)
		return req.Skipped
	}

	spanCtx, span := d.cfg.Spans.StartTransferSpan(ctx, req.Endpoint, len(req.Events))
	tr := d.sender.Send(spanCtx, req)
	d.transfers[tr] = &inflight{span: span, events: req.Events}
	for _, e := range req.Events {
		d.sending[e.ID()] = struct{}{}
	}

	d.cfg.Metrics.RecordBatchSize(ctx, req.Endpoint, len(req.Events))
	observability.LogTransferStart(d.logger, req.Endpoint, len(req.Events),
		req.Events[0].ID(), req.Events[len(req.Events)-1].ID())

	go func() {
		<-tr.Done()
		d.signal()
	}()
	return req.Skipped
}

// retryUnbuiltLocked keeps events whose request body could not be built
// as a failed record, so they stay in the store and are tried again.
func (d *Dispatcher) retryUnbuiltLocked(endpoint string, events []*event.Event, err error) {
	if len(events) == 0 {
		return
	}
	d.buildFailed = true
	d.stats.Retried += uint64(len(events))
	retryAfter := time.Now().Add(d.cfg.RetryDelay)
	d.addFailedLocked(&failedRecord{events: events, retryAfter: retryAfter})
	observability.LogTransferRetry(d.logger, endpoint, len(events), 0, err, retryAfter)
}

// resolveLocked classifies a finished transfer and returns the events to
// remove from the store.
func (d *Dispatcher) resolveLocked(ctx context.Context, tr *transport.Transfer, inf *inflight, now time.Time) []*event.Event {
	endpoint := tr.Request.Endpoint
	resp, err := tr.Result()
	if err == nil {
		err = bcerrors.ResponseError(resp.StatusCode, endpoint, resp.Body)
	}
	outcome := bcerrors.Classify(err)
	n := len(inf.events)

	for _, e := range inf.events {
		delete(d.sending, e.ID())
	}
	retryAfter := now.Add(d.cfg.RetryDelay)
	if outcome == bcerrors.OutcomeRetry {
		d.cfg.Spans.AddSpanEvent(trace.ContextWithSpan(ctx, inf.span), "beacon.retry_scheduled",
			attribute.String("beacon.retry_after", retryAfter.UTC().Format(time.RFC3339Nano)))
	}
	d.cfg.Spans.EndTransferSpan(inf.span, outcome.String(), resp.StatusCode, err)
	d.cfg.Metrics.RecordTransfer(ctx, endpoint, outcome.String(), n, time.Since(tr.Started))

	switch outcome {
	case bcerrors.OutcomeDelivered:
		d.stats.Delivered += uint64(n)
		for _, e := range inf.events {
			d.delivered.Add(e.ID(), struct{}{})
		}
		observability.LogTransferComplete(d.logger, endpoint, n, float64(time.Since(tr.Started).Milliseconds()))
		return inf.events
	case bcerrors.OutcomeDrop:
		d.stats.Dropped += uint64(n)
		observability.LogTransferDropped(d.logger, endpoint, n, resp.StatusCode, string(resp.Body))
		return inf.events
	default:
		d.stats.Retried += uint64(n)
		d.addFailedLocked(&failedRecord{events: inf.events, retryAfter: retryAfter})
		observability.LogTransferRetry(d.logger, endpoint, n, resp.StatusCode, err, retryAfter)
		return nil
	}
}

func (d *Dispatcher) addFailedLocked(rec *failedRecord) {
	if len(d.failed) >= d.cfg.MaxFailedRecords {
		evicted := d.failed[0]
		d.failed[0] = nil
		d.failed = d.failed[1:]
		d.logger.Warn("failed-record list full, evicting oldest until restart",
			slog.Int("events", len(evicted.events)),
			slog.Uint64("first_event_id", evicted.events[0].ID()))
	}
	d.failed = append(d.failed, rec)
}

func (d *Dispatcher) releaseDrainLocked(err error) {
	if d.drain == nil {
		return
	}
	d.drain.err = err
	close(d.drain.ch)
	d.drain = nil
}

func (d *Dispatcher) shutdownLocked() {
	discarded := len(d.queue)
	for _, rec := range d.failed {
		discarded += len(rec.events)
	}
	aborted := len(d.transfers)
	for tr, inf := range d.transfers {
		tr.Abort()
		d.cfg.Spans.EndTransferSpan(inf.span, "aborted", 0, context.Canceled)
	}

	d.queue = nil
	d.failed = nil
	d.transfers = make(map[*transport.Transfer]*inflight)
	d.sending = make(map[uint64]struct{})
	d.flushRequested = false
	d.buildFailed = false
	d.releaseDrainLocked(ErrNotRunning)
	d.running = false
	d.state = StateStopped

	observability.LogDispatcherStop(d.logger, discarded, aborted)
}
