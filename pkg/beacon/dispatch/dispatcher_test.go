package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/beacon/pkg/beacon/dispatch"
	"github.com/randalmurphal/beacon/pkg/beacon/event"
	"github.com/randalmurphal/beacon/pkg/beacon/observability"
	"github.com/randalmurphal/beacon/pkg/beacon/payload"
	"github.com/randalmurphal/beacon/pkg/beacon/store"
	"github.com/randalmurphal/beacon/pkg/beacon/transport"
)

// reply scripts one response. hold leaves the transfer pending until aborted.
type reply struct {
	status int
	err    error
	hold   bool
}

// fakeSender records requests and answers them from a script.
type fakeSender struct {
	mu       sync.Mutex
	requests []*payload.Request
	respond  func(call int, req *payload.Request) reply
}

func (f *fakeSender) Send(_ context.Context, req *payload.Request) *transport.Transfer {
	f.mu.Lock()
	call := len(f.requests)
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()

	r := reply{status: http.StatusOK}
	if respond != nil {
		r = respond(call, req)
	}
	tr := transport.NewTransfer(req, nil)
	if r.hold {
		return tr
	}
	go tr.Complete(transport.Response{StatusCode: r.status}, r.err)
	return tr
}

func (f *fakeSender) setRespond(fn func(call int, req *payload.Request) reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

func (f *fakeSender) sent() []*payload.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*payload.Request(nil), f.requests...)
}

// attempts counts how many requests carried an event with the given name.
func (f *fakeSender) attempts(name string) int {
	n := 0
	for _, req := range f.sent() {
		for _, e := range req.Events {
			if e.Name() == name {
				n++
			}
		}
	}
	return n
}

func ids(events []*event.Event) []uint64 {
	out := make([]uint64, len(events))
	for i, e := range events {
		out[i] = e.ID()
	}
	return out
}

type harness struct {
	store   *store.Store
	factory *event.Factory
	sender  *fakeSender
	d       *dispatch.Dispatcher
}

func newHarness(t *testing.T, cfg dispatch.Config) *harness {
	t.Helper()
	return newHarnessWithEncoder(t, cfg, nil)
}

// newHarnessWithEncoder lets wrap replace the default payload builder,
// which is built with opts.
func newHarnessWithEncoder(t *testing.T, cfg dispatch.Config, wrap func(*payload.Builder) dispatch.Encoder, opts ...payload.Option) *harness {
	t.Helper()
	st, err := store.Open(store.NewMemoryBackend(), "1.0", "1")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sender := &fakeSender{}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.InFlightInterval == 0 {
		cfg.InFlightInterval = 10 * time.Millisecond
	}
	var enc dispatch.Encoder = payload.NewBuilder(st, opts...)
	if wrap != nil {
		enc = wrap(payload.NewBuilder(st, opts...))
	}
	d, err := dispatch.New(st, enc, sender, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { d.Stop() })

	return &harness{store: st, factory: event.NewFactory(st), sender: sender, d: d}
}

func (h *harness) track(t *testing.T, name string) *event.Event {
	t.Helper()
	e := h.factory.Track(name, nil, "", nil)
	require.NoError(t, h.d.QueueEvent(e))
	return e
}

func TestSingleMode_DeliversAndRemoves(t *testing.T) {
	h := newHarness(t, dispatch.Config{BatchMode: false})
	h.track(t, "Opened")

	require.NoError(t, h.d.Start(context.Background()))
	assert.True(t, h.d.Flush(2*time.Second))

	assert.Eventually(t, func() bool { return h.store.PendingCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	reqs := h.sender.sent()
	require.Len(t, reqs, 1)
	assert.Equal(t, "track", reqs[0].Endpoint)
	assert.Equal(t, uint64(1), h.d.Stats().Delivered)
}

func TestRetry_FailFailSucceed(t *testing.T) {
	h := newHarness(t, dispatch.Config{BatchMode: false, RetryDelay: 20 * time.Millisecond})
	h.sender.setRespond(func(call int, _ *payload.Request) reply {
		if call < 2 {
			return reply{status: http.StatusInternalServerError}
		}
		return reply{status: http.StatusOK}
	})

	e := h.track(t, "Purchase")
	require.NoError(t, h.d.Start(context.Background()))

	assert.Eventually(t, func() bool { return h.store.PendingCount() == 0 }, 3*time.Second, 5*time.Millisecond)
	reqs := h.sender.sent()
	require.Len(t, reqs, 3)
	for _, req := range reqs {
		assert.Equal(t, []uint64{e.ID()}, ids(req.Events), "same event every attempt")
	}
	stats := h.d.Stats()
	assert.Equal(t, uint64(2), stats.Retried)
	assert.Equal(t, uint64(1), stats.Delivered)
}

func TestRetry_ConnectionFailure(t *testing.T) {
	h := newHarness(t, dispatch.Config{BatchMode: false, RetryDelay: 10 * time.Millisecond})
	h.sender.setRespond(func(call int, _ *payload.Request) reply {
		if call == 0 {
			return reply{err: errors.New("connection refused")}
		}
		return reply{status: http.StatusOK}
	})

	h.track(t, "Offline")
	require.NoError(t, h.d.Start(context.Background()))

	assert.Eventually(t, func() bool { return h.store.PendingCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, h.sender.sent(), 2)
}

func TestBatchMode_AdmitsFullBatchesThenFlushesRemainder(t *testing.T) {
	h := newHarness(t, dispatch.Config{BatchMode: true, MaxQueueSize: 3})
	var all []*event.Event
	for i := 0; i < 5; i++ {
		all = append(all, h.track(t, "Tick"))
	}

	require.NoError(t, h.d.Start(context.Background()))
	assert.Eventually(t, func() bool { return h.store.PendingCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	reqs := h.sender.sent()
	require.Len(t, reqs, 1)
	assert.Equal(t, payload.EndpointBatch, reqs[0].Endpoint)
	assert.Equal(t, ids(all[:3]), ids(reqs[0].Events))

	require.True(t, h.d.Flush(2*time.Second))
	reqs = h.sender.sent()
	require.Len(t, reqs, 2)
	assert.Equal(t, ids(all[3:]), ids(reqs[1].Events))
	assert.Eventually(t, func() bool { return h.store.PendingCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBatchMode_BelowThresholdWaits(t *testing.T) {
	h := newHarness(t, dispatch.Config{BatchMode: true, MaxQueueSize: 10})
	require.NoError(t, h.d.Start(context.Background()))
	h.track(t, "A")
	h.track(t, "B")

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.sender.sent())
	assert.Equal(t, 2, h.d.Stats().Queued)
	assert.Equal(t, dispatch.StateIdle, h.d.State())
}

func TestTerminalVersusRetryable(t *testing.T) {
	const delay = 20 * time.Millisecond
	h := newHarness(t, dispatch.Config{BatchMode: false, RetryDelay: delay})

	var mu sync.Mutex
	flakyCalls := 0
	h.sender.setRespond(func(_ int, req *payload.Request) reply {
		switch req.Events[0].Name() {
		case "Rejected":
			return reply{status: http.StatusUnprocessableEntity}
		default:
			mu.Lock()
			defer mu.Unlock()
			flakyCalls++
			if flakyCalls == 1 {
				return reply{status: http.StatusInternalServerError}
			}
			return reply{status: http.StatusOK}
		}
	})

	h.track(t, "Rejected")
	h.track(t, "Flaky")
	require.NoError(t, h.d.Start(context.Background()))

	assert.Eventually(t, func() bool { return h.store.PendingCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(5 * delay)

	assert.Equal(t, 1, h.sender.attempts("Rejected"), "terminal status is never retried")
	assert.Equal(t, 2, h.sender.attempts("Flaky"), "retryable status is retried exactly once before success")
	stats := h.d.Stats()
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, uint64(1), stats.Retried)
	assert.Equal(t, uint64(1), stats.Delivered)
}

func TestFlush(t *testing.T) {
	t.Run("false before start", func(t *testing.T) {
		h := newHarness(t, dispatch.Config{})
		h.track(t, "Early")
		assert.False(t, h.d.Flush(10*time.Millisecond))
		assert.ErrorIs(t, h.d.FlushContext(context.Background()), dispatch.ErrNotRunning)
	})

	t.Run("true immediately when idle", func(t *testing.T) {
		h := newHarness(t, dispatch.Config{})
		require.NoError(t, h.d.Start(context.Background()))
		start := time.Now()
		assert.True(t, h.d.Flush(time.Second))
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("times out while a transfer hangs", func(t *testing.T) {
		h := newHarness(t, dispatch.Config{BatchMode: false})
		h.sender.setRespond(func(int, *payload.Request) reply { return reply{hold: true} })
		h.track(t, "Stuck")
		require.NoError(t, h.d.Start(context.Background()))

		start := time.Now()
		assert.False(t, h.d.Flush(50*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
		assert.Equal(t, 1, h.d.Stats().InFlight)
	})

	t.Run("batch mode sends partial batch", func(t *testing.T) {
		h := newHarness(t, dispatch.Config{BatchMode: true, MaxQueueSize: 50})
		require.NoError(t, h.d.Start(context.Background()))
		h.track(t, "One")
		h.track(t, "Two")

		assert.True(t, h.d.Flush(2*time.Second))
		reqs := h.sender.sent()
		require.Len(t, reqs, 1)
		assert.Len(t, reqs[0].Events, 2)
	})

	t.Run("flush admits failed records early", func(t *testing.T) {
		h := newHarness(t, dispatch.Config{BatchMode: false, RetryDelay: time.Hour})
		h.sender.setRespond(func(call int, _ *payload.Request) reply {
			if call == 0 {
				return reply{status: http.StatusServiceUnavailable}
			}
			return reply{status: http.StatusOK}
		})
		h.track(t, "Later")
		require.NoError(t, h.d.Start(context.Background()))
		assert.Eventually(t, func() bool { return h.d.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)

		assert.True(t, h.d.Flush(2*time.Second))
		assert.Len(t, h.sender.sent(), 2)
		assert.Eventually(t, func() bool { return h.store.PendingCount() == 0 }, time.Second, 5*time.Millisecond)
	})
}

func TestStopStart_ResumesFromStore(t *testing.T) {
	h := newHarness(t, dispatch.Config{BatchMode: false})
	h.sender.setRespond(func(int, *payload.Request) reply { return reply{hold: true} })

	e := h.track(t, "Survivor")
	require.NoError(t, h.d.Start(context.Background()))
	assert.Eventually(t, func() bool { return h.d.Stats().InFlight == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.d.Stop())
	require.NoError(t, h.d.Stop(), "stop is idempotent")
	assert.False(t, h.d.Running())
	assert.Equal(t, dispatch.StateStopped, h.d.State())
	stats := h.d.Stats()
	assert.Zero(t, stats.InFlight)
	assert.Zero(t, stats.Queued)
	assert.Equal(t, 1, h.store.PendingCount(), "aborted events stay in the store")

	h.sender.setRespond(nil)
	require.NoError(t, h.d.Start(context.Background()))
	assert.True(t, h.d.Flush(2*time.Second))
	assert.Eventually(t, func() bool { return h.store.PendingCount() == 0 }, time.Second, 5*time.Millisecond)

	reqs := h.sender.sent()
	require.Len(t, reqs, 2)
	assert.Equal(t, []uint64{e.ID()}, ids(reqs[1].Events))
}

func TestStart_Errors(t *testing.T) {
	h := newHarness(t, dispatch.Config{})
	require.NoError(t, h.d.Start(context.Background()))
	assert.ErrorIs(t, h.d.Start(context.Background()), dispatch.ErrAlreadyRunning)

	d, err := dispatch.New(nil, payload.NewBuilder(nil), &fakeSender{}, dispatch.Config{})
	require.NoError(t, err)
	assert.ErrorIs(t, d.Start(context.Background()), dispatch.ErrNotInitialized)
	assert.ErrorIs(t, d.QueueEvent(h.factory.Track("X", nil, "", nil)), dispatch.ErrNotInitialized)
	assert.NoError(t, d.Stop())

	_, err = dispatch.New(nil, nil, nil, dispatch.Config{})
	assert.Error(t, err)
}

func TestContextCancelStopsLoop(t *testing.T) {
	h := newHarness(t, dispatch.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.d.Start(ctx))

	cancel()
	assert.Eventually(t, func() bool { return !h.d.Running() }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.d.Stop())
	require.NoError(t, h.d.Start(context.Background()), "restart after cancellation")
}

func TestQueueEvent_Invalid(t *testing.T) {
	h := newHarness(t, dispatch.Config{})
	assert.ErrorIs(t, h.d.QueueEvent(nil), dispatch.ErrInvalidEvent)
	assert.ErrorIs(t, h.d.QueueEvent(&event.Event{}), dispatch.ErrInvalidEvent)
	assert.Zero(t, h.store.PendingCount())

	e := h.track(t, "Once")
	assert.ErrorIs(t, h.d.QueueEvent(e), store.ErrDuplicateEvent)
}

// skippingEncoder reports events with a given name as unencodable.
type skippingEncoder struct {
	*payload.Builder
	skip string
}

func (s skippingEncoder) Batch(events []*event.Event) (*payload.Request, error) {
	var keep, skipped []*event.Event
	for _, e := range events {
		if e.Name() == s.skip {
			skipped = append(skipped, e)
			continue
		}
		keep = append(keep, e)
	}
	req, err := s.Builder.Batch(keep)
	req.Skipped = append(req.Skipped, skipped...)
	return req, err
}

func TestUnencodableEventIsDropped(t *testing.T) {
	h := newHarnessWithEncoder(t, dispatch.Config{BatchMode: true, MaxQueueSize: 2},
		func(b *payload.Builder) dispatch.Encoder { return skippingEncoder{Builder: b, skip: "Bad"} })
	good := h.track(t, "Good")
	h.track(t, "Bad")

	require.NoError(t, h.d.Start(context.Background()))
	assert.Eventually(t, func() bool { return h.store.PendingCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	reqs := h.sender.sent()
	require.Len(t, reqs, 1)
	assert.Equal(t, []uint64{good.ID()}, ids(reqs[0].Events))
	assert.Equal(t, uint64(1), h.d.Stats().Dropped)
}

func TestUnencodableContextKeepsEvents(t *testing.T) {
	badContext := payload.WithContextProvider(payload.ContextFunc(func() map[string]any {
		return map[string]any{
			"app":            map[string]any{"name": "Shop"},
			"screen_density": math.NaN(),
		}
	}))
	sentContext := func(t *testing.T, req *payload.Request) map[string]any {
		t.Helper()
		var body map[string]any
		require.NoError(t, json.Unmarshal(req.Body, &body))
		ctx, ok := body["context"].(map[string]any)
		require.True(t, ok)
		return ctx
	}

	t.Run("single", func(t *testing.T) {
		h := newHarnessWithEncoder(t, dispatch.Config{BatchMode: false}, nil, badContext)
		h.track(t, "Opened")

		require.NoError(t, h.d.Start(context.Background()))
		assert.True(t, h.d.Flush(2*time.Second))
		assert.Eventually(t, func() bool { return h.store.PendingCount() == 0 }, 2*time.Second, 5*time.Millisecond)

		reqs := h.sender.sent()
		require.Len(t, reqs, 1)
		ctx := sentContext(t, reqs[0])
		assert.NotContains(t, ctx, "screen_density")
		assert.Contains(t, ctx, "app")
		stats := h.d.Stats()
		assert.Zero(t, stats.Dropped)
		assert.Equal(t, uint64(1), stats.Delivered)
	})

	t.Run("batch", func(t *testing.T) {
		h := newHarnessWithEncoder(t, dispatch.Config{BatchMode: true, MaxQueueSize: 2}, nil, badContext)
		a := h.track(t, "A")
		b := h.track(t, "B")

		require.NoError(t, h.d.Start(context.Background()))
		assert.Eventually(t, func() bool { return h.store.PendingCount() == 0 }, 2*time.Second, 5*time.Millisecond)

		reqs := h.sender.sent()
		require.Len(t, reqs, 1)
		assert.Equal(t, ids([]*event.Event{a, b}), ids(reqs[0].Events))
		assert.NotContains(t, sentContext(t, reqs[0]), "screen_density")
		stats := h.d.Stats()
		assert.Zero(t, stats.Dropped)
		assert.Equal(t, uint64(2), stats.Delivered)
	})
}

// unbuildableEncoder fails to assemble request bodies while failing is set.
// With nilRequest it returns no request at all.
type unbuildableEncoder struct {
	*payload.Builder
	failing    *atomic.Bool
	nilRequest bool
}

func (u unbuildableEncoder) Single(e *event.Event) (*payload.Request, error) {
	if !u.failing.Load() {
		return u.Builder.Single(e)
	}
	if u.nilRequest {
		return nil, errors.New("encoder unavailable")
	}
	return &payload.Request{Endpoint: e.Type().String(), Events: []*event.Event{e}}, errors.New("encode request: body too large")
}

func (u unbuildableEncoder) Batch(events []*event.Event) (*payload.Request, error) {
	if !u.failing.Load() {
		return u.Builder.Batch(events)
	}
	return &payload.Request{Endpoint: payload.EndpointBatch, Events: events}, errors.New("encode batch: body too large")
}

func TestUnbuiltRequestIsRetried(t *testing.T) {
	tests := []struct {
		name       string
		batchMode  bool
		nilRequest bool
	}{
		{name: "batch body", batchMode: true},
		{name: "single body", batchMode: false},
		{name: "no request", batchMode: false, nilRequest: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var failing atomic.Bool
			failing.Store(true)
			h := newHarnessWithEncoder(t,
				dispatch.Config{BatchMode: tt.batchMode, MaxQueueSize: 50, RetryDelay: time.Hour},
				func(b *payload.Builder) dispatch.Encoder {
					return unbuildableEncoder{Builder: b, failing: &failing, nilRequest: tt.nilRequest}
				})

			require.NoError(t, h.d.Start(context.Background()))
			a := h.track(t, "A")
			b := h.track(t, "B")

			assert.False(t, h.d.Flush(2*time.Second), "flush reports events it could not send")
			assert.Empty(t, h.sender.sent())
			assert.Equal(t, 2, h.store.PendingCount(), "unbuilt events stay in the store")
			stats := h.d.Stats()
			assert.Equal(t, 2, stats.Failed)
			assert.Zero(t, stats.Dropped)
			assert.Equal(t, dispatch.StateRetrying, h.d.State())

			assert.ErrorIs(t, h.d.FlushContext(context.Background()), dispatch.ErrRequestNotBuilt)

			failing.Store(false)
			assert.True(t, h.d.Flush(2*time.Second))
			assert.Eventually(t, func() bool { return h.store.PendingCount() == 0 }, 2*time.Second, 5*time.Millisecond)

			var delivered []uint64
			for _, req := range h.sender.sent() {
				delivered = append(delivered, ids(req.Events)...)
			}
			assert.Equal(t, ids([]*event.Event{a, b}), delivered)
			assert.Zero(t, h.d.Stats().Dropped)
		})
	}
}

// recordingSpans is a SpanManager that records span event names.
type recordingSpans struct {
	observability.NoopSpanManager
	mu     sync.Mutex
	events []string
}

func (r *recordingSpans) AddSpanEvent(_ context.Context, name string, _ ...attribute.KeyValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
}

func (r *recordingSpans) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

var _ observability.SpanManager = (*recordingSpans)(nil)

func TestRetryScheduledSpanEvent(t *testing.T) {
	spans := &recordingSpans{}
	h := newHarness(t, dispatch.Config{BatchMode: false, RetryDelay: time.Hour, Spans: spans})
	h.sender.setRespond(func(call int, _ *payload.Request) reply {
		if call == 0 {
			return reply{status: http.StatusServiceUnavailable}
		}
		return reply{status: http.StatusOK}
	})

	h.track(t, "Later")
	require.NoError(t, h.d.Start(context.Background()))
	assert.Eventually(t, func() bool { return h.d.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"beacon.retry_scheduled"}, spans.names())

	assert.True(t, h.d.Flush(2*time.Second))
	assert.Len(t, spans.names(), 1, "delivery adds no retry event")
}

func TestFailedRecordsBounded(t *testing.T) {
	h := newHarness(t, dispatch.Config{BatchMode: false, RetryDelay: time.Hour, MaxFailedRecords: 1})
	h.sender.setRespond(func(int, *payload.Request) reply { return reply{status: http.StatusBadGateway} })

	h.track(t, "First")
	h.track(t, "Second")
	require.NoError(t, h.d.Start(context.Background()))

	assert.Eventually(t, func() bool { return h.d.Stats().Retried == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.d.Stats().Failed)
	assert.Equal(t, 2, h.store.PendingCount(), "evicted records keep their events in the store")
	assert.Equal(t, dispatch.StateRetrying, h.d.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", dispatch.StateIdle.String())
	assert.Equal(t, "retrying", dispatch.StateRetrying.String())
	assert.Equal(t, "unknown", dispatch.State(42).String())
}
