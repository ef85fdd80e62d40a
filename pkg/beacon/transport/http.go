// Package transport delivers encoded requests to the collection API.
//
// Send never blocks: it returns a *Transfer that a background goroutine
// completes. Concurrency is capped by a weighted semaphore and a circuit
// breaker fails requests fast after repeated server or network failures.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	bcerrors "github.com/randalmurphal/beacon/pkg/beacon/errors"
	"github.com/randalmurphal/beacon/pkg/beacon/payload"
)

// ErrCircuitOpen is returned while the breaker rejects requests.
var ErrCircuitOpen = errors.New("circuit breaker open")

// maxResponseBody bounds how much of a response is kept for logging.
const maxResponseBody = 1 << 20

// errServerStatus marks a response the breaker should count as a failure.
var errServerStatus = errors.New("server failure status")

// Sender issues requests asynchronously.
type Sender interface {
	Send(ctx context.Context, req *payload.Request) *Transfer
}

// Config configures an HTTPTransport.
type Config struct {
	// APIBase is the collection API root, e.g. https://api.segment.io/v1.
	APIBase string

	// WriteKey is sent as the Basic auth username.
	WriteKey string

	// Timeout bounds each request. Zero means no timeout.
	Timeout time.Duration

	// MaxConcurrent caps simultaneous requests. Zero means 4.
	MaxConcurrent int64

	// GzipRequests compresses request bodies.
	GzipRequests bool

	// BreakerFailures is the number of consecutive failures that opens the
	// circuit. Zero disables the breaker.
	BreakerFailures uint32

	// BreakerCooldown is how long the circuit stays open. Zero means 30s.
	BreakerCooldown time.Duration

	// Client overrides the HTTP client.
	Client *http.Client

	// Logger receives breaker state changes.
	Logger *slog.Logger

	// UserAgent overrides the default User-Agent header.
	UserAgent string
}

// HTTPTransport posts requests to the collection API.
type HTTPTransport struct {
	base      string
	writeKey  string
	timeout   time.Duration
	gzip      bool
	client    *http.Client
	sem       *semaphore.Weighted
	breaker   *gobreaker.CircuitBreaker
	userAgent string
}

var _ Sender = (*HTTPTransport)(nil)

// New creates an HTTPTransport.
func New(cfg Config) (*HTTPTransport, error) {
	u, err := url.Parse(cfg.APIBase)
	if err != nil {
		return nil, &bcerrors.ValidationError{Field: "api_base", Message: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &bcerrors.ValidationError{Field: "api_base", Message: "scheme must be http or https"}
	}
	if cfg.WriteKey == "" {
		return nil, &bcerrors.ValidationError{Field: "write_key", Message: "is required"}
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = payload.LibraryName + "/" + payload.LibraryVersion
	}

	t := &HTTPTransport{
		base:      strings.TrimRight(cfg.APIBase, "/"),
		writeKey:  cfg.WriteKey,
		timeout:   cfg.Timeout,
		gzip:      cfg.GzipRequests,
		client:    client,
		sem:       semaphore.NewWeighted(maxConcurrent),
		userAgent: ua,
	}

	if cfg.BreakerFailures > 0 {
		cooldown := cfg.BreakerCooldown
		if cooldown <= 0 {
			cooldown = 30 * time.Second
		}
		threshold := cfg.BreakerFailures
		logger := cfg.Logger
		t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "beacon-collector",
			MaxRequests: 1,
			Timeout:     cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				// Aborted transfers say nothing about the collector's health.
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				if logger != nil {
					logger.Warn("circuit breaker state change",
						slog.String("breaker", name),
						slog.String("from", from.String()),
						slog.String("to", to.String()))
				}
			},
		})
	}
	return t, nil
}

// Endpoint returns the full URL for a request endpoint.
func (t *HTTPTransport) Endpoint(name string) string {
	return t.base + "/" + name
}

// BreakerState reports the circuit breaker state, or "disabled".
func (t *HTTPTransport) BreakerState() string {
	if t.breaker == nil {
		return "disabled"
	}
	return t.breaker.State().String()
}

// Send implements Sender.
func (t *HTTPTransport) Send(ctx context.Context, req *payload.Request) *Transfer {
	var cancel context.CancelFunc
	if t.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	tr := NewTransfer(req, cancel)
	go func() {
		defer cancel()
		resp, err := t.do(ctx, req)
		tr.Complete(resp, err)
	}()
	return tr
}

func (t *HTTPTransport) do(ctx context.Context, req *payload.Request) (Response, error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return Response{}, &bcerrors.TransportError{Endpoint: req.Endpoint, Err: err}
	}
	defer t.sem.Release(1)

	if t.breaker == nil {
		return t.roundTrip(ctx, req)
	}

	out, err := t.breaker.Execute(func() (interface{}, error) {
		resp, err := t.roundTrip(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return resp, errServerStatus
		}
		return resp, nil
	})
	switch {
	case errors.Is(err, errServerStatus):
		return out.(Response), nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return Response{}, bcerrors.Transient(
			&bcerrors.TransportError{Endpoint: req.Endpoint, Err: fmt.Errorf("%w: %v", ErrCircuitOpen, err)},
			"circuit breaker")
	case err != nil:
		return Response{}, err
	}
	return out.(Response), nil
}

func (t *HTTPTransport) roundTrip(ctx context.Context, req *payload.Request) (Response, error) {
	body := req.Body
	if t.gzip {
		compressed, err := gzipBytes(body)
		if err != nil {
			return Response{}, bcerrors.Permanent(err, "compress request")
		}
		body = compressed
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint(req.Endpoint), bytes.NewReader(body))
	if err != nil {
		return Response{}, bcerrors.Permanent(err, "build request")
	}
	httpReq.SetBasicAuth(t.writeKey, "")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate")
	httpReq.Header.Set("User-Agent", t.userAgent)
	if t.gzip {
		httpReq.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return Response{}, &bcerrors.TransportError{Endpoint: req.Endpoint, Err: err}
	}
	defer resp.Body.Close()

	data, err := readBody(resp)
	if err != nil {
		// The status is still meaningful even if the body is unreadable.
		return Response{StatusCode: resp.StatusCode}, nil
	}
	return Response{StatusCode: resp.StatusCode, Body: data}, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readBody reads and decodes the response body according to its
// Content-Encoding.
func readBody(resp *http.Response) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(io.LimitReader(zr, maxResponseBody))
	case "deflate":
		// Servers disagree on whether "deflate" carries the zlib wrapper.
		if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
			defer zr.Close()
			return io.ReadAll(io.LimitReader(zr, maxResponseBody))
		}
		fr := flate.NewReader(bytes.NewReader(raw))
		defer fr.Close()
		return io.ReadAll(io.LimitReader(fr, maxResponseBody))
	default:
		return raw, nil
	}
}
