package transport

import (
	"context"
	"sync"
	"time"

	"github.com/randalmurphal/beacon/pkg/beacon/payload"
)

// Response is what the collector answered.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transfer is an in-flight request. It completes exactly once, either with
// a response or with the error that prevented one.
type Transfer struct {
	// Request is what was sent.
	Request *payload.Request

	// Started is when the transfer was issued.
	Started time.Time

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	resp Response
	err  error
}

// NewTransfer creates a pending transfer. cancel, if non-nil, is invoked
// by Abort.
func NewTransfer(req *payload.Request, cancel context.CancelFunc) *Transfer {
	return &Transfer{
		Request: req,
		Started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Complete records the result. Only the first call has any effect.
func (t *Transfer) Complete(resp Response, err error) {
	t.once.Do(func() {
		t.resp = resp
		t.err = err
		close(t.done)
	})
}

// Done is closed once the transfer has completed.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Finished reports completion without blocking.
func (t *Transfer) Finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome. It must only be called after Done is closed.
func (t *Transfer) Result() (Response, error) {
	return t.resp, t.err
}

// Abort cancels the request and completes the transfer with
// context.Canceled if it has not already finished.
func (t *Transfer) Abort() {
	if t.cancel != nil {
		t.cancel()
	}
	t.Complete(Response{}, context.Canceled)
}
