package errors

import (
	"fmt"
	"strings"
)

// HTTPError represents a non-2xx response from the collection API.
type HTTPError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("HTTP %d at %s: %s", e.StatusCode, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// TransportError indicates no HTTP response was obtained.
type TransportError struct {
	Endpoint string
	Err      error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport to %s: %v", e.Endpoint, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ValidationError indicates invalid input, such as a bad configuration
// value.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors collects every violation found in one pass.
type ValidationErrors []*ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return strings.Join(msgs, "; ")
}

// Unwrap exposes the individual violations to errors.As.
func (e ValidationErrors) Unwrap() []error {
	errs := make([]error, len(e))
	for i, v := range e {
		errs[i] = v
	}
	return errs
}

// Outcome is the dispatcher's decision for a completed transfer.
type Outcome int

const (
	// OutcomeDelivered means the events were accepted.
	OutcomeDelivered Outcome = iota

	// OutcomeRetry means the events should be sent again later.
	OutcomeRetry

	// OutcomeDrop means the events were rejected for good.
	OutcomeDrop
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRetry:
		return "retry"
	case OutcomeDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// ResponseError returns nil for a 2xx status and an *HTTPError otherwise.
func ResponseError(status int, endpoint string, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	return &HTTPError{StatusCode: status, Endpoint: endpoint, Message: string(body)}
}

// Classify maps the error of a transfer to an Outcome. A nil error means
// the collector accepted the events; see ResponseError for turning a
// response status into an error.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeDelivered
	case IsRetryable(err):
		return OutcomeRetry
	default:
		return OutcomeDrop
	}
}
