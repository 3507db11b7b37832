package rest

import (
	"errors"
	"fmt"
)

// HTTPError is a non-2xx REST response surfaced to the caller. 429s are
// never surfaced; they are retried transparently by the dispatcher.
type HTTPError struct {
	Status  int    // HTTP status code
	Code    int    // Discord error code from the JSON body, 0 if absent
	Message string // human-readable message from the JSON body
	RawBody []byte
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rest: HTTP %d (code %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("rest: HTTP %d", e.Status)
}

// Retryable reports whether the dispatcher considers this status
// transient. Caller errors (4xx) never are.
func (e *HTTPError) Retryable() bool { return e.Status >= 500 }

// TransportError wraps a DNS/socket/TLS level failure. Retried with
// backoff before being surfaced.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "rest: transport failure during " + e.Op + ": " + e.Err.Error()
}
func (e *TransportError) Unwrap() error { return e.Err }

// ErrRetriesExhausted wraps the final error after the bounded 5xx/transport
// retry budget is spent.
var ErrRetriesExhausted = errors.New("rest: retry budget exhausted")
