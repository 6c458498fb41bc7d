package output

import (
	"errors"
	"fmt"
)

var (
	// ErrBufferClosed is returned by enqueue calls made after a drain.
	ErrBufferClosed = errors.New("buffer closed")
	// ErrForwarderClosed is returned for events delivered after shutdown.
	ErrForwarderClosed = errors.New("forwarder closed")
)

type EncodingError struct {
	Cause error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding payload: %v", e.Cause)
}

func (e *EncodingError) Unwrap() error { return e.Cause }

// HTTPError is a response outside the 2xx range.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("endpoint returned status %d", e.Status)
	}
	return fmt.Sprintf("endpoint returned status %d: %s", e.Status, e.Body)
}

// TransportError is a failure below HTTP: dial, TLS, timeout, DNS.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %v", e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }
