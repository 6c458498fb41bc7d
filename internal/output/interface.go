package output

import (
	"context"
	"fmt"

	"github.com/Chichichkin/thetapoint-forwarder/internal/event"
)

// Trigger records why a batch was flushed.
type Trigger int

const (
	TriggerCount Trigger = iota
	TriggerInterval
	TriggerDrain
)

func (t Trigger) String() string {
	switch t {
	case TriggerCount:
		return "count-reached"
	case TriggerInterval:
		return "interval-elapsed"
	case TriggerDrain:
		return "forced-drain"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// Payload is an encoded request body ready for the wire.
type Payload struct {
	Body       []byte
	Compressed bool
	// RawSize is the length of the JSON before compression.
	RawSize int
	Events  int
}

// Ratio is the compressed/uncompressed size ratio, 1 when uncompressed.
func (p Payload) Ratio() float64 {
	if !p.Compressed || p.RawSize == 0 {
		return 1
	}
	return float64(len(p.Body)) / float64(p.RawSize)
}

type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultHTTPError
	ResultTransportError
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultHTTPError:
		return "http_error"
	case ResultTransportError:
		return "transport_error"
	default:
		return fmt.Sprintf("result(%d)", int(k))
	}
}

// SendResult classifies the outcome of a single delivery attempt.
type SendResult struct {
	Kind   ResultKind
	Status int
	Body   string
	Cause  error
}

func Success(status int) SendResult {
	return SendResult{Kind: ResultSuccess, Status: status}
}

func HTTPFailure(status int, body string) SendResult {
	return SendResult{Kind: ResultHTTPError, Status: status, Body: body}
}

func TransportFailure(cause error) SendResult {
	return SendResult{Kind: ResultTransportError, Cause: cause}
}

func (r SendResult) OK() bool {
	return r.Kind == ResultSuccess
}

// Err converts a failed result into *HTTPError or *TransportError.
// It returns nil on success.
func (r SendResult) Err() error {
	switch r.Kind {
	case ResultSuccess:
		return nil
	case ResultHTTPError:
		return &HTTPError{Status: r.Status, Body: r.Body}
	default:
		return &TransportError{Cause: r.Cause}
	}
}

// Sender delivers one payload for one routing key.
type Sender interface {
	Send(ctx context.Context, payload Payload, key string) SendResult
}

// Flusher receives batches that the buffer decided to flush.
type Flusher interface {
	Flush(ctx context.Context, key string, events []event.Event, trigger Trigger) error
	OnFlushError(key string, err error)
}
