package retry

import (
	"context"
	"time"

	"github.com/Chichichkin/thetapoint-forwarder/internal/output"
)

// Policy decides whether a failed send is attempted again. attempt counts
// the attempts already made, starting at 1.
type Policy interface {
	Next(attempt int, result output.SendResult) (time.Duration, bool)
}

// None never retries. A failed payload is logged and dropped.
type None struct{}

func (None) Next(int, output.SendResult) (time.Duration, bool) {
	return 0, false
}

// Backoff retries with a doubling delay starting at Initial and capped at
// Max. Transport errors are always retried; 5xx responses only when
// RetryHTTP5xx is set. MaxAttempts includes the first attempt.
type Backoff struct {
	Initial      time.Duration
	Max          time.Duration
	MaxAttempts  int
	RetryHTTP5xx bool
}

func (b Backoff) Next(attempt int, result output.SendResult) (time.Duration, bool) {
	if attempt >= b.MaxAttempts {
		return 0, false
	}

	switch result.Kind {
	case output.ResultTransportError:
	case output.ResultHTTPError:
		if !b.RetryHTTP5xx || result.Status < 500 {
			return 0, false
		}
	default:
		return 0, false
	}

	delay := b.Initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max, true
		}
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay, true
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
