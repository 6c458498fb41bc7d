// Package forwarder connects the event source to the ThetaPoint output:
// it filters events, computes their routing key and either sends them
// right away or hands them to the per-key batch buffer.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Chichichkin/thetapoint-forwarder/internal/event"
	"github.com/Chichichkin/thetapoint-forwarder/internal/output"
	"github.com/Chichichkin/thetapoint-forwarder/internal/output/batch"
	"github.com/Chichichkin/thetapoint-forwarder/internal/output/encode"
	"github.com/Chichichkin/thetapoint-forwarder/internal/output/retry"
)

type Config struct {
	// KeyTemplate is expanded per event into the routing key.
	KeyTemplate  string
	Batch        bool
	BatchEvents  int
	BatchTimeout time.Duration
	Compress     bool
	// AsyncWorkers > 0 moves immediate-mode sends off the producer onto
	// a bounded queue. Ignored when batching.
	AsyncWorkers   int
	AsyncQueueSize int
}

// Predicate decides whether an event is forwarded at all.
type Predicate func(ev event.Event) bool

// RequireField accepts only events that carry the referenced field.
func RequireField(ref string) Predicate {
	return func(ev event.Event) bool {
		return ev.Has(ref)
	}
}

type Option func(*Forwarder)

func WithPredicate(p Predicate) Option {
	return func(f *Forwarder) { f.predicate = p }
}

func WithExpander(e event.Expander) Option {
	return func(f *Forwarder) { f.expander = e }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(f *Forwarder) { f.retry = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Forwarder) { f.logger = l }
}

func WithEncoder(e *encode.Encoder) Option {
	return func(f *Forwarder) { f.encoder = e }
}

type job struct {
	key     string
	payload output.Payload
}

type Forwarder struct {
	config    Config
	sender    output.Sender
	encoder   *encode.Encoder
	buffer    *batch.Buffer
	predicate Predicate
	expander  event.Expander
	retry     retry.Policy
	logger    *slog.Logger
	metrics   *Metrics

	sendCtx context.Context

	// ingest is read-held by OnEvent and write-held by Shutdown.
	ingest sync.RWMutex
	closed atomic.Bool

	queue   chan job
	workers sync.WaitGroup
}

func New(ctx context.Context, config Config, sender output.Sender, opts ...Option) (*Forwarder, error) {
	if config.KeyTemplate == "" {
		return nil, fmt.Errorf("key template is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}

	f := &Forwarder{
		config:   config,
		sender:   sender,
		expander: event.FieldExpander{},
		retry:    retry.None{},
		logger:   slog.Default(),
		metrics:  &Metrics{},
		sendCtx:  context.WithoutCancel(ctx),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.encoder == nil {
		f.encoder = encode.New(config.Compress)
	}

	if config.Batch {
		if config.BatchEvents <= 0 {
			return nil, fmt.Errorf("batch events must be positive, got %d", config.BatchEvents)
		}
		if config.BatchTimeout <= 0 {
			return nil, fmt.Errorf("batch timeout must be positive, got %s", config.BatchTimeout)
		}
		f.buffer = batch.NewBuffer(ctx, f, batch.Config{
			MaxEvents: config.BatchEvents,
			MaxAge:    config.BatchTimeout,
		}, f.logger)
		f.buffer.Start()
	} else if config.AsyncWorkers > 0 {
		size := config.AsyncQueueSize
		if size <= 0 {
			size = config.AsyncWorkers * 10
		}
		f.queue = make(chan job, size)
		f.workers.Add(config.AsyncWorkers)
		for i := 0; i < config.AsyncWorkers; i++ {
			go f.processQueue()
		}
	}

	return f, nil
}

// OnEvent accepts one event from the source. Delivery failures are logged
// and never returned; only calls made after Shutdown fail.
func (f *Forwarder) OnEvent(ctx context.Context, ev event.Event) error {
	if f.closed.Load() {
		return output.ErrForwarderClosed
	}

	f.ingest.RLock()
	defer f.ingest.RUnlock()
	if f.closed.Load() {
		return output.ErrForwarderClosed
	}

	f.metrics.IncEventsReceived()
	if f.predicate != nil && !f.predicate(ev) {
		f.metrics.IncEventsFiltered()
		return nil
	}

	key := f.expander.Expand(ev, f.config.KeyTemplate)
	if key == "" {
		f.logger.Warn("dropping event with empty routing key", "template", f.config.KeyTemplate)
		f.metrics.AddEventsDropped(1)
		return nil
	}

	if f.buffer != nil {
		return f.buffer.Enqueue(ctx, key, ev)
	}

	payload, err := f.encoder.EncodeEvent(ev)
	if err != nil {
		f.logger.Error("failed to encode event", "key", key, "error", err)
		f.metrics.AddEventsDropped(1)
		return nil
	}

	if f.queue != nil {
		select {
		case f.queue <- job{key: key, payload: payload}:
		case <-ctx.Done():
			f.logger.Warn("event abandoned while waiting for send queue", "key", key, "error", ctx.Err())
			f.metrics.AddEventsDropped(1)
		}
		return nil
	}

	if err := f.deliver(ctx, key, payload); err != nil {
		f.logger.Warn("failed to send event", "key", key, "error", err)
		f.metrics.AddEventsDropped(1)
	}
	return nil
}

// Flush sends one batch from the buffer.
func (f *Forwarder) Flush(ctx context.Context, key string, events []event.Event, trigger output.Trigger) error {
	f.logger.Info("flushing events", "key", key, "events", len(events), "trigger", trigger.String())

	payload, err := f.encoder.EncodeBatch(events)
	if err != nil {
		return &deliveryError{events: len(events), err: err}
	}
	return f.deliver(ctx, key, payload)
}

// OnFlushError logs a batch that could not be delivered. The batch is
// not retried beyond the retry policy and is not put back.
func (f *Forwarder) OnFlushError(key string, err error) {
	lost := 0
	var de *deliveryError
	if errors.As(err, &de) {
		lost = de.events
	}
	f.metrics.AddEventsDropped(lost)

	f.logger.Warn("failed to send backlog of events",
		"key", key,
		"events", lost,
		"error", err,
		"causes", causeChain(err),
	)
}

// Shutdown stops intake, drains the batch buffer and waits for queued
// sends, bounded by ctx. Calling it again is a no-op.
func (f *Forwarder) Shutdown(ctx context.Context) error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- f.shutdown(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		f.logger.Error("shutdown grace period expired, abandoning in-flight sends", "error", ctx.Err())
		return ctx.Err()
	}
}

func (f *Forwarder) shutdown(ctx context.Context) error {
	f.ingest.Lock()
	defer f.ingest.Unlock()

	var err error
	if f.buffer != nil {
		err = f.buffer.Drain(ctx)
	}
	if f.queue != nil {
		close(f.queue)
		f.workers.Wait()
	}

	stamp := f.metrics.GetMetricsStamp()
	f.logger.Info("forwarder stopped",
		"events_received", stamp.EventsReceived,
		"events_sent", stamp.EventsSent,
		"events_dropped", stamp.EventsDropped,
		"payloads_failed", stamp.PayloadsFailed,
	)
	return err
}

func (f *Forwarder) Metrics() Metrics {
	return f.metrics.GetMetricsStamp()
}

func (f *Forwarder) processQueue() {
	defer f.workers.Done()

	for j := range f.queue {
		if err := f.deliver(f.sendCtx, j.key, j.payload); err != nil {
			f.logger.Warn("failed to send event", "key", j.key, "error", err)
			f.metrics.AddEventsDropped(j.payload.Events)
		}
	}
}

// deliver sends payload, retrying as the policy allows.
func (f *Forwarder) deliver(ctx context.Context, key string, payload output.Payload) error {
	if payload.Compressed {
		f.logger.Debug("payload deflated",
			"key", key,
			"raw_bytes", payload.RawSize,
			"bytes", len(payload.Body),
			"ratio", payload.Ratio(),
		)
	}

	for attempt := 1; ; attempt++ {
		result := f.sender.Send(ctx, payload, key)
		if result.OK() {
			f.metrics.RecordSent(payload.Events, payload.RawSize, len(payload.Body))
			f.logger.Debug("payload delivered", "key", key, "events", payload.Events, "attempt", attempt)
			return nil
		}

		delay, again := f.retry.Next(attempt, result)
		if !again {
			f.metrics.IncPayloadsFailed()
			return &deliveryError{events: payload.Events, attempts: attempt, err: result.Err()}
		}

		f.metrics.IncRetries()
		f.logger.Info("retrying send",
			"key", key,
			"attempt", attempt,
			"backoff", delay,
			"error", result.Err(),
		)
		if err := retry.Sleep(ctx, delay); err != nil {
			f.metrics.IncPayloadsFailed()
			return &deliveryError{events: payload.Events, attempts: attempt, err: fmt.Errorf("retry interrupted: %w", errors.Join(result.Err(), err))}
		}
	}
}

type deliveryError struct {
	events   int
	attempts int
	err      error
}

func (e *deliveryError) Error() string {
	if e.attempts > 1 {
		return fmt.Sprintf("delivery of %d events failed after %d attempts: %v", e.events, e.attempts, e.err)
	}
	return fmt.Sprintf("delivery of %d events failed: %v", e.events, e.err)
}

func (e *deliveryError) Unwrap() error { return e.err }

func causeChain(err error) []string {
	var chain []string
	for err != nil {
		chain = append(chain, err.Error())
		err = errors.Unwrap(err)
	}
	return chain
}
