package batch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Chichichkin/thetapoint-forwarder/internal/event"
	"github.com/Chichichkin/thetapoint-forwarder/internal/output"
)

const minCheckInterval = 10 * time.Millisecond

type Config struct {
	MaxEvents int
	MaxAge    time.Duration
	// CheckInterval is how often batch ages are inspected.
	// Defaults to MaxAge/10.
	CheckInterval time.Duration
}

// Buffer groups events per routing key and hands full or expired batches
// to a Flusher.
//
// Each key has its own lock that is held across append and flush, so a
// key's batches leave in the order their triggers fired while flushes of
// different keys run concurrently.
type Buffer struct {
	ctx     context.Context
	stopCtx context.CancelFunc
	// sendCtx outlives Drain so that started sends are never cut off.
	sendCtx context.Context
	flusher output.Flusher
	config  Config
	logger  *slog.Logger

	// lifecycle is read-held by every enqueue and interval scan and
	// write-held by Drain while it closes the buffer.
	lifecycle sync.RWMutex
	closed    bool
	// closing is set as soon as Drain starts, before it owns lifecycle.
	closing atomic.Bool

	keysMutex sync.Mutex
	keys      map[string]*keyBatch

	pending  atomic.Int64
	inflight sync.WaitGroup
	wg       sync.WaitGroup
}

type keyBatch struct {
	mu       sync.Mutex
	events   []event.Event
	started  time.Time
	removed  bool
	flushing atomic.Bool
}

func NewBuffer(ctx context.Context, flusher output.Flusher, config Config, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxEvents <= 0 {
		config.MaxEvents = 1
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = config.MaxAge / 10
	}
	if config.CheckInterval < minCheckInterval {
		config.CheckInterval = minCheckInterval
	}

	nCtx, cancel := context.WithCancel(ctx)
	return &Buffer{
		ctx:     nCtx,
		stopCtx: cancel,
		sendCtx: context.WithoutCancel(ctx),
		flusher: flusher,
		config:  config,
		logger:  logger,
		keys:    make(map[string]*keyBatch),
	}
}

// Start launches the interval checker. Without it only count-reached and
// drain flushes happen.
func (b *Buffer) Start() {
	if b.config.MaxAge <= 0 {
		return
	}
	b.wg.Add(1)
	go b.batchTimer()
}

// Enqueue appends ev to the batch for key. When the batch reaches
// MaxEvents it is flushed before Enqueue returns, including ev.
func (b *Buffer) Enqueue(ctx context.Context, key string, ev event.Event) error {
	if b.closing.Load() {
		return output.ErrBufferClosed
	}

	b.lifecycle.RLock()
	defer b.lifecycle.RUnlock()

	if b.closed {
		return output.ErrBufferClosed
	}

	for {
		kb := b.batchFor(key)

		kb.mu.Lock()
		if kb.removed {
			// lost a race with a flush that retired this batch
			kb.mu.Unlock()
			continue
		}

		if len(kb.events) == 0 {
			kb.started = time.Now()
		}
		kb.events = append(kb.events, ev)
		b.pending.Add(1)

		if len(kb.events) >= b.config.MaxEvents {
			b.flushLocked(ctx, key, kb, output.TriggerCount)
		}
		kb.mu.Unlock()
		return nil
	}
}

// Drain closes the buffer and flushes every open batch. It waits for
// sends already in progress and for the resulting flushes until ctx is
// done; whatever is still running then is left to finish on its own.
func (b *Buffer) Drain(ctx context.Context) error {
	if !b.closing.CompareAndSwap(false, true) {
		return nil
	}

	done := make(chan int, 1)
	go func() {
		done <- b.drain()
	}()

	select {
	case keys := <-done:
		b.logger.Info("buffer drained", "keys", keys)
		return nil
	case <-ctx.Done():
		b.logger.Error("drain abandoned before all batches were sent",
			"keys", len(b.Keys()),
			"pending_events", b.Len(),
			"error", ctx.Err(),
		)
		return ctx.Err()
	}
}

// drain waits out in-flight enqueues, including count flushes, then
// flushes what is left and returns the number of keys it flushed.
func (b *Buffer) drain() int {
	b.lifecycle.Lock()
	b.closed = true
	b.lifecycle.Unlock()

	b.stopCtx()
	b.wg.Wait()

	batches := b.snapshot()
	for key, kb := range batches {
		b.inflight.Add(1)
		go func() {
			defer b.inflight.Done()
			kb.mu.Lock()
			defer kb.mu.Unlock()
			if !kb.removed && len(kb.events) > 0 {
				b.flushLocked(b.sendCtx, key, kb, output.TriggerDrain)
			}
		}()
	}

	b.inflight.Wait()
	return len(batches)
}

// Len is the number of events waiting in open batches.
func (b *Buffer) Len() int {
	return int(b.pending.Load())
}

// Keys lists routing keys with an open batch.
func (b *Buffer) Keys() []string {
	b.keysMutex.Lock()
	defer b.keysMutex.Unlock()

	keys := make([]string, 0, len(b.keys))
	for key := range b.keys {
		keys = append(keys, key)
	}
	return keys
}

func (b *Buffer) batchFor(key string) *keyBatch {
	b.keysMutex.Lock()
	defer b.keysMutex.Unlock()

	kb, ok := b.keys[key]
	if !ok {
		kb = &keyBatch{}
		b.keys[key] = kb
	}
	return kb
}

func (b *Buffer) snapshot() map[string]*keyBatch {
	b.keysMutex.Lock()
	defer b.keysMutex.Unlock()

	batches := make(map[string]*keyBatch, len(b.keys))
	for key, kb := range b.keys {
		batches[key] = kb
	}
	return batches
}

func (b *Buffer) batchTimer() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flushExpired()
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Buffer) flushExpired() {
	b.lifecycle.RLock()
	defer b.lifecycle.RUnlock()

	if b.closed {
		return
	}

	now := time.Now()
	for key, kb := range b.snapshot() {
		if !kb.flushing.CompareAndSwap(false, true) {
			continue
		}
		if !kb.mu.TryLock() {
			// busy with an enqueue or a count flush; look again next tick
			kb.flushing.Store(false)
			continue
		}
		expired := !kb.removed && len(kb.events) > 0 && now.Sub(kb.started) >= b.config.MaxAge
		kb.mu.Unlock()
		if !expired {
			kb.flushing.Store(false)
			continue
		}

		b.inflight.Add(1)
		go func() {
			defer b.inflight.Done()
			defer kb.flushing.Store(false)

			kb.mu.Lock()
			defer kb.mu.Unlock()
			if kb.removed || len(kb.events) == 0 || time.Since(kb.started) < b.config.MaxAge {
				return
			}
			b.flushLocked(b.sendCtx, key, kb, output.TriggerInterval)
		}()
	}
}

// flushLocked retires kb and sends its events. kb.mu must be held; it
// stays held for the duration of the send and kb stays registered until
// the send returns, so later events for key queue up behind it.
func (b *Buffer) flushLocked(ctx context.Context, key string, kb *keyBatch, trigger output.Trigger) {
	events := kb.events
	kb.events = nil
	kb.removed = true
	b.pending.Add(-int64(len(events)))

	defer func() {
		b.keysMutex.Lock()
		if b.keys[key] == kb {
			delete(b.keys, key)
		}
		b.keysMutex.Unlock()
	}()

	if len(events) == 0 {
		return
	}

	b.logger.Debug("flushing batch", "key", key, "events", len(events), "trigger", trigger.String())
	if err := b.flusher.Flush(ctx, key, events, trigger); err != nil {
		b.flusher.OnFlushError(key, err)
	}
}
