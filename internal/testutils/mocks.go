package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Chichichkin/thetapoint-forwarder/internal/event"
	"github.com/Chichichkin/thetapoint-forwarder/internal/output"
)

// SentPayload is one call recorded by MockSender.
type SentPayload struct {
	Key     string
	Payload output.Payload
}

// MockSender records payloads and answers with Result, or with the
// next entry of Results while any remain.
type MockSender struct {
	mu      sync.Mutex
	Sent    []SentPayload
	Result  output.SendResult
	Results []output.SendResult
	Delay   time.Duration
}

func (m *MockSender) Send(ctx context.Context, payload output.Payload, key string) output.SendResult {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return output.TransportFailure(ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Sent = append(m.Sent, SentPayload{Key: key, Payload: payload})
	if len(m.Results) > 0 {
		result := m.Results[0]
		m.Results = m.Results[1:]
		return result
	}
	return m.Result
}

func (m *MockSender) GetSent() []SentPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	sent := make([]SentPayload, len(m.Sent))
	copy(sent, m.Sent)
	return sent
}

// FlushedBatch is one call recorded by MockFlusher.
type FlushedBatch struct {
	Key     string
	Events  []event.Event
	Trigger output.Trigger
	At      time.Time
}

// MockFlusher records flushed batches. Block, when set, is received from
// before each flush returns so tests can hold a flush in flight.
type MockFlusher struct {
	mu      sync.Mutex
	Batches []FlushedBatch
	Errors  map[string][]error
	Fail    error
	Delay   time.Duration
	Block   chan struct{}
}

func (m *MockFlusher) Flush(ctx context.Context, key string, events []event.Event, trigger output.Trigger) error {
	if m.Block != nil {
		<-m.Block
	}
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Batches = append(m.Batches, FlushedBatch{
		Key:     key,
		Events:  events,
		Trigger: trigger,
		At:      time.Now(),
	})
	return m.Fail
}

func (m *MockFlusher) OnFlushError(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Errors == nil {
		m.Errors = make(map[string][]error)
	}
	m.Errors[key] = append(m.Errors[key], err)
}

func (m *MockFlusher) GetBatches() []FlushedBatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	batches := make([]FlushedBatch, len(m.Batches))
	copy(batches, m.Batches)
	return batches
}

// BatchesFor returns the batches flushed for key, in flush order.
func (m *MockFlusher) BatchesFor(key string) []FlushedBatch {
	var out []FlushedBatch
	for _, b := range m.GetBatches() {
		if b.Key == key {
			out = append(out, b)
		}
	}
	return out
}

func (m *MockFlusher) GetErrors(key string) []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error(nil), m.Errors[key]...)
}

// MockEventSink stands in for the forwarder on the input side.
type MockEventSink struct {
	mu         sync.Mutex
	Events     []event.Event
	Delay      time.Duration
	ShouldFail bool
	Calls      int
}

func (m *MockEventSink) OnEvent(ctx context.Context, ev event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}
	m.Calls++

	if m.ShouldFail {
		return fmt.Errorf("mock sink failed")
	}

	m.Events = append(m.Events, ev)
	return nil
}

func (m *MockEventSink) GetEvents() []event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := make([]event.Event, len(m.Events))
	copy(events, m.Events)
	return events
}

func (m *MockEventSink) GetStats() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Events), m.Calls
}

// Messages lists the "message" field of each event received.
func Messages(events []event.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		msg, _ := ev["message"].(string)
		out = append(out, msg)
	}
	return out
}

func CreateTempLogStructure(t *testing.T) string {
	tempDir := t.TempDir()

	structure := map[string]string{
		"tenant-a/web/access.log":     `{"message":"GET /","status":200}` + "\n",
		"tenant-a/web/error.log":      `{"message":"upstream timeout","level":"error"}` + "\n",
		"tenant-b/worker/jobs.log":    "plain text line\n",
		"tenant-b/worker/jobs.log.gz": "rotated, ignored\n",
		"tenant-c/app.log":            `{"message":"ready"}` + "\n",
		"tenant-c/notes.txt":          "not a log\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		dir := filepath.Dir(fullPath)

		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}

		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", fullPath, err)
		}
	}

	return tempDir
}
