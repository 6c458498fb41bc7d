package forwarder

import (
	"sync"
)

// Metrics counts what happened to events and payloads. All methods are
// safe for concurrent use.
type Metrics struct {
	EventsReceived int
	EventsFiltered int
	EventsDropped  int
	EventsSent     int
	PayloadsSent   int
	PayloadsFailed int
	Retries        int
	BytesRaw       int
	BytesSent      int
	mu             sync.RWMutex
}

func (m *Metrics) IncEventsReceived() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EventsReceived++
}

func (m *Metrics) IncEventsFiltered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EventsFiltered++
}

func (m *Metrics) AddEventsDropped(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EventsDropped += n
}

func (m *Metrics) IncRetries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Retries++
}

// RecordSent counts one delivered payload.
func (m *Metrics) RecordSent(events, rawBytes, wireBytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PayloadsSent++
	m.EventsSent += events
	m.BytesRaw += rawBytes
	m.BytesSent += wireBytes
}

func (m *Metrics) IncPayloadsFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PayloadsFailed++
}

func (m *Metrics) GetMetricsStamp() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		EventsReceived: m.EventsReceived,
		EventsFiltered: m.EventsFiltered,
		EventsDropped:  m.EventsDropped,
		EventsSent:     m.EventsSent,
		PayloadsSent:   m.PayloadsSent,
		PayloadsFailed: m.PayloadsFailed,
		Retries:        m.Retries,
		BytesRaw:       m.BytesRaw,
		BytesSent:      m.BytesSent,
	}
}

// CompressionRatio is wire bytes over raw bytes across all payloads.
func (m *Metrics) CompressionRatio() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.BytesRaw == 0 {
		return 1
	}
	return float64(m.BytesSent) / float64(m.BytesRaw)
}
