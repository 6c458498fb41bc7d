package daemon

import (
	"sync"
)

// Metrics tracks the file input side: discovery, the worker pool and the
// lines handed to the sink.
type Metrics struct {
	FilesDiscovered     int
	FilesProcessed      int
	FilesFailed         int
	QueuedFiles         int
	FilesQueueCapacity  int
	WorkersActive       int
	WorkersBusy         int
	ScaleUpOperations   int
	ScaleDownOperations int
	LinesRead           int
	SinkErrors          int
	mu                  sync.RWMutex
}

func (m *Metrics) add(counter *int, delta int) {
	m.mu.Lock()
	*counter += delta
	m.mu.Unlock()
}

func (m *Metrics) IncFilesDiscovered()     { m.add(&m.FilesDiscovered, 1) }
func (m *Metrics) IncFilesProcessed()      { m.add(&m.FilesProcessed, 1) }
func (m *Metrics) IncFilesFailed()         { m.add(&m.FilesFailed, 1) }
func (m *Metrics) IncQueuedFiles()         { m.add(&m.QueuedFiles, 1) }
func (m *Metrics) DecQueuedFiles()         { m.add(&m.QueuedFiles, -1) }
func (m *Metrics) IncWorkersActive()       { m.add(&m.WorkersActive, 1) }
func (m *Metrics) DecWorkersActive()       { m.add(&m.WorkersActive, -1) }
func (m *Metrics) IncWorkersBusy()         { m.add(&m.WorkersBusy, 1) }
func (m *Metrics) DecWorkersBusy()         { m.add(&m.WorkersBusy, -1) }
func (m *Metrics) IncScaleUpOperations()   { m.add(&m.ScaleUpOperations, 1) }
func (m *Metrics) IncScaleDownOperations() { m.add(&m.ScaleDownOperations, 1) }
func (m *Metrics) IncLinesRead()           { m.add(&m.LinesRead, 1) }
func (m *Metrics) IncSinkErrors()          { m.add(&m.SinkErrors, 1) }

func (m *Metrics) GetMetricsStamp() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		FilesDiscovered:     m.FilesDiscovered,
		FilesProcessed:      m.FilesProcessed,
		FilesFailed:         m.FilesFailed,
		QueuedFiles:         m.QueuedFiles,
		FilesQueueCapacity:  m.FilesQueueCapacity,
		WorkersActive:       m.WorkersActive,
		WorkersBusy:         m.WorkersBusy,
		ScaleUpOperations:   m.ScaleUpOperations,
		ScaleDownOperations: m.ScaleDownOperations,
		LinesRead:           m.LinesRead,
		SinkErrors:          m.SinkErrors,
	}
}

// GetQueueUsage is the fraction of the file queue currently occupied.
func (m *Metrics) GetQueueUsage() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FilesQueueCapacity == 0 {
		return 0
	}
	return float64(m.QueuedFiles) / float64(m.FilesQueueCapacity)
}
