// Package daemon is the event source: it discovers log files under a root
// directory, tails them with a pool of workers and hands every line to an
// EventSink as a structured event.
package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"

	"github.com/Chichichkin/thetapoint-forwarder/internal/event"
	"github.com/Chichichkin/thetapoint-forwarder/internal/output"
)

// EventSink receives events one at a time.
type EventSink interface {
	OnEvent(ctx context.Context, ev event.Event) error
}

type Config struct {
	Root    string
	Pattern string
	// FromBeginning reads files discovered for the first time from the
	// start instead of only new lines.
	FromBeginning      bool
	ScanInterval       time.Duration
	MinWorkers         int
	MaxWorkers         int
	FileQueueSize      int
	NodeName           string
	ScaleUpThreshold   float64 // default: 0.9
	ScaleDownThreshold float64 // default: 0.3
	ScaleCheckInterval time.Duration
	// If > 0, stop tailing a file after this period without new lines
	FileIdleTimeout time.Duration
	MetricsInterval time.Duration
}

type Service struct {
	config        Config
	sink          EventSink
	logger        *slog.Logger
	fileQueue     chan string
	workers       []*worker
	workersWg     sync.WaitGroup
	subServicesWg sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	metrics       *Metrics

	scaleMutex     sync.RWMutex
	currentWorkers int
	maxWorkers     int
	minWorkers     int

	// filesMutex guards the file bookkeeping below. A file is active from
	// the moment it is queued until its worker stops tailing it.
	filesMutex  sync.Mutex
	seenFiles   map[string]struct{}
	activeFiles map[string]struct{}
	offsets     map[string]int64
}

type worker struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates the input daemon. Start launches 3 + MinWorkers
// goroutines.
func NewService(ctx context.Context, config Config, sink EventSink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Pattern == "" {
		config.Pattern = "*.log"
	}
	if config.MinWorkers <= 0 {
		config.MinWorkers = 1
	}
	if config.MaxWorkers < config.MinWorkers {
		config.MaxWorkers = config.MinWorkers
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = 30 * time.Second
	}
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = 30 * time.Second
	}

	nCtx, cancel := context.WithCancel(ctx)

	service := &Service{
		config:    config,
		sink:      sink,
		logger:    logger,
		fileQueue: make(chan string, config.FileQueueSize),
		ctx:       nCtx,
		cancel:    cancel,
		metrics: &Metrics{
			FilesQueueCapacity: config.FileQueueSize,
		},
		minWorkers:     config.MinWorkers,
		maxWorkers:     config.MaxWorkers,
		currentWorkers: config.MinWorkers,
		seenFiles:      make(map[string]struct{}),
		activeFiles:    make(map[string]struct{}),
		offsets:        make(map[string]int64),
	}

	service.workers = make([]*worker, config.MaxWorkers+1)

	return service
}

func (s *Service) Start() {
	s.logger.Info("starting file input",
		"root", s.config.Root,
		"pattern", s.config.Pattern,
		"min_workers", s.minWorkers,
		"max_workers", s.maxWorkers,
		"queue_size", s.config.FileQueueSize,
	)

	for i := 0; i < s.minWorkers; i++ {
		s.startWorker(i)
	}

	s.subServicesWg.Add(1)
	go s.scanner()

	s.subServicesWg.Add(1)
	go s.monitorAndScale()

	s.subServicesWg.Add(1)
	go s.metricsReporter()
}

// Stop cancels all tailing and waits for the workers, so no event is
// delivered to the sink after Stop returns.
func (s *Service) Stop() {
	s.logger.Info("stopping file input")
	s.cancel()

	s.subServicesWg.Wait()

	close(s.fileQueue)
	s.workersWg.Wait()

	s.logger.Info("file input stopped")
}

func (s *Service) Metrics() Metrics {
	return s.metrics.GetMetricsStamp()
}

func (s *Service) startWorker(id int) {
	if id >= len(s.workers) || s.workers[id] != nil {
		return
	}

	workerCtx, cancel := context.WithCancel(s.ctx)
	w := &worker{
		id:     id,
		ctx:    workerCtx,
		cancel: cancel,
	}
	s.workers[id] = w

	s.workersWg.Add(1)
	go s.worker(w)

	s.metrics.IncWorkersActive()
	s.logger.Debug("worker started", "worker", id)
}

func (s *Service) stopWorker(id int) {
	if id >= len(s.workers) || s.workers[id] == nil {
		return
	}

	s.workers[id].cancel()
	s.workers[id] = nil

	s.metrics.DecWorkersActive()
	s.logger.Debug("worker stopped", "worker", id)
}

func (s *Service) worker(w *worker) {
	defer s.workersWg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker panicked", "worker", w.id, "panic", r)
		}
	}()

	for {
		select {
		case filePath, ok := <-s.fileQueue:
			if !ok {
				return
			}
			s.metrics.DecQueuedFiles()
			s.metrics.IncWorkersBusy()
			s.processFile(w.ctx, filePath)
			s.metrics.DecWorkersBusy()
			s.release(filePath)

		case <-w.ctx.Done():
			return
		}
	}
}

func (s *Service) processFile(ctx context.Context, filePath string) {
	defer s.metrics.IncFilesProcessed()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("file processing panicked", "file", filePath, "panic", r)
			s.metrics.IncFilesFailed()
		}
	}()

	offset := s.startOffset(filePath)
	t, err := tail.TailFile(filePath, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: &tail.SeekInfo{Offset: offset, Whence: io.SeekStart},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		s.logger.Warn("failed to tail file", "file", filePath, "error", err)
		s.metrics.IncFilesFailed()
		return
	}
	defer func() {
		// the tailer blocks sending the next line until someone reads it,
		// so keep reading until Stop closes the channel
		go func() {
			for range t.Lines {
			}
		}()
		_ = t.Stop()
		t.Cleanup()
		s.saveOffset(filePath, offset)
	}()

	checkTicker := time.NewTicker(1 * time.Second)
	defer checkTicker.Stop()

	lastActivity := time.Now()

	for {
		select {
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line == nil {
				continue
			}
			if line.Err != nil {
				s.logger.Warn("error reading file", "file", filePath, "error", line.Err)
				continue
			}
			lastActivity = time.Now()

			ev := s.parseLine(filePath, line.Text)
			if ev == nil {
				offset += int64(len(line.Text)) + 1
				continue
			}
			s.metrics.IncLinesRead()

			// a count-triggered flush may run inside OnEvent; stopping the
			// input must not abort that send halfway
			err := s.sink.OnEvent(context.WithoutCancel(ctx), ev)
			if errors.Is(err, output.ErrForwarderClosed) || errors.Is(err, output.ErrBufferClosed) {
				s.metrics.IncSinkErrors()
				s.logger.Warn("sink closed, stop tailing", "file", filePath)
				return
			}
			offset += int64(len(line.Text)) + 1
			if err != nil {
				s.metrics.IncSinkErrors()
				s.logger.Warn("sink rejected event", "file", filePath, "error", err)
			}

		case <-checkTicker.C:
			// waking up from blocking line reading to check context status and idle timeout
			if s.config.FileIdleTimeout > 0 && time.Since(lastActivity) > s.config.FileIdleTimeout {
				s.logger.Debug("releasing idle file", "file", filePath)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// startOffset is the byte offset tailing starts from. Known files resume
// after the last line handed to the sink, restarting from the top when
// they shrank (truncated or rotated in place). New files start at their
// current end unless FromBeginning is set.
func (s *Service) startOffset(filePath string) int64 {
	s.filesMutex.Lock()
	offset, known := s.offsets[filePath]
	s.filesMutex.Unlock()

	info, err := os.Stat(filePath)
	if err != nil {
		return 0
	}
	if !known {
		if s.config.FromBeginning {
			return 0
		}
		return info.Size()
	}
	if info.Size() < offset {
		return 0
	}
	return offset
}

func (s *Service) saveOffset(filePath string, offset int64) {
	s.filesMutex.Lock()
	defer s.filesMutex.Unlock()
	s.offsets[filePath] = offset
}

// parseLine turns one line into an event. JSON objects are kept as they
// are; anything else becomes the message field. Blank lines yield nil.
func (s *Service) parseLine(filePath, text string) event.Event {
	text = strings.TrimRight(text, "\r")
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var ev event.Event
	if strings.HasPrefix(strings.TrimSpace(text), "{") {
		decoder := json.NewDecoder(bytes.NewReader([]byte(text)))
		decoder.UseNumber()
		if err := decoder.Decode(&ev); err != nil {
			ev = nil
		}
	}
	if ev == nil {
		ev = event.Event{"message": text}
	}

	if _, ok := ev["@timestamp"]; !ok {
		ev["@timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if _, ok := ev["path"]; !ok {
		ev["path"] = filePath
	}
	if _, ok := ev["host"]; !ok && s.config.NodeName != "" {
		ev["host"] = s.config.NodeName
	}
	return ev
}

func (s *Service) scanner() {
	defer s.subServicesWg.Done()

	s.scanFiles()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanFiles()

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) scanFiles() {
	files, err := s.discoverLogFiles()
	if err != nil {
		s.logger.Warn("error discovering log files", "root", s.config.Root, "error", err)
		return
	}

	for _, file := range files {
		if !s.claim(file) {
			continue
		}
		select {
		case s.fileQueue <- file:
			s.metrics.IncQueuedFiles()
		case <-s.ctx.Done():
			s.release(file)
			return

		default:
			s.release(file)
			s.logger.Warn("file queue full, skipping",
				"queued", len(s.fileQueue),
				"capacity", cap(s.fileQueue),
				"file", file,
			)
		}
	}
}

// claim marks file active unless it already is.
func (s *Service) claim(file string) bool {
	s.filesMutex.Lock()
	defer s.filesMutex.Unlock()

	if _, ok := s.seenFiles[file]; !ok {
		s.metrics.IncFilesDiscovered()
		s.seenFiles[file] = struct{}{}
	}
	if _, ok := s.activeFiles[file]; ok {
		return false
	}
	s.activeFiles[file] = struct{}{}
	return true
}

func (s *Service) release(file string) {
	s.filesMutex.Lock()
	defer s.filesMutex.Unlock()
	delete(s.activeFiles, file)
}

func (s *Service) monitorAndScale() {
	defer s.subServicesWg.Done()

	if s.config.ScaleCheckInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.config.ScaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.adjustWorkers()

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) adjustWorkers() {
	if s.minWorkers == s.maxWorkers {
		return
	}

	metrics := s.metrics.GetMetricsStamp()
	queueUsage := s.metrics.GetQueueUsage()

	s.scaleMutex.RLock()
	current := s.currentWorkers
	s.scaleMutex.RUnlock()

	workerUtilization := 0.0
	if current > 0 {
		workerUtilization = float64(metrics.WorkersBusy) / float64(current)
	}

	switch {
	case workerUtilization > s.config.ScaleUpThreshold &&
		(queueUsage > s.config.ScaleUpThreshold || metrics.QueuedFiles > 0) &&
		current < s.maxWorkers:
		s.scaleUp()
	case queueUsage < s.config.ScaleDownThreshold &&
		workerUtilization < s.config.ScaleDownThreshold &&
		current > s.minWorkers:
		s.scaleDown()
	}
}

func (s *Service) scaleUp() {
	s.scaleMutex.Lock()
	defer s.scaleMutex.Unlock()

	if s.currentWorkers >= s.maxWorkers {
		return
	}

	newWorkerID := s.currentWorkers
	s.currentWorkers++

	s.startWorker(newWorkerID)
	s.metrics.IncScaleUpOperations()

	s.logger.Info("scaled up file workers",
		"workers", s.currentWorkers,
		"queue_usage", s.metrics.GetQueueUsage(),
	)
}

func (s *Service) scaleDown() {
	s.scaleMutex.Lock()
	defer s.scaleMutex.Unlock()

	if s.currentWorkers <= s.minWorkers {
		return
	}

	workerToStop := s.currentWorkers - 1
	s.currentWorkers--

	s.stopWorker(workerToStop)
	s.metrics.IncScaleDownOperations()

	s.logger.Info("scaled down file workers",
		"workers", s.currentWorkers,
		"queue_usage", s.metrics.GetQueueUsage(),
	)
}

func (s *Service) metricsReporter() {
	defer s.subServicesWg.Done()

	ticker := time.NewTicker(s.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics := s.metrics.GetMetricsStamp()
			s.logger.Info("file input metrics",
				"workers_active", metrics.WorkersActive,
				"workers_max", s.maxWorkers,
				"workers_busy", metrics.WorkersBusy,
				"queued_files", metrics.QueuedFiles,
				"queue_capacity", s.config.FileQueueSize,
				"files_processed", metrics.FilesProcessed,
				"files_discovered", metrics.FilesDiscovered,
				"lines_read", metrics.LinesRead,
				"sink_errors", metrics.SinkErrors,
			)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) discoverLogFiles() ([]string, error) {
	var logFiles []string

	err := filepath.WalkDir(s.config.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Debug("error accessing path", "path", path, "error", err)
			return nil
		}

		if d.IsDir() {
			return nil
		}
		if matched, _ := filepath.Match(s.config.Pattern, d.Name()); matched {
			logFiles = append(logFiles, path)
		}
		return nil
	})

	return logFiles, err
}
