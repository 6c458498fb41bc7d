package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/thetapoint-forwarder/internal/event"
	"github.com/Chichichkin/thetapoint-forwarder/internal/output"
	"github.com/Chichichkin/thetapoint-forwarder/internal/testutils"
)

const (
	defaultScanInterval       = 10 * time.Millisecond
	defaultScaleCheckInterval = 10 * time.Millisecond
)

func makeTestConfig(root string) Config {
	return Config{
		Root:               root,
		Pattern:            "*.log",
		ScanInterval:       defaultScanInterval,
		MinWorkers:         1,
		MaxWorkers:         3,
		FileQueueSize:      10,
		NodeName:           "node-1",
		ScaleUpThreshold:   0.5,
		ScaleDownThreshold: 0.25,
		ScaleCheckInterval: defaultScaleCheckInterval,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(ctx context.Context, config Config, sink EventSink) *Service {
	return NewService(ctx, config, sink, discardLogger())
}

func TestService_ContextCancellation(t *testing.T) {
	sink := &testutils.MockEventSink{}
	config := makeTestConfig(t.TempDir())
	config.MaxWorkers = 2

	ctx, cancel := context.WithCancel(context.Background())
	s := newTestService(ctx, config, sink)
	s.Start()

	cancel()
	time.Sleep(20 * time.Millisecond)

	select {
	case <-s.ctx.Done():
	default:
		t.Fatalf("service context not cancelled")
	}

	s.Stop()
}

func TestAdjustWorkers_ScaleUpAndDown(t *testing.T) {
	sink := &testutils.MockEventSink{}
	config := makeTestConfig(t.TempDir())
	config.MinWorkers = 1
	config.MaxWorkers = 3

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestService(ctx, config, sink)

	s.metrics.IncWorkersBusy()
	s.metrics.IncQueuedFiles()

	s.adjustWorkers()
	assert.Equal(t, 2, s.currentWorkers)
	assert.Equal(t, 1, s.Metrics().ScaleUpOperations)

	s.metrics.DecWorkersBusy()
	s.metrics.DecQueuedFiles()

	s.adjustWorkers()
	assert.Equal(t, 1, s.currentWorkers)
	assert.Equal(t, 1, s.Metrics().ScaleDownOperations)

	s.adjustWorkers()
	assert.Equal(t, s.minWorkers, s.currentWorkers, "never below min workers")

	s.cancel()
	s.workersWg.Wait()
}

func TestParseLine(t *testing.T) {
	s := newTestService(context.Background(), makeTestConfig("/tmp"), &testutils.MockEventSink{})

	ev := s.parseLine("/var/log/app.log", `{"message":"hi","count":12345678901234567890,"host":"web-1"}`)
	require.NotNil(t, ev)
	assert.Equal(t, "hi", ev["message"])
	assert.Equal(t, json.Number("12345678901234567890"), ev["count"])
	assert.Equal(t, "web-1", ev["host"], "existing host is kept")
	assert.Equal(t, "/var/log/app.log", ev["path"])
	assert.NotEmpty(t, ev["@timestamp"])

	ev = s.parseLine("/var/log/app.log", "plain text\r")
	require.NotNil(t, ev)
	assert.Equal(t, "plain text", ev["message"])
	assert.Equal(t, "node-1", ev["host"])

	ev = s.parseLine("/var/log/app.log", `{"broken json`)
	require.NotNil(t, ev)
	assert.Equal(t, `{"broken json`, ev["message"])

	assert.Nil(t, s.parseLine("/var/log/app.log", "   "))
}

func TestDiscoverLogFiles_UsesTempStructure(t *testing.T) {
	root := testutils.CreateTempLogStructure(t)
	config := makeTestConfig(root)

	s := newTestService(context.TODO(), config, &testutils.MockEventSink{})
	files, err := s.discoverLogFiles()
	assert.NoError(t, err)
	assert.Len(t, files, 4)
}

func TestScanner_DiscoveredFiles(t *testing.T) {
	tempDir := t.TempDir()

	_ = os.WriteFile(filepath.Join(tempDir, "a.log"), []byte("one\n"), 0644)
	_ = os.WriteFile(filepath.Join(tempDir, "b.log"), []byte("two\n"), 0644)
	_ = os.WriteFile(filepath.Join(tempDir, "c.txt"), []byte("ignore\n"), 0644)

	config := makeTestConfig(tempDir)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	s := newTestService(ctx, config, &testutils.MockEventSink{})

	s.scanFiles()

	metrics := s.metrics.GetMetricsStamp()
	assert.Equal(t, 2, metrics.QueuedFiles)
	assert.Equal(t, 2, metrics.FilesDiscovered)

	// files already queued are not queued twice
	s.scanFiles()
	metrics = s.metrics.GetMetricsStamp()
	assert.Equal(t, 2, metrics.QueuedFiles)
	assert.Equal(t, 2, metrics.FilesDiscovered)
}

func TestProcessFile_TailsAppendedLines(t *testing.T) {
	sink := &testutils.MockEventSink{}
	tempDir := t.TempDir()
	file := filepath.Join(tempDir, "tailme.log")
	if err := os.WriteFile(file, []byte("start\n"), 0644); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}

	config := makeTestConfig(tempDir)
	config.ScanInterval = 100 * time.Millisecond
	config.MinWorkers = 1
	config.MaxWorkers = 1
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := newTestService(ctx, config, sink)

	s.Start()

	time.Sleep(200 * time.Millisecond)

	f, err := os.OpenFile(file, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	_, _ = f.WriteString(`{"message":"l1","tenant":"t"}` + "\n")
	_, _ = f.WriteString("l2\n")
	_ = f.Close()

	require.Eventually(t, func() bool {
		events, _ := sink.GetStats()
		return events >= 2
	}, 3*time.Second, 50*time.Millisecond)

	s.Stop()

	events := sink.GetEvents()
	assert.Equal(t, []string{"l1", "l2"}, testutils.Messages(events), "existing content is skipped by default")
	assert.Equal(t, "t", events[0]["tenant"])
	assert.Equal(t, file, events[1]["path"])
}

func TestProcessFile_FromBeginning(t *testing.T) {
	sink := &testutils.MockEventSink{}
	tempDir := t.TempDir()
	file := filepath.Join(tempDir, "history.log")
	require.NoError(t, os.WriteFile(file, []byte("old-1\nold-2\n"), 0644))

	config := makeTestConfig(tempDir)
	config.FromBeginning = true
	config.MaxWorkers = 1
	s := newTestService(context.Background(), config, sink)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		events, _ := sink.GetStats()
		return events >= 2
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, []string{"old-1", "old-2"}, testutils.Messages(sink.GetEvents()))
}

type closedSink struct {
	testutils.MockEventSink
}

func (c *closedSink) OnEvent(ctx context.Context, ev event.Event) error {
	_ = c.MockEventSink.OnEvent(ctx, ev)
	return output.ErrForwarderClosed
}

func TestProcessFile_KeepsTailingWhenSinkFails(t *testing.T) {
	sink := &testutils.MockEventSink{ShouldFail: true}
	tempDir := t.TempDir()
	file := filepath.Join(tempDir, "x.log")
	require.NoError(t, os.WriteFile(file, []byte("a\nb\n"), 0644))

	config := makeTestConfig(tempDir)
	config.FromBeginning = true
	config.MaxWorkers = 1
	s := newTestService(context.Background(), config, sink)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.Metrics().SinkErrors >= 2
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 2, s.Metrics().LinesRead)
	assert.Equal(t, 0, s.Metrics().FilesProcessed, "file is still being tailed")
}

func TestProcessFile_StopsWhenSinkClosed(t *testing.T) {
	sink := &closedSink{}
	tempDir := t.TempDir()
	file := filepath.Join(tempDir, "x.log")
	require.NoError(t, os.WriteFile(file, []byte("a\nb\n"), 0644))

	config := makeTestConfig(tempDir)
	config.FromBeginning = true
	config.MaxWorkers = 1
	config.ScanInterval = time.Hour
	s := newTestService(context.Background(), config, sink)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.Metrics().FilesProcessed == 1
	}, 3*time.Second, 20*time.Millisecond)

	metrics := s.Metrics()
	assert.Equal(t, 1, metrics.LinesRead)
	assert.Equal(t, 1, metrics.SinkErrors)
	_, calls := sink.GetStats()
	assert.Equal(t, 1, calls)
}

func writeNumberedLines(t *testing.T, path string, n int) int {
	t.Helper()
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "line-%03d\n", i)
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	return len("line-000\n")
}

func TestService_StopWithBacklog(t *testing.T) {
	sink := &testutils.MockEventSink{Delay: 20 * time.Millisecond}
	tempDir := t.TempDir()
	file := filepath.Join(tempDir, "backlog.log")
	lineSize := writeNumberedLines(t, file, 200)

	config := makeTestConfig(tempDir)
	config.FromBeginning = true
	config.MaxWorkers = 1
	config.ScanInterval = time.Hour
	s := newTestService(context.Background(), config, sink)
	s.Start()

	require.Eventually(t, func() bool {
		events, _ := sink.GetStats()
		return events >= 3
	}, 3*time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop blocked with unread lines pending")
	}

	delivered := len(sink.GetEvents())
	assert.Less(t, delivered, 200)
	assert.Equal(t, 1, s.Metrics().FilesProcessed)

	// resuming starts right after the last delivered line
	assert.Equal(t, int64(delivered*lineSize), s.startOffset(file))
}

func TestProcessFile_ResumesAfterRelease(t *testing.T) {
	sink := &testutils.MockEventSink{}
	tempDir := t.TempDir()
	file := filepath.Join(tempDir, "resume.log")
	lineSize := writeNumberedLines(t, file, 3)

	config := makeTestConfig(tempDir)
	config.FromBeginning = true
	s := newTestService(context.Background(), config, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.processFile(ctx, file)
		close(done)
	}()

	require.Eventually(t, func() bool {
		events, _ := sink.GetStats()
		return events == 3
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, int64(3*lineSize), s.startOffset(file))

	f, err := os.OpenFile(file, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, _ = f.WriteString("line-003\n")
	_ = f.Close()

	ctx, cancel = context.WithCancel(context.Background())
	done = make(chan struct{})
	go func() {
		s.processFile(ctx, file)
		close(done)
	}()

	require.Eventually(t, func() bool {
		events, _ := sink.GetStats()
		return events == 4
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"line-000", "line-001", "line-002", "line-003"}, testutils.Messages(sink.GetEvents()),
		"no line skipped or repeated across the release")
	cancel()
	<-done
	assert.Equal(t, int64(4*lineSize), s.startOffset(file))

	require.NoError(t, os.WriteFile(file, []byte("x\n"), 0644))
	s.saveOffset(file, 100)
	assert.Equal(t, int64(0), s.startOffset(file), "truncated file restarts from the top")
}
