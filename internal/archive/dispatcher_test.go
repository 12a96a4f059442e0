package archive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/versions"
)

type recordingBackend struct {
	mu       sync.Mutex
	archived []versions.ArchiveRequest
	release  chan struct{}
	err      error
}

func (b *recordingBackend) Archive(ctx context.Context, request versions.ArchiveRequest) error {
	if b.release != nil {
		select {
		case <-b.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.archived = append(b.archived, request)
	return b.err
}

func (b *recordingBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.archived)
}

func request(snapshotID string) versions.ArchiveRequest {
	return versions.ArchiveRequest{
		RepositoryID: "repo-1",
		CommitID:     "commit-1",
		FileID:       "file-1",
		SnapshotID:   versions.SnapshotID(snapshotID),
	}
}

func TestDispatcherDrainsOnClose(t *testing.T) {
	backend := &recordingBackend{}
	dispatcher, err := NewDispatcher(DispatcherConfig{Backend: backend, QueueSize: 8, Workers: 2, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}
	for index := 0; index < 5; index++ {
		dispatcher.Schedule(request("snapshot"))
	}
	dispatcher.Close()
	if got := backend.count(); got != 5 {
		t.Fatalf("expected 5 archived requests, got %d", got)
	}
}

func TestDispatcherDropsWhenQueueIsFull(t *testing.T) {
	backend := &recordingBackend{release: make(chan struct{})}
	core, logs := observer.New(zapcore.WarnLevel)
	dispatcher, err := NewDispatcher(DispatcherConfig{Backend: backend, QueueSize: 1, Workers: 1, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}

	dispatcher.Schedule(request("first"))
	deadline := time.Now().Add(time.Second)
	for len(dispatcher.queue) != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	dispatcher.Schedule(request("second"))
	dispatcher.Schedule(request("third"))

	if dropped := logs.FilterMessage("archive request dropped").Len(); dropped != 1 {
		t.Fatalf("expected one dropped request, got %d", dropped)
	}
	close(backend.release)
	dispatcher.Close()
	if got := backend.count(); got != 2 {
		t.Fatalf("expected 2 archived requests, got %d", got)
	}
}

func TestDispatcherLogsBackendFailures(t *testing.T) {
	backend := &recordingBackend{err: errors.New("bucket unavailable")}
	core, logs := observer.New(zapcore.ErrorLevel)
	dispatcher, err := NewDispatcher(DispatcherConfig{Backend: backend, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}
	dispatcher.Schedule(request("snapshot"))
	dispatcher.Close()
	if failed := logs.FilterMessage("archive request failed").Len(); failed != 1 {
		t.Fatalf("expected one failure log, got %d", failed)
	}
}

func TestDispatcherIgnoresRequestsAfterClose(t *testing.T) {
	backend := &recordingBackend{}
	dispatcher, err := NewDispatcher(DispatcherConfig{Backend: backend})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}
	dispatcher.Close()
	dispatcher.Close()
	dispatcher.Schedule(request("late"))
	if got := backend.count(); got != 0 {
		t.Fatalf("expected no archived requests, got %d", got)
	}
}

func TestNewDispatcherRequiresBackend(t *testing.T) {
	if _, err := NewDispatcher(DispatcherConfig{}); !errors.Is(err, errMissingBackend) {
		t.Fatalf("expected missing backend error, got %v", err)
	}
}
