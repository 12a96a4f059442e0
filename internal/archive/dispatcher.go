package archive

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/versions"
)

const (
	defaultQueueSize      = 64
	defaultWorkers        = 1
	defaultBackendTimeout = 30 * time.Second
)

var errMissingBackend = errors.New("archive backend dependency required")

// Backend copies one snapshot's content into long-term storage.
type Backend interface {
	Archive(ctx context.Context, request versions.ArchiveRequest) error
}

// DispatcherConfig describes the queue and the backend it drains into.
type DispatcherConfig struct {
	Backend        Backend
	QueueSize      int
	Workers        int
	BackendTimeout time.Duration
	Logger         *zap.Logger
}

// Dispatcher queues archive requests in memory and hands them to the backend from a fixed set
// of workers. Schedule never blocks; requests that do not fit the queue are dropped.
type Dispatcher struct {
	backend Backend
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan versions.ArchiveRequest
	wg     sync.WaitGroup
}

// NewDispatcher starts the workers.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	timeout := cfg.BackendTimeout
	if timeout <= 0 {
		timeout = defaultBackendTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dispatcher := &Dispatcher{
		backend: cfg.Backend,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan versions.ArchiveRequest, queueSize),
	}
	dispatcher.wg.Add(workers)
	for index := 0; index < workers; index++ {
		go dispatcher.work()
	}
	return dispatcher, nil
}

// Schedule enqueues the request.
func (d *Dispatcher) Schedule(request versions.ArchiveRequest) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("archive request dropped", append(requestFields(request), zap.String("reason", "closed"))...)
		return
	}
	select {
	case d.queue <- request:
	default:
		d.logger.Warn("archive request dropped", append(requestFields(request), zap.String("reason", "queue_full"))...)
	}
}

// Close stops accepting requests, drains the queue and waits for the workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for request := range d.queue {
		d.archive(request)
	}
}

func (d *Dispatcher) archive(request versions.ArchiveRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.backend.Archive(ctx, request); err != nil {
		d.logger.Error("archive request failed", append(requestFields(request), zap.Error(err))...)
		return
	}
	d.logger.Debug("snapshot archived", requestFields(request)...)
}

func requestFields(request versions.ArchiveRequest) []zap.Field {
	return []zap.Field{
		zap.String("repository_id", request.RepositoryID.String()),
		zap.String("commit_id", request.CommitID.String()),
		zap.String("file_id", request.FileID.String()),
		zap.String("snapshot_id", request.SnapshotID.String()),
	}
}

// LogBackend records archive requests in the log. It stands in when no archival system is
// configured.
type LogBackend struct {
	Logger *zap.Logger
}

// Archive logs the request.
func (b LogBackend) Archive(_ context.Context, request versions.ArchiveRequest) error {
	if b.Logger == nil {
		return nil
	}
	b.Logger.Info("archive requested", append(requestFields(request),
		zap.String("external_reference", request.ExternalReference),
		zap.String("content_marker", request.ContentMarker))...)
	return nil
}
