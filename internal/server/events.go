package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/versions"
)

const (
	BranchEventAdvanced  = "branch-advanced"
	branchEventHeartbeat = "heartbeat"
	branchEventSource    = "folio-backend"
	defaultEventBuffer   = 16
)

// BranchEvent tells subscribers of a repository that one of its branches moved.
type BranchEvent struct {
	RepositoryID   string
	BranchID       string
	CommitID       string
	ParentCommitID string
	AuthorID       string
	EventType      string
	Timestamp      time.Time
}

// BranchEventHub fans branch events out to the open streams of each repository.
type BranchEventHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*branchSubscriber
	nextID      int64
	bufferSize  int
}

type branchSubscriber struct {
	id     int64
	stream chan BranchEvent
}

func NewBranchEventHub() *BranchEventHub {
	return &BranchEventHub{
		subscribers: make(map[string]map[int64]*branchSubscriber),
		bufferSize:  defaultEventBuffer,
	}
}

// Subscribe registers a stream for the repository until ctx ends or cleanup is called.
func (h *BranchEventHub) Subscribe(ctx context.Context, repositoryID string) (<-chan BranchEvent, func()) {
	if repositoryID == "" {
		ch := make(chan BranchEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &branchSubscriber{
		id:     h.nextSequence(),
		stream: make(chan BranchEvent, h.bufferSize),
	}
	h.registerSubscriber(repositoryID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.unregisterSubscriber(repositoryID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every subscriber of its repository. Slow subscribers miss it.
func (h *BranchEventHub) Publish(event BranchEvent) {
	if event.RepositoryID == "" || event.EventType == "" {
		return
	}
	h.mu.RLock()
	subscribers := h.subscribers[event.RepositoryID]
	if len(subscribers) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]*branchSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	h.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// CommitPublished announces a published commit as a branch-advanced event.
func (h *BranchEventHub) CommitPublished(publication versions.CommitPublication) {
	h.Publish(BranchEvent{
		RepositoryID:   publication.RepositoryID.String(),
		BranchID:       publication.BranchID.String(),
		CommitID:       publication.CommitID.String(),
		ParentCommitID: publication.ParentCommitID.String(),
		AuthorID:       publication.AuthorID.String(),
		EventType:      BranchEventAdvanced,
		Timestamp:      time.Unix(publication.PublishedAt, 0).UTC(),
	})
}

func (h *BranchEventHub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *BranchEventHub) registerSubscriber(repositoryID string, subscriber *branchSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[repositoryID]; !ok {
		h.subscribers[repositoryID] = make(map[int64]*branchSubscriber)
	}
	h.subscribers[repositoryID][subscriber.id] = subscriber
}

func (h *BranchEventHub) unregisterSubscriber(repositoryID string, subscriberID int64) {
	h.mu.Lock()
	subscribers := h.subscribers[repositoryID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(h.subscribers, repositoryID)
		}
	}
	h.mu.Unlock()
}

func (h *BranchEventHub) subscriberCount(repositoryID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[repositoryID])
}
