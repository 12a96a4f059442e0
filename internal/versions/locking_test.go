package versions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestProcessLockerSerializesPerRepository(t *testing.T) {
	locker := NewProcessLocker()
	release, err := locker.Lock(context.Background(), nil, RepositoryID("repo-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	otherRelease, err := locker.Lock(context.Background(), nil, RepositoryID("repo-2"))
	if err != nil {
		t.Fatalf("expected other repositories to lock independently: %v", err)
	}
	otherRelease()

	acquired := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		second, err := locker.Lock(context.Background(), nil, RepositoryID("repo-1"))
		if err != nil {
			t.Errorf("unexpected error: %v", err)
			return
		}
		close(acquired)
		second()
	}()

	select {
	case <-acquired:
		t.Fatalf("expected the second holder to wait")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("expected the lock to be handed over")
	}
	wg.Wait()

	locker.mu.Lock()
	remaining := len(locker.locks)
	locker.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected idle locks to be forgotten, got %d", remaining)
	}
}

func TestProcessLockerHonoursContext(t *testing.T) {
	locker := NewProcessLocker()
	release, err := locker.Lock(context.Background(), nil, RepositoryID("repo-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, nil, RepositoryID("repo-1")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNewLockerForDialect(t *testing.T) {
	if _, ok := NewLockerForDialect("postgres").(AdvisoryLocker); !ok {
		t.Fatalf("expected advisory locker for postgres")
	}
	if _, ok := NewLockerForDialect("sqlite").(*ProcessLocker); !ok {
		t.Fatalf("expected process locker for sqlite")
	}
	if advisoryKey(RepositoryID("repo-1")) != advisoryKey(RepositoryID("repo-1")) {
		t.Fatalf("expected stable advisory keys")
	}
}

func TestConcurrentCommitsSerialize(t *testing.T) {
	h := newTestHarness(t)
	fixture := newTreeFixture(t, h)
	fixture.document("plan.md", "", "v1")
	fixture.commitAll(fixture.branch(), "author-1", "initial import")
	fixture.document("plan.md", "", "v2")

	drafts := make([]Commit, 0, 2)
	for _, author := range []string{"author-1", "author-2"} {
		draft, err := h.service.CreateDraft(context.Background(), fixture.branch(), AuthorID(author))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		drafts = append(drafts, draft)
	}

	results := make(chan error, len(drafts))
	for _, draft := range drafts {
		go func(id string) {
			_, err := h.service.Commit(context.Background(), CommitID(id), PublishRequest{Title: "race"})
			results <- err
		}(draft.ID)
	}

	var succeeded, stale int
	for range drafts {
		err := <-results
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrStaleBranch):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || stale != 1 {
		t.Fatalf("expected one winner and one stale draft, got %d and %d", succeeded, stale)
	}
}
