package versions

import (
	"context"
	"sync"

	"github.com/zeebo/xxh3"
	"gorm.io/gorm"
)

// RepositoryLocker serializes mutations of one repository's branch state and commits.
// Lock is called inside the operation's transaction; the returned release function runs
// after that transaction has finished.
type RepositoryLocker interface {
	Lock(ctx context.Context, tx *gorm.DB, repositoryID RepositoryID) (func(), error)
}

// ProcessLocker keeps one lock per repository in process memory. It suits the embedded
// SQLite deployment where a single process owns the database.
type ProcessLocker struct {
	mu    sync.Mutex
	locks map[RepositoryID]*processLock
}

type processLock struct {
	slot    chan struct{}
	holders int
}

// NewProcessLocker constructs an empty ProcessLocker.
func NewProcessLocker() *ProcessLocker {
	return &ProcessLocker{locks: make(map[RepositoryID]*processLock)}
}

// Lock blocks until the repository lock is free or ctx is done.
func (l *ProcessLocker) Lock(ctx context.Context, _ *gorm.DB, repositoryID RepositoryID) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[repositoryID]
	if !ok {
		lock = &processLock{slot: make(chan struct{}, 1)}
		l.locks[repositoryID] = lock
	}
	lock.holders++
	l.mu.Unlock()

	select {
	case lock.slot <- struct{}{}:
	case <-ctx.Done():
		l.forget(repositoryID, lock)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.slot
			l.forget(repositoryID, lock)
		})
	}, nil
}

func (l *ProcessLocker) forget(repositoryID RepositoryID, lock *processLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.holders--
	if lock.holders == 0 {
		delete(l.locks, repositoryID)
	}
}

// AdvisoryLocker takes a transaction-scoped PostgreSQL advisory lock keyed by the repository.
// PostgreSQL releases it when the transaction ends.
type AdvisoryLocker struct{}

// NewAdvisoryLocker constructs an AdvisoryLocker.
func NewAdvisoryLocker() AdvisoryLocker {
	return AdvisoryLocker{}
}

// Lock issues pg_advisory_xact_lock on the transaction connection.
func (AdvisoryLocker) Lock(ctx context.Context, tx *gorm.DB, repositoryID RepositoryID) (func(), error) {
	if err := tx.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(?)", advisoryKey(repositoryID)).Error; err != nil {
		return nil, err
	}
	return func() {}, nil
}

func advisoryKey(repositoryID RepositoryID) int64 {
	return int64(xxh3.HashString(repositoryID.String()))
}

// NewLockerForDialect picks the locker matching the gorm dialect name.
func NewLockerForDialect(dialect string) RepositoryLocker {
	if dialect == "postgres" {
		return NewAdvisoryLocker()
	}
	return NewProcessLocker()
}
