package versions

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

const (
	opServiceNew = "versions.service.new"

	fieldRepositoryID = "repository_id"
	fieldBranchID     = "branch_id"
	fieldCommitID     = "commit_id"
	fieldFileID       = "file_id"
	fieldSnapshotID   = "snapshot_id"

	reasonMissingDatabase   = "missing_database"
	reasonMissingIDProvider = "missing_id_provider"
	reasonIDGeneration      = "id_generation_failed"
	reasonQueryFailed       = "query_failed"
	reasonInsertFailed      = "insert_failed"
	reasonUpdateFailed      = "update_failed"
	reasonLockFailed        = "lock_failed"
	reasonNotFound          = "not_found"
	reasonInvalidInput      = "invalid_input"
	reasonImmutable         = "immutable_record"
)

// ServiceConfig describes the dependencies of the versioning engine.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Locker     RepositoryLocker
	Archive    ArchiveScheduler
	Listener   CommitListener
	Logger     *zap.Logger
}

// Service is the versioning and diff engine. It owns snapshots, branch state, commits,
// diff classification and ancestry resolution for every repository in one database.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	locker     RepositoryLocker
	archive    ArchiveScheduler
	listener   CommitListener
	logger     *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	locker := cfg.Locker
	if locker == nil {
		locker = NewProcessLocker()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		locker:     locker,
		archive:    cfg.Archive,
		listener:   cfg.Listener,
		logger:     logger,
	}, nil
}

func (s *Service) nowSeconds() int64 {
	return s.clock().UTC().Unix()
}

// inRepositoryTransaction runs fn inside one transaction while holding the repository lock.
// The lock is released only after the transaction has committed or rolled back.
func (s *Service) inRepositoryTransaction(ctx context.Context, operation string, repositoryID RepositoryID, fn func(tx *gorm.DB) error) error {
	var release func()
	defer func() {
		if release != nil {
			release()
		}
	}()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		unlock, err := s.locker.Lock(ctx, tx, repositoryID)
		if err != nil {
			s.logError(operation, reasonLockFailed, err, zap.String(fieldRepositoryID, repositoryID.String()))
			return newServiceError(operation, reasonLockFailed, err)
		}
		release = unlock
		return fn(tx)
	})
}

func (s *Service) newID(operation string) (string, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, reasonIDGeneration, err)
		return "", newServiceError(operation, reasonIDGeneration, err)
	}
	return id, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("versions service error", attrs...)
}

// fail logs and wraps err unless it already carries a domain meaning the caller must see.
func (s *Service) fail(operation, reason string, err error, fields ...zap.Field) error {
	switch err.(type) {
	case *ServiceError, *NotFoundError, *ImmutableRecordError, *StaleBranchError:
		return err
	}
	s.logError(operation, reason, err, fields...)
	return newServiceError(operation, reason, err)
}
