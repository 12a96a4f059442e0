package versions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCreateRepository = "versions.create_repository"
	opCreateFile       = "versions.create_file"
	opForkBranch       = "versions.fork_branch"
	opUpdateCurrent    = "versions.update_current"
	opRestoreFile      = "versions.restore_file"
	opLatestCommit     = "versions.latest_commit"
	opGetBranch        = "versions.get_branch"
	opRootFile         = "versions.root_file"

	reasonDuplicateName   = "duplicate_name"
	reasonDanglingParent  = "dangling_parent"
	reasonForeignFile     = "foreign_file"
	reasonCyclicPlacement = "cyclic_placement"

	// DefaultBranchName names the branch every repository starts with.
	DefaultBranchName = "main"

	branchFileBatchSize = 500
)

var (
	// ErrBranchExists indicates that a repository already has a branch with the requested name.
	ErrBranchExists = errors.New("versions: branch name already in use")

	errRootNotTracked   = errors.New("the repository root has no snapshots")
	errForeignFile      = errors.New("file belongs to a different repository")
	errDanglingParent   = errors.New("parent folder is not present in this branch")
	errOccupiedFolder   = errors.New("folder still contains files in this branch")
	errParentNotFolder  = errors.New("parent is not a folder")
	errCyclicPlacement  = errors.New("a folder cannot be placed inside itself or its descendants")
	errUnpublishedState = errors.New("only published commits can be restored from")
)

// RepositoryLayout is what CreateRepository produces.
type RepositoryLayout struct {
	Repository Repository
	Root       File
	Main       Branch
}

// CurrentUpdate reports the outcome of moving a branch's current pointer for one file.
// Snapshot is nil when the file is now absent from the branch.
type CurrentUpdate struct {
	Snapshot *Snapshot
	Changed  bool
}

func validateName(value string) error {
	return validation.Validate(value, validation.Required, validation.Length(1, maxIdentifierLength))
}

// CreateRepository creates a repository with its root file and default branch.
func (s *Service) CreateRepository(ctx context.Context, name string) (RepositoryLayout, error) {
	if err := validateName(name); err != nil {
		return RepositoryLayout{}, newServiceError(opCreateRepository, reasonInvalidInput, err)
	}

	repositoryID, err := s.newID(opCreateRepository)
	if err != nil {
		return RepositoryLayout{}, err
	}
	rootID, err := s.newID(opCreateRepository)
	if err != nil {
		return RepositoryLayout{}, err
	}
	branchID, err := s.newID(opCreateRepository)
	if err != nil {
		return RepositoryLayout{}, err
	}

	now := s.nowSeconds()
	layout := RepositoryLayout{
		Repository: Repository{ID: repositoryID, Name: name, CreatedAtSeconds: now},
		Root:       File{ID: rootID, RepositoryID: repositoryID, RootKey: stringPointer(repositoryID), CreatedAtSeconds: now},
		Main:       Branch{ID: branchID, RepositoryID: repositoryID, Name: DefaultBranchName, CreatedAtSeconds: now},
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, row := range []any{&layout.Repository, &layout.Root, &layout.Main} {
			if err := tx.Create(row).Error; err != nil {
				return s.fail(opCreateRepository, reasonInsertFailed, err, zap.String(fieldRepositoryID, repositoryID))
			}
		}
		return nil
	})
	if err != nil {
		return RepositoryLayout{}, err
	}
	s.logger.Info("repository created", zap.String(fieldRepositoryID, repositoryID))
	return layout, nil
}

// RootFile returns the repository's root file.
func (s *Service) RootFile(ctx context.Context, repositoryID RepositoryID) (File, error) {
	var root File
	err := s.db.WithContext(ctx).Where("root_key = ?", repositoryID.String()).Take(&root).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return File{}, notFound("repository", repositoryID.String())
	}
	if err != nil {
		return File{}, s.fail(opRootFile, reasonQueryFailed, err, zap.String(fieldRepositoryID, repositoryID.String()))
	}
	return root, nil
}

// CreateFile registers a new non-root file identity in the repository.
func (s *Service) CreateFile(ctx context.Context, repositoryID RepositoryID) (File, error) {
	fileID, err := s.newID(opCreateFile)
	if err != nil {
		return File{}, err
	}
	file := File{ID: fileID, RepositoryID: repositoryID.String(), CreatedAtSeconds: s.nowSeconds()}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Repository{}).Where("id = ?", repositoryID.String()).Count(&count).Error; err != nil {
			return s.fail(opCreateFile, reasonQueryFailed, err, zap.String(fieldRepositoryID, repositoryID.String()))
		}
		if count == 0 {
			return notFound("repository", repositoryID.String())
		}
		if err := tx.Create(&file).Error; err != nil {
			return s.fail(opCreateFile, reasonInsertFailed, err, zap.String(fieldRepositoryID, repositoryID.String()))
		}
		return nil
	})
	if err != nil {
		return File{}, err
	}
	return file, nil
}

// GetBranch loads a branch by id.
func (s *Service) GetBranch(ctx context.Context, branchID BranchID) (Branch, error) {
	return s.loadBranch(s.db.WithContext(ctx), opGetBranch, branchID)
}

// ForkBranch creates a contribution branch from source. The fork is based on the source's
// latest published commit and starts with that commit's file tree as both current and
// committed state.
func (s *Service) ForkBranch(ctx context.Context, sourceID BranchID, name string) (Branch, error) {
	if err := validateName(name); err != nil {
		return Branch{}, newServiceError(opForkBranch, reasonInvalidInput, err)
	}
	source, err := s.loadBranch(s.db.WithContext(ctx), opForkBranch, sourceID)
	if err != nil {
		return Branch{}, err
	}
	branchID, err := s.newID(opForkBranch)
	if err != nil {
		return Branch{}, err
	}

	fork := Branch{
		ID:               branchID,
		RepositoryID:     source.RepositoryID,
		Name:             name,
		CreatedAtSeconds: s.nowSeconds(),
	}
	fields := []zap.Field{zap.String(fieldRepositoryID, source.RepositoryID), zap.String(fieldBranchID, sourceID.String())}

	err = s.inRepositoryTransaction(ctx, opForkBranch, RepositoryID(source.RepositoryID), func(tx *gorm.DB) error {
		locked, err := s.loadBranch(tx, opForkBranch, sourceID)
		if err != nil {
			return err
		}
		fork.BaseCommitID = locked.HeadCommitID
		fork.HeadCommitID = locked.HeadCommitID

		var count int64
		if err := tx.Model(&Branch{}).Where("repository_id = ? AND name = ?", source.RepositoryID, name).Count(&count).Error; err != nil {
			return s.fail(opForkBranch, reasonQueryFailed, err, fields...)
		}
		if count > 0 {
			return newServiceError(opForkBranch, reasonDuplicateName, ErrBranchExists)
		}
		if err := tx.Create(&fork).Error; err != nil {
			return s.fail(opForkBranch, reasonInsertFailed, err, fields...)
		}
		if fork.BaseCommitID == nil {
			return nil
		}

		state, err := stateAt(tx, CommitID(*fork.BaseCommitID), nil)
		if err != nil {
			return s.fail(opForkBranch, reasonQueryFailed, err, fields...)
		}
		pointers := make([]BranchFile, 0, len(state))
		for fileID, snapshotID := range state {
			if snapshotID == nil {
				continue
			}
			pointers = append(pointers, BranchFile{
				BranchID:            fork.ID,
				FileID:              fileID,
				CurrentSnapshotID:   stringPointer(*snapshotID),
				CommittedSnapshotID: stringPointer(*snapshotID),
			})
		}
		if len(pointers) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(pointers, branchFileBatchSize).Error; err != nil {
			return s.fail(opForkBranch, reasonInsertFailed, err, fields...)
		}
		return nil
	})
	if err != nil {
		return Branch{}, err
	}
	s.logger.Info("branch forked", zap.String(fieldBranchID, fork.ID), zap.String("source_branch_id", sourceID.String()))
	return fork, nil
}

// LatestCommit returns the branch's newest published commit, which is its fork base until the
// branch publishes its own. The second result is false when the branch has no commit at all.
func (s *Service) LatestCommit(ctx context.Context, branchID BranchID) (Commit, bool, error) {
	db := s.db.WithContext(ctx)
	branch, err := s.loadBranch(db, opLatestCommit, branchID)
	if err != nil {
		return Commit{}, false, err
	}
	if branch.HeadCommitID == nil {
		return Commit{}, false, nil
	}
	commit, err := s.loadCommit(db, opLatestCommit, CommitID(*branch.HeadCommitID))
	if err != nil {
		return Commit{}, false, err
	}
	return commit, true, nil
}

// UpdateCurrent points the branch's current state for fileID at the snapshot matching
// attributes, creating the snapshot if needed. Nil attributes remove the file from the branch.
// Identical metadata leaves the pointer untouched and inserts nothing.
func (s *Service) UpdateCurrent(ctx context.Context, branchID BranchID, fileID FileID, attributes *SnapshotAttributes, supplemental SupplementalAttributes) (CurrentUpdate, error) {
	if attributes != nil {
		if err := attributes.Validate(); err != nil {
			return CurrentUpdate{}, newServiceError(opUpdateCurrent, reasonInvalidInput, err)
		}
	}
	branch, err := s.loadBranch(s.db.WithContext(ctx), opUpdateCurrent, branchID)
	if err != nil {
		return CurrentUpdate{}, err
	}

	var update CurrentUpdate
	err = s.inRepositoryTransaction(ctx, opUpdateCurrent, RepositoryID(branch.RepositoryID), func(tx *gorm.DB) error {
		if _, err := s.loadTrackableFile(tx, opUpdateCurrent, branch, fileID); err != nil {
			return err
		}

		var target *Snapshot
		if attributes != nil {
			if err := s.checkPlacement(tx, opUpdateCurrent, branch, fileID, attributes.ParentFileID); err != nil {
				return err
			}
			snapshot, err := s.findOrCreateSnapshot(tx, fileID, *attributes, supplemental)
			if err != nil {
				return err
			}
			target = &snapshot
		}
		if err := s.checkVacated(tx, opUpdateCurrent, branch, fileID, target); err != nil {
			return err
		}

		changed, err := s.setCurrent(tx, opUpdateCurrent, branchID, fileID, snapshotIDOf(target))
		if err != nil {
			return err
		}
		update = CurrentUpdate{Snapshot: target, Changed: changed}
		return nil
	})
	if err != nil {
		return CurrentUpdate{}, err
	}
	return update, nil
}

// CaptureIfMetadataChanged records new metadata for a file on a branch and returns the new
// current snapshot, or nil when the metadata matched the existing pointer.
func (s *Service) CaptureIfMetadataChanged(ctx context.Context, branchID BranchID, fileID FileID, attributes SnapshotAttributes, supplemental SupplementalAttributes) (*Snapshot, error) {
	update, err := s.UpdateCurrent(ctx, branchID, fileID, &attributes, supplemental)
	if err != nil {
		return nil, err
	}
	if !update.Changed {
		return nil, nil
	}
	return update.Snapshot, nil
}

// RemoveFromBranch soft-deletes a file on the branch by clearing its current pointer.
func (s *Service) RemoveFromBranch(ctx context.Context, branchID BranchID, fileID FileID) (bool, error) {
	update, err := s.UpdateCurrent(ctx, branchID, fileID, nil, SupplementalAttributes{})
	if err != nil {
		return false, err
	}
	return update.Changed, nil
}

// RestoreFile stages the file's state as of a published commit on the branch. The result is
// staged only; it becomes history with the next commit.
func (s *Service) RestoreFile(ctx context.Context, branchID BranchID, fileID FileID, commitID CommitID) (CurrentUpdate, error) {
	db := s.db.WithContext(ctx)
	branch, err := s.loadBranch(db, opRestoreFile, branchID)
	if err != nil {
		return CurrentUpdate{}, err
	}
	fields := []zap.Field{zap.String(fieldBranchID, branchID.String()), zap.String(fieldFileID, fileID.String()), zap.String(fieldCommitID, commitID.String())}

	var update CurrentUpdate
	err = s.inRepositoryTransaction(ctx, opRestoreFile, RepositoryID(branch.RepositoryID), func(tx *gorm.DB) error {
		if _, err := s.loadTrackableFile(tx, opRestoreFile, branch, fileID); err != nil {
			return err
		}
		commit, err := s.loadCommit(tx, opRestoreFile, commitID)
		if err != nil {
			return err
		}
		if !commit.IsPublished {
			return newServiceError(opRestoreFile, reasonInvalidInput, errUnpublishedState)
		}

		state, err := stateAt(tx, commitID, []string{fileID.String()})
		if err != nil {
			return s.fail(opRestoreFile, reasonQueryFailed, err, fields...)
		}
		snapshotID := state[fileID.String()]

		var target *Snapshot
		if snapshotID != nil {
			snapshots, err := s.loadSnapshots(tx, []string{*snapshotID})
			if err != nil {
				return s.fail(opRestoreFile, reasonQueryFailed, err, fields...)
			}
			target = snapshotRef(snapshots, snapshotID)
			if target == nil {
				return notFound("snapshot", *snapshotID)
			}
			if err := s.checkPlacement(tx, opRestoreFile, branch, fileID, AttributesOf(*target).ParentFileID); err != nil {
				return err
			}
		}
		if err := s.checkVacated(tx, opRestoreFile, branch, fileID, target); err != nil {
			return err
		}

		changed, err := s.setCurrent(tx, opRestoreFile, branchID, fileID, snapshotID)
		if err != nil {
			return err
		}
		update = CurrentUpdate{Snapshot: target, Changed: changed}
		return nil
	})
	if err != nil {
		return CurrentUpdate{}, err
	}
	return update, nil
}

// setCurrent moves the current pointer, creating the branch row on first use.
func (s *Service) setCurrent(tx *gorm.DB, operation string, branchID BranchID, fileID FileID, snapshotID *string) (bool, error) {
	fields := []zap.Field{zap.String(fieldBranchID, branchID.String()), zap.String(fieldFileID, fileID.String())}

	var pointer BranchFile
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("branch_id = ? AND file_id = ?", branchID.String(), fileID.String()).
		Take(&pointer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if snapshotID == nil {
			return false, nil
		}
		pointer = BranchFile{BranchID: branchID.String(), FileID: fileID.String(), CurrentSnapshotID: snapshotID}
		if err := tx.Create(&pointer).Error; err != nil {
			return false, s.fail(operation, reasonInsertFailed, err, fields...)
		}
		return true, nil
	}
	if err != nil {
		return false, s.fail(operation, reasonQueryFailed, err, fields...)
	}

	if sameSnapshot(pointer.CurrentSnapshotID, snapshotID) {
		return false, nil
	}
	err = tx.Model(&BranchFile{}).
		Where("branch_id = ? AND file_id = ?", branchID.String(), fileID.String()).
		Update("current_snapshot_id", snapshotID).Error
	if err != nil {
		return false, s.fail(operation, reasonUpdateFailed, err, fields...)
	}
	return true, nil
}

// checkPlacement rejects a parent that is missing from the branch, is not a folder, or would
// make fileID its own ancestor.
func (s *Service) checkPlacement(tx *gorm.DB, operation string, branch Branch, fileID FileID, parentID *FileID) error {
	if parentID == nil {
		return nil
	}
	if *parentID == fileID {
		return newServiceError(operation, reasonCyclicPlacement, errCyclicPlacement)
	}
	parent, err := s.loadFile(tx, operation, *parentID)
	if err != nil {
		return err
	}
	if parent.RepositoryID != branch.RepositoryID {
		return newServiceError(operation, reasonForeignFile, errForeignFile)
	}
	if parent.IsRoot() {
		return nil
	}

	var parentSnapshot Snapshot
	err = tx.Table("branch_files bf").
		Select("s.*").
		Joins("JOIN snapshots s ON s.id = bf.current_snapshot_id").
		Where("bf.branch_id = ? AND bf.file_id = ?", branch.ID, parentID.String()).
		Take(&parentSnapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(operation, reasonDanglingParent, fmt.Errorf("%w: %s", errDanglingParent, parentID.String()))
	}
	if err != nil {
		return s.fail(operation, reasonQueryFailed, err, zap.String(fieldFileID, parentID.String()))
	}
	if parentSnapshot.Type != FileTypeFolder {
		return newServiceError(operation, reasonInvalidInput, fmt.Errorf("%w: %s", errParentNotFolder, parentSnapshot.Name))
	}

	lineage, err := s.resolveAncestors(tx, AtBranch(BranchID(branch.ID)), []FileID{*parentID}, unboundedAncestryDepth)
	if err != nil {
		return s.fail(operation, reasonQueryFailed, err, zap.String(fieldFileID, parentID.String()))
	}
	for _, ancestor := range lineage[*parentID] {
		if ancestor.ID == fileID {
			return newServiceError(operation, reasonCyclicPlacement, errCyclicPlacement)
		}
	}
	return nil
}

// checkVacated rejects removing fileID from the branch, or turning it into a document, while
// other files of the branch are still placed inside it.
func (s *Service) checkVacated(tx *gorm.DB, operation string, branch Branch, fileID FileID, target *Snapshot) error {
	if target != nil && target.Type == FileTypeFolder {
		return nil
	}
	var children []string
	err := tx.Table("branch_files bf").
		Joins("JOIN snapshots s ON s.id = bf.current_snapshot_id").
		Where("bf.branch_id = ? AND s.parent_file_id = ? AND bf.file_id <> ?", branch.ID, fileID.String(), fileID.String()).
		Order("s.name").
		Pluck("s.name", &children).Error
	if err != nil {
		return s.fail(operation, reasonQueryFailed, err, zap.String(fieldBranchID, branch.ID), zap.String(fieldFileID, fileID.String()))
	}
	if len(children) == 0 {
		return nil
	}
	return newServiceError(operation, reasonDanglingParent, fmt.Errorf("%w: %s", errOccupiedFolder, strings.Join(children, ", ")))
}

func (s *Service) loadBranch(tx *gorm.DB, operation string, branchID BranchID) (Branch, error) {
	var branch Branch
	err := tx.Where("id = ?", branchID.String()).Take(&branch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Branch{}, notFound("branch", branchID.String())
	}
	if err != nil {
		return Branch{}, s.fail(operation, reasonQueryFailed, err, zap.String(fieldBranchID, branchID.String()))
	}
	return branch, nil
}

func (s *Service) loadFile(tx *gorm.DB, operation string, fileID FileID) (File, error) {
	var file File
	err := tx.Where("id = ?", fileID.String()).Take(&file).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return File{}, notFound("file", fileID.String())
	}
	if err != nil {
		return File{}, s.fail(operation, reasonQueryFailed, err, zap.String(fieldFileID, fileID.String()))
	}
	return file, nil
}

// loadTrackableFile loads a non-root file of the branch's repository.
func (s *Service) loadTrackableFile(tx *gorm.DB, operation string, branch Branch, fileID FileID) (File, error) {
	file, err := s.loadFile(tx, operation, fileID)
	if err != nil {
		return File{}, err
	}
	if file.RepositoryID != branch.RepositoryID {
		return File{}, newServiceError(operation, reasonForeignFile, errForeignFile)
	}
	if file.IsRoot() {
		return File{}, newServiceError(operation, reasonInvalidInput, errRootNotTracked)
	}
	return file, nil
}

func snapshotIDOf(snapshot *Snapshot) *string {
	if snapshot == nil {
		return nil
	}
	return stringPointer(snapshot.ID)
}
