package versions

import (
	"context"
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCreateDraft   = "versions.create_draft"
	opAmendDraft    = "versions.amend_draft"
	opCommit        = "versions.commit"
	opCommitStaged  = "versions.commit_staged"
	opDiscardDraft  = "versions.discard_draft"
	opHistory       = "versions.history"
	opFileHistory   = "versions.file_history"
	opGetCommit     = "versions.get_commit"
	opDraftBindings = "versions.draft_bindings"

	reasonStaleBranch = "stale_branch"
	reasonEmptyDraft  = "empty_draft"

	maxTitleLength   = 200
	maxSummaryLength = 2000

	defaultHistoryLimit = 50
)

var (
	// ErrEmptyDraft indicates that a draft binds no file and so cannot be published.
	ErrEmptyDraft = errors.New("versions: draft contains no changes")
)

// PublishRequest carries the author-facing text of a commit.
type PublishRequest struct {
	Title   string
	Summary string
}

// Validate checks the request before anything is written.
func (r PublishRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Title, validation.Required, validation.Length(1, maxTitleLength)),
		validation.Field(&r.Summary, validation.Length(0, maxSummaryLength)),
	)
}

// DraftAmendment sets the draft's state for one file. Nil attributes record the file as absent.
type DraftAmendment struct {
	FileID       FileID
	Attributes   *SnapshotAttributes
	Supplemental SupplementalAttributes
}

// FileRevision is one published state of a file.
type FileRevision struct {
	Commit   Commit
	Snapshot *Snapshot
}

// CreateDraft replaces the author's unpublished draft on the branch with a fresh one whose
// parent is the branch's latest commit and whose bindings are every staged change.
func (s *Service) CreateDraft(ctx context.Context, branchID BranchID, authorID AuthorID) (Commit, error) {
	if _, err := NewAuthorID(authorID.String()); err != nil {
		return Commit{}, newServiceError(opCreateDraft, reasonInvalidInput, err)
	}
	branch, err := s.loadBranch(s.db.WithContext(ctx), opCreateDraft, branchID)
	if err != nil {
		return Commit{}, err
	}
	commitID, err := s.newID(opCreateDraft)
	if err != nil {
		return Commit{}, err
	}
	fields := []zap.Field{zap.String(fieldBranchID, branchID.String()), zap.String("author_id", authorID.String())}

	var draft Commit
	err = s.inRepositoryTransaction(ctx, opCreateDraft, RepositoryID(branch.RepositoryID), func(tx *gorm.DB) error {
		locked, err := s.loadBranch(tx, opCreateDraft, branchID)
		if err != nil {
			return err
		}

		var previous []Commit
		err = tx.Where("branch_id = ? AND author_id = ? AND is_published = ?", branchID.String(), authorID.String(), false).
			Find(&previous).Error
		if err != nil {
			return s.fail(opCreateDraft, reasonQueryFailed, err, fields...)
		}
		for _, stale := range previous {
			if err := s.deleteDraft(tx, opCreateDraft, stale.ID); err != nil {
				return err
			}
		}

		draft = Commit{
			ID:               commitID,
			BranchID:         branchID.String(),
			ParentCommitID:   locked.HeadCommitID,
			AuthorID:         authorID.String(),
			CreatedAtSeconds: s.nowSeconds(),
		}
		if err := tx.Create(&draft).Error; err != nil {
			return s.fail(opCreateDraft, reasonInsertFailed, err, fields...)
		}

		pointers, err := pendingPointers(tx, branchID)
		if err != nil {
			return s.fail(opCreateDraft, reasonQueryFailed, err, fields...)
		}
		if len(pointers) == 0 {
			return nil
		}
		bindings := make([]CommitFile, 0, len(pointers))
		for _, pointer := range pointers {
			bindings = append(bindings, CommitFile{CommitID: draft.ID, FileID: pointer.FileID, SnapshotID: pointer.CurrentSnapshotID})
		}
		if err := tx.CreateInBatches(bindings, branchFileBatchSize).Error; err != nil {
			return s.fail(opCreateDraft, reasonInsertFailed, err, fields...)
		}
		return nil
	})
	if err != nil {
		return Commit{}, err
	}
	s.logger.Info("draft created", zap.String(fieldCommitID, draft.ID), zap.String(fieldBranchID, branchID.String()))
	return draft, nil
}

// AmendDraft rewrites the draft's bindings for the amended files. A file whose amended state
// equals its state in the parent commit loses its binding so that it is inherited instead.
func (s *Service) AmendDraft(ctx context.Context, draftID CommitID, amendments []DraftAmendment) error {
	for _, amendment := range amendments {
		if amendment.Attributes == nil {
			continue
		}
		if err := amendment.Attributes.Validate(); err != nil {
			return newServiceError(opAmendDraft, reasonInvalidInput, err)
		}
	}
	draft, branch, err := s.loadDraftContext(ctx, opAmendDraft, draftID)
	if err != nil {
		return err
	}
	fields := []zap.Field{zap.String(fieldCommitID, draftID.String())}

	return s.inRepositoryTransaction(ctx, opAmendDraft, RepositoryID(branch.RepositoryID), func(tx *gorm.DB) error {
		locked, err := s.lockDraft(tx, opAmendDraft, draftID)
		if err != nil {
			return err
		}

		fileIDs := make([]string, 0, len(amendments))
		for _, amendment := range amendments {
			fileIDs = append(fileIDs, amendment.FileID.String())
		}
		parentState, err := stateAt(tx, parentOf(locked), fileIDs)
		if err != nil {
			return s.fail(opAmendDraft, reasonQueryFailed, err, fields...)
		}

		for _, amendment := range amendments {
			if _, err := s.loadTrackableFile(tx, opAmendDraft, branch, amendment.FileID); err != nil {
				return err
			}
			var target *string
			if amendment.Attributes != nil {
				snapshot, err := s.findOrCreateSnapshot(tx, amendment.FileID, *amendment.Attributes, amendment.Supplemental)
				if err != nil {
					return err
				}
				target = stringPointer(snapshot.ID)
			}

			scope := tx.Where("commit_id = ? AND file_id = ?", draft.ID, amendment.FileID.String())
			if sameSnapshot(parentState[amendment.FileID.String()], target) {
				if err := scope.Delete(&CommitFile{}).Error; err != nil {
					return s.fail(opAmendDraft, reasonUpdateFailed, err, append(fields, zap.String(fieldFileID, amendment.FileID.String()))...)
				}
				continue
			}
			binding := CommitFile{CommitID: draft.ID, FileID: amendment.FileID.String(), SnapshotID: target}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "commit_id"}, {Name: "file_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"snapshot_id"}),
			}).Create(&binding).Error
			if err != nil {
				return s.fail(opAmendDraft, reasonUpdateFailed, err, append(fields, zap.String(fieldFileID, amendment.FileID.String()))...)
			}
		}
		return nil
	})
}

// Commit publishes a draft. It fails with a StaleBranchError when the branch advanced after
// the draft was created, and with an ImmutableRecordError when the draft is already published.
// Archival of newly bound snapshots is scheduled once the transaction has committed.
func (s *Service) Commit(ctx context.Context, draftID CommitID, request PublishRequest) (Commit, error) {
	if err := request.Validate(); err != nil {
		return Commit{}, newServiceError(opCommit, reasonInvalidInput, err)
	}
	_, branch, err := s.loadDraftContext(ctx, opCommit, draftID)
	if err != nil {
		return Commit{}, err
	}
	fields := []zap.Field{zap.String(fieldCommitID, draftID.String()), zap.String(fieldBranchID, branch.ID)}

	var (
		published Commit
		archival  []ArchiveRequest
	)
	err = s.inRepositoryTransaction(ctx, opCommit, RepositoryID(branch.RepositoryID), func(tx *gorm.DB) error {
		draft, err := s.lockDraft(tx, opCommit, draftID)
		if err != nil {
			return err
		}

		var bindings []CommitFile
		if err := tx.Where("commit_id = ?", draft.ID).Order("file_id").Find(&bindings).Error; err != nil {
			return s.fail(opCommit, reasonQueryFailed, err, fields...)
		}
		if len(bindings) == 0 {
			return newServiceError(opCommit, reasonEmptyDraft, ErrEmptyDraft)
		}

		advance := tx.Model(&Branch{}).Where("id = ?", draft.BranchID)
		if draft.ParentCommitID == nil {
			advance = advance.Where("head_commit_id IS NULL")
		} else {
			advance = advance.Where("head_commit_id = ?", *draft.ParentCommitID)
		}
		result := advance.Update("head_commit_id", draft.ID)
		if result.Error != nil {
			return s.fail(opCommit, reasonUpdateFailed, result.Error, fields...)
		}
		if result.RowsAffected == 0 {
			return s.staleBranch(tx, draft)
		}

		now := s.nowSeconds()
		err = tx.Model(&Commit{}).Where("id = ?", draft.ID).Updates(map[string]any{
			"title":          request.Title,
			"summary":        request.Summary,
			"is_published":   true,
			"published_at_s": now,
		}).Error
		if err != nil {
			return s.fail(opCommit, reasonUpdateFailed, err, fields...)
		}
		draft.Title = request.Title
		draft.Summary = request.Summary
		draft.IsPublished = true
		draft.PublishedAtSeconds = now

		if err := s.advanceCommittedPointers(tx, draft, bindings); err != nil {
			return err
		}

		snapshotIDs := make([]string, 0, len(bindings))
		for _, binding := range bindings {
			if binding.SnapshotID != nil {
				snapshotIDs = append(snapshotIDs, *binding.SnapshotID)
			}
		}
		snapshots, err := s.loadSnapshots(tx, snapshotIDs)
		if err != nil {
			return s.fail(opCommit, reasonQueryFailed, err, fields...)
		}
		for _, binding := range bindings {
			snapshot := snapshotRef(snapshots, binding.SnapshotID)
			if snapshot == nil {
				continue
			}
			archival = append(archival, ArchiveRequest{
				RepositoryID:      RepositoryID(branch.RepositoryID),
				CommitID:          CommitID(draft.ID),
				FileID:            FileID(binding.FileID),
				SnapshotID:        SnapshotID(snapshot.ID),
				ExternalReference: snapshot.ExternalReference,
				ContentMarker:     snapshot.ContentMarker,
			})
		}

		published = draft
		return nil
	})
	if err != nil {
		return Commit{}, err
	}

	s.logger.Info("commit published",
		zap.String(fieldCommitID, published.ID),
		zap.String(fieldBranchID, published.BranchID),
		zap.Int("archival_requests", len(archival)))
	s.scheduleArchival(archival)
	s.announce(CommitPublication{
		RepositoryID:   RepositoryID(branch.RepositoryID),
		BranchID:       BranchID(published.BranchID),
		CommitID:       CommitID(published.ID),
		ParentCommitID: parentOf(published),
		AuthorID:       AuthorID(published.AuthorID),
		PublishedAt:    published.PublishedAtSeconds,
	})
	return published, nil
}

// CommitStaged drafts and publishes every staged change on the branch in one call.
func (s *Service) CommitStaged(ctx context.Context, branchID BranchID, authorID AuthorID, request PublishRequest) (Commit, error) {
	if err := request.Validate(); err != nil {
		return Commit{}, newServiceError(opCommitStaged, reasonInvalidInput, err)
	}
	draft, err := s.CreateDraft(ctx, branchID, authorID)
	if err != nil {
		return Commit{}, err
	}
	published, err := s.Commit(ctx, CommitID(draft.ID), request)
	if err != nil {
		if discardErr := s.DiscardDraft(ctx, CommitID(draft.ID)); discardErr != nil {
			s.logError(opCommitStaged, reasonUpdateFailed, discardErr, zap.String(fieldCommitID, draft.ID))
		}
		return Commit{}, err
	}
	return published, nil
}

// DiscardDraft deletes an unpublished draft and its bindings.
func (s *Service) DiscardDraft(ctx context.Context, draftID CommitID) error {
	_, branch, err := s.loadDraftContext(ctx, opDiscardDraft, draftID)
	if err != nil {
		return err
	}
	return s.inRepositoryTransaction(ctx, opDiscardDraft, RepositoryID(branch.RepositoryID), func(tx *gorm.DB) error {
		if _, err := s.lockDraft(tx, opDiscardDraft, draftID); err != nil {
			return err
		}
		return s.deleteDraft(tx, opDiscardDraft, draftID.String())
	})
}

// GetCommit loads a commit by id.
func (s *Service) GetCommit(ctx context.Context, commitID CommitID) (Commit, error) {
	return s.loadCommit(s.db.WithContext(ctx), opGetCommit, commitID)
}

// DraftBindings lists the files a draft binds explicitly.
func (s *Service) DraftBindings(ctx context.Context, draftID CommitID) ([]CommitFile, error) {
	db := s.db.WithContext(ctx)
	if _, err := s.loadCommit(db, opDraftBindings, draftID); err != nil {
		return nil, err
	}
	var bindings []CommitFile
	if err := db.Where("commit_id = ?", draftID.String()).Order("file_id").Find(&bindings).Error; err != nil {
		return nil, s.fail(opDraftBindings, reasonQueryFailed, err, zap.String(fieldCommitID, draftID.String()))
	}
	return bindings, nil
}

// History lists the published commits reachable from the branch head, newest first. It follows
// parent pointers across a fork base. limit <= 0 uses a default page size.
func (s *Service) History(ctx context.Context, branchID BranchID, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	db := s.db.WithContext(ctx)
	branch, err := s.loadBranch(db, opHistory, branchID)
	if err != nil {
		return nil, err
	}
	if branch.HeadCommitID == nil {
		return []Commit{}, nil
	}

	query := "WITH RECURSIVE " + commitChainCTE("chain", "head") + `
SELECT c.* FROM commits c JOIN chain ON chain.id = c.id
WHERE c.is_published = @published
ORDER BY chain.depth
LIMIT @limit`
	var commits []Commit
	args := map[string]any{"head": *branch.HeadCommitID, "max_chain": maxChainLength, "published": true, "limit": limit}
	if err := db.Raw(query, args).Scan(&commits).Error; err != nil {
		return nil, s.fail(opHistory, reasonQueryFailed, err, zap.String(fieldBranchID, branchID.String()))
	}
	return commits, nil
}

// FileHistory lists the states a file took in the published commits of the branch that bound
// it, newest first. A nil snapshot marks a commit that removed the file.
func (s *Service) FileHistory(ctx context.Context, branchID BranchID, fileID FileID) ([]FileRevision, error) {
	db := s.db.WithContext(ctx)
	fields := []zap.Field{zap.String(fieldBranchID, branchID.String()), zap.String(fieldFileID, fileID.String())}
	branch, err := s.loadBranch(db, opFileHistory, branchID)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadFile(db, opFileHistory, fileID); err != nil {
		return nil, err
	}
	if branch.HeadCommitID == nil {
		return []FileRevision{}, nil
	}

	type revisionRow struct {
		CommitID   string
		SnapshotID *string
	}
	query := "WITH RECURSIVE " + commitChainCTE("chain", "head") + `
SELECT cf.commit_id, cf.snapshot_id FROM commit_files cf JOIN chain ON chain.id = cf.commit_id
WHERE cf.file_id = @file
ORDER BY chain.depth`
	var rows []revisionRow
	args := map[string]any{"head": *branch.HeadCommitID, "max_chain": maxChainLength, "file": fileID.String()}
	if err := db.Raw(query, args).Scan(&rows).Error; err != nil {
		return nil, s.fail(opFileHistory, reasonQueryFailed, err, fields...)
	}
	if len(rows) == 0 {
		return []FileRevision{}, nil
	}

	commitIDs := make([]string, 0, len(rows))
	snapshotIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		commitIDs = append(commitIDs, row.CommitID)
		if row.SnapshotID != nil {
			snapshotIDs = append(snapshotIDs, *row.SnapshotID)
		}
	}
	var commits []Commit
	if err := db.Where("id IN ?", commitIDs).Find(&commits).Error; err != nil {
		return nil, s.fail(opFileHistory, reasonQueryFailed, err, fields...)
	}
	commitsByID := make(map[string]Commit, len(commits))
	for _, commit := range commits {
		commitsByID[commit.ID] = commit
	}
	snapshots, err := s.loadSnapshots(db, snapshotIDs)
	if err != nil {
		return nil, s.fail(opFileHistory, reasonQueryFailed, err, fields...)
	}

	revisions := make([]FileRevision, 0, len(rows))
	for _, row := range rows {
		revisions = append(revisions, FileRevision{
			Commit:   commitsByID[row.CommitID],
			Snapshot: snapshotRef(snapshots, row.SnapshotID),
		})
	}
	return revisions, nil
}

// advanceCommittedPointers records the published bindings as the branch's committed state.
func (s *Service) advanceCommittedPointers(tx *gorm.DB, draft Commit, bindings []CommitFile) error {
	pointers := make([]BranchFile, 0, len(bindings))
	for _, binding := range bindings {
		pointers = append(pointers, BranchFile{
			BranchID:            draft.BranchID,
			FileID:              binding.FileID,
			CurrentSnapshotID:   binding.SnapshotID,
			CommittedSnapshotID: binding.SnapshotID,
		})
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "branch_id"}, {Name: "file_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"committed_snapshot_id"}),
	}).CreateInBatches(pointers, branchFileBatchSize).Error
	if err != nil {
		return s.fail(opCommit, reasonUpdateFailed, err, zap.String(fieldCommitID, draft.ID))
	}
	return nil
}

func (s *Service) staleBranch(tx *gorm.DB, draft Commit) error {
	var branch Branch
	if err := tx.Where("id = ?", draft.BranchID).Take(&branch).Error; err != nil {
		return s.fail(opCommit, reasonQueryFailed, err, zap.String(fieldBranchID, draft.BranchID))
	}
	staleErr := &StaleBranchError{
		BranchID:       BranchID(draft.BranchID),
		ExpectedParent: parentOf(draft),
		ActualParent:   CommitID(optionalString(branch.HeadCommitID)),
	}
	s.loggerOrDefault().Warn("stale branch",
		zap.String("operation", opCommit),
		zap.String("reason", reasonStaleBranch),
		zap.String(fieldBranchID, draft.BranchID),
		zap.String("expected_parent", staleErr.ExpectedParent.String()),
		zap.String("actual_parent", staleErr.ActualParent.String()))
	return staleErr
}

// loadDraftContext reads the draft and its branch without locking, to learn which repository
// lock the operation needs.
func (s *Service) loadDraftContext(ctx context.Context, operation string, draftID CommitID) (Commit, Branch, error) {
	db := s.db.WithContext(ctx)
	draft, err := s.loadCommit(db, operation, draftID)
	if err != nil {
		return Commit{}, Branch{}, err
	}
	if draft.IsPublished {
		return Commit{}, Branch{}, publishedCommitError(draft)
	}
	branch, err := s.loadBranch(db, operation, BranchID(draft.BranchID))
	if err != nil {
		return Commit{}, Branch{}, err
	}
	return draft, branch, nil
}

// lockDraft re-reads the draft under the repository lock and rejects published commits.
func (s *Service) lockDraft(tx *gorm.DB, operation string, draftID CommitID) (Commit, error) {
	var draft Commit
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", draftID.String()).Take(&draft).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Commit{}, notFound("commit", draftID.String())
	}
	if err != nil {
		return Commit{}, s.fail(operation, reasonQueryFailed, err, zap.String(fieldCommitID, draftID.String()))
	}
	if draft.IsPublished {
		return Commit{}, publishedCommitError(draft)
	}
	return draft, nil
}

func (s *Service) deleteDraft(tx *gorm.DB, operation string, draftID string) error {
	if err := tx.Where("commit_id = ?", draftID).Delete(&CommitFile{}).Error; err != nil {
		return s.fail(operation, reasonUpdateFailed, err, zap.String(fieldCommitID, draftID))
	}
	if err := tx.Where("id = ? AND is_published = ?", draftID, false).Delete(&Commit{}).Error; err != nil {
		return s.fail(operation, reasonUpdateFailed, err, zap.String(fieldCommitID, draftID))
	}
	return nil
}

func (s *Service) loadCommit(tx *gorm.DB, operation string, commitID CommitID) (Commit, error) {
	var commit Commit
	err := tx.Where("id = ?", commitID.String()).Take(&commit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Commit{}, notFound("commit", commitID.String())
	}
	if err != nil {
		return Commit{}, s.fail(operation, reasonQueryFailed, err, zap.String(fieldCommitID, commitID.String()))
	}
	return commit, nil
}

func publishedCommitError(commit Commit) error {
	return &ImmutableRecordError{Record: "commit", ID: commit.ID, Detail: "published commits cannot change"}
}

func parentOf(commit Commit) CommitID {
	return CommitID(optionalString(commit.ParentCommitID))
}
