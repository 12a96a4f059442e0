package versions

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opClassifyBatch = "versions.classify_batch"
	opDiffFor       = "versions.diff_for"
	opPendingDiffs  = "versions.pending_diffs"

	sideCurrent  = "current"
	sidePrevious = "previous"
)

// ChangeKind is one atomic facet of a diff.
type ChangeKind string

const (
	ChangeAddition     ChangeKind = "addition"
	ChangeDeletion     ChangeKind = "deletion"
	ChangeModification ChangeKind = "modification"
	ChangeMovement     ChangeKind = "movement"
	ChangeRename       ChangeKind = "rename"
)

// Diff pairs the current and previous snapshot of one file. A nil side means the file is
// absent on that side. Kinds is ordered as returned by Classify.
type Diff struct {
	FileID   FileID
	Current  *Snapshot
	Previous *Snapshot
	Kinds    []ChangeKind
}

// NewDiff builds a diff and classifies it.
func NewDiff(fileID FileID, current, previous *Snapshot) Diff {
	return Diff{
		FileID:   fileID,
		Current:  current,
		Previous: previous,
		Kinds:    Classify(current, previous),
	}
}

// HasChanges reports whether any change kind applies.
func (d Diff) HasChanges() bool {
	return len(d.Kinds) > 0
}

// Has reports whether kind is among the diff's change kinds.
func (d Diff) Has(kind ChangeKind) bool {
	for _, candidate := range d.Kinds {
		if candidate == kind {
			return true
		}
	}
	return false
}

// ExternalReference returns the provider reference of whichever side is present, preferring
// the current one.
func (d Diff) ExternalReference() string {
	if d.Current != nil {
		return d.Current.ExternalReference
	}
	if d.Previous != nil {
		return d.Previous.ExternalReference
	}
	return ""
}

// Name returns the file name of whichever side is present, preferring the current one.
func (d Diff) Name() string {
	if d.Current != nil {
		return d.Current.Name
	}
	if d.Previous != nil {
		return d.Previous.Name
	}
	return ""
}

// CurrentParent returns the parent file id on the current side, or "" when absent or root-level.
func (d Diff) CurrentParent() FileID {
	if d.Current == nil || d.Current.ParentFileID == nil {
		return ""
	}
	return FileID(*d.Current.ParentFileID)
}

// PreviousParent returns the parent file id on the previous side, or "" when absent or root-level.
func (d Diff) PreviousParent() FileID {
	if d.Previous == nil || d.Previous.ParentFileID == nil {
		return ""
	}
	return FileID(*d.Previous.ParentFileID)
}

// Classify returns the change kinds between two snapshot references in a fixed order:
// [addition], [deletion], or any of [movement, rename, modification] for an update.
func Classify(current, previous *Snapshot) []ChangeKind {
	switch {
	case current == nil && previous == nil:
		return nil
	case previous == nil:
		return []ChangeKind{ChangeAddition}
	case current == nil:
		return []ChangeKind{ChangeDeletion}
	case current.ID == previous.ID:
		return nil
	}

	kinds := make([]ChangeKind, 0, 3)
	if optionalString(current.ParentFileID) != optionalString(previous.ParentFileID) {
		kinds = append(kinds, ChangeMovement)
	}
	if current.Name != previous.Name {
		kinds = append(kinds, ChangeRename)
	}
	if current.ContentMarker != previous.ContentMarker {
		kinds = append(kinds, ChangeModification)
	}
	return kinds
}

// ClassifyBatch diffs the whole tree of commitID against parentID. An empty parentID compares
// against an empty tree. Exactly two queries are issued: one resolving the file states of
// both commits together and one loading the referenced snapshots.
func (s *Service) ClassifyBatch(ctx context.Context, commitID, parentID CommitID) ([]Diff, error) {
	fields := []zap.Field{zap.String(fieldCommitID, commitID.String())}
	query := "WITH RECURSIVE " +
		commitChainCTE("current_chain", "current_commit") + ",\n" +
		commitChainCTE("previous_chain", "previous_commit") + ",\n" +
		rankedBindingsCTE("current_ranked", "current_chain") + ",\n" +
		rankedBindingsCTE("previous_ranked", "previous_chain") + `
SELECT 'current' AS side, file_id, snapshot_id FROM current_ranked WHERE rank_in_chain = 1
UNION ALL
SELECT 'previous' AS side, file_id, snapshot_id FROM previous_ranked WHERE rank_in_chain = 1`
	args := map[string]any{
		"current_commit":  commitID.String(),
		"previous_commit": parentID.String(),
		"max_chain":       maxChainLength,
	}

	db := s.db.WithContext(ctx)
	var rows []bindingRow
	if err := db.Raw(query, args).Scan(&rows).Error; err != nil {
		return nil, s.fail(opClassifyBatch, reasonQueryFailed, err, fields...)
	}

	type pair struct {
		current  *string
		previous *string
	}
	pairs := make(map[string]*pair)
	for _, row := range rows {
		entry, ok := pairs[row.FileID]
		if !ok {
			entry = &pair{}
			pairs[row.FileID] = entry
		}
		switch row.Side {
		case sideCurrent:
			entry.current = row.SnapshotID
		case sidePrevious:
			entry.previous = row.SnapshotID
		}
	}

	snapshotIDs := make([]string, 0, len(pairs))
	for fileID, entry := range pairs {
		if sameSnapshot(entry.current, entry.previous) {
			delete(pairs, fileID)
			continue
		}
		if entry.current != nil {
			snapshotIDs = append(snapshotIDs, *entry.current)
		}
		if entry.previous != nil {
			snapshotIDs = append(snapshotIDs, *entry.previous)
		}
	}

	snapshots, err := s.loadSnapshots(db, snapshotIDs)
	if err != nil {
		return nil, s.fail(opClassifyBatch, reasonQueryFailed, err, fields...)
	}

	diffs := make([]Diff, 0, len(pairs))
	for fileID, entry := range pairs {
		diff := NewDiff(FileID(fileID), snapshotRef(snapshots, entry.current), snapshotRef(snapshots, entry.previous))
		if diff.HasChanges() {
			diffs = append(diffs, diff)
		}
	}
	sortDiffs(diffs)
	return diffs, nil
}

// DiffFor compares a file's current pointer on the branch against its committed pointer.
func (s *Service) DiffFor(ctx context.Context, branchID BranchID, fileID FileID) (Diff, error) {
	fields := []zap.Field{zap.String(fieldBranchID, branchID.String()), zap.String(fieldFileID, fileID.String())}
	db := s.db.WithContext(ctx)

	if _, err := s.loadBranch(db, opDiffFor, branchID); err != nil {
		return Diff{}, err
	}
	if _, err := s.loadFile(db, opDiffFor, fileID); err != nil {
		return Diff{}, err
	}

	var pointer BranchFile
	err := db.Where("branch_id = ? AND file_id = ?", branchID.String(), fileID.String()).Take(&pointer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NewDiff(fileID, nil, nil), nil
	}
	if err != nil {
		return Diff{}, s.fail(opDiffFor, reasonQueryFailed, err, fields...)
	}

	snapshots, err := s.loadSnapshots(db, pointerSnapshotIDs(pointer))
	if err != nil {
		return Diff{}, s.fail(opDiffFor, reasonQueryFailed, err, fields...)
	}
	return NewDiff(fileID, snapshotRef(snapshots, pointer.CurrentSnapshotID), snapshotRef(snapshots, pointer.CommittedSnapshotID)), nil
}

// PendingDiffs returns the branch-vs-last-commit diff of every file whose current pointer
// differs from its committed pointer.
func (s *Service) PendingDiffs(ctx context.Context, branchID BranchID) ([]Diff, error) {
	fields := []zap.Field{zap.String(fieldBranchID, branchID.String())}
	db := s.db.WithContext(ctx)

	if _, err := s.loadBranch(db, opPendingDiffs, branchID); err != nil {
		return nil, err
	}

	pointers, err := pendingPointers(db, branchID)
	if err != nil {
		return nil, s.fail(opPendingDiffs, reasonQueryFailed, err, fields...)
	}

	snapshotIDs := make([]string, 0, len(pointers)*2)
	for _, pointer := range pointers {
		snapshotIDs = append(snapshotIDs, pointerSnapshotIDs(pointer)...)
	}
	snapshots, err := s.loadSnapshots(db, snapshotIDs)
	if err != nil {
		return nil, s.fail(opPendingDiffs, reasonQueryFailed, err, fields...)
	}

	diffs := make([]Diff, 0, len(pointers))
	for _, pointer := range pointers {
		diff := NewDiff(FileID(pointer.FileID), snapshotRef(snapshots, pointer.CurrentSnapshotID), snapshotRef(snapshots, pointer.CommittedSnapshotID))
		if diff.HasChanges() {
			diffs = append(diffs, diff)
		}
	}
	sortDiffs(diffs)
	return diffs, nil
}

// pendingPointers loads the branch rows whose current and committed pointers differ.
func pendingPointers(tx *gorm.DB, branchID BranchID) ([]BranchFile, error) {
	var pointers []BranchFile
	err := tx.Where("branch_id = ?", branchID.String()).
		Where(pointerDiffersCondition).
		Order("file_id").
		Find(&pointers).Error
	return pointers, err
}

const pointerDiffersCondition = "((current_snapshot_id IS NULL AND committed_snapshot_id IS NOT NULL) OR " +
	"(current_snapshot_id IS NOT NULL AND committed_snapshot_id IS NULL) OR " +
	"current_snapshot_id <> committed_snapshot_id)"

func pointerSnapshotIDs(pointer BranchFile) []string {
	ids := make([]string, 0, 2)
	if pointer.CurrentSnapshotID != nil {
		ids = append(ids, *pointer.CurrentSnapshotID)
	}
	if pointer.CommittedSnapshotID != nil {
		ids = append(ids, *pointer.CommittedSnapshotID)
	}
	return ids
}

func snapshotRef(snapshots map[string]Snapshot, id *string) *Snapshot {
	if id == nil {
		return nil
	}
	snapshot, ok := snapshots[*id]
	if !ok {
		return nil
	}
	return &snapshot
}

// sortDiffs orders diffs by name then file id so listings are stable.
func sortDiffs(diffs []Diff) {
	sort.SliceStable(diffs, func(i, j int) bool {
		if diffs[i].Name() != diffs[j].Name() {
			return diffs[i].Name() < diffs[j].Name()
		}
		return diffs[i].FileID < diffs[j].FileID
	})
}
