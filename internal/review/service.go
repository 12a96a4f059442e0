package review

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/versions"
)

// DefaultBreadcrumbDepth bounds ancestry resolution for review labels.
const DefaultBreadcrumbDepth = 3

var errMissingVersions = errors.New("versions store is required")

// VersionStore is the part of the versioning engine a review needs.
type VersionStore interface {
	GetCommit(ctx context.Context, commitID versions.CommitID) (versions.Commit, error)
	GetBranch(ctx context.Context, branchID versions.BranchID) (versions.Branch, error)
	PendingDiffs(ctx context.Context, branchID versions.BranchID) ([]versions.Diff, error)
	ClassifyBatch(ctx context.Context, commitID, parentID versions.CommitID) ([]versions.Diff, error)
	AncestorsOfMany(ctx context.Context, fileIDs []versions.FileID, at versions.TreeRef, maxDepth int) (map[versions.FileID][]versions.Ancestor, error)
	AmendDraft(ctx context.Context, draftID versions.CommitID, amendments []versions.DraftAmendment) error
	AcceptContribution(ctx context.Context, acceptance versions.ContributionAcceptance) ([]versions.CurrentUpdate, error)
}

// ServiceConfig describes the dependencies of the review service.
type ServiceConfig struct {
	Versions        VersionStore
	BreadcrumbDepth int
	Logger          *zap.Logger
}

// Service loads reviews of drafts and applies reviewer selections to them.
type Service struct {
	versions VersionStore
	depth    int
	logger   *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Versions == nil {
		return nil, errMissingVersions
	}
	depth := cfg.BreadcrumbDepth
	if depth <= 0 {
		depth = DefaultBreadcrumbDepth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{versions: cfg.Versions, depth: depth, logger: logger}, nil
}

// Load builds the review of a draft. For an unpublished draft the proposal is every change
// staged on its branch, and a change counts as selected when the draft still carries it. A
// published commit is reviewed read-only against its parent with every change selected.
func (s *Service) Load(ctx context.Context, draftID versions.CommitID) (*Review, error) {
	draft, err := s.versions.GetCommit(ctx, draftID)
	if err != nil {
		return nil, err
	}
	parentID := versions.CommitID("")
	if draft.ParentCommitID != nil {
		parentID = versions.CommitID(*draft.ParentCommitID)
	}
	branchID := versions.BranchID(draft.BranchID)

	drafted, err := s.versions.ClassifyBatch(ctx, draftID, parentID)
	if err != nil {
		return nil, err
	}

	proposal := drafted
	if !draft.IsPublished {
		staged, err := s.versions.PendingDiffs(ctx, branchID)
		if err != nil {
			return nil, err
		}
		proposal = mergeProposal(staged, drafted)
	}

	review := New(draftID, parentID, branchID, proposal)
	review.Published = draft.IsPublished

	draftedByFile := make(map[versions.FileID]versions.Diff, len(drafted))
	for _, diff := range drafted {
		draftedByFile[diff.FileID] = diff
	}
	for _, entry := range review.Entries {
		carried, ok := draftedByFile[entry.Diff.FileID]
		for _, change := range entry.Changes {
			if !ok || !carried.Has(change.Kind()) {
				change.Unselect()
			}
		}
	}

	// An entry whose addition or movement the draft leaves out is only placed in the
	// branch's staged tree, so its proposed location is labelled there.
	unplacedTree := versions.AtBranch(branchID)
	if draft.IsPublished {
		unplacedTree = versions.AtCommit(draftID)
	}
	if err := s.label(ctx, review, versions.AtCommit(draftID), unplacedTree); err != nil {
		return nil, err
	}
	return review, nil
}

// Apply validates the review and rewrites the draft so that unselected changes are rolled
// back. Nothing is written when validation fails.
func (s *Service) Apply(ctx context.Context, review *Review) error {
	if review.Published || review.Contribution {
		return &versions.ImmutableRecordError{Record: "commit", ID: review.DraftID.String(), Detail: "published commits cannot be reviewed again"}
	}
	if err := review.Validate(); err != nil {
		s.logger.Info("review selection rejected",
			zap.String("commit_id", review.DraftID.String()),
			zap.Error(err))
		return err
	}
	if err := s.versions.AmendDraft(ctx, review.DraftID, review.Amendments()); err != nil {
		return err
	}
	s.logger.Info("review applied",
		zap.String("commit_id", review.DraftID.String()),
		zap.Int("selected", len(review.SelectedIdentifiers())),
		zap.Int("changes", len(review.Changes())))
	return nil
}

// label resolves breadcrumbs for both sides of every entry in at most three batched
// resolutions. The current side of an entry the draft places is resolved against
// currentTree, otherwise against unplacedTree.
func (s *Service) label(ctx context.Context, review *Review, currentTree, unplacedTree versions.TreeRef) error {
	var placedFiles, unplacedFiles, previousFiles []versions.FileID
	for _, entry := range review.Entries {
		if entry.Diff.Current != nil {
			if entry.placedByDraft() {
				placedFiles = append(placedFiles, entry.Diff.FileID)
			} else {
				unplacedFiles = append(unplacedFiles, entry.Diff.FileID)
			}
		}
		if entry.Diff.Previous != nil {
			previousFiles = append(previousFiles, entry.Diff.FileID)
		}
	}

	currentLineages := make(map[versions.FileID][]versions.Ancestor, len(placedFiles)+len(unplacedFiles))
	batches := []struct {
		tree    versions.TreeRef
		fileIDs []versions.FileID
	}{
		{tree: currentTree, fileIDs: placedFiles},
		{tree: unplacedTree, fileIDs: unplacedFiles},
	}
	for _, batch := range batches {
		resolved, err := s.lineages(ctx, batch.fileIDs, batch.tree)
		if err != nil {
			return err
		}
		for fileID, lineage := range resolved {
			currentLineages[fileID] = lineage
		}
	}
	previousLineages := map[versions.FileID][]versions.Ancestor{}
	if review.ParentID != "" {
		var err error
		previousLineages, err = s.lineages(ctx, previousFiles, versions.AtCommit(review.ParentID))
		if err != nil {
			return err
		}
	}

	for _, entry := range review.Entries {
		if entry.Diff.Current != nil {
			entry.CurrentLabel = versions.Breadcrumb(currentLineages[entry.Diff.FileID])
		}
		if entry.Diff.Previous != nil {
			entry.PreviousLabel = versions.Breadcrumb(previousLineages[entry.Diff.FileID])
		}
	}
	return nil
}

func (s *Service) lineages(ctx context.Context, fileIDs []versions.FileID, at versions.TreeRef) (map[versions.FileID][]versions.Ancestor, error) {
	if len(fileIDs) == 0 {
		return map[versions.FileID][]versions.Ancestor{}, nil
	}
	return s.versions.AncestorsOfMany(ctx, fileIDs, at, s.depth)
}

// mergeProposal keeps every staged diff and adds drafted diffs the branch no longer stages.
func mergeProposal(staged, drafted []versions.Diff) []versions.Diff {
	merged := make([]versions.Diff, 0, len(staged)+len(drafted))
	seen := make(map[versions.FileID]struct{}, len(staged))
	for _, diff := range staged {
		seen[diff.FileID] = struct{}{}
		merged = append(merged, diff)
	}
	for _, diff := range drafted {
		if _, ok := seen[diff.FileID]; ok {
			continue
		}
		merged = append(merged, diff)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Name() != merged[j].Name() {
			return merged[i].Name() < merged[j].Name()
		}
		return merged[i].FileID < merged[j].FileID
	})
	return merged
}
