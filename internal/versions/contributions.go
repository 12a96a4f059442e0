package versions

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opAcceptContribution = "versions.accept_contribution"

	reasonNothingAccepted = "nothing_accepted"
)

var (
	// ErrNothingAccepted indicates that an acceptance carried no file states.
	ErrNothingAccepted = errors.New("versions: no changes selected for acceptance")

	errNotAContribution = errors.New("branch has no fork base to accept into")
	errForeignBranch    = errors.New("branches belong to different repositories")
)

// ContributionAcceptance is the reviewed outcome of a contribution. ReviewedHead is the
// contribution head the changes were classified at, and Files holds the state to stage on the
// target for every accepted file.
type ContributionAcceptance struct {
	ContributionID BranchID
	TargetID       BranchID
	ReviewedHead   CommitID
	Files          []DraftAmendment
}

// AcceptContribution stages the accepted file states on the target branch. Either every state
// is staged or nothing is. It fails with a StaleBranchError when the target has moved past the
// contribution's fork base, or when the contribution published again after it was reviewed.
// The resulting tree must keep every file under a present folder.
func (s *Service) AcceptContribution(ctx context.Context, acceptance ContributionAcceptance) ([]CurrentUpdate, error) {
	if len(acceptance.Files) == 0 {
		return nil, newServiceError(opAcceptContribution, reasonNothingAccepted, ErrNothingAccepted)
	}
	for _, file := range acceptance.Files {
		if file.Attributes == nil {
			continue
		}
		if err := file.Attributes.Validate(); err != nil {
			return nil, newServiceError(opAcceptContribution, reasonInvalidInput, err)
		}
	}
	db := s.db.WithContext(ctx)
	contribution, err := s.loadBranch(db, opAcceptContribution, acceptance.ContributionID)
	if err != nil {
		return nil, err
	}
	fields := []zap.Field{
		zap.String("contribution_id", acceptance.ContributionID.String()),
		zap.String(fieldBranchID, acceptance.TargetID.String()),
	}

	var updates []CurrentUpdate
	err = s.inRepositoryTransaction(ctx, opAcceptContribution, RepositoryID(contribution.RepositoryID), func(tx *gorm.DB) error {
		contribution, err := s.loadBranch(tx, opAcceptContribution, acceptance.ContributionID)
		if err != nil {
			return err
		}
		target, err := s.loadBranch(tx, opAcceptContribution, acceptance.TargetID)
		if err != nil {
			return err
		}
		if target.RepositoryID != contribution.RepositoryID {
			return newServiceError(opAcceptContribution, reasonInvalidInput, errForeignBranch)
		}
		if contribution.BaseCommitID == nil || contribution.ID == target.ID {
			return newServiceError(opAcceptContribution, reasonInvalidInput, errNotAContribution)
		}
		if optionalString(contribution.HeadCommitID) != acceptance.ReviewedHead.String() {
			return s.staleAcceptance(contribution, acceptance.ReviewedHead, fields)
		}
		if optionalString(target.HeadCommitID) != *contribution.BaseCommitID {
			return s.staleAcceptance(target, CommitID(*contribution.BaseCommitID), fields)
		}

		updates = make([]CurrentUpdate, 0, len(acceptance.Files))
		placed := make([]*Snapshot, 0, len(acceptance.Files))
		for _, file := range acceptance.Files {
			if _, err := s.loadTrackableFile(tx, opAcceptContribution, target, file.FileID); err != nil {
				return err
			}
			var snapshot *Snapshot
			if file.Attributes != nil {
				created, err := s.findOrCreateSnapshot(tx, file.FileID, *file.Attributes, file.Supplemental)
				if err != nil {
					return err
				}
				snapshot = &created
			}
			changed, err := s.setCurrent(tx, opAcceptContribution, BranchID(target.ID), file.FileID, snapshotIDOf(snapshot))
			if err != nil {
				return err
			}
			updates = append(updates, CurrentUpdate{Snapshot: snapshot, Changed: changed})
			placed = append(placed, snapshot)
		}

		// Placement is checked against the final tree so files may arrive in any order.
		for index, file := range acceptance.Files {
			if snapshot := placed[index]; snapshot != nil {
				if err := s.checkPlacement(tx, opAcceptContribution, target, file.FileID, AttributesOf(*snapshot).ParentFileID); err != nil {
					return err
				}
			}
			if err := s.checkVacated(tx, opAcceptContribution, target, file.FileID, placed[index]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("contribution accepted", append(fields, zap.Int("files", len(updates)))...)
	return updates, nil
}

func (s *Service) staleAcceptance(branch Branch, expected CommitID, fields []zap.Field) error {
	staleErr := &StaleBranchError{
		BranchID:       BranchID(branch.ID),
		ExpectedParent: expected,
		ActualParent:   CommitID(optionalString(branch.HeadCommitID)),
	}
	s.loggerOrDefault().Warn("stale branch",
		append(fields,
			zap.String("operation", opAcceptContribution),
			zap.String("reason", reasonStaleBranch),
			zap.String("stale_branch_id", branch.ID),
			zap.String("expected_parent", expected.String()),
			zap.String("actual_parent", staleErr.ActualParent.String()))...)
	return staleErr
}
