package review

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/versions"
)

var errNotContributionReview = errors.New("review: only contribution reviews can be accepted")

// LoadContribution builds the review of everything a contribution published since it was
// forked. Every change starts selected.
func (s *Service) LoadContribution(ctx context.Context, contributionID versions.BranchID) (*Review, error) {
	branch, err := s.versions.GetBranch(ctx, contributionID)
	if err != nil {
		return nil, err
	}
	headID := versions.CommitID(optional(branch.HeadCommitID))
	baseID := versions.CommitID(optional(branch.BaseCommitID))

	var diffs []versions.Diff
	if headID != "" && headID != baseID {
		diffs, err = s.versions.ClassifyBatch(ctx, headID, baseID)
		if err != nil {
			return nil, err
		}
	}

	review := New(headID, baseID, contributionID, diffs)
	review.Contribution = true
	if err := s.label(ctx, review, versions.AtCommit(headID), versions.AtCommit(headID)); err != nil {
		return nil, err
	}
	return review, nil
}

// Accept validates the selection and stages the selected changes on the target branch in one
// transaction. Nothing is written when validation fails.
func (s *Service) Accept(ctx context.Context, review *Review, targetID versions.BranchID) ([]versions.CurrentUpdate, error) {
	if !review.Contribution {
		return nil, errNotContributionReview
	}
	if err := review.Validate(); err != nil {
		s.logger.Info("contribution selection rejected",
			zap.String("contribution_id", review.BranchID.String()),
			zap.Error(err))
		return nil, err
	}
	updates, err := s.versions.AcceptContribution(ctx, versions.ContributionAcceptance{
		ContributionID: review.BranchID,
		TargetID:       targetID,
		ReviewedHead:   review.DraftID,
		Files:          review.AcceptedStates(),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("contribution accepted",
		zap.String("contribution_id", review.BranchID.String()),
		zap.String("branch_id", targetID.String()),
		zap.Int("selected", len(review.SelectedIdentifiers())))
	return updates, nil
}

func optional(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
