package versions

import (
	"context"
	"errors"
	"testing"
)

func (f *treeFixture) acceptedState(name, parent string, fileType FileType, marker string) DraftAmendment {
	return DraftAmendment{
		FileID: f.id(name),
		Attributes: &SnapshotAttributes{
			ExternalReference: "ext-" + name,
			Name:              name,
			ContentMarker:     marker,
			Type:              fileType,
			ParentFileID:      f.parentRef(parent),
		},
	}
}

func TestAcceptContributionStagesSelectedStatesOnTarget(t *testing.T) {
	h := newTestHarness(t)
	fixture := newTreeFixture(t, h)
	ctx := context.Background()
	fixture.folder("docs", "")
	fixture.document("plan.md", "docs", "v1")
	fixture.commitAll(fixture.branch(), "author-1", "initial import")

	fork, err := h.service.ForkBranch(ctx, fixture.branch(), "proposal")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	forkID := BranchID(fork.ID)
	fixture.stage(forkID, "plan.md", "docs", FileTypeDocument, "v2")
	fixture.stage(forkID, "notes.md", "", FileTypeDocument, "v1")
	head := fixture.commitAll(forkID, "author-2", "proposal")

	updates, err := h.service.AcceptContribution(ctx, ContributionAcceptance{
		ContributionID: forkID,
		TargetID:       fixture.branch(),
		ReviewedHead:   CommitID(head.ID),
		Files:          []DraftAmendment{fixture.acceptedState("plan.md", "docs", FileTypeDocument, "v2")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(updates) != 1 || !updates[0].Changed || updates[0].Snapshot.ContentMarker != "v2" {
		t.Fatalf("unexpected updates: %#v", updates)
	}

	pending, err := h.service.PendingDiffs(ctx, fixture.branch())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	kinds := diffKinds(pending, fixture)
	if len(kinds) != 1 || !equalKinds(kinds["plan.md"], []ChangeKind{ChangeModification}) {
		t.Fatalf("expected only the accepted modification to be staged, got %v", kinds)
	}

	_, err = h.service.AcceptContribution(ctx, ContributionAcceptance{
		ContributionID: forkID,
		TargetID:       fixture.branch(),
		ReviewedHead:   CommitID(head.ID),
	})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != opAcceptContribution+"."+reasonNothingAccepted {
		t.Fatalf("expected an empty acceptance to be rejected, got %v", err)
	}
}

func TestAcceptContributionRejectsStaleBranches(t *testing.T) {
	h := newTestHarness(t)
	fixture := newTreeFixture(t, h)
	ctx := context.Background()
	fixture.document("plan.md", "", "v1")
	base := fixture.commitAll(fixture.branch(), "author-1", "initial import")

	fork, err := h.service.ForkBranch(ctx, fixture.branch(), "proposal")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	forkID := BranchID(fork.ID)
	fixture.stage(forkID, "plan.md", "", FileTypeDocument, "v2")
	head := fixture.commitAll(forkID, "author-2", "proposal")
	accepted := []DraftAmendment{fixture.acceptedState("plan.md", "", FileTypeDocument, "v2")}

	_, err = h.service.AcceptContribution(ctx, ContributionAcceptance{
		ContributionID: forkID,
		TargetID:       fixture.branch(),
		ReviewedHead:   CommitID(base.ID),
		Files:          accepted,
	})
	var staleErr *StaleBranchError
	if !errors.As(err, &staleErr) || staleErr.BranchID != forkID || staleErr.ActualParent.String() != head.ID {
		t.Fatalf("expected the contribution to be stale, got %v", err)
	}

	fixture.document("other.md", "", "v1")
	advanced := fixture.commitAll(fixture.branch(), "author-1", "meanwhile")
	_, err = h.service.AcceptContribution(ctx, ContributionAcceptance{
		ContributionID: forkID,
		TargetID:       fixture.branch(),
		ReviewedHead:   CommitID(head.ID),
		Files:          accepted,
	})
	if !errors.As(err, &staleErr) || staleErr.BranchID != fixture.branch() {
		t.Fatalf("expected the target to be stale, got %v", err)
	}
	if staleErr.ExpectedParent.String() != base.ID || staleErr.ActualParent.String() != advanced.ID {
		t.Fatalf("unexpected stale details: %#v", staleErr)
	}

	diff, err := h.service.DiffFor(ctx, fixture.branch(), fixture.id("plan.md"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff.HasChanges() {
		t.Fatalf("expected a stale acceptance to stage nothing, got %v", diff.Kinds)
	}
}

func TestAcceptContributionRollsBackWhenTreeWouldDangle(t *testing.T) {
	h := newTestHarness(t)
	fixture := newTreeFixture(t, h)
	ctx := context.Background()
	fixture.folder("archive", "")
	fixture.document("plan.md", "", "v1")
	fixture.commitAll(fixture.branch(), "author-1", "initial import")

	fork, err := h.service.ForkBranch(ctx, fixture.branch(), "proposal")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	forkID := BranchID(fork.ID)
	fixture.stage(forkID, "notes.md", "", FileTypeDocument, "v1")
	fixture.stage(forkID, "old.md", "archive", FileTypeDocument, "v1")
	head := fixture.commitAll(forkID, "author-2", "proposal")

	fixture.remove(fixture.branch(), "archive")

	_, err = h.service.AcceptContribution(ctx, ContributionAcceptance{
		ContributionID: forkID,
		TargetID:       fixture.branch(),
		ReviewedHead:   CommitID(head.ID),
		Files: []DraftAmendment{
			fixture.acceptedState("notes.md", "", FileTypeDocument, "v1"),
			fixture.acceptedState("old.md", "archive", FileTypeDocument, "v1"),
		},
	})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != opAcceptContribution+"."+reasonDanglingParent {
		t.Fatalf("expected dangling parent error, got %v", err)
	}

	pending, err := h.service.PendingDiffs(ctx, fixture.branch())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	kinds := diffKinds(pending, fixture)
	if len(kinds) != 1 || !equalKinds(kinds["archive"], []ChangeKind{ChangeDeletion}) {
		t.Fatalf("expected only the target's own removal to stay staged, got %v", kinds)
	}
}
