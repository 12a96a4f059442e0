package versions

import (
	"context"
	"errors"
	"testing"
)

func TestFindOrCreateSnapshotDeduplicatesIdenticalAttributes(t *testing.T) {
	h := newTestHarness(t)
	fixture := newTreeFixture(t, h)
	fixture.folder("reports", "")

	file, err := h.service.CreateFile(context.Background(), RepositoryID(fixture.layout.Repository.ID))
	if err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	parent := fixture.id("reports")
	attributes := SnapshotAttributes{
		ExternalReference: "ext-q1",
		Name:              "q1.pdf",
		ContentMarker:     "v1",
		Type:              FileTypeDocument,
		ParentFileID:      &parent,
	}

	first, err := h.service.FindOrCreateSnapshot(context.Background(), FileID(file.ID), attributes, SupplementalAttributes{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := h.service.FindOrCreateSnapshot(context.Background(), FileID(file.ID), attributes, SupplementalAttributes{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same snapshot, got %s and %s", first.ID, second.ID)
	}

	var count int64
	if err := h.db.Model(&Snapshot{}).Where("file_id = ?", file.ID).Count(&count).Error; err != nil {
		t.Fatalf("failed to count snapshots: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one snapshot row, got %d", count)
	}
}

func TestFindOrCreateSnapshotPatchesSupplementalAttributesInPlace(t *testing.T) {
	h := newTestHarness(t)
	fixture := newTreeFixture(t, h)
	fixture.document("notes.txt", "", "v1")
	fileID := fixture.id("notes.txt")
	root := fixture.root()
	attributes := SnapshotAttributes{
		ExternalReference: "ext-notes.txt",
		Name:              "notes.txt",
		ContentMarker:     "v1",
		Type:              FileTypeDocument,
		ParentFileID:      &root,
	}

	thumbnail := "thumbs/notes.png"
	patched, err := h.service.FindOrCreateSnapshot(context.Background(), fileID, attributes, SupplementalAttributes{ThumbnailReference: &thumbnail})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stored []Snapshot
	if err := h.db.Where("file_id = ?", fileID.String()).Find(&stored).Error; err != nil {
		t.Fatalf("failed to load snapshots: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected the existing snapshot to be reused, got %d rows", len(stored))
	}
	if stored[0].ID != patched.ID || stored[0].ThumbnailReference != thumbnail {
		t.Fatalf("expected thumbnail to be patched in place, got %#v", stored[0])
	}
}

func TestFindOrCreateSnapshotDistinguishesParents(t *testing.T) {
	h := newTestHarness(t)
	fixture := newTreeFixture(t, h)
	fixture.folder("a", "")
	fixture.folder("b", "")
	file, err := h.service.CreateFile(context.Background(), RepositoryID(fixture.layout.Repository.ID))
	if err != nil {
		t.Fatalf("failed to create file: %v", err)
	}

	parentA := fixture.id("a")
	parentB := fixture.id("b")
	base := SnapshotAttributes{ExternalReference: "ext", Name: "doc", ContentMarker: "v1", Type: FileTypeDocument}

	underA := base
	underA.ParentFileID = &parentA
	underB := base
	underB.ParentFileID = &parentB

	first, err := h.service.FindOrCreateSnapshot(context.Background(), FileID(file.ID), underA, SupplementalAttributes{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := h.service.FindOrCreateSnapshot(context.Background(), FileID(file.ID), underB, SupplementalAttributes{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	detached, err := h.service.FindOrCreateSnapshot(context.Background(), FileID(file.ID), base, SupplementalAttributes{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ID == second.ID || first.ID == detached.ID || second.ID == detached.ID {
		t.Fatalf("expected distinct snapshots per parent, got %s %s %s", first.ID, second.ID, detached.ID)
	}
}

func TestFindOrCreateSnapshotRejectsInvalidAttributes(t *testing.T) {
	h := newTestHarness(t)
	fixture := newTreeFixture(t, h)
	fixture.document("doc", "", "v1")

	testCases := []struct {
		name       string
		attributes SnapshotAttributes
	}{
		{name: "missing name", attributes: SnapshotAttributes{ExternalReference: "ext", Type: FileTypeDocument}},
		{name: "missing reference", attributes: SnapshotAttributes{Name: "doc", Type: FileTypeDocument}},
		{name: "unknown type", attributes: SnapshotAttributes{ExternalReference: "ext", Name: "doc", Type: "symlink"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := h.service.FindOrCreateSnapshot(context.Background(), fixture.id("doc"), testCase.attributes, SupplementalAttributes{})
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) || serviceErr.Code() != opFindOrCreateSnapshot+"."+reasonInvalidInput {
				t.Fatalf("expected invalid input error, got %v", err)
			}
		})
	}
}

func TestFindOrCreateSnapshotRequiresExistingFile(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.service.FindOrCreateSnapshot(context.Background(), FileID("missing"), SnapshotAttributes{
		ExternalReference: "ext",
		Name:              "doc",
		Type:              FileTypeDocument,
	}, SupplementalAttributes{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPatchSnapshotRejectsCoreColumns(t *testing.T) {
	h := newTestHarness(t)
	fixture := newTreeFixture(t, h)
	update := fixture.stage(fixture.branch(), "plan.md", "", FileTypeDocument, "v1")
	snapshotID := SnapshotID(update.Snapshot.ID)

	_, err := h.service.PatchSnapshot(context.Background(), snapshotID, map[string]any{"name": "renamed.md"})
	if !errors.Is(err, ErrImmutableRecord) {
		t.Fatalf("expected immutable record error, got %v", err)
	}

	patched, err := h.service.PatchSnapshot(context.Background(), snapshotID, map[string]any{columnThumbnailReference: "thumbs/plan.png"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if patched.ThumbnailReference != "thumbs/plan.png" || patched.Name != "plan.md" {
		t.Fatalf("unexpected patched snapshot: %#v", patched)
	}

	if _, err := h.service.PatchSnapshot(context.Background(), SnapshotID("missing"), map[string]any{columnThumbnailReference: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSnapshotUpdateHookGuardsIdentity(t *testing.T) {
	h := newTestHarness(t)
	fixture := newTreeFixture(t, h)
	update := fixture.stage(fixture.branch(), "plan.md", "", FileTypeDocument, "v1")
	snapshot := *update.Snapshot

	err := h.db.Model(&snapshot).Updates(map[string]any{"content_marker": "v2"}).Error
	if !errors.Is(err, ErrImmutableRecord) {
		t.Fatalf("expected hook to reject core update, got %v", err)
	}

	var stored Snapshot
	if err := h.db.Where("id = ?", snapshot.ID).Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload snapshot: %v", err)
	}
	if stored.ContentMarker != "v1" {
		t.Fatalf("expected content marker to stay v1, got %s", stored.ContentMarker)
	}
}

func TestIdentityHashSeparatesFieldBoundaries(t *testing.T) {
	parent := FileID("p")
	left := identityHash("f", SnapshotAttributes{ExternalReference: "ab", Name: "c", Type: FileTypeDocument})
	right := identityHash("f", SnapshotAttributes{ExternalReference: "a", Name: "bc", Type: FileTypeDocument})
	if left == right {
		t.Fatalf("expected distinct hashes for shifted field boundaries")
	}
	withParent := identityHash("f", SnapshotAttributes{ExternalReference: "ab", Name: "c", Type: FileTypeDocument, ParentFileID: &parent})
	if withParent == left {
		t.Fatalf("expected parent to change the identity hash")
	}
	if len(left) != 32 {
		t.Fatalf("expected 32 hex characters, got %d", len(left))
	}
}
