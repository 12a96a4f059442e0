package review

import (
	"github.com/MarcoPoloResearchLab/folio/backend/internal/versions"
)

// Entry is one reviewed diff together with the breadcrumbs of both sides and its changes.
type Entry struct {
	Diff          versions.Diff
	CurrentLabel  string
	PreviousLabel string
	Changes       []*Change
}

func (e *Entry) change(kind versions.ChangeKind) *Change {
	for _, change := range e.Changes {
		if change.kind == kind {
			return change
		}
	}
	return nil
}

// removalSelected reports whether the entry leaves its previous parent through a selected
// deletion or movement.
func (e *Entry) removalSelected() bool {
	if change := e.change(versions.ChangeDeletion); change != nil && change.selected {
		return true
	}
	if change := e.change(versions.ChangeMovement); change != nil && change.selected {
		return true
	}
	return false
}

// placementSelected reports whether the entry arrives under its current parent through a
// selected addition or movement.
func (e *Entry) placementSelected() bool {
	if change := e.change(versions.ChangeAddition); change != nil && change.selected {
		return true
	}
	if change := e.change(versions.ChangeMovement); change != nil && change.selected {
		return true
	}
	return false
}

// placedByDraft reports whether the draft puts the file under its proposed parent, which holds
// unless an addition or movement of the file is unselected.
func (e *Entry) placedByDraft() bool {
	if e.Diff.Has(versions.ChangeAddition) || e.Diff.Has(versions.ChangeMovement) {
		return e.placementSelected()
	}
	return true
}

// Review is the set of changes proposed for one draft commit. For a contribution, DraftID is
// the contribution head, ParentID its fork base and BranchID the contribution branch.
type Review struct {
	DraftID      versions.CommitID
	ParentID     versions.CommitID
	BranchID     versions.BranchID
	Published    bool
	Contribution bool
	Entries      []*Entry
}

// New wraps diffs into entries, one change per classified kind, all selected.
func New(draftID, parentID versions.CommitID, branchID versions.BranchID, diffs []versions.Diff) *Review {
	review := &Review{DraftID: draftID, ParentID: parentID, BranchID: branchID, Entries: make([]*Entry, 0, len(diffs))}
	for _, diff := range diffs {
		entry := &Entry{Diff: diff, CurrentLabel: versions.RootLabel, PreviousLabel: versions.RootLabel}
		for _, kind := range diff.Kinds {
			entry.Changes = append(entry.Changes, newChange(kind, entry))
		}
		review.Entries = append(review.Entries, entry)
	}
	return review
}

// Changes lists every change in entry order, kinds in classification order.
func (r *Review) Changes() []*Change {
	changes := make([]*Change, 0, len(r.Entries))
	for _, entry := range r.Entries {
		changes = append(changes, entry.Changes...)
	}
	return changes
}

// Change finds a change by identifier.
func (r *Review) Change(identifier string) (*Change, bool) {
	for _, change := range r.Changes() {
		if change.Identifier() == identifier {
			return change, true
		}
	}
	return nil, false
}

// Select includes the identified change. Unknown identifiers are ignored.
func (r *Review) Select(identifier string) {
	if change, ok := r.Change(identifier); ok {
		change.Select()
	}
}

// Unselect excludes the identified change. Unknown identifiers are ignored.
func (r *Review) Unselect(identifier string) {
	if change, ok := r.Change(identifier); ok {
		change.Unselect()
	}
}

// ApplySelection makes exactly the listed changes selected, as posted by a selection form.
func (r *Review) ApplySelection(selected []string) {
	wanted := make(map[string]struct{}, len(selected))
	for _, identifier := range selected {
		wanted[identifier] = struct{}{}
	}
	for _, change := range r.Changes() {
		if _, ok := wanted[change.Identifier()]; ok {
			change.Select()
		} else {
			change.Unselect()
		}
	}
}

// SelectedIdentifiers lists the identifiers of selected changes.
func (r *Review) SelectedIdentifiers() []string {
	identifiers := make([]string, 0)
	for _, change := range r.Changes() {
		if change.selected {
			identifiers = append(identifiers, change.Identifier())
		}
	}
	return identifiers
}

// Amendments returns, for every reviewed file, the state the draft must hold once unselected
// changes are rolled back.
func (r *Review) Amendments() []versions.DraftAmendment {
	amendments := make([]versions.DraftAmendment, 0, len(r.Entries))
	for _, entry := range r.Entries {
		attributes, supplemental := entry.desiredState()
		amendments = append(amendments, versions.DraftAmendment{
			FileID:       entry.Diff.FileID,
			Attributes:   attributes,
			Supplemental: supplemental,
		})
	}
	return amendments
}

// AcceptedStates returns the state to stage for every entry with at least one selected change.
// Entries with nothing selected are left out so the receiving branch keeps its own state.
func (r *Review) AcceptedStates() []versions.DraftAmendment {
	var states []versions.DraftAmendment
	for _, entry := range r.Entries {
		if !entry.anySelected() {
			continue
		}
		attributes, supplemental := entry.desiredState()
		states = append(states, versions.DraftAmendment{
			FileID:       entry.Diff.FileID,
			Attributes:   attributes,
			Supplemental: supplemental,
		})
	}
	return states
}

func (e *Entry) anySelected() bool {
	for _, change := range e.Changes {
		if change.selected {
			return true
		}
	}
	return false
}

// desiredState applies the entry's rollbacks. An unselected addition leaves the file absent, an
// unselected deletion keeps the previous state, and each unselected update facet restores the
// previous parent, name or content marker.
func (e *Entry) desiredState() (*versions.SnapshotAttributes, versions.SupplementalAttributes) {
	current := e.Diff.Current
	previous := e.Diff.Previous

	switch {
	case current == nil && previous == nil:
		return nil, versions.SupplementalAttributes{}
	case previous == nil:
		if e.change(versions.ChangeAddition).Selected() {
			return stateOf(current)
		}
		return nil, versions.SupplementalAttributes{}
	case current == nil:
		if e.change(versions.ChangeDeletion).Selected() {
			return nil, versions.SupplementalAttributes{}
		}
		return stateOf(previous)
	}

	if !e.anySelected() {
		return stateOf(previous)
	}

	attributes, supplemental := stateOf(current)
	previousAttributes := versions.AttributesOf(*previous)
	for _, change := range e.Changes {
		if change.selected {
			continue
		}
		switch change.kind {
		case versions.ChangeMovement:
			attributes.ParentFileID = previousAttributes.ParentFileID
		case versions.ChangeRename:
			attributes.Name = previousAttributes.Name
		case versions.ChangeModification:
			attributes.ContentMarker = previousAttributes.ContentMarker
		}
	}
	return attributes, supplemental
}

func stateOf(snapshot *versions.Snapshot) (*versions.SnapshotAttributes, versions.SupplementalAttributes) {
	attributes := versions.AttributesOf(*snapshot)
	supplemental := versions.SupplementalAttributes{}
	if snapshot.ThumbnailReference != "" {
		thumbnail := snapshot.ThumbnailReference
		supplemental.ThumbnailReference = &thumbnail
	}
	return &attributes, supplemental
}
