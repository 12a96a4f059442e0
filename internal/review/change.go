package review

import "github.com/MarcoPoloResearchLab/folio/backend/internal/versions"

// Change is one selectable facet of a diff. It refers to its owning diff rather than copying it.
type Change struct {
	kind     versions.ChangeKind
	diff     *Entry
	selected bool
}

func newChange(kind versions.ChangeKind, entry *Entry) *Change {
	return &Change{kind: kind, diff: entry, selected: true}
}

// Kind returns the change kind.
func (c *Change) Kind() versions.ChangeKind {
	return c.kind
}

// Entry returns the reviewed diff this change belongs to.
func (c *Change) Entry() *Entry {
	return c.diff
}

// FileID returns the id of the changed file.
func (c *Change) FileID() versions.FileID {
	return c.diff.Diff.FileID
}

// Identifier is stable across reloads so a re-posted selection form toggles the same change.
func (c *Change) Identifier() string {
	return c.diff.Diff.ExternalReference() + "_" + string(c.kind)
}

// Selected reports whether the change is included in the commit.
func (c *Change) Selected() bool {
	return c.selected
}

// Select includes the change.
func (c *Change) Select() {
	c.selected = true
}

// Unselect excludes the change; it is rolled back when the review is applied.
func (c *Change) Unselect() {
	c.selected = false
}

// Description renders a one-line summary for listings.
func (c *Change) Description() string {
	name := c.diff.Diff.Name()
	switch c.kind {
	case versions.ChangeAddition:
		return "Added '" + name + "' in " + c.diff.CurrentLabel
	case versions.ChangeDeletion:
		return "Deleted '" + name + "' from " + c.diff.PreviousLabel
	case versions.ChangeMovement:
		return "Moved '" + name + "' from " + c.diff.PreviousLabel + " to " + c.diff.CurrentLabel
	case versions.ChangeRename:
		return "Renamed '" + c.diff.Diff.Previous.Name + "' to '" + name + "'"
	case versions.ChangeModification:
		return "Modified '" + name + "'"
	default:
		return string(c.kind) + " '" + name + "'"
	}
}
