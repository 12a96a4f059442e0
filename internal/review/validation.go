package review

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/versions"
)

// ErrSelectionInvalid matches every SelectionValidationError.
var ErrSelectionInvalid = errors.New("review: invalid selection")

// Violation is one broken dependency between a folder's change and its direct children.
type Violation struct {
	FileID     versions.FileID
	Name       string
	Dependents []string
	Message    string
}

// SelectionValidationError lists every violated dependency of a selection.
type SelectionValidationError struct {
	Violations []Violation
}

func (e *SelectionValidationError) Error() string {
	messages := make([]string, 0, len(e.Violations))
	for _, violation := range e.Violations {
		messages = append(messages, violation.Message)
	}
	return strings.Join(messages, " ")
}

func (e *SelectionValidationError) Is(target error) bool {
	return target == ErrSelectionInvalid
}

// Messages returns the individual violation messages.
func (e *SelectionValidationError) Messages() []string {
	messages := make([]string, 0, len(e.Violations))
	for _, violation := range e.Violations {
		messages = append(messages, violation.Message)
	}
	return messages
}

// Validate checks each folder against its direct children only:
//   - an unselected addition of F is invalid while a child is added or moved into F;
//   - an unselected deletion of F is invalid while a child is deleted or moved out of F;
//   - a selected deletion of F is invalid while a child is neither deleted nor moved out.
//
// Deeper levels are covered because each level is checked against its own parent.
func (r *Review) Validate() error {
	byPreviousParent := make(map[versions.FileID][]*Entry)
	byCurrentParent := make(map[versions.FileID][]*Entry)
	for _, entry := range r.Entries {
		if entry.Diff.Previous != nil {
			parent := entry.Diff.PreviousParent()
			byPreviousParent[parent] = append(byPreviousParent[parent], entry)
		}
		if entry.Diff.Current != nil {
			parent := entry.Diff.CurrentParent()
			byCurrentParent[parent] = append(byCurrentParent[parent], entry)
		}
	}

	var violations []Violation
	for _, entry := range r.Entries {
		fileID := entry.Diff.FileID

		if addition := entry.change(versions.ChangeAddition); addition != nil && !addition.selected {
			arriving := filterEntries(byCurrentParent[fileID], (*Entry).placementSelected)
			if len(arriving) > 0 {
				violations = append(violations, newViolation(entry, arriving,
					"You cannot leave out '%s' while adding or moving files into it: %s"))
			}
		}

		deletion := entry.change(versions.ChangeDeletion)
		if deletion == nil {
			continue
		}
		children := byPreviousParent[fileID]
		if deletion.selected {
			staying := filterEntries(children, func(child *Entry) bool { return !child.removalSelected() })
			if len(staying) > 0 {
				violations = append(violations, newViolation(entry, staying,
					"You cannot delete '%s' without deleting its contents: %s"))
			}
			continue
		}
		leaving := filterEntries(children, (*Entry).removalSelected)
		if len(leaving) > 0 {
			violations = append(violations, newViolation(entry, leaving,
				"You cannot keep '%s' while deleting or moving out its contents: %s"))
		}
	}

	if len(violations) == 0 {
		return nil
	}
	return &SelectionValidationError{Violations: violations}
}

func newViolation(entry *Entry, dependents []*Entry, format string) Violation {
	names := make([]string, 0, len(dependents))
	for _, dependent := range dependents {
		names = append(names, dependent.Diff.Name())
	}
	return Violation{
		FileID:     entry.Diff.FileID,
		Name:       entry.Diff.Name(),
		Dependents: names,
		Message:    fmt.Sprintf(format, entry.Diff.Name(), ToSentence(names)),
	}
}

func filterEntries(entries []*Entry, keep func(*Entry) bool) []*Entry {
	var kept []*Entry
	for _, entry := range entries {
		if keep(entry) {
			kept = append(kept, entry)
		}
	}
	return kept
}

// ToSentence joins words as "a", "a and b" or "a, b, and c".
func ToSentence(words []string) string {
	switch len(words) {
	case 0:
		return ""
	case 1:
		return words[0]
	case 2:
		return words[0] + " and " + words[1]
	default:
		return strings.Join(words[:len(words)-1], ", ") + ", and " + words[len(words)-1]
	}
}
