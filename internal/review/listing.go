package review

import (
	"fmt"
	"sort"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/versions"
)

const listingContext = 1

// RenderListing returns a unified diff between the reviewed files as they were in the parent
// commit and as the draft will hold them once the current selection is applied. An empty
// string means the selection changes nothing.
func RenderListing(review *Review) (string, error) {
	before := make([]string, 0, len(review.Entries))
	after := make([]string, 0, len(review.Entries))
	for _, entry := range review.Entries {
		if previous := entry.Diff.Previous; previous != nil {
			before = append(before, listingLine(entry.PreviousLabel, versions.AttributesOf(*previous)))
		}
		attributes, _ := entry.desiredState()
		if attributes == nil {
			continue
		}
		label := entry.CurrentLabel
		if movement := entry.change(versions.ChangeMovement); movement == nil || !movement.selected {
			if entry.Diff.Previous != nil {
				label = entry.PreviousLabel
			}
		}
		after = append(after, listingLine(label, *attributes))
	}
	sort.Strings(before)
	sort.Strings(after)

	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        withNewlines(before),
		B:        withNewlines(after),
		FromFile: "parent",
		ToFile:   "draft",
		Context:  listingContext,
	})
}

func listingLine(label string, attributes versions.SnapshotAttributes) string {
	line := fmt.Sprintf("[%s] %s (%s)", label, attributes.Name, attributes.Type)
	if attributes.ContentMarker != "" {
		line += " @" + attributes.ContentMarker
	}
	return line
}

func withNewlines(lines []string) []string {
	terminated := make([]string, 0, len(lines))
	for _, line := range lines {
		terminated = append(terminated, line+"\n")
	}
	return terminated
}
