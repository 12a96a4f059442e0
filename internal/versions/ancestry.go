package versions

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opAncestorsOf = "versions.ancestors_of"

	// RootLabel is the breadcrumb of a file that sits directly under the repository root.
	RootLabel = "Home"
	// BreadcrumbSeparator joins breadcrumb segments, nearest ancestor first.
	BreadcrumbSeparator = " < "
	// BreadcrumbEllipsis stands in for ancestors beyond the breadcrumb window.
	BreadcrumbEllipsis = "…"

	breadcrumbWindow       = 3
	unboundedAncestryDepth = 256
)

// Ancestor is one folder above a file.
type Ancestor struct {
	ID   FileID
	Name string
}

type ancestryRow struct {
	ChildID      string
	FileID       string
	Name         string
	ParentFileID *string
}

type arenaEntry struct {
	name     string
	parentID string
}

// AncestorsOf returns the folders above fileID in the tree named by at, nearest first, up to
// maxDepth entries. maxDepth <= 0 walks to the root. The repository root is never included.
func (s *Service) AncestorsOf(ctx context.Context, fileID FileID, at TreeRef, maxDepth int) ([]Ancestor, error) {
	lineages, err := s.AncestorsOfMany(ctx, []FileID{fileID}, at, maxDepth)
	if err != nil {
		return nil, err
	}
	return lineages[fileID], nil
}

// AncestorsOfMany resolves the ancestors of many files together. Each round issues one query
// for the whole frontier, so at most maxDepth queries run regardless of tree width.
func (s *Service) AncestorsOfMany(ctx context.Context, fileIDs []FileID, at TreeRef, maxDepth int) (map[FileID][]Ancestor, error) {
	if err := at.validate(); err != nil {
		return nil, newServiceError(opAncestorsOf, reasonInvalidInput, err)
	}
	lineages, err := s.resolveAncestors(s.db.WithContext(ctx), at, fileIDs, maxDepth)
	if err != nil {
		return nil, s.fail(opAncestorsOf, reasonQueryFailed, err, zap.String("tree", at.String()))
	}
	return lineages, nil
}

// resolveAncestors expands a frontier level by level. Every round fetches, for each frontier
// id, its parent's name and the parent's own parent, joined in a single statement against the
// tree state. Results accumulate in an arena keyed by id.
func (s *Service) resolveAncestors(tx *gorm.DB, at TreeRef, fileIDs []FileID, maxDepth int) (map[FileID][]Ancestor, error) {
	if maxDepth <= 0 {
		maxDepth = unboundedAncestryDepth
	}

	arena := make(map[string]arenaEntry)
	parentOf := make(map[string]string)
	frontier := make([]string, 0, len(fileIDs))
	queued := make(map[string]struct{}, len(fileIDs))
	for _, fileID := range fileIDs {
		if _, seen := queued[fileID.String()]; seen {
			continue
		}
		queued[fileID.String()] = struct{}{}
		frontier = append(frontier, fileID.String())
	}

	stateCTEs, args := treeStateCTEs(at)
	query := "WITH " + stateCTEs + `
SELECT child.file_id AS child_id, parent.file_id AS file_id, parent.name AS name, parent.parent_file_id AS parent_file_id
FROM state child JOIN state parent ON parent.file_id = child.parent_file_id
WHERE child.file_id IN @frontier`

	for round := 0; round < maxDepth && len(frontier) > 0; round++ {
		roundArgs := make(map[string]any, len(args)+1)
		for key, value := range args {
			roundArgs[key] = value
		}
		roundArgs["frontier"] = frontier

		var rows []ancestryRow
		if err := tx.Raw(query, roundArgs).Scan(&rows).Error; err != nil {
			return nil, err
		}

		next := make([]string, 0, len(rows))
		for _, row := range rows {
			parentOf[row.ChildID] = row.FileID
			arena[row.FileID] = arenaEntry{name: row.Name, parentID: optionalString(row.ParentFileID)}
			if _, seen := queued[row.FileID]; seen {
				continue
			}
			queued[row.FileID] = struct{}{}
			next = append(next, row.FileID)
		}
		frontier = next
	}

	lineages := make(map[FileID][]Ancestor, len(fileIDs))
	for _, fileID := range fileIDs {
		lineage := make([]Ancestor, 0, maxDepth)
		visited := map[string]struct{}{fileID.String(): {}}
		current := fileID.String()
		for len(lineage) < maxDepth {
			parentID, ok := parentOf[current]
			if !ok {
				break
			}
			if _, loop := visited[parentID]; loop {
				break
			}
			visited[parentID] = struct{}{}
			lineage = append(lineage, Ancestor{ID: FileID(parentID), Name: arena[parentID].name})
			current = parentID
		}
		lineages[fileID] = lineage
	}
	return lineages, nil
}

// Breadcrumb renders ancestors (nearest first) as a short label. No ancestors yields the root
// label; one or two are joined nearest first; three or more show an ellipsis followed by the
// two nearest.
func Breadcrumb(ancestors []Ancestor) string {
	if len(ancestors) > breadcrumbWindow {
		ancestors = ancestors[:breadcrumbWindow]
	}
	switch len(ancestors) {
	case 0:
		return RootLabel
	case 1, 2:
		names := make([]string, 0, len(ancestors))
		for _, ancestor := range ancestors {
			names = append(names, ancestor.Name)
		}
		return strings.Join(names, BreadcrumbSeparator)
	default:
		return strings.Join([]string{BreadcrumbEllipsis, ancestors[0].Name, ancestors[1].Name}, BreadcrumbSeparator)
	}
}
