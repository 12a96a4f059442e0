package versions

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// maxChainLength bounds parent-pointer walks so a corrupted chain cannot loop forever.
const maxChainLength = 1000000

var errEmptyTreeRef = errors.New("tree reference names neither a branch nor a commit")

// TreeRef names the file tree a read resolves against: either a branch's staged pointers or
// the state as of one commit (draft or published).
type TreeRef struct {
	Branch BranchID
	Commit CommitID
}

// AtBranch resolves reads against the branch's current pointers.
func AtBranch(branchID BranchID) TreeRef {
	return TreeRef{Branch: branchID}
}

// AtCommit resolves reads against the state recorded by a commit and its ancestors.
func AtCommit(commitID CommitID) TreeRef {
	return TreeRef{Commit: commitID}
}

func (ref TreeRef) validate() error {
	if ref.Branch == "" && ref.Commit == "" {
		return errEmptyTreeRef
	}
	return nil
}

func (ref TreeRef) String() string {
	if ref.Commit != "" {
		return "commit " + ref.Commit.String()
	}
	return "branch " + ref.Branch.String()
}

// commitChainCTE walks parent pointers from the named commit; depth 0 is the commit itself.
func commitChainCTE(name, commitParam string) string {
	return fmt.Sprintf(`%[1]s(id, depth) AS (
	SELECT id, 0 FROM commits WHERE id = @%[2]s
	UNION ALL
	SELECT c.parent_commit_id, %[1]s.depth + 1
	FROM commits c JOIN %[1]s ON c.id = %[1]s.id
	WHERE c.parent_commit_id IS NOT NULL AND %[1]s.depth < @max_chain
)`, name, commitParam)
}

// rankedBindingsCTE ranks every binding reachable from chain so that rank 1 is the binding
// nearest to the chain head, which is the file's state as of that commit.
func rankedBindingsCTE(name, chain string) string {
	return fmt.Sprintf(`%[1]s AS (
	SELECT cf.file_id, cf.snapshot_id,
		ROW_NUMBER() OVER (PARTITION BY cf.file_id ORDER BY %[2]s.depth) AS rank_in_chain
	FROM commit_files cf JOIN %[2]s ON cf.commit_id = %[2]s.id
)`, name, chain)
}

// treeStateCTEs returns the WITH clause body defining a relation named "state" with columns
// (file_id, snapshot_id, name, parent_file_id) for every file present in ref.
func treeStateCTEs(ref TreeRef) (string, map[string]any) {
	if ref.Commit != "" {
		body := "RECURSIVE " + commitChainCTE("chain", "state_commit") + ",\n" +
			rankedBindingsCTE("ranked", "chain") + `,
state AS (
	SELECT r.file_id, s.id AS snapshot_id, s.name, s.parent_file_id
	FROM ranked r JOIN snapshots s ON s.id = r.snapshot_id
	WHERE r.rank_in_chain = 1
)`
		return body, map[string]any{"state_commit": ref.Commit.String(), "max_chain": maxChainLength}
	}
	body := `state AS (
	SELECT bf.file_id, s.id AS snapshot_id, s.name, s.parent_file_id
	FROM branch_files bf JOIN snapshots s ON s.id = bf.current_snapshot_id
	WHERE bf.branch_id = @state_branch
)`
	return body, map[string]any{"state_branch": ref.Branch.String()}
}

type bindingRow struct {
	Side       string
	FileID     string
	SnapshotID *string
}

// stateAt returns, for every file bound anywhere in the commit's chain, its snapshot id as of
// that commit. A nil value records that the file is absent. Restrict to fileIDs when non-empty.
func stateAt(tx *gorm.DB, commitID CommitID, fileIDs []string) (map[string]*string, error) {
	state := make(map[string]*string)
	if commitID == "" {
		return state, nil
	}
	filter := ""
	args := map[string]any{"head": commitID.String(), "max_chain": maxChainLength}
	if len(fileIDs) > 0 {
		filter = " AND file_id IN @files"
		args["files"] = fileIDs
	}
	query := "WITH RECURSIVE " + commitChainCTE("chain", "head") + ",\n" +
		rankedBindingsCTE("ranked", "chain") +
		"\nSELECT 'state' AS side, file_id, snapshot_id FROM ranked WHERE rank_in_chain = 1" + filter

	var rows []bindingRow
	if err := tx.Raw(query, args).Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		state[row.FileID] = row.SnapshotID
	}
	return state, nil
}

func sameSnapshot(left, right *string) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	return *left == *right
}
