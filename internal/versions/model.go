package versions

// FileType distinguishes documents from folders.
type FileType string

const (
	// FileTypeDocument marks a leaf document.
	FileTypeDocument FileType = "document"
	// FileTypeFolder marks a folder that may contain other files.
	FileTypeFolder FileType = "folder"
)

// Repository groups the files, branches and commits mirrored from one external folder tree.
type Repository struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	Name             string `gorm:"column:name;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Repository) TableName() string {
	return "repositories"
}

// File is the long-lived identity of one tracked document or folder.
// RootKey holds the repository id for the root file and is null otherwise,
// which makes the root unique per repository.
type File struct {
	ID               string  `gorm:"column:id;primaryKey;size:190;not null"`
	RepositoryID     string  `gorm:"column:repository_id;size:190;not null;index:idx_files_repository"`
	RootKey          *string `gorm:"column:root_key;size:190;uniqueIndex:idx_files_root_key"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (File) TableName() string {
	return "files"
}

// IsRoot reports whether the file is its repository's root.
func (file File) IsRoot() bool {
	return file.RootKey != nil
}

// Snapshot is an immutable, deduplicated record of a file's metadata.
// IdentityHash covers the core attribute tuple; ThumbnailReference is supplemental.
type Snapshot struct {
	ID                 string   `gorm:"column:id;primaryKey;size:190;not null"`
	IdentityHash       string   `gorm:"column:identity_hash;size:32;not null;uniqueIndex:idx_snapshots_identity"`
	FileID             string   `gorm:"column:file_id;size:190;not null;index:idx_snapshots_file"`
	ExternalReference  string   `gorm:"column:external_reference;size:190;not null"`
	Name               string   `gorm:"column:name;size:1024;not null"`
	ContentMarker      string   `gorm:"column:content_marker;size:190;not null;default:''"`
	Type               FileType `gorm:"column:type;size:32;not null"`
	ParentFileID       *string  `gorm:"column:parent_file_id;size:190;index:idx_snapshots_parent"`
	ThumbnailReference string   `gorm:"column:thumbnail_reference;size:512;not null;default:''"`
	CreatedAtSeconds   int64    `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "snapshots"
}

// Branch is a line of work. HeadCommitID points at the latest published commit, or at the
// fork base until the branch publishes its own first commit.
type Branch struct {
	ID               string  `gorm:"column:id;primaryKey;size:190;not null"`
	RepositoryID     string  `gorm:"column:repository_id;size:190;not null;uniqueIndex:idx_branches_repository_name,priority:1"`
	Name             string  `gorm:"column:name;size:190;not null;uniqueIndex:idx_branches_repository_name,priority:2"`
	BaseCommitID     *string `gorm:"column:base_commit_id;size:190"`
	HeadCommitID     *string `gorm:"column:head_commit_id;size:190"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Branch) TableName() string {
	return "branches"
}

// BranchFile is the per-branch pointer pair for one file: the staged current snapshot and the
// snapshot bound by the branch's latest published commit. A null current snapshot means the
// file is not present in the branch.
type BranchFile struct {
	BranchID            string  `gorm:"column:branch_id;primaryKey;size:190;not null"`
	FileID              string  `gorm:"column:file_id;primaryKey;size:190;not null"`
	CurrentSnapshotID   *string `gorm:"column:current_snapshot_id;size:190"`
	CommittedSnapshotID *string `gorm:"column:committed_snapshot_id;size:190"`
}

// TableName provides the explicit table binding for GORM.
func (BranchFile) TableName() string {
	return "branch_files"
}

// Commit is a node in a branch's history. Drafts are mutable until published.
type Commit struct {
	ID                 string  `gorm:"column:id;primaryKey;size:190;not null"`
	BranchID           string  `gorm:"column:branch_id;size:190;not null;index:idx_commits_branch_author,priority:1"`
	ParentCommitID     *string `gorm:"column:parent_commit_id;size:190;index:idx_commits_parent"`
	AuthorID           string  `gorm:"column:author_id;size:190;not null;index:idx_commits_branch_author,priority:2"`
	Title              string  `gorm:"column:title;size:200;not null;default:''"`
	Summary            string  `gorm:"column:summary;type:text;not null;default:''"`
	IsPublished        bool    `gorm:"column:is_published;not null;default:false;index:idx_commits_branch_author,priority:3"`
	CreatedAtSeconds   int64   `gorm:"column:created_at_s;not null"`
	PublishedAtSeconds int64   `gorm:"column:published_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Commit) TableName() string {
	return "commits"
}

// CommitFile binds one file to its snapshot in one commit. A null snapshot records that the
// file is absent as of this commit. Files without a binding inherit from the parent chain.
type CommitFile struct {
	CommitID   string  `gorm:"column:commit_id;primaryKey;size:190;not null"`
	FileID     string  `gorm:"column:file_id;primaryKey;size:190;not null;index:idx_commit_files_file"`
	SnapshotID *string `gorm:"column:snapshot_id;size:190"`
}

// TableName provides the explicit table binding for GORM.
func (CommitFile) TableName() string {
	return "commit_files"
}

// Models lists every persisted model for schema migration.
func Models() []any {
	return []any{
		&Repository{},
		&File{},
		&Snapshot{},
		&Branch{},
		&BranchFile{},
		&Commit{},
		&CommitFile{},
	}
}
