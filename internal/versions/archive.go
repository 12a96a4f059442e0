package versions

// ArchiveRequest asks the external archival system to back up one snapshot's content after it
// became part of a published commit.
type ArchiveRequest struct {
	RepositoryID      RepositoryID
	CommitID          CommitID
	FileID            FileID
	SnapshotID        SnapshotID
	ExternalReference string
	ContentMarker     string
}

// ArchiveScheduler accepts archival work. Schedule must not block on the archival itself.
type ArchiveScheduler interface {
	Schedule(request ArchiveRequest)
}

// CommitPublication describes a branch advancing to a newly published commit.
type CommitPublication struct {
	RepositoryID   RepositoryID
	BranchID       BranchID
	CommitID       CommitID
	ParentCommitID CommitID
	AuthorID       AuthorID
	PublishedAt    int64
}

// CommitListener is notified after a commit is published and its transaction has committed.
type CommitListener interface {
	CommitPublished(publication CommitPublication)
}

func (s *Service) scheduleArchival(requests []ArchiveRequest) {
	if s.archive == nil {
		return
	}
	for _, request := range requests {
		s.archive.Schedule(request)
	}
}

func (s *Service) announce(publication CommitPublication) {
	if s.listener == nil {
		return
	}
	s.listener.CommitPublished(publication)
}
