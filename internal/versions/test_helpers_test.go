package versions

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (g *sequentialIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("id-%04d", g.next), nil
}

type queryCounter struct {
	count atomic.Int64
}

func (c *queryCounter) reset() {
	c.count.Store(0)
}

func (c *queryCounter) value() int64 {
	return c.count.Load()
}

type recordingArchive struct {
	mu       sync.Mutex
	requests []ArchiveRequest
}

func (a *recordingArchive) Schedule(request ArchiveRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, request)
}

func (a *recordingArchive) snapshot() []ArchiveRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ArchiveRequest(nil), a.requests...)
}

type recordingListener struct {
	mu           sync.Mutex
	publications []CommitPublication
}

func (l *recordingListener) CommitPublished(publication CommitPublication) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.publications = append(l.publications, publication)
}

type testHarness struct {
	service  *Service
	db       *gorm.DB
	queries  *queryCounter
	archive  *recordingArchive
	listener *recordingListener
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestHarness(t *testing.T) testHarness {
	t.Helper()
	db := openTestDatabase(t)

	counter := &queryCounter{}
	increment := func(*gorm.DB) { counter.count.Add(1) }
	if err := db.Callback().Query().After("gorm:query").Register("test:count_query", increment); err != nil {
		t.Fatalf("failed to register query counter: %v", err)
	}
	if err := db.Callback().Row().After("gorm:row").Register("test:count_row", increment); err != nil {
		t.Fatalf("failed to register row counter: %v", err)
	}

	archive := &recordingArchive{}
	listener := &recordingListener{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000000, 0) },
		IDProvider: &sequentialIDs{},
		Archive:    archive,
		Listener:   listener,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return testHarness{service: service, db: db, queries: counter, archive: archive, listener: listener}
}

// treeFixture builds named files under one repository and tracks their ids.
type treeFixture struct {
	t       *testing.T
	h       testHarness
	layout  RepositoryLayout
	files   map[string]FileID
	folders map[string]bool
}

func newTreeFixture(t *testing.T, h testHarness) *treeFixture {
	t.Helper()
	layout, err := h.service.CreateRepository(context.Background(), "docs")
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	return &treeFixture{t: t, h: h, layout: layout, files: map[string]FileID{}, folders: map[string]bool{}}
}

func (f *treeFixture) branch() BranchID {
	return BranchID(f.layout.Main.ID)
}

func (f *treeFixture) root() FileID {
	return FileID(f.layout.Root.ID)
}

func (f *treeFixture) id(name string) FileID {
	f.t.Helper()
	id, ok := f.files[name]
	if !ok {
		f.t.Fatalf("unknown fixture file %q", name)
	}
	return id
}

func (f *treeFixture) parentRef(parent string) *FileID {
	if parent == "" {
		root := f.root()
		return &root
	}
	id := f.id(parent)
	return &id
}

// stage creates the named file if needed and points the branch at the given metadata.
func (f *treeFixture) stage(branchID BranchID, name, parent string, fileType FileType, marker string) CurrentUpdate {
	f.t.Helper()
	fileID, ok := f.files[name]
	if !ok {
		file, err := f.h.service.CreateFile(context.Background(), RepositoryID(f.layout.Repository.ID))
		if err != nil {
			f.t.Fatalf("failed to create file %s: %v", name, err)
		}
		fileID = FileID(file.ID)
		f.files[name] = fileID
	}
	attributes := SnapshotAttributes{
		ExternalReference: "ext-" + name,
		Name:              name,
		ContentMarker:     marker,
		Type:              fileType,
		ParentFileID:      f.parentRef(parent),
	}
	update, err := f.h.service.UpdateCurrent(context.Background(), branchID, fileID, &attributes, SupplementalAttributes{})
	if err != nil {
		f.t.Fatalf("failed to stage %s: %v", name, err)
	}
	return update
}

func (f *treeFixture) folder(name, parent string) {
	f.t.Helper()
	f.folders[name] = true
	f.stage(f.branch(), name, parent, FileTypeFolder, "")
}

func (f *treeFixture) document(name, parent, marker string) {
	f.t.Helper()
	f.stage(f.branch(), name, parent, FileTypeDocument, marker)
}

func (f *treeFixture) remove(branchID BranchID, name string) {
	f.t.Helper()
	if _, err := f.h.service.RemoveFromBranch(context.Background(), branchID, f.id(name)); err != nil {
		f.t.Fatalf("failed to remove %s: %v", name, err)
	}
}

func (f *treeFixture) commitAll(branchID BranchID, author, title string) Commit {
	f.t.Helper()
	commit, err := f.h.service.CommitStaged(context.Background(), branchID, AuthorID(author), PublishRequest{Title: title})
	if err != nil {
		f.t.Fatalf("failed to commit %q: %v", title, err)
	}
	return commit
}

func (f *treeFixture) nameOf(id FileID) string {
	for name, candidate := range f.files {
		if candidate == id {
			return name
		}
	}
	return string(id)
}

func diffKinds(diffs []Diff, fixture *treeFixture) map[string][]ChangeKind {
	byName := make(map[string][]ChangeKind, len(diffs))
	for _, diff := range diffs {
		byName[fixture.nameOf(diff.FileID)] = diff.Kinds
	}
	return byName
}

func equalKinds(left, right []ChangeKind) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		if left[index] != right[index] {
			return false
		}
	}
	return true
}
