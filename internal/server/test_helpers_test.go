package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/authors"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/review"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/versions"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "folio"
	testAudience      = "folio-api"
)

type testServer struct {
	t        *testing.T
	handler  http.Handler
	issuer   *auth.TokenIssuer
	versions *versions.Service
	events   *BranchEventHub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
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
	if err := db.AutoMigrate(append(versions.Models(), authors.Models()...)...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	events := NewBranchEventHub()
	versionService, err := versions.NewService(versions.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: versions.NewUUIDProvider(),
		Listener:   events,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct versions service: %v", err)
	}
	reviewService, err := review.NewService(review.ServiceConfig{Versions: versionService, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to construct review service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	validator, err := auth.NewAuthorValidator(auth.AuthorValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	authorDirectory, err := authors.NewService(authors.ServiceConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to construct author directory: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Authenticator:     validator,
		Authors:           authorDirectory,
		Versions:          versionService,
		Reviews:           reviewService,
		Events:            events,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &testServer{t: t, handler: handler, issuer: issuer, versions: versionService, events: events}
}

func (s *testServer) token(author string) string {
	s.t.Helper()
	token, _, err := s.issuer.IssueAuthorToken(versions.AuthorID(author), "")
	if err != nil {
		s.t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

// do sends a JSON request as author and decodes the response into out when out is non-nil.
func (s *testServer) do(method, path, author string, body any, out any) int {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			s.t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if author != "" {
		request.Header.Set("Authorization", "Bearer "+s.token(author))
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	if out != nil && recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), out); err != nil {
			s.t.Fatalf("failed to decode %s %s response %q: %v", method, path, recorder.Body.String(), err)
		}
	}
	return recorder.Code
}

func (s *testServer) mustDo(method, path, author string, body any, out any, expected int) {
	s.t.Helper()
	if code := s.do(method, path, author, body, out); code != expected {
		s.t.Fatalf("%s %s: expected status %d, got %d", method, path, expected, code)
	}
}

// workspace is a repository created over HTTP with named files.
type workspace struct {
	server     *testServer
	repository repositoryResponse
	files      map[string]string
}

func newWorkspace(s *testServer, author string) *workspace {
	s.t.Helper()
	var created repositoryResponse
	s.mustDo(http.MethodPost, "/repositories", author, createRepositoryRequest{Name: "docs"}, &created, http.StatusCreated)
	return &workspace{server: s, repository: created, files: map[string]string{}}
}

func (w *workspace) put(author, branchID, key, name, parent, fileType string) {
	w.server.t.Helper()
	fileID, ok := w.files[key]
	if !ok {
		var file fileResponse
		w.server.mustDo(http.MethodPost, "/repositories/"+w.repository.RepositoryID+"/files", author, nil, &file, http.StatusCreated)
		fileID = file.FileID
		w.files[key] = fileID
	}
	parentID := w.repository.RootFileID
	if parent != "" {
		parentID = w.files[parent]
	}
	request := updateFileRequest{
		ExternalReference: "ext-" + key,
		Name:              name,
		Type:              fileType,
		ParentFileID:      &parentID,
	}
	w.server.mustDo(http.MethodPut, "/branches/"+branchID+"/files/"+fileID, author, request, nil, http.StatusOK)
}

func (w *workspace) commit(author, branchID, title string) commitResponse {
	w.server.t.Helper()
	var draft commitResponse
	w.server.mustDo(http.MethodPost, "/branches/"+branchID+"/drafts", author, nil, &draft, http.StatusCreated)
	var published commitResponse
	w.server.mustDo(http.MethodPost, "/drafts/"+draft.CommitID+"/commit", author, commitRequest{Title: title}, &published, http.StatusOK)
	return published
}
