package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/review"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/versions"
)

type createRepositoryRequest struct {
	Name string `json:"name"`
}

type repositoryResponse struct {
	RepositoryID string `json:"repository_id"`
	Name         string `json:"name"`
	RootFileID   string `json:"root_file_id"`
	MainBranchID string `json:"main_branch_id"`
}

type fileResponse struct {
	FileID       string `json:"file_id"`
	RepositoryID string `json:"repository_id"`
}

type forkBranchRequest struct {
	SourceBranchID string `json:"source_branch_id"`
	Name           string `json:"name"`
}

type branchResponse struct {
	BranchID     string  `json:"branch_id"`
	RepositoryID string  `json:"repository_id"`
	Name         string  `json:"name"`
	BaseCommitID *string `json:"base_commit_id"`
	HeadCommitID *string `json:"head_commit_id"`
}

type updateFileRequest struct {
	ExternalReference  string  `json:"external_reference"`
	Name               string  `json:"name"`
	ContentMarker      string  `json:"content_marker"`
	Type               string  `json:"type"`
	ParentFileID       *string `json:"parent_file_id"`
	ThumbnailReference *string `json:"thumbnail_reference"`
}

type updateFileResponse struct {
	Changed  bool              `json:"changed"`
	Snapshot *snapshotResponse `json:"snapshot"`
}

type restoreFileRequest struct {
	CommitID string `json:"commit_id"`
}

type snapshotResponse struct {
	SnapshotID         string  `json:"snapshot_id"`
	FileID             string  `json:"file_id"`
	ExternalReference  string  `json:"external_reference"`
	Name               string  `json:"name"`
	ContentMarker      string  `json:"content_marker"`
	Type               string  `json:"type"`
	ParentFileID       *string `json:"parent_file_id"`
	ThumbnailReference string  `json:"thumbnail_reference,omitempty"`
}

type diffResponse struct {
	FileID   string            `json:"file_id"`
	Kinds    []string          `json:"kinds"`
	Current  *snapshotResponse `json:"current"`
	Previous *snapshotResponse `json:"previous"`
}

type commitRequest struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

type commitResponse struct {
	CommitID       string  `json:"commit_id"`
	BranchID       string  `json:"branch_id"`
	ParentCommitID *string `json:"parent_commit_id"`
	AuthorID       string  `json:"author_id"`
	AuthorName     string  `json:"author_name,omitempty"`
	Title          string  `json:"title"`
	Summary        string  `json:"summary"`
	Published      bool    `json:"published"`
	CreatedAt      int64   `json:"created_at_s"`
	PublishedAt    int64   `json:"published_at_s,omitempty"`
}

type fileRevisionResponse struct {
	Commit   commitResponse    `json:"commit"`
	Snapshot *snapshotResponse `json:"snapshot"`
}

type ancestorResponse struct {
	FileID string `json:"file_id"`
	Name   string `json:"name"`
}

type ancestorsResponse struct {
	Ancestors  []ancestorResponse `json:"ancestors"`
	Breadcrumb string             `json:"breadcrumb"`
}

type selectionRequest struct {
	Selected []string `json:"selected"`
}

type changeResponse struct {
	Identifier  string `json:"identifier"`
	Kind        string `json:"kind"`
	Selected    bool   `json:"selected"`
	Description string `json:"description"`
}

type reviewEntryResponse struct {
	FileID        string           `json:"file_id"`
	Name          string           `json:"name"`
	CurrentLabel  string           `json:"current_label"`
	PreviousLabel string           `json:"previous_label"`
	Changes       []changeResponse `json:"changes"`
}

type reviewResponse struct {
	DraftID   string                `json:"draft_id"`
	ParentID  string                `json:"parent_id,omitempty"`
	BranchID  string                `json:"branch_id"`
	Published bool                  `json:"published"`
	Entries   []reviewEntryResponse `json:"entries"`
	Listing   string                `json:"listing"`
}

type acceptRequest struct {
	TargetBranchID string   `json:"target_branch_id"`
	Selected       []string `json:"selected"`
}

type acceptResponse struct {
	TargetBranchID string               `json:"target_branch_id"`
	Files          []updateFileResponse `json:"files"`
}

type branchEventPayload struct {
	BranchID       string `json:"branchId"`
	CommitID       string `json:"commitId"`
	ParentCommitID string `json:"parentCommitId,omitempty"`
	AuthorID       string `json:"authorId"`
	Timestamp      string `json:"timestamp"`
	Source         string `json:"source"`
}

func (h *httpHandler) handleCreateRepository(c *gin.Context) {
	var request createRepositoryRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.badRequest(c, "name is required")
		return
	}
	layout, err := h.versions.CreateRepository(c.Request.Context(), request.Name)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, repositoryResponse{
		RepositoryID: layout.Repository.ID,
		Name:         layout.Repository.Name,
		RootFileID:   layout.Root.ID,
		MainBranchID: layout.Main.ID,
	})
}

func (h *httpHandler) handleCreateFile(c *gin.Context) {
	file, err := h.versions.CreateFile(c.Request.Context(), versions.RepositoryID(c.Param("id")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, fileResponse{FileID: file.ID, RepositoryID: file.RepositoryID})
}

func (h *httpHandler) handleForkBranch(c *gin.Context) {
	var request forkBranchRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SourceBranchID) == "" {
		h.badRequest(c, "source_branch_id and name are required")
		return
	}
	ctx := c.Request.Context()
	source, err := h.versions.GetBranch(ctx, versions.BranchID(request.SourceBranchID))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if source.RepositoryID != c.Param("id") {
		h.writeError(c, &versions.NotFoundError{Resource: "branch", ID: request.SourceBranchID})
		return
	}
	fork, err := h.versions.ForkBranch(ctx, versions.BranchID(source.ID), request.Name)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, branchResponse{
		BranchID:     fork.ID,
		RepositoryID: fork.RepositoryID,
		Name:         fork.Name,
		BaseCommitID: fork.BaseCommitID,
		HeadCommitID: fork.HeadCommitID,
	})
}

func (h *httpHandler) handleUpdateFile(c *gin.Context) {
	var request updateFileRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.badRequest(c, "invalid file payload")
		return
	}
	attributes := versions.SnapshotAttributes{
		ExternalReference: request.ExternalReference,
		Name:              request.Name,
		ContentMarker:     request.ContentMarker,
		Type:              versions.FileType(request.Type),
	}
	if request.ParentFileID != nil {
		parentID := versions.FileID(*request.ParentFileID)
		attributes.ParentFileID = &parentID
	}
	supplemental := versions.SupplementalAttributes{ThumbnailReference: request.ThumbnailReference}

	update, err := h.versions.UpdateCurrent(c.Request.Context(), versions.BranchID(c.Param("id")), versions.FileID(c.Param("file")), &attributes, supplemental)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updateFileResponse{Changed: update.Changed, Snapshot: toSnapshotResponse(update.Snapshot)})
}

func (h *httpHandler) handleRemoveFile(c *gin.Context) {
	changed, err := h.versions.RemoveFromBranch(c.Request.Context(), versions.BranchID(c.Param("id")), versions.FileID(c.Param("file")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updateFileResponse{Changed: changed})
}

func (h *httpHandler) handleRestoreFile(c *gin.Context) {
	var request restoreFileRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.CommitID) == "" {
		h.badRequest(c, "commit_id is required")
		return
	}
	update, err := h.versions.RestoreFile(c.Request.Context(), versions.BranchID(c.Param("id")), versions.FileID(c.Param("file")), versions.CommitID(request.CommitID))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updateFileResponse{Changed: update.Changed, Snapshot: toSnapshotResponse(update.Snapshot)})
}

func (h *httpHandler) handlePendingDiffs(c *gin.Context) {
	diffs, err := h.versions.PendingDiffs(c.Request.Context(), versions.BranchID(c.Param("id")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := make([]diffResponse, 0, len(diffs))
	for _, diff := range diffs {
		response = append(response, toDiffResponse(diff))
	}
	c.JSON(http.StatusOK, gin.H{"diffs": response})
}

func (h *httpHandler) handleFileDiff(c *gin.Context) {
	diff, err := h.versions.DiffFor(c.Request.Context(), versions.BranchID(c.Param("id")), versions.FileID(c.Param("file")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDiffResponse(diff))
}

func (h *httpHandler) handleGetContribution(c *gin.Context) {
	loaded, err := h.reviews.LoadContribution(c.Request.Context(), versions.BranchID(c.Param("id")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.writeReview(c, loaded)
}

func (h *httpHandler) handleAcceptContribution(c *gin.Context) {
	var request acceptRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.TargetBranchID) == "" {
		h.badRequest(c, "target_branch_id and selected are required")
		return
	}
	ctx := c.Request.Context()
	loaded, err := h.reviews.LoadContribution(ctx, versions.BranchID(c.Param("id")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	loaded.ApplySelection(request.Selected)
	updates, err := h.reviews.Accept(ctx, loaded, versions.BranchID(request.TargetBranchID))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := acceptResponse{TargetBranchID: request.TargetBranchID, Files: make([]updateFileResponse, 0, len(updates))}
	for _, update := range updates {
		response.Files = append(response.Files, updateFileResponse{Changed: update.Changed, Snapshot: toSnapshotResponse(update.Snapshot)})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	limit, err := optionalPositiveInt(c.Query("limit"))
	if err != nil {
		h.badRequest(c, "limit must be a positive integer")
		return
	}
	commits, err := h.versions.History(c.Request.Context(), versions.BranchID(c.Param("id")), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := make([]commitResponse, 0, len(commits))
	for _, commit := range commits {
		response = append(response, toCommitResponse(commit))
	}
	names := h.authorNames(c, response)
	for index := range response {
		response[index].AuthorName = names[response[index].AuthorID]
	}
	c.JSON(http.StatusOK, gin.H{"commits": response})
}

func (h *httpHandler) handleFileHistory(c *gin.Context) {
	revisions, err := h.versions.FileHistory(c.Request.Context(), versions.BranchID(c.Param("id")), versions.FileID(c.Param("file")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := make([]fileRevisionResponse, 0, len(revisions))
	for _, revision := range revisions {
		response = append(response, fileRevisionResponse{
			Commit:   toCommitResponse(revision.Commit),
			Snapshot: toSnapshotResponse(revision.Snapshot),
		})
	}
	commits := make([]commitResponse, 0, len(response))
	for _, revision := range response {
		commits = append(commits, revision.Commit)
	}
	names := h.authorNames(c, commits)
	for index := range response {
		response[index].Commit.AuthorName = names[response[index].Commit.AuthorID]
	}
	c.JSON(http.StatusOK, gin.H{"revisions": response})
}

func (h *httpHandler) handleAncestors(c *gin.Context) {
	depth, err := optionalPositiveInt(c.Query("depth"))
	if err != nil {
		h.badRequest(c, "depth must be a positive integer")
		return
	}
	if depth == 0 {
		depth = h.maxDepth
	}
	ancestors, err := h.versions.AncestorsOf(c.Request.Context(), versions.FileID(c.Param("file")), versions.AtBranch(versions.BranchID(c.Param("id"))), depth)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := ancestorsResponse{Ancestors: make([]ancestorResponse, 0, len(ancestors)), Breadcrumb: versions.Breadcrumb(ancestors)}
	for _, ancestor := range ancestors {
		response.Ancestors = append(response.Ancestors, ancestorResponse{FileID: ancestor.ID.String(), Name: ancestor.Name})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleCreateDraft(c *gin.Context) {
	draft, err := h.versions.CreateDraft(c.Request.Context(), versions.BranchID(c.Param("id")), authorOf(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toCommitResponse(draft))
}

func (h *httpHandler) handleGetReview(c *gin.Context) {
	loaded, err := h.reviews.Load(c.Request.Context(), versions.CommitID(c.Param("id")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.writeReview(c, loaded)
}

func (h *httpHandler) handleApplySelection(c *gin.Context) {
	var request selectionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.badRequest(c, "selected must list change identifiers")
		return
	}
	ctx := c.Request.Context()
	draftID := versions.CommitID(c.Param("id"))
	if err := h.requireDraftAuthor(c, draftID); err != nil {
		h.writeError(c, err)
		return
	}
	loaded, err := h.reviews.Load(ctx, draftID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	loaded.ApplySelection(request.Selected)
	if err := h.reviews.Apply(ctx, loaded); err != nil {
		h.writeError(c, err)
		return
	}
	h.writeReview(c, loaded)
}

func (h *httpHandler) handleCommitDraft(c *gin.Context) {
	var request commitRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.badRequest(c, "title is required")
		return
	}
	draftID := versions.CommitID(c.Param("id"))
	if err := h.requireDraftAuthor(c, draftID); err != nil {
		h.writeError(c, err)
		return
	}
	commit, err := h.versions.Commit(c.Request.Context(), draftID, versions.PublishRequest{Title: request.Title, Summary: request.Summary})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCommitResponse(commit))
}

func (h *httpHandler) handleDiscardDraft(c *gin.Context) {
	draftID := versions.CommitID(c.Param("id"))
	if err := h.requireDraftAuthor(c, draftID); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.versions.DiscardDraft(c.Request.Context(), draftID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRepositoryEvents(c *gin.Context) {
	ctx := c.Request.Context()
	repositoryID := c.Param("id")
	if _, err := h.versions.RootFile(ctx, versions.RepositoryID(repositoryID)); err != nil {
		h.writeError(c, err)
		return
	}

	stream, cleanup := h.events.Subscribe(ctx, repositoryID)
	defer cleanup()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			payload, err := json.Marshal(branchEventPayload{
				BranchID:       event.BranchID,
				CommitID:       event.CommitID,
				ParentCommitID: event.ParentCommitID,
				AuthorID:       event.AuthorID,
				Timestamp:      event.Timestamp.Format(time.RFC3339),
				Source:         branchEventSource,
			})
			if err != nil {
				h.logger.Error("failed to encode branch event", zap.Error(err))
				return true
			}
			c.SSEvent(event.EventType, string(payload))
			return true
		case <-heartbeat.C:
			c.SSEvent(branchEventHeartbeat, time.Now().UTC().Format(time.RFC3339))
			return true
		}
	})
}

// requireDraftAuthor rejects mutations of a draft by anyone but its author.
func (h *httpHandler) requireDraftAuthor(c *gin.Context, draftID versions.CommitID) error {
	draft, err := h.versions.GetCommit(c.Request.Context(), draftID)
	if err != nil {
		return err
	}
	if draft.AuthorID != authorOf(c).String() {
		h.logger.Warn("draft access denied",
			zap.String("commit_id", draftID.String()),
			zap.String("author_id", authorOf(c).String()))
		return errForeignDraft
	}
	return nil
}

func (h *httpHandler) writeReview(c *gin.Context, loaded *review.Review) {
	listing, err := review.RenderListing(loaded)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := reviewResponse{
		DraftID:   loaded.DraftID.String(),
		ParentID:  loaded.ParentID.String(),
		BranchID:  loaded.BranchID.String(),
		Published: loaded.Published,
		Entries:   make([]reviewEntryResponse, 0, len(loaded.Entries)),
		Listing:   listing,
	}
	for _, entry := range loaded.Entries {
		entryResponse := reviewEntryResponse{
			FileID:        entry.Diff.FileID.String(),
			Name:          entry.Diff.Name(),
			CurrentLabel:  entry.CurrentLabel,
			PreviousLabel: entry.PreviousLabel,
			Changes:       make([]changeResponse, 0, len(entry.Changes)),
		}
		for _, change := range entry.Changes {
			entryResponse.Changes = append(entryResponse.Changes, changeResponse{
				Identifier:  change.Identifier(),
				Kind:        string(change.Kind()),
				Selected:    change.Selected(),
				Description: change.Description(),
			})
		}
		response.Entries = append(response.Entries, entryResponse)
	}
	c.JSON(http.StatusOK, response)
}

func toDiffResponse(diff versions.Diff) diffResponse {
	kinds := make([]string, 0, len(diff.Kinds))
	for _, kind := range diff.Kinds {
		kinds = append(kinds, string(kind))
	}
	return diffResponse{
		FileID:   diff.FileID.String(),
		Kinds:    kinds,
		Current:  toSnapshotResponse(diff.Current),
		Previous: toSnapshotResponse(diff.Previous),
	}
}

func toSnapshotResponse(snapshot *versions.Snapshot) *snapshotResponse {
	if snapshot == nil {
		return nil
	}
	return &snapshotResponse{
		SnapshotID:         snapshot.ID,
		FileID:             snapshot.FileID,
		ExternalReference:  snapshot.ExternalReference,
		Name:               snapshot.Name,
		ContentMarker:      snapshot.ContentMarker,
		Type:               string(snapshot.Type),
		ParentFileID:       snapshot.ParentFileID,
		ThumbnailReference: snapshot.ThumbnailReference,
	}
}

// authorNames resolves display names for listed commits. Lookup failures leave names blank.
func (h *httpHandler) authorNames(c *gin.Context, commits []commitResponse) map[string]string {
	if h.authors == nil || len(commits) == 0 {
		return nil
	}
	authorIDs := make([]string, 0, len(commits))
	for _, commit := range commits {
		authorIDs = append(authorIDs, commit.AuthorID)
	}
	names, err := h.authors.DisplayNames(c.Request.Context(), authorIDs)
	if err != nil {
		h.logger.Warn("author names unavailable", zap.Error(err))
		return nil
	}
	return names
}

func toCommitResponse(commit versions.Commit) commitResponse {
	return commitResponse{
		CommitID:       commit.ID,
		BranchID:       commit.BranchID,
		ParentCommitID: commit.ParentCommitID,
		AuthorID:       commit.AuthorID,
		Title:          commit.Title,
		Summary:        commit.Summary,
		Published:      commit.IsPublished,
		CreatedAt:      commit.CreatedAtSeconds,
		PublishedAt:    commit.PublishedAtSeconds,
	}
}

func optionalPositiveInt(raw string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, strconv.ErrRange
	}
	return value, nil
}
