package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/review"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/versions"
)

const (
	authorIDContextKey       = "folio_author_id"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingAuthenticator  = errors.New("authenticator dependency required")
	errMissingVersionService = errors.New("versions service dependency required")
	errMissingReviewService  = errors.New("review service dependency required")
	errMissingEventHub       = errors.New("branch event hub dependency required")
)

// Authenticator resolves the author of a request.
type Authenticator interface {
	ValidateRequest(r *http.Request) (auth.AuthorClaims, error)
}

// AuthorDirectory remembers authors seen on requests and names them in commit listings.
type AuthorDirectory interface {
	Remember(ctx context.Context, claims auth.AuthorClaims) error
	DisplayNames(ctx context.Context, authorIDs []string) (map[string]string, error)
}

// Dependencies wires the HTTP surface to the engine.
type Dependencies struct {
	Authenticator     Authenticator
	Authors           AuthorDirectory
	Versions          *versions.Service
	Reviews           *review.Service
	Events            *BranchEventHub
	AncestryMaxDepth  int
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Versions == nil {
		return nil, errMissingVersionService
	}
	if deps.Reviews == nil {
		return nil, errMissingReviewService
	}
	if deps.Events == nil {
		return nil, errMissingEventHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	depth := deps.AncestryMaxDepth
	if depth <= 0 {
		depth = review.DefaultBreadcrumbDepth
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		authenticator: deps.Authenticator,
		authors:       deps.Authors,
		versions:      deps.Versions,
		reviews:       deps.Reviews,
		events:        deps.Events,
		maxDepth:      depth,
		heartbeat:     heartbeat,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/repositories", handler.handleCreateRepository)
	protected.POST("/repositories/:id/files", handler.handleCreateFile)
	protected.POST("/repositories/:id/branches", handler.handleForkBranch)
	protected.GET("/repositories/:id/events", handler.handleRepositoryEvents)

	protected.GET("/branches/:id/diffs", handler.handlePendingDiffs)
	protected.GET("/branches/:id/contribution", handler.handleGetContribution)
	protected.POST("/branches/:id/accept", handler.handleAcceptContribution)
	protected.GET("/branches/:id/history", handler.handleHistory)
	protected.POST("/branches/:id/drafts", handler.handleCreateDraft)
	protected.PUT("/branches/:id/files/:file", handler.handleUpdateFile)
	protected.DELETE("/branches/:id/files/:file", handler.handleRemoveFile)
	protected.GET("/branches/:id/files/:file/diff", handler.handleFileDiff)
	protected.GET("/branches/:id/files/:file/ancestors", handler.handleAncestors)
	protected.GET("/branches/:id/files/:file/history", handler.handleFileHistory)
	protected.POST("/branches/:id/files/:file/restore", handler.handleRestoreFile)

	protected.GET("/drafts/:id/review", handler.handleGetReview)
	protected.POST("/drafts/:id/selection", handler.handleApplySelection)
	protected.POST("/drafts/:id/commit", handler.handleCommitDraft)
	protected.DELETE("/drafts/:id", handler.handleDiscardDraft)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type"},
		ExposeHeaders: []string{"Content-Type"},
		MaxAge:        12 * time.Hour,
	})
}

type httpHandler struct {
	authenticator Authenticator
	authors       AuthorDirectory
	versions      *versions.Service
	reviews       *review.Service
	events        *BranchEventHub
	maxDepth      int
	heartbeat     time.Duration
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.authenticator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if h.authors != nil {
		if err := h.authors.Remember(c.Request.Context(), claims); err != nil {
			h.logger.Warn("author profile update failed", zap.String("author_id", claims.Subject), zap.Error(err))
		}
	}
	c.Set(authorIDContextKey, claims.AuthorID().String())
	c.Next()
}

func authorOf(c *gin.Context) versions.AuthorID {
	return versions.AuthorID(c.GetString(authorIDContextKey))
}
