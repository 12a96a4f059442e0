package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/review"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/versions"
)

const (
	errorCodeInvalidRequest   = "invalid_request"
	errorCodeInvalidSelection = "invalid_selection"
	errorCodeNotFound         = "not_found"
	errorCodeStaleBranch      = "stale_branch"
	errorCodeImmutable        = "immutable_record"
	errorCodeConflict         = "conflict"
	errorCodeForbidden        = "forbidden"
	errorCodeInternal         = "internal_error"
)

var errForeignDraft = errors.New("draft belongs to another author")

// clientReasons are service error reasons caused by the request rather than the server.
var clientReasons = map[string]int{
	"invalid_input":    http.StatusBadRequest,
	"foreign_file":     http.StatusBadRequest,
	"dangling_parent":  http.StatusBadRequest,
	"cyclic_placement": http.StatusBadRequest,
	"empty_draft":      http.StatusBadRequest,
	"nothing_accepted": http.StatusBadRequest,
	"duplicate_name":   http.StatusConflict,
}

type errorPayload struct {
	Error    string   `json:"error"`
	Message  string   `json:"message,omitempty"`
	Messages []string `json:"messages,omitempty"`
}

// writeError maps engine errors onto HTTP responses.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	var selectionErr *review.SelectionValidationError
	var validationErrs validation.Errors
	var serviceErr *versions.ServiceError

	switch {
	case errors.As(err, &selectionErr):
		c.JSON(http.StatusUnprocessableEntity, errorPayload{
			Error:    errorCodeInvalidSelection,
			Message:  selectionErr.Error(),
			Messages: selectionErr.Messages(),
		})
	case errors.Is(err, versions.ErrNotFound):
		c.JSON(http.StatusNotFound, errorPayload{Error: errorCodeNotFound, Message: err.Error()})
	case errors.Is(err, versions.ErrStaleBranch):
		var staleErr *versions.StaleBranchError
		message := err.Error()
		if errors.As(err, &staleErr) {
			message = staleErr.Error()
		}
		c.JSON(http.StatusConflict, errorPayload{Error: errorCodeStaleBranch, Message: message})
	case errors.Is(err, versions.ErrImmutableRecord):
		c.JSON(http.StatusConflict, errorPayload{Error: errorCodeImmutable, Message: err.Error()})
	case errors.Is(err, errForeignDraft):
		c.JSON(http.StatusForbidden, errorPayload{Error: errorCodeForbidden, Message: err.Error()})
	case errors.As(err, &validationErrs):
		c.JSON(http.StatusBadRequest, errorPayload{Error: errorCodeInvalidRequest, Message: validationErrs.Error()})
	case errors.As(err, &serviceErr):
		code := serviceErr.Code()
		if status, ok := clientReasons[reasonOf(code)]; ok {
			errorCode := errorCodeInvalidRequest
			if status == http.StatusConflict {
				errorCode = errorCodeConflict
			}
			c.JSON(status, errorPayload{Error: errorCode, Message: err.Error()})
			return
		}
		h.logger.Error("request failed", zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload{Error: errorCodeInternal, Message: code})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload{Error: errorCodeInternal})
	}
}

func reasonOf(code string) string {
	index := strings.LastIndex(code, ".")
	if index < 0 {
		return code
	}
	return code[index+1:]
}

func (h *httpHandler) badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, errorPayload{Error: errorCodeInvalidRequest, Message: message})
}
