package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/review"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/reviewsession"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/upstream"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errInvalidProjectID   = errors.New("project id must be a positive integer")
	errInvalidRequestBody = errors.New("request body is invalid")
	errInvalidQuery       = errors.New("query parameters are invalid")
)

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Outcome string `json:"outcome,omitempty"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

// errorMappings is ordered: submitter outcomes first, then session and input errors,
// then upstream failures.
var errorMappings = []errorMapping{
	{target: review.ErrStaleState, status: http.StatusConflict, code: "stale_state"},
	{target: review.ErrAssignmentsMissing, status: http.StatusConflict, code: "assignments_missing"},
	{target: review.ErrSubmitInProgress, status: http.StatusConflict, code: "submit_in_progress"},
	{target: reviewsession.ErrSessionLoading, status: http.StatusConflict, code: "session_loading"},
	{target: review.ErrUnknownOutcome, status: http.StatusGatewayTimeout, code: "submit_outcome_unknown"},
	{target: review.ErrSubmitFailed, status: http.StatusBadGateway, code: "submit_failed"},
	{target: reviewsession.ErrUnknownAssignment, status: http.StatusNotFound, code: "assignment_not_found"},
	{target: reviewsession.ErrOwnerSubmission, status: http.StatusForbidden, code: "owner_submission"},
	{target: reviewsession.ErrNothingAccepted, status: http.StatusBadRequest, code: "nothing_accepted"},
	{target: reviewsession.ErrInvalidSessionKey, status: http.StatusBadRequest, code: "invalid_request"},
	{target: review.ErrInvalidStatus, status: http.StatusBadRequest, code: "invalid_status"},
	{target: errInvalidProjectID, status: http.StatusBadRequest, code: "invalid_request"},
	{target: review.ErrInvalidAssignmentID, status: http.StatusBadRequest, code: "invalid_request"},
	{target: errInvalidQuery, status: http.StatusBadRequest, code: "invalid_request"},
	{target: errInvalidRequestBody, status: http.StatusBadRequest, code: "invalid_request"},
	{target: upstream.ErrNotFound, status: http.StatusNotFound, code: "not_found"},
	{target: upstream.ErrUnavailable, status: http.StatusBadGateway, code: "upstream_unavailable"},
	{target: context.DeadlineExceeded, status: http.StatusGatewayTimeout, code: "upstream_timeout"},
}

func classifyError(err error) (int, string) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			return mapping.status, mapping.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	h.writeErrorWithOutcome(c, operation, "", err)
}

func (h *httpHandler) writeErrorWithOutcome(c *gin.Context, operation, outcome string, err error) {
	status, code := classifyError(err)
	fields := []zap.Field{zap.String("operation", operation), zap.String("code", code), zap.Error(err)}
	if status >= http.StatusInternalServerError {
		h.logger.Error("review request failed", fields...)
	} else {
		h.logger.Info("review request rejected", fields...)
	}
	c.AbortWithStatusJSON(status, errorPayload{
		Error:   code,
		Message: reviewsession.UserMessage(err),
		Outcome: outcome,
	})
}
