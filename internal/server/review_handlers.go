package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/review"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/reviewsession"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/upstream"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// reviewSession resolves the caller's session for the routed project. The returned
// context forwards the caller's token to the research backend. On failure the
// response has been written.
func (h *httpHandler) reviewSession(c *gin.Context) (*reviewsession.Session, context.Context, bool) {
	reviewer, ok := reviewerFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: "unauthorized", Message: errInvalidAuthorization.Error()})
		return nil, nil, false
	}
	projectID, err := strconv.ParseInt(c.Param("projectID"), 10, 64)
	if err != nil || projectID <= 0 {
		h.writeError(c, "session", errInvalidProjectID)
		return nil, nil, false
	}
	session, err := h.sessions.Session(reviewer.UserID, projectID)
	if err != nil {
		h.writeError(c, "session", err)
		return nil, nil, false
	}
	return session, upstream.WithAccessToken(c.Request.Context(), reviewer.Token), true
}

// loadedSession is reviewSession plus a first load when the session holds no data yet.
func (h *httpHandler) loadedSession(c *gin.Context, operation string) (*reviewsession.Session, context.Context, bool) {
	session, ctx, ok := h.reviewSession(c)
	if !ok {
		return nil, nil, false
	}
	if err := session.Ensure(ctx); err != nil {
		h.writeError(c, operation, err)
		return nil, nil, false
	}
	return session, ctx, true
}

func (h *httpHandler) handleSummary(c *gin.Context) {
	session, _, ok := h.loadedSession(c, "summary")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session.Summary())
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	session, ctx, ok := h.reviewSession(c)
	if !ok {
		return
	}
	if err := session.Load(ctx, true); err != nil {
		h.writeError(c, "refresh", err)
		return
	}
	c.JSON(http.StatusOK, session.Summary())
}

func (h *httpHandler) handleClusters(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		h.writeError(c, "clusters", err)
		return
	}
	session, _, ok := h.loadedSession(c, "clusters")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session.Clusters(filter))
}

type assignmentsResponse struct {
	Assignments []review.Assignment `json:"assignments"`
	Sort        review.SortKey      `json:"sort"`
}

func (h *httpHandler) handleAssignments(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		h.writeError(c, "assignments", err)
		return
	}
	sortKey, err := review.ParseSortKey(c.Query("sort"))
	if err != nil {
		h.writeError(c, "assignments", fmt.Errorf("%w: %v", errInvalidQuery, err))
		return
	}
	session, _, ok := h.loadedSession(c, "assignments")
	if !ok {
		return
	}
	assignments := session.Assignments(filter, sortKey)
	if assignments == nil {
		assignments = []review.Assignment{}
	}
	c.JSON(http.StatusOK, assignmentsResponse{Assignments: assignments, Sort: sortKey})
}

func (h *httpHandler) handleCollaborators(c *gin.Context) {
	session, _, ok := h.loadedSession(c, "collaborators")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"collaborators": session.CollaboratorClusters()})
}

type setStatusRequest struct {
	Status  string `json:"status"`
	Persist bool   `json:"persist"`
}

type setStatusResponse struct {
	AssignmentID review.AssignmentID `json:"assignment_id"`
	Status       review.Status       `json:"status"`
	Persisted    bool                `json:"persisted"`
	Counts       review.StatusCounts `json:"counts"`
}

func (h *httpHandler) handleSetStatus(c *gin.Context) {
	rawID, err := strconv.ParseInt(c.Param("assignmentID"), 10, 64)
	if err != nil {
		h.writeError(c, "set_status", fmt.Errorf("%w: %q", review.ErrInvalidAssignmentID, c.Param("assignmentID")))
		return
	}
	assignmentID, err := review.NewAssignmentID(rawID)
	if err != nil {
		h.writeError(c, "set_status", err)
		return
	}
	var request setStatusRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeError(c, "set_status", fmt.Errorf("%w: %v", errInvalidRequestBody, err))
		return
	}
	status, err := review.ParseStatus(request.Status)
	if err != nil {
		h.writeError(c, "set_status", err)
		return
	}

	session, ctx, ok := h.loadedSession(c, "set_status")
	if !ok {
		return
	}
	if err := session.SetStatus(assignmentID, status); err != nil {
		h.writeError(c, "set_status", err)
		return
	}
	response := setStatusResponse{AssignmentID: assignmentID, Status: status}
	if request.Persist {
		entry, err := session.PersistStatus(ctx, assignmentID)
		if err != nil {
			h.writeError(c, "persist_status", err)
			return
		}
		response.Persisted = entry.Persisted
	}
	response.Counts = session.Store().Counts()
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleSubmit(c *gin.Context) {
	session, ctx, ok := h.reviewSession(c)
	if !ok {
		return
	}
	report, err := session.Submit(ctx)
	if err != nil {
		h.writeErrorWithOutcome(c, "submit", string(report.Outcome), err)
		return
	}
	h.logger.Info("review submission completed",
		zap.Int64("project_id", session.Key().ProjectID),
		zap.Int64("user_id", session.Key().UserID),
		zap.String("outcome", string(report.Outcome)))
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleCollaboratorSubmit(c *gin.Context) {
	session, ctx, ok := h.reviewSession(c)
	if !ok {
		return
	}
	report, err := session.SubmitCollaboratorAssignments(ctx)
	if err != nil {
		h.writeError(c, "collaborator_submit", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleSubmissions(c *gin.Context) {
	session, ctx, ok := h.reviewSession(c)
	if !ok {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.writeError(c, "submissions", fmt.Errorf("%w: limit %q", errInvalidQuery, raw))
			return
		}
		limit = parsed
	}
	key := session.Key()
	submissions, err := h.history.List(ctx, key.UserID, key.ProjectID, limit)
	if err != nil {
		h.writeError(c, "submissions", err)
		return
	}
	if submissions == nil {
		submissions = []ledger.Submission{}
	}
	c.JSON(http.StatusOK, gin.H{"submissions": submissions})
}

func (h *httpHandler) handleThemes(c *gin.Context) {
	session, ctx, ok := h.reviewSession(c)
	if !ok {
		return
	}
	payload, err := session.GenerateThemes(ctx)
	if err != nil {
		h.writeError(c, "themes", err)
		return
	}
	c.Data(http.StatusOK, "application/json", payload)
}

func (h *httpHandler) handleReport(c *gin.Context) {
	session, ctx, ok := h.reviewSession(c)
	if !ok {
		return
	}
	payload, err := session.GenerateReport(ctx)
	if err != nil {
		h.writeError(c, "report", err)
		return
	}
	c.Data(http.StatusOK, "application/json", payload)
}

// parseFilter reads view, status, q and repeated code parameters. A status without a
// view selects the status view.
func parseFilter(c *gin.Context) (review.Filter, error) {
	view, err := review.ParseView(c.Query("view"))
	if err != nil {
		return review.Filter{}, fmt.Errorf("%w: %v", errInvalidQuery, err)
	}
	filter := review.Filter{View: view, Query: c.Query("q")}

	rawStatus := strings.TrimSpace(c.Query("status"))
	if rawStatus != "" {
		status, err := review.ParseStatus(rawStatus)
		if err != nil {
			return review.Filter{}, err
		}
		filter.Status = status
		if strings.TrimSpace(c.Query("view")) == "" {
			filter.View = review.ViewStatus
		}
	}
	if filter.View == review.ViewStatus && filter.Status == "" {
		return review.Filter{}, fmt.Errorf("%w: status view requires a status", errInvalidQuery)
	}

	for _, raw := range c.QueryArray("code") {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			codeID, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return review.Filter{}, fmt.Errorf("%w: code %q", errInvalidQuery, part)
			}
			filter.CodeIDs = append(filter.CodeIDs, codeID)
		}
	}
	return filter, nil
}
