package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/reviewsession"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	reviewerContextKey       = "codereview_reviewer"
	accessTokenQueryParam    = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingSessionProvider  = errors.New("review session provider dependency required")
	errMissingSubmissionLedger = errors.New("submission history dependency required")
	errInvalidAuthorization    = errors.New("authorization cookie or header missing or invalid")
)

// SessionValidator authenticates reviewers.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.Reviewer, error)
	ValidateToken(token string) (auth.Reviewer, error)
}

// SessionProvider hands out the review session for a reviewer and project.
type SessionProvider interface {
	Session(userID, projectID int64) (*reviewsession.Session, error)
}

// SubmissionHistory lists recorded submission attempts.
type SubmissionHistory interface {
	List(ctx context.Context, userID, projectID int64, limit int) ([]ledger.Submission, error)
}

type Dependencies struct {
	Validator         SessionValidator
	Sessions          SessionProvider
	History           SubmissionHistory
	Realtime          *RealtimeDispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionProvider
	}
	if deps.History == nil {
		return nil, errMissingSubmissionLedger
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		validator:         deps.Validator,
		sessions:          deps.Sessions,
		history:           deps.History,
		realtime:          realtime,
		heartbeatInterval: heartbeat,
		clock:             clock,
		logger:            logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	review := router.Group("/projects/:projectID/review")
	review.Use(handler.authorizeRequest)
	review.GET("", handler.handleSummary)
	review.POST("/refresh", handler.handleRefresh)
	review.GET("/clusters", handler.handleClusters)
	review.GET("/assignments", handler.handleAssignments)
	review.GET("/collaborators", handler.handleCollaborators)
	review.PUT("/assignments/:assignmentID/status", handler.handleSetStatus)
	review.POST("/submit", handler.handleSubmit)
	review.POST("/collaborator-submit", handler.handleCollaboratorSubmit)
	review.GET("/submissions", handler.handleSubmissions)
	review.POST("/themes", handler.handleThemes)
	review.POST("/report", handler.handleReport)
	review.GET("/events", handler.handleEvents)

	return router, nil
}

// corsMiddleware allows any origin without credentials when origins is empty or holds a
// wildcard. Credentialed requests, which carry the session cookie, are only allowed for an
// explicit origin list.
func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 || containsWildcard(origins) {
		config.AllowOrigins = []string{"*"}
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if strings.TrimSpace(origin) == "*" {
			return true
		}
	}
	return false
}

type httpHandler struct {
	validator         SessionValidator
	sessions          SessionProvider
	history           SubmissionHistory
	realtime          *RealtimeDispatcher
	heartbeatInterval time.Duration
	clock             func() time.Time
	logger            *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	reviewer, err := h.validator.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrMissingSessionToken) {
		if token := strings.TrimSpace(c.Query(accessTokenQueryParam)); token != "" {
			reviewer, err = h.validator.ValidateToken(token)
		}
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: "unauthorized", Message: errInvalidAuthorization.Error()})
		return
	}
	c.Set(reviewerContextKey, reviewer)
	c.Next()
}

func reviewerFrom(c *gin.Context) (auth.Reviewer, bool) {
	value, ok := c.Get(reviewerContextKey)
	if !ok {
		return auth.Reviewer{}, false
	}
	reviewer, ok := value.(auth.Reviewer)
	return reviewer, ok && reviewer.UserID > 0
}
