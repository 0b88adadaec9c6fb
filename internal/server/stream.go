package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/reviewsession"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type heartbeatPayload struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// handleEvents streams the caller's session events for the project as server-sent events.
func (h *httpHandler) handleEvents(c *gin.Context) {
	reviewer, ok := reviewerFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: "unauthorized", Message: errInvalidAuthorization.Error()})
		return
	}
	projectID, err := strconv.ParseInt(c.Param("projectID"), 10, 64)
	if err != nil || projectID <= 0 {
		h.writeError(c, "events", errInvalidProjectID)
		return
	}

	requestCtx := c.Request.Context()
	topic := reviewsession.Topic(reviewer.UserID, projectID)
	stream, cleanup := h.realtime.Subscribe(requestCtx, topic)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	h.logger.Debug("review event stream opened", zap.String("topic", topic))
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-requestCtx.Done():
			return false
		case event, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(string(event.Type), event)
			return true
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{Source: realtimeSourceBackend, Timestamp: h.clock().UTC()})
			return true
		}
	})
	h.logger.Debug("review event stream closed", zap.String("topic", topic))
}
