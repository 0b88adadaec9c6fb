package reviewsession

import (
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/review"
)

// EventType names a session change pushed to connected reviewers.
type EventType string

const (
	EventStatusesChanged EventType = "statuses-changed"
	EventReviewSubmitted EventType = "review-submitted"
	EventReviewRefreshed EventType = "review-refreshed"
)

// Event describes a change to one review session.
type Event struct {
	Type          EventType             `json:"type"`
	UserID        int64                 `json:"user_id"`
	ProjectID     int64                 `json:"project_id"`
	AssignmentIDs []review.AssignmentID `json:"assignment_ids,omitempty"`
	Outcome       string                `json:"outcome,omitempty"`
	Counts        review.StatusCounts   `json:"counts"`
	Timestamp     time.Time             `json:"timestamp"`
}

// Topic returns the fan-out key shared by every connection of the same reviewer and project.
func (e Event) Topic() string {
	return Topic(e.UserID, e.ProjectID)
}

// Topic builds the fan-out key for a reviewer and project.
func Topic(userID, projectID int64) string {
	return strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(projectID, 10)
}

// EventPublisher receives session events.
type EventPublisher interface {
	Publish(event Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
