package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/review"
)

// Outcome classifies a submission attempt.
type Outcome string

const (
	OutcomeSubmitted Outcome = "submitted"
	OutcomeNoop      Outcome = "noop"
	OutcomeStale     Outcome = "stale"
	OutcomePartial   Outcome = "partial"
	OutcomeFailed    Outcome = "failed"
	OutcomeUnknown   Outcome = "unknown"
	OutcomeBusy      Outcome = "busy"
)

// ErrInvalidOutcome indicates an outcome outside the known set.
var ErrInvalidOutcome = errors.New("ledger: invalid outcome")

// ParseOutcome validates raw input and returns an Outcome.
func ParseOutcome(raw string) (Outcome, error) {
	outcome := Outcome(strings.ToLower(strings.TrimSpace(raw)))
	switch outcome {
	case OutcomeSubmitted, OutcomeNoop, OutcomeStale, OutcomePartial, OutcomeFailed, OutcomeUnknown, OutcomeBusy:
		return outcome, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOutcome, raw)
	}
}

// OutcomeOf maps a submitter result onto an Outcome.
func OutcomeOf(result review.SubmitResult, err error) Outcome {
	if err == nil {
		if result.Outcome == review.SubmitOutcomeNoop {
			return OutcomeNoop
		}
		return OutcomeSubmitted
	}
	switch {
	case errors.Is(err, review.ErrSubmitInProgress):
		return OutcomeBusy
	case errors.Is(err, review.ErrStaleState):
		return OutcomeStale
	case errors.Is(err, review.ErrAssignmentsMissing):
		return OutcomePartial
	case errors.Is(err, review.ErrUnknownOutcome):
		return OutcomeUnknown
	default:
		return OutcomeFailed
	}
}

// SubmissionRecord persists one reconciliation attempt.
type SubmissionRecord struct {
	AttemptID         string `gorm:"column:attempt_id;primaryKey;size:64"`
	UserID            int64  `gorm:"column:user_id;not null;index:idx_review_submissions_scope,priority:1"`
	ProjectID         int64  `gorm:"column:project_id;not null;index:idx_review_submissions_scope,priority:2"`
	Outcome           string `gorm:"column:outcome;size:32;not null"`
	AcceptedIDsJSON   string `gorm:"column:accepted_ids_json;type:text;not null"`
	RejectedIDsJSON   string `gorm:"column:rejected_ids_json;type:text;not null"`
	MissingIDsJSON    string `gorm:"column:missing_ids_json;type:text;not null"`
	PrunedIDsJSON     string `gorm:"column:pruned_ids_json;type:text;not null"`
	Message           string `gorm:"column:message;type:text"`
	StartedAtSeconds  int64  `gorm:"column:started_at_s;not null"`
	FinishedAtSeconds int64  `gorm:"column:finished_at_s;not null;index"`
}

func (SubmissionRecord) TableName() string {
	return "review_submissions"
}

// Attempt describes a submission to be recorded.
type Attempt struct {
	UserID    int64
	ProjectID int64
	Outcome   Outcome
	Accepted  []review.AssignmentID
	Rejected  []review.AssignmentID
	Missing   []review.AssignmentID
	Pruned    []review.AssignmentID
	Message   string
	StartedAt time.Time
}

// Submission is the decoded form of a SubmissionRecord.
type Submission struct {
	AttemptID  string                `json:"attempt_id"`
	UserID     int64                 `json:"user_id"`
	ProjectID  int64                 `json:"project_id"`
	Outcome    Outcome               `json:"outcome"`
	Accepted   []review.AssignmentID `json:"accepted_assignment_ids"`
	Rejected   []review.AssignmentID `json:"rejected_assignment_ids"`
	Missing    []review.AssignmentID `json:"missing_assignment_ids,omitempty"`
	Pruned     []review.AssignmentID `json:"pruned_assignment_ids,omitempty"`
	Message    string                `json:"message,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
}

func (r SubmissionRecord) decode() (Submission, error) {
	submission := Submission{
		AttemptID:  r.AttemptID,
		UserID:     r.UserID,
		ProjectID:  r.ProjectID,
		Outcome:    Outcome(r.Outcome),
		Message:    r.Message,
		StartedAt:  time.Unix(r.StartedAtSeconds, 0).UTC(),
		FinishedAt: time.Unix(r.FinishedAtSeconds, 0).UTC(),
	}
	targets := []struct {
		raw string
		out *[]review.AssignmentID
	}{
		{raw: r.AcceptedIDsJSON, out: &submission.Accepted},
		{raw: r.RejectedIDsJSON, out: &submission.Rejected},
		{raw: r.MissingIDsJSON, out: &submission.Missing},
		{raw: r.PrunedIDsJSON, out: &submission.Pruned},
	}
	for _, target := range targets {
		ids, err := decodeIDs(target.raw)
		if err != nil {
			return Submission{}, err
		}
		*target.out = ids
	}
	return submission, nil
}

func encodeIDs(ids []review.AssignmentID) (string, error) {
	if ids == nil {
		ids = []review.AssignmentID{}
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodeIDs(raw string) ([]review.AssignmentID, error) {
	ids := []review.AssignmentID{}
	if strings.TrimSpace(raw) == "" {
		return ids, nil
	}
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}
