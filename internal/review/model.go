package review

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// UnknownDocumentName labels groups whose document is missing from the project listing.
const UnknownDocumentName = "Unknown Document"

var (
	// ErrInvalidStatus indicates that a status string is not one of pending, accepted or rejected.
	ErrInvalidStatus = errors.New("review: invalid status")
	// ErrInvalidAssignmentID indicates that an assignment identifier is not a positive integer.
	ErrInvalidAssignmentID = errors.New("review: invalid assignment id")
	// ErrInvalidTimestamp indicates that a timestamp could not be parsed.
	ErrInvalidTimestamp = errors.New("review: invalid timestamp")
)

// AssignmentID is the backend-assigned identity of a code assignment.
type AssignmentID int64

// NewAssignmentID validates a raw identifier.
func NewAssignmentID(value int64) (AssignmentID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAssignmentID, value)
	}
	return AssignmentID(value), nil
}

// Int64 exposes the raw identifier.
func (id AssignmentID) Int64() int64 {
	return int64(id)
}

// DocumentID identifies a project document.
type DocumentID int64

// Status is the per-assignment review lifecycle value.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// ParseStatus validates raw input and returns a Status.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusPending:
		return StatusPending, nil
	case StatusAccepted:
		return StatusAccepted, nil
	case StatusRejected:
		return StatusRejected, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// normalizeStatus maps upstream values onto the lifecycle, treating anything unknown as pending.
func normalizeStatus(raw Status) Status {
	status, err := ParseStatus(string(raw))
	if err != nil {
		return StatusPending
	}
	return status
}

// Timestamp accepts both RFC 3339 and the naive ISO timestamps emitted by the research backend.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses any of the supported layouts. Naive values are interpreted as UTC.
func ParseTimestamp(raw string) (Timestamp, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Timestamp{}, nil
	}
	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, trimmed)
		if err == nil {
			return Timestamp{Time: parsed.UTC()}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		ts.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	parsed, err := ParseTimestamp(raw)
	if err != nil {
		return err
	}
	*ts = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.UTC().Format(time.RFC3339Nano))
}

// CodeRef is the nested code representation some endpoints return.
type CodeRef struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Assignment is a labeled character range attached to a document.
type Assignment struct {
	ID           AssignmentID `json:"id"`
	DocumentID   DocumentID   `json:"document_id"`
	DocumentName string       `json:"document_name,omitempty"`
	StartChar    int          `json:"start_char"`
	EndChar      int          `json:"end_char"`
	CodeID       *int64       `json:"code_id,omitempty"`
	CodeName     string       `json:"code_name,omitempty"`
	CodeColor    string       `json:"code_color,omitempty"`
	Code         *CodeRef     `json:"code,omitempty"`
	TextSnapshot string       `json:"text_snapshot,omitempty"`
	Text         string       `json:"text,omitempty"`
	AISuggestion string       `json:"ai_suggestion,omitempty"`
	Status       Status       `json:"status,omitempty"`
	IsSubmitted  bool         `json:"is_submitted,omitempty"`
	CreatedByID  int64        `json:"created_by_id,omitempty"`
	CreatedAt    Timestamp    `json:"created_at"`
}

// Normalized folds the nested code reference and legacy text field into the flat fields
// and maps the status onto the lifecycle.
func (a Assignment) Normalized() Assignment {
	if a.Code != nil {
		if a.CodeID == nil {
			codeID := a.Code.ID
			a.CodeID = &codeID
		}
		if a.CodeName == "" {
			a.CodeName = a.Code.Name
		}
		if a.CodeColor == "" {
			a.CodeColor = a.Code.Color
		}
	}
	if a.TextSnapshot == "" && a.Text != "" {
		a.TextSnapshot = a.Text
	}
	a.Status = normalizeStatus(a.Status)
	return a
}

// HasCode reports whether the assignment carries a code reference.
func (a Assignment) HasCode() bool {
	return a.CodeID != nil
}

// ValidFor reports whether the range is well formed for content of the given length in code points.
func (a Assignment) ValidFor(contentLength int) bool {
	return a.ID > 0 && a.StartChar >= 0 && a.StartChar < a.EndChar && a.EndChar <= contentLength
}

// FilterValidRanges drops assignments whose range does not fit the content length.
func FilterValidRanges(assignments []Assignment, contentLength int) []Assignment {
	valid := make([]Assignment, 0, len(assignments))
	for _, assignment := range assignments {
		if assignment.ValidFor(contentLength) {
			valid = append(valid, assignment)
		}
	}
	return valid
}

// StatusEntry pairs a status with whether it mirrors server truth.
type StatusEntry struct {
	Status    Status `json:"status"`
	Persisted bool   `json:"persisted"`
}

// Cluster is an ephemeral group of overlapping assignments within one document.
type Cluster struct {
	DocumentID   DocumentID   `json:"document_id"`
	DocumentName string       `json:"document_name"`
	StartChar    int          `json:"start_char"`
	EndChar      int          `json:"end_char"`
	Assignments  []Assignment `json:"assignments"`
	TextSnapshot string       `json:"text_snapshot"`
}

// Key returns a stable display key for the cluster.
func (c Cluster) Key() string {
	return fmt.Sprintf("%d:%d-%d", c.DocumentID, c.StartChar, c.EndChar)
}

// AssignmentIDs lists the member identifiers in member order.
func (c Cluster) AssignmentIDs() []AssignmentID {
	ids := make([]AssignmentID, 0, len(c.Assignments))
	for _, assignment := range c.Assignments {
		ids = append(ids, assignment.ID)
	}
	return ids
}

// Flatten returns all member assignments of the clusters in cluster order.
func Flatten(clusters []Cluster) []Assignment {
	var flat []Assignment
	for _, cluster := range clusters {
		flat = append(flat, cluster.Assignments...)
	}
	return flat
}
