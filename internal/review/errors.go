package review

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrSubmitInProgress is returned when a submission is already in flight for the store.
	ErrSubmitInProgress = errors.New("review: submission already in progress")
	// ErrStaleState marks local decisions that reference identifiers no source knows about.
	ErrStaleState = errors.New("review: stale review state")
	// ErrAssignmentsMissing marks a backend rejection naming identifiers it could not find.
	ErrAssignmentsMissing = errors.New("review: some assignments not found")
	// ErrSubmitFailed marks a submission that failed for any other reason.
	ErrSubmitFailed = errors.New("review: submission failed")
	// ErrUnknownOutcome marks a submission whose result could not be observed.
	ErrUnknownOutcome = errors.New("review: submission outcome unknown")
)

// StaleStateError is raised before any network call when accepted or rejected
// identifiers are not in the registry.
type StaleStateError struct {
	InvalidAccepted []AssignmentID
	InvalidRejected []AssignmentID
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("%v: accepted %v, rejected %v", ErrStaleState, e.InvalidAccepted, e.InvalidRejected)
}

func (e *StaleStateError) Unwrap() error {
	return ErrStaleState
}

// UserMessage is the actionable text shown to the reviewer.
func (e *StaleStateError) UserMessage() string {
	return "Invalid assignment IDs detected. Please refresh the page and try again."
}

// MissingAssignmentsError is the structured form of the backend's
// "Some assignments not found" rejection.
type MissingAssignmentsError struct {
	IDs     []AssignmentID
	Message string
}

func (e *MissingAssignmentsError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%v: %s", ErrAssignmentsMissing, e.Message)
	}
	return fmt.Sprintf("%v: %v", ErrAssignmentsMissing, e.IDs)
}

func (e *MissingAssignmentsError) Unwrap() error {
	return ErrAssignmentsMissing
}

// PartialFailureError reports that stale identifiers were pruned after a backend rejection.
// The reviewer has to retry; the submission is never repeated automatically.
type PartialFailureError struct {
	MissingIDs []AssignmentID
	PrunedIDs  []AssignmentID
	Cause      error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%v: missing %v, pruned %v", ErrAssignmentsMissing, e.MissingIDs, e.PrunedIDs)
}

func (e *PartialFailureError) Unwrap() error {
	return ErrAssignmentsMissing
}

// UserMessage is the text shown to the reviewer.
func (e *PartialFailureError) UserMessage() string {
	if len(e.MissingIDs) == 0 {
		return "Some assignments were not found. Review state has been synced with the server. Please try your action again."
	}
	return fmt.Sprintf("Some assignments (IDs: %s) were not found. Review state has been synced with the server. Please try your action again.", joinIDs(e.MissingIDs))
}

// SubmitFailedError reports a failed submission after the store was rolled back to server truth.
type SubmitFailedError struct {
	Cause error
}

func (e *SubmitFailedError) Error() string {
	return fmt.Sprintf("%v: %v", ErrSubmitFailed, e.Cause)
}

func (e *SubmitFailedError) Unwrap() []error {
	return []error{ErrSubmitFailed, e.Cause}
}

// UserMessage is the text shown to the reviewer.
func (e *SubmitFailedError) UserMessage() string {
	return "Failed to save changes. Please try again."
}

// UnknownOutcomeError reports a submission that timed out. The store has been
// re-synced from the server when RefreshErr is nil.
type UnknownOutcomeError struct {
	Cause      error
	RefreshErr error
}

func (e *UnknownOutcomeError) Error() string {
	if e.RefreshErr != nil {
		return fmt.Sprintf("%v: %v (refresh failed: %v)", ErrUnknownOutcome, e.Cause, e.RefreshErr)
	}
	return fmt.Sprintf("%v: %v", ErrUnknownOutcome, e.Cause)
}

func (e *UnknownOutcomeError) Unwrap() []error {
	return []error{ErrUnknownOutcome, e.Cause}
}

// UserMessage is the text shown to the reviewer.
func (e *UnknownOutcomeError) UserMessage() string {
	return "The server did not answer in time. Review state has been reloaded; check the results before submitting again."
}

var (
	missingIDsPattern       = regexp.MustCompile(`Missing IDs: \[([^\]]*)\]`)
	notFoundIDsPattern      = regexp.MustCompile(`[Aa]ssignments not found: \[([^\]]*)\]`)
	missingMessageFragments = []string{"Some assignments not found", "Assignments not found"}
)

// ParseMissingIDs extracts identifiers from a backend error message of the form
// "... Missing IDs: [1, 2]" or "Assignments not found: [1, 2]". The boolean reports
// whether the message describes missing assignments at all.
func ParseMissingIDs(message string) ([]AssignmentID, bool) {
	if !IsMissingAssignmentsMessage(message) {
		return nil, false
	}
	for _, pattern := range []*regexp.Regexp{missingIDsPattern, notFoundIDsPattern} {
		match := pattern.FindStringSubmatch(message)
		if match == nil {
			continue
		}
		return parseIDList(match[1]), true
	}
	return nil, true
}

// IsMissingAssignmentsMessage reports whether a backend message describes missing assignments.
func IsMissingAssignmentsMessage(message string) bool {
	for _, fragment := range missingMessageFragments {
		if strings.Contains(message, fragment) {
			return true
		}
	}
	return missingIDsPattern.MatchString(message)
}

func parseIDList(raw string) []AssignmentID {
	var ids []AssignmentID
	for _, field := range strings.Split(raw, ",") {
		value, err := strconv.ParseInt(strings.TrimSpace(field), 10, 64)
		if err != nil || value <= 0 {
			continue
		}
		ids = append(ids, AssignmentID(value))
	}
	return ids
}

func joinIDs(ids []AssignmentID) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(int64(id), 10))
	}
	return strings.Join(parts, ", ")
}
