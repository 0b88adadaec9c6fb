package review

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// View selects which assignments take part in clustering.
type View string

const (
	// ViewEdit clusters every assignment.
	ViewEdit View = "edit"
	// ViewCompare clusters pending and accepted assignments only.
	ViewCompare View = "compare"
	// ViewStatus clusters every assignment, then keeps members whose status matches.
	ViewStatus View = "status"
)

// ParseView validates raw input; empty input selects ViewEdit.
func ParseView(raw string) (View, error) {
	switch View(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ViewEdit:
		return ViewEdit, nil
	case ViewCompare:
		return ViewCompare, nil
	case ViewStatus:
		return ViewStatus, nil
	default:
		return "", fmt.Errorf("review: unknown view %q", raw)
	}
}

// StatusLookup resolves the current status of an assignment.
type StatusLookup interface {
	Status(id AssignmentID) (Status, bool)
}

// Filter narrows the assignments shown for review.
type Filter struct {
	View    View
	Status  Status
	Query   string
	CodeIDs []int64
}

// Matches reports whether the assignment passes the search query and code selection.
// Views are applied separately.
func (f Filter) Matches(assignment Assignment, documentName string) bool {
	if len(f.CodeIDs) > 0 {
		if assignment.CodeID == nil || !slices.Contains(f.CodeIDs, *assignment.CodeID) {
			return false
		}
	}
	query := strings.ToLower(strings.TrimSpace(f.Query))
	if query == "" {
		return true
	}
	for _, field := range []string{documentName, assignment.TextSnapshot, assignment.CodeName, assignment.AISuggestion} {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}

// Apply returns the assignments matching the query, code selection and, for
// ViewCompare, the pending-or-accepted condition.
func (f Filter) Apply(assignments []Assignment, names DocumentNames, statuses StatusLookup) []Assignment {
	out := make([]Assignment, 0, len(assignments))
	for _, assignment := range assignments {
		if !f.Matches(assignment, resolveDocumentName(assignment, names)) {
			continue
		}
		if f.View == ViewCompare && !IsComparable(currentStatus(statuses, assignment)) {
			continue
		}
		out = append(out, assignment)
	}
	return out
}

// Restrict applies the view's post-clustering member filter.
func (f Filter) Restrict(clusters []Cluster, statuses StatusLookup) []Cluster {
	switch f.View {
	case ViewCompare:
		return FilterClusterMembers(clusters, func(assignment Assignment) bool {
			return IsComparable(currentStatus(statuses, assignment))
		})
	case ViewStatus:
		want := normalizeStatus(f.Status)
		return FilterClusterMembers(clusters, func(assignment Assignment) bool {
			return currentStatus(statuses, assignment) == want
		})
	default:
		return clusters
	}
}

// IsComparable reports whether an assignment with status belongs in the compare view.
func IsComparable(status Status) bool {
	return status == StatusPending || status == StatusAccepted
}

func currentStatus(statuses StatusLookup, assignment Assignment) Status {
	if statuses == nil {
		return normalizeStatus(assignment.Status)
	}
	status, ok := statuses.Status(assignment.ID)
	if !ok {
		return StatusPending
	}
	return status
}

// SortKey orders flat assignment listings.
type SortKey string

const (
	SortRecent   SortKey = "recent"
	SortDocument SortKey = "document"
	SortText     SortKey = "text"
	SortCode     SortKey = "code"
)

// ParseSortKey validates raw input; empty input selects SortRecent.
func ParseSortKey(raw string) (SortKey, error) {
	switch SortKey(strings.ToLower(strings.TrimSpace(raw))) {
	case "", SortRecent:
		return SortRecent, nil
	case SortDocument:
		return SortDocument, nil
	case SortText:
		return SortText, nil
	case SortCode:
		return SortCode, nil
	default:
		return "", fmt.Errorf("review: unknown sort key %q", raw)
	}
}

// SortAssignments returns a sorted copy. SortRecent orders by creation time, newest first.
func SortAssignments(assignments []Assignment, key SortKey, names DocumentNames) []Assignment {
	sorted := slices.Clone(assignments)
	slices.SortStableFunc(sorted, func(left, right Assignment) int {
		switch key {
		case SortDocument:
			return cmp.Compare(resolveDocumentName(left, names), resolveDocumentName(right, names))
		case SortText:
			return cmp.Compare(left.TextSnapshot, right.TextSnapshot)
		case SortCode:
			return cmp.Compare(left.CodeName, right.CodeName)
		default:
			return right.CreatedAt.Compare(left.CreatedAt.Time)
		}
	})
	return sorted
}
