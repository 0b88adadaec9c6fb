package review

import "slices"

// IDSet is a set of assignment identifiers.
type IDSet map[AssignmentID]struct{}

// NewIDSet builds a set from the provided identifiers.
func NewIDSet(ids ...AssignmentID) IDSet {
	set := make(IDSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s IDSet) Has(id AssignmentID) bool {
	_, ok := s[id]
	return ok
}

// Without returns a copy of the set minus the provided identifiers.
func (s IDSet) Without(ids ...AssignmentID) IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	for _, id := range ids {
		delete(out, id)
	}
	return out
}

// Sorted returns the identifiers in ascending order.
func (s IDSet) Sorted() []AssignmentID {
	ids := make([]AssignmentID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// CollaboratorSubmission is a bundle of assignments submitted by a non-owner project member.
type CollaboratorSubmission struct {
	UserID      int64        `json:"user_id"`
	UserName    string       `json:"user_name"`
	Assignments []Assignment `json:"assignments"`
}

// Registry owns every assignment source known for a project and is the single
// authority on which identifiers are valid.
type Registry struct {
	owner         []Assignment
	collaborators []CollaboratorSubmission
	ids           IDSet
}

// NewRegistry normalizes and indexes the owner's assignments and the collaborator submissions.
func NewRegistry(owner []Assignment, collaborators []CollaboratorSubmission) *Registry {
	registry := &Registry{
		owner:         make([]Assignment, 0, len(owner)),
		collaborators: make([]CollaboratorSubmission, 0, len(collaborators)),
		ids:           IDSet{},
	}
	for _, assignment := range owner {
		normalized := assignment.Normalized()
		registry.owner = append(registry.owner, normalized)
		registry.ids[normalized.ID] = struct{}{}
	}
	for _, submission := range collaborators {
		copied := CollaboratorSubmission{
			UserID:      submission.UserID,
			UserName:    submission.UserName,
			Assignments: make([]Assignment, 0, len(submission.Assignments)),
		}
		for _, assignment := range submission.Assignments {
			normalized := assignment.Normalized()
			copied.Assignments = append(copied.Assignments, normalized)
			registry.ids[normalized.ID] = struct{}{}
		}
		registry.collaborators = append(registry.collaborators, copied)
	}
	return registry
}

// AllIDs returns a copy of the valid identifier universe.
func (r *Registry) AllIDs() IDSet {
	if r == nil {
		return IDSet{}
	}
	return r.ids.Without()
}

// Contains reports whether the identifier exists in any known source.
func (r *Registry) Contains(id AssignmentID) bool {
	if r == nil {
		return false
	}
	return r.ids.Has(id)
}

// Owner returns the current user's own assignments.
func (r *Registry) Owner() []Assignment {
	if r == nil {
		return nil
	}
	return slices.Clone(r.owner)
}

// Collaborators returns the collaborator submissions.
func (r *Registry) Collaborators() []CollaboratorSubmission {
	if r == nil {
		return nil
	}
	out := make([]CollaboratorSubmission, 0, len(r.collaborators))
	for _, submission := range r.collaborators {
		submission.Assignments = slices.Clone(submission.Assignments)
		out = append(out, submission)
	}
	return out
}

// AllAssignments returns owner assignments followed by collaborator assignments,
// deduplicated by identifier.
func (r *Registry) AllAssignments() []Assignment {
	if r == nil {
		return nil
	}
	seen := IDSet{}
	all := make([]Assignment, 0, len(r.ids))
	appendUnique := func(assignment Assignment) {
		if seen.Has(assignment.ID) {
			return
		}
		seen[assignment.ID] = struct{}{}
		all = append(all, assignment)
	}
	for _, assignment := range r.owner {
		appendUnique(assignment)
	}
	for _, submission := range r.collaborators {
		for _, assignment := range submission.Assignments {
			appendUnique(assignment)
		}
	}
	return all
}

// Lookup returns the assignment with the given identifier.
func (r *Registry) Lookup(id AssignmentID) (Assignment, bool) {
	for _, assignment := range r.AllAssignments() {
		if assignment.ID == id {
			return assignment, true
		}
	}
	return Assignment{}, false
}

// IsOwned reports whether the identifier belongs to the current user's own assignments.
func (r *Registry) IsOwned(id AssignmentID) bool {
	if r == nil {
		return false
	}
	for _, assignment := range r.owner {
		if assignment.ID == id {
			return true
		}
	}
	return false
}

// DocumentIDs lists the distinct documents referenced by any source in first-appearance order.
func (r *Registry) DocumentIDs() []DocumentID {
	seen := map[DocumentID]struct{}{}
	var ids []DocumentID
	for _, assignment := range r.AllAssignments() {
		if _, ok := seen[assignment.DocumentID]; ok {
			continue
		}
		seen[assignment.DocumentID] = struct{}{}
		ids = append(ids, assignment.DocumentID)
	}
	return ids
}

// ServerStatuses returns the server-reported assignments used to reset a StatusStore.
func (r *Registry) ServerStatuses() []Assignment {
	return r.AllAssignments()
}
