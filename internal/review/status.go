package review

import (
	"maps"
	"slices"
	"sync"
)

// StatusStore mirrors per-assignment review status locally. Entries seeded from the
// server are persisted; entries changed through SetStatus are local until submitted.
type StatusStore struct {
	mu      sync.RWMutex
	entries map[AssignmentID]StatusEntry
}

// NewStatusStore constructs an empty store.
func NewStatusStore() *StatusStore {
	return &StatusStore{entries: make(map[AssignmentID]StatusEntry)}
}

// Seed adds server statuses for assignments that have no entry yet. Existing entries,
// including unsubmitted local decisions, are left untouched.
func (s *StatusStore) Seed(assignments []Assignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, assignment := range assignments {
		if _, exists := s.entries[assignment.ID]; exists {
			continue
		}
		s.entries[assignment.ID] = StatusEntry{Status: normalizeStatus(assignment.Status), Persisted: true}
	}
}

// Reset replaces every entry with the server statuses of the provided assignments.
func (s *StatusStore) Reset(assignments []Assignment) {
	entries := make(map[AssignmentID]StatusEntry, len(assignments))
	for _, assignment := range assignments {
		entries[assignment.ID] = StatusEntry{Status: normalizeStatus(assignment.Status), Persisted: true}
	}
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
}

// SetStatus records a local decision.
func (s *StatusStore) SetStatus(id AssignmentID, status Status) {
	s.mu.Lock()
	s.entries[id] = StatusEntry{Status: status, Persisted: false}
	s.mu.Unlock()
}

// Restore replaces one entry with the assignment's server status.
func (s *StatusStore) Restore(assignment Assignment) {
	s.mu.Lock()
	s.entries[assignment.ID] = StatusEntry{Status: normalizeStatus(assignment.Status), Persisted: true}
	s.mu.Unlock()
}

// MarkPersisted flags the current entry as confirmed by the server.
func (s *StatusStore) MarkPersisted(id AssignmentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return
	}
	entry.Persisted = true
	s.entries[id] = entry
}

// Status returns the status for id, defaulting to pending when absent.
func (s *StatusStore) Status(id AssignmentID) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return StatusPending, false
	}
	return entry.Status, true
}

// Entry returns the full entry for id.
func (s *StatusStore) Entry(id AssignmentID) (StatusEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	return entry, ok
}

// PruneInvalid removes and returns, in ascending order, every key absent from valid.
func (s *StatusStore) PruneInvalid(valid IDSet) []AssignmentID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []AssignmentID
	for id := range s.entries {
		if valid.Has(id) {
			continue
		}
		delete(s.entries, id)
		removed = append(removed, id)
	}
	slices.Sort(removed)
	return removed
}

// Remove deletes the given keys.
func (s *StatusStore) Remove(ids ...AssignmentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.entries, id)
	}
}

// Snapshot returns a copy of every entry.
func (s *StatusStore) Snapshot() map[AssignmentID]StatusEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.entries)
}

// Dirty lists, in ascending order, entries holding unsubmitted local decisions.
func (s *StatusStore) Dirty() []AssignmentID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var dirty []AssignmentID
	for id, entry := range s.entries {
		if !entry.Persisted {
			dirty = append(dirty, id)
		}
	}
	slices.Sort(dirty)
	return dirty
}

// StatusCounts tallies entries per status.
type StatusCounts struct {
	Pending  int `json:"pending"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// Counts tallies entries per status.
func (s *StatusStore) Counts() StatusCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var counts StatusCounts
	for _, entry := range s.entries {
		switch entry.Status {
		case StatusAccepted:
			counts.Accepted++
		case StatusRejected:
			counts.Rejected++
		default:
			counts.Pending++
		}
	}
	return counts
}

// Len returns the number of entries.
func (s *StatusStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
