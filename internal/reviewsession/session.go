package reviewsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/projectcache"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/review"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/upstream"
	"go.uber.org/zap"
)

var (
	// ErrUnknownAssignment indicates an identifier that no assignment source knows.
	ErrUnknownAssignment = errors.New("reviewsession: unknown assignment")
	// ErrSessionLoading is returned when a submission is attempted while data is still loading.
	ErrSessionLoading = errors.New("reviewsession: review data is still loading")
	// ErrNothingAccepted is returned when an operation needs at least one accepted assignment.
	ErrNothingAccepted = errors.New("reviewsession: no accepted assignments")
	// ErrOwnerSubmission is returned when a project owner uses the collaborator submission path.
	ErrOwnerSubmission = errors.New("reviewsession: submission is only available for collaborators")
)

// Session holds one reviewer's working state for one project.
type Session struct {
	key       Key
	manager   *Manager
	store     *review.StatusStore
	submitter *review.Submitter

	loadMu   sync.Mutex
	loading  atomic.Bool
	usedAtNs atomic.Int64

	mu       sync.RWMutex
	loaded   bool
	loadedAt time.Time
	project  upstream.Project
	registry *review.Registry
	names    review.DocumentNames
	contents review.DocumentContents
	missing  []review.DocumentID
}

type sessionState struct {
	loaded   bool
	loadedAt time.Time
	project  upstream.Project
	registry *review.Registry
	names    review.DocumentNames
	contents review.DocumentContents
	missing  []review.DocumentID
}

func newSession(manager *Manager, key Key) (*Session, error) {
	session := &Session{
		key:      key,
		manager:  manager,
		store:    review.NewStatusStore(),
		registry: review.NewRegistry(nil, nil),
		names:    review.DocumentNames{},
		contents: review.DocumentContents{},
	}
	submitter, err := review.NewSubmitter(review.SubmitterConfig{
		Updater:        manager.upstream,
		Refresh:        session.refreshRegistry,
		Timeout:        manager.submitTimeout,
		RefreshTimeout: manager.submitTimeout,
		Logger:         manager.logger.With(zap.Int64("user_id", key.UserID), zap.Int64("project_id", key.ProjectID)),
	})
	if err != nil {
		return nil, err
	}
	session.submitter = submitter
	return session, nil
}

// Key returns the session identity.
func (s *Session) Key() Key {
	return s.key
}

func (s *Session) touch(now time.Time) {
	s.usedAtNs.Store(now.UnixNano())
}

func (s *Session) lastUsed() time.Time {
	return time.Unix(0, s.usedAtNs.Load())
}

// Store exposes the session's status store.
func (s *Session) Store() *review.StatusStore {
	return s.store
}

// Ensure loads the session unless it already holds data.
func (s *Session) Ensure(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}
	return s.Load(ctx, false)
}

// Load fetches the project payload through the cache, builds the registry, fetches
// document contents concurrently and seeds the status store. force bypasses the cache and
// refetches every document; otherwise only documents without loaded content are fetched.
// Seeding never overwrites local decisions; entries unknown to the new registry are pruned.
func (s *Session) Load(ctx context.Context, force bool) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	return s.loadLocked(ctx, force, true)
}

// loadLocked requires loadMu.
func (s *Session) loadLocked(ctx context.Context, force, prune bool) error {
	s.loading.Store(true)
	defer s.loading.Store(false)

	logger := s.logger()
	cacheKey := projectcache.Key{UserID: s.key.UserID, ProjectID: s.key.ProjectID}
	if force {
		if err := s.manager.cache.Invalidate(ctx, cacheKey); err != nil {
			logger.Warn("project cache invalidation failed", zap.Error(err))
		}
	}
	project, err := s.manager.cache.Get(ctx, cacheKey, func(fetchCtx context.Context) (upstream.Project, error) {
		return s.manager.upstream.FetchProject(fetchCtx, s.key.ProjectID)
	})
	if err != nil {
		sessionLoads.WithLabelValues("failed").Inc()
		logger.Error("review session load failed", zap.Error(err))
		return fmt.Errorf("reviewsession: load project %d: %w", s.key.ProjectID, err)
	}

	registry := project.Registry(s.key.UserID)
	documentIDs := registry.DocumentIDs()

	var previous review.DocumentContents
	if !force {
		s.mu.RLock()
		previous = s.contents
		s.mu.RUnlock()
	}

	contents := make(review.DocumentContents, len(documentIDs))
	var pending []review.DocumentID
	for _, documentID := range documentIDs {
		if content, ok := previous[documentID]; ok {
			contents[documentID] = content
			continue
		}
		pending = append(pending, documentID)
	}
	fetched, missing := s.manager.loader.load(ctx, pending)
	maps.Copy(contents, fetched)

	s.store.Seed(registry.AllAssignments())
	var pruned []review.AssignmentID
	if prune {
		pruned = s.store.PruneInvalid(registry.AllIDs())
	}

	s.mu.Lock()
	s.loaded = true
	s.loadedAt = s.manager.clock()
	s.project = project
	s.registry = registry
	s.names = project.DocumentNames()
	s.contents = contents
	s.missing = missing
	s.mu.Unlock()

	sessionLoads.WithLabelValues("ok").Inc()
	logger.Info("review session loaded",
		zap.Bool("forced", force),
		zap.Int("assignments", len(registry.AllIDs())),
		zap.Int("documents", len(documentIDs)),
		zap.Int("missing_documents", len(missing)),
		zap.Int("pruned_entries", len(pruned)))
	s.publish(EventReviewRefreshed, "", nil)
	return nil
}

// Loading reports whether a load is in progress.
func (s *Session) Loading() bool {
	return s.loading.Load()
}

func (s *Session) snapshot() sessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sessionState{
		loaded:   s.loaded,
		loadedAt: s.loadedAt,
		project:  s.project,
		registry: s.registry,
		names:    s.names,
		contents: s.contents,
		missing:  slices.Clone(s.missing),
	}
}

// refreshRegistry re-reads every assignment source for the submitter, which prunes the
// store itself. It runs inside Submit, which holds loadMu.
func (s *Session) refreshRegistry(ctx context.Context) (*review.Registry, error) {
	if err := s.loadLocked(ctx, true, false); err != nil {
		return nil, err
	}
	return s.snapshot().registry, nil
}

// ClusterView is the clustered review table.
type ClusterView struct {
	Clusters       []review.Cluster    `json:"clusters"`
	Loading        bool                `json:"loading"`
	MissingContent []review.DocumentID `json:"missing_content_document_ids"`
	Counts         review.StatusCounts `json:"counts"`
}

// Clusters groups and clusters the reviewable assignments under filter. Compare views
// filter before clustering; status views filter members after clustering and keep the
// envelope of the full cluster.
func (s *Session) Clusters(filter review.Filter) ClusterView {
	state := s.snapshot()
	assignments := s.reviewable(state)
	selected := filter.Apply(assignments, state.names, s.store)
	clusters := review.ClusterDocuments(review.GroupByDocument(selected, state.names), state.contents)
	clusters = filter.Restrict(clusters, s.store)
	if clusters == nil {
		clusters = []review.Cluster{}
	}
	return ClusterView{
		Clusters:       clusters,
		Loading:        s.Loading(),
		MissingContent: nonNil(state.missing),
		Counts:         s.store.Counts(),
	}
}

// CollaboratorView lists one collaborator's submitted assignments as clusters.
type CollaboratorView struct {
	UserID   int64            `json:"user_id"`
	UserName string           `json:"user_name"`
	Clusters []review.Cluster `json:"clusters"`
}

// CollaboratorClusters clusters each collaborator submission separately. Documents without
// loaded content fall back to the seed member's snapshot.
func (s *Session) CollaboratorClusters() []CollaboratorView {
	state := s.snapshot()
	collaborators := state.registry.Collaborators()
	views := make([]CollaboratorView, 0, len(collaborators))
	for _, submission := range collaborators {
		assignments := s.withLocalStatus(submission.Assignments)
		clusters := review.ClusterSubmission(review.GroupByDocument(assignments, state.names), state.contents)
		if clusters == nil {
			clusters = []review.Cluster{}
		}
		name := submission.UserName
		if name == "" {
			name = fmt.Sprintf("User %d", submission.UserID)
		}
		views = append(views, CollaboratorView{UserID: submission.UserID, UserName: name, Clusters: clusters})
	}
	return views
}

// Assignments returns the flat assignment list matching filter in sort order.
func (s *Session) Assignments(filter review.Filter, sortKey review.SortKey) []review.Assignment {
	state := s.snapshot()
	selected := filter.Apply(s.reviewable(state), state.names, s.store)
	if filter.View == review.ViewStatus {
		selected = slices.DeleteFunc(selected, func(assignment review.Assignment) bool {
			return assignment.Status != filter.Status
		})
	}
	return review.SortAssignments(selected, sortKey, state.names)
}

// reviewable returns every known assignment carrying its local status, minus ranges that
// do not fit their loaded document.
func (s *Session) reviewable(state sessionState) []review.Assignment {
	lengths := make(map[review.DocumentID]int, len(state.contents))
	for documentID, content := range state.contents {
		lengths[documentID] = utf8.RuneCountInString(content)
	}
	assignments := s.withLocalStatus(state.registry.AllAssignments())
	return slices.DeleteFunc(assignments, func(assignment review.Assignment) bool {
		length, ok := lengths[assignment.DocumentID]
		return ok && !assignment.ValidFor(length)
	})
}

func (s *Session) withLocalStatus(assignments []review.Assignment) []review.Assignment {
	out := make([]review.Assignment, 0, len(assignments))
	for _, assignment := range assignments {
		assignment.Status, _ = s.store.Status(assignment.ID)
		out = append(out, assignment)
	}
	return out
}

// SetStatus records a local decision for a known assignment.
func (s *Session) SetStatus(id review.AssignmentID, status review.Status) error {
	parsed, err := review.ParseStatus(string(status))
	if err != nil {
		return err
	}
	if !s.snapshot().registry.Contains(id) {
		return fmt.Errorf("%w: %d", ErrUnknownAssignment, id)
	}
	s.store.SetStatus(id, parsed)
	s.publish(EventStatusesChanged, "", []review.AssignmentID{id})
	return nil
}

// PersistStatus writes one assignment's local status to the backend. A failed write
// restores the server status. A persisted rejection reloads the session because the
// backend deletes rejected assignments.
func (s *Session) PersistStatus(ctx context.Context, id review.AssignmentID) (review.StatusEntry, error) {
	assignment, ok := s.snapshot().registry.Lookup(id)
	if !ok {
		return review.StatusEntry{}, fmt.Errorf("%w: %d", ErrUnknownAssignment, id)
	}
	status, _ := s.store.Status(id)
	if _, err := s.manager.upstream.UpdateAssignmentStatus(ctx, id, status); err != nil {
		s.store.Restore(assignment)
		s.publish(EventStatusesChanged, "", []review.AssignmentID{id})
		s.logger().Warn("assignment status update failed; restored server status",
			zap.Int64("assignment_id", id.Int64()), zap.Error(err))
		return review.StatusEntry{}, fmt.Errorf("reviewsession: persist status of %d: %w", id, err)
	}
	s.store.MarkPersisted(id)
	if status == review.StatusRejected {
		if err := s.reloadDetached(ctx); err != nil {
			s.logger().Warn("reload after rejection failed", zap.Error(err))
		}
	}
	s.publish(EventStatusesChanged, "", []review.AssignmentID{id})
	return review.StatusEntry{Status: status, Persisted: true}, nil
}

// SubmitReport describes a reconciliation attempt.
type SubmitReport struct {
	Outcome    ledger.Outcome           `json:"outcome"`
	Request    review.BulkUpdateRequest `json:"request"`
	Response   review.BulkUpdateResult  `json:"response"`
	Submission *ledger.Submission       `json:"submission,omitempty"`
	Refreshed  bool                     `json:"refreshed"`
	Counts     review.StatusCounts      `json:"counts"`
}

// Submit persists every local decision as one batch. On success the session reloads and
// resets the status store from the refreshed registry. Every attempt is recorded.
// The registry cannot be replaced by a concurrent load between validation and reset.
func (s *Session) Submit(ctx context.Context) (SubmitReport, error) {
	if err := s.Ensure(ctx); err != nil {
		return SubmitReport{}, err
	}
	if !s.loadMu.TryLock() {
		if s.submitter.InFlight() {
			return SubmitReport{Outcome: ledger.OutcomeBusy}, review.ErrSubmitInProgress
		}
		return SubmitReport{Outcome: ledger.OutcomeBusy}, ErrSessionLoading
	}
	started := s.manager.clock()
	report, err := s.submitLocked(ctx, started)
	s.loadMu.Unlock()

	report.Submission = s.record(ctx, started, report, err)
	report.Counts = s.store.Counts()
	s.publish(EventReviewSubmitted, string(report.Outcome), nil)
	return report, err
}

// submitLocked requires loadMu.
func (s *Session) submitLocked(ctx context.Context, started time.Time) (SubmitReport, error) {
	result, err := s.submitter.Submit(ctx, s.store, s.snapshot().registry)
	report := SubmitReport{
		Outcome:  ledger.OutcomeOf(result, err),
		Request:  result.Request,
		Response: result.Response,
	}
	if err == nil && result.Outcome == review.SubmitOutcomeSubmitted {
		reloadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.manager.submitTimeout)
		loadErr := s.loadLocked(reloadCtx, true, true)
		cancel()
		if loadErr != nil {
			s.logger().Warn("reload after submission failed", zap.Error(loadErr))
		} else {
			s.store.Reset(s.snapshot().registry.ServerStatuses())
			report.Refreshed = true
		}
	}

	submitDuration.Observe(s.manager.clock().Sub(started).Seconds())
	submissionsTotal.WithLabelValues(string(report.Outcome)).Inc()
	return report, err
}

func (s *Session) record(ctx context.Context, started time.Time, report SubmitReport, submitErr error) *ledger.Submission {
	if s.manager.recorder == nil {
		return nil
	}
	attempt := ledger.Attempt{
		UserID:    s.key.UserID,
		ProjectID: s.key.ProjectID,
		Outcome:   report.Outcome,
		Accepted:  report.Request.AcceptedAssignmentIDs,
		Rejected:  report.Request.RejectedAssignmentIDs,
		StartedAt: started,
	}
	if submitErr != nil {
		attempt.Message = UserMessage(submitErr)
		var partial *review.PartialFailureError
		if errors.As(submitErr, &partial) {
			attempt.Missing = partial.MissingIDs
			attempt.Pruned = partial.PrunedIDs
		}
	}
	submission, err := s.manager.recorder.Record(context.WithoutCancel(ctx), attempt)
	if err != nil {
		s.logger().Warn("submission ledger write failed", zap.Error(err))
		return nil
	}
	return &submission
}

// CollaboratorSubmitReport describes a collaborator submission.
type CollaboratorSubmitReport struct {
	AssignmentIDs []review.AssignmentID `json:"assignment_ids"`
	Response      json.RawMessage       `json:"response,omitempty"`
}

// SubmitCollaboratorAssignments finalizes the caller's own accepted assignments so the
// project owner can review them.
func (s *Session) SubmitCollaboratorAssignments(ctx context.Context) (CollaboratorSubmitReport, error) {
	if err := s.Ensure(ctx); err != nil {
		return CollaboratorSubmitReport{}, err
	}
	state := s.snapshot()
	if state.project.IsOwner(s.key.UserID) {
		return CollaboratorSubmitReport{}, ErrOwnerSubmission
	}
	var ids []review.AssignmentID
	for _, assignment := range state.registry.Owner() {
		if status, _ := s.store.Status(assignment.ID); status == review.StatusAccepted {
			ids = append(ids, assignment.ID)
		}
	}
	if len(ids) == 0 {
		return CollaboratorSubmitReport{}, ErrNothingAccepted
	}
	slices.Sort(ids)

	response, err := s.manager.upstream.SubmitAssignments(ctx, ids)
	if err != nil {
		return CollaboratorSubmitReport{}, fmt.Errorf("reviewsession: submit collaborator assignments: %w", err)
	}
	if err := s.reloadDetached(ctx); err != nil {
		s.logger().Warn("reload after collaborator submission failed", zap.Error(err))
	}
	s.publish(EventReviewSubmitted, string(ledger.OutcomeSubmitted), ids)
	return CollaboratorSubmitReport{AssignmentIDs: ids, Response: response}, nil
}

// GenerateThemes asks the AI service for themes over the server-accepted assignments.
func (s *Session) GenerateThemes(ctx context.Context) (json.RawMessage, error) {
	ids, err := s.persistedAccepted(ctx)
	if err != nil {
		return nil, err
	}
	return s.manager.upstream.GenerateThemes(ctx, ids)
}

// GenerateReport asks the AI service for a report over the server-accepted assignments.
func (s *Session) GenerateReport(ctx context.Context) (json.RawMessage, error) {
	ids, err := s.persistedAccepted(ctx)
	if err != nil {
		return nil, err
	}
	return s.manager.upstream.GenerateReport(ctx, ids)
}

func (s *Session) persistedAccepted(ctx context.Context) ([]review.AssignmentID, error) {
	if err := s.Ensure(ctx); err != nil {
		return nil, err
	}
	var ids []review.AssignmentID
	for id, entry := range s.store.Snapshot() {
		if entry.Status == review.StatusAccepted && entry.Persisted {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, ErrNothingAccepted
	}
	slices.Sort(ids)
	return ids, nil
}

// Summary is the session overview.
type Summary struct {
	UserID         int64               `json:"user_id"`
	ProjectID      int64               `json:"project_id"`
	Title          string              `json:"title"`
	IsOwner        bool                `json:"is_owner"`
	Loaded         bool                `json:"loaded"`
	Loading        bool                `json:"loading"`
	LoadedAt       *time.Time          `json:"loaded_at,omitempty"`
	Counts         review.StatusCounts `json:"counts"`
	Dirty          int                 `json:"dirty"`
	Assignments    int                 `json:"assignments"`
	Documents      int                 `json:"documents"`
	Collaborators  int                 `json:"collaborators"`
	MissingContent []review.DocumentID `json:"missing_content_document_ids"`
	SubmitInFlight bool                `json:"submit_in_flight"`
}

// Summary reports counts and load state.
func (s *Session) Summary() Summary {
	state := s.snapshot()
	summary := Summary{
		UserID:         s.key.UserID,
		ProjectID:      s.key.ProjectID,
		Title:          state.project.Title,
		IsOwner:        state.loaded && state.project.IsOwner(s.key.UserID),
		Loaded:         state.loaded,
		Loading:        s.Loading(),
		Counts:         s.store.Counts(),
		Dirty:          len(s.store.Dirty()),
		Assignments:    len(state.registry.AllIDs()),
		Documents:      len(state.registry.DocumentIDs()),
		Collaborators:  len(state.registry.Collaborators()),
		MissingContent: nonNil(state.missing),
		SubmitInFlight: s.submitter.InFlight(),
	}
	if state.loaded {
		loadedAt := state.loadedAt
		summary.LoadedAt = &loadedAt
	}
	return summary
}

// reloadDetached forces a reload that survives cancellation of the caller's request.
func (s *Session) reloadDetached(ctx context.Context) error {
	reloadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.manager.submitTimeout)
	defer cancel()
	return s.Load(reloadCtx, true)
}

func (s *Session) publish(eventType EventType, outcome string, ids []review.AssignmentID) {
	s.manager.publisher.Publish(Event{
		Type:          eventType,
		UserID:        s.key.UserID,
		ProjectID:     s.key.ProjectID,
		AssignmentIDs: ids,
		Outcome:       outcome,
		Counts:        s.store.Counts(),
		Timestamp:     s.manager.clock().UTC(),
	})
}

func (s *Session) logger() *zap.Logger {
	return s.manager.logger.With(zap.Int64("user_id", s.key.UserID), zap.Int64("project_id", s.key.ProjectID))
}

// UserMessage returns the reviewer-facing text for a session or submission error.
func UserMessage(err error) string {
	var messenger interface{ UserMessage() string }
	if errors.As(err, &messenger) {
		return messenger.UserMessage()
	}
	switch {
	case errors.Is(err, ErrSessionLoading):
		return "Review data is still loading. Please wait and try again."
	case errors.Is(err, review.ErrSubmitInProgress):
		return "A submission is already in progress."
	case errors.Is(err, ErrNothingAccepted):
		return "Please accept at least one assignment first."
	case errors.Is(err, ErrOwnerSubmission):
		return "Submit is only available for collaborators."
	case errors.Is(err, ErrUnknownAssignment):
		return "This assignment no longer exists. Please refresh the page."
	case err == nil:
		return ""
	default:
		return err.Error()
	}
}

func nonNil[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}
