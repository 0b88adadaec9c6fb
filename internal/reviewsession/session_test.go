package reviewsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/projectcache"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/review"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/upstream"
)

const (
	ownerID        = int64(1)
	collaboratorID = int64(2)
	projectID      = int64(9)
)

type fakeUpstream struct {
	mu             sync.Mutex
	project        upstream.Project
	contents       map[review.DocumentID]string
	failDocuments  map[review.DocumentID]bool
	projectFetches int
	documentCalls  map[review.DocumentID]int
	bulkRequests   []review.BulkUpdateRequest
	bulkErr        error
	statusErr      error
	statusUpdates  []review.AssignmentID
	submitted      [][]review.AssignmentID
	themeRequests  [][]review.AssignmentID

	// bulkStarted and bulkRelease, when set, hold BulkUpdate open until released.
	bulkStarted chan struct{}
	bulkRelease chan struct{}
}

func newFakeUpstream(project upstream.Project, contents map[review.DocumentID]string) *fakeUpstream {
	return &fakeUpstream{
		project:       project,
		contents:      contents,
		failDocuments: map[review.DocumentID]bool{},
		documentCalls: map[review.DocumentID]int{},
	}
}

func (f *fakeUpstream) FetchProject(ctx context.Context, id int64) (upstream.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projectFetches++
	project := f.project
	project.CodeAssignments = slices.Clone(f.project.CodeAssignments)
	return project, nil
}

func (f *fakeUpstream) FetchDocument(ctx context.Context, id review.DocumentID) (upstream.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.documentCalls[id]++
	if f.failDocuments[id] {
		return upstream.Document{}, upstream.ErrUnavailable
	}
	content, ok := f.contents[id]
	if !ok {
		return upstream.Document{}, upstream.ErrNotFound
	}
	return upstream.Document{ID: id, Content: content}, nil
}

func (f *fakeUpstream) UpdateAssignmentStatus(ctx context.Context, id review.AssignmentID, status review.Status) (upstream.StatusUpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusUpdates = append(f.statusUpdates, id)
	if f.statusErr != nil {
		return upstream.StatusUpdateResult{}, f.statusErr
	}
	f.applyLocked([]review.AssignmentID{id}, status)
	return upstream.StatusUpdateResult{}, nil
}

func (f *fakeUpstream) BulkUpdate(ctx context.Context, request review.BulkUpdateRequest) (review.BulkUpdateResult, error) {
	if f.bulkStarted != nil {
		close(f.bulkStarted)
		<-f.bulkRelease
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkRequests = append(f.bulkRequests, request)
	if f.bulkErr != nil {
		return review.BulkUpdateResult{}, f.bulkErr
	}
	f.applyLocked(request.AcceptedAssignmentIDs, review.StatusAccepted)
	f.applyLocked(request.RejectedAssignmentIDs, review.StatusRejected)
	return review.BulkUpdateResult{
		TotalUpdated:  len(request.AcceptedAssignmentIDs) + len(request.RejectedAssignmentIDs),
		AcceptedCount: len(request.AcceptedAssignmentIDs),
		RejectedCount: len(request.RejectedAssignmentIDs),
	}, nil
}

// applyLocked mirrors the backend: accepted assignments change status, rejected ones are deleted.
func (f *fakeUpstream) applyLocked(ids []review.AssignmentID, status review.Status) {
	f.project.CodeAssignments = slices.DeleteFunc(f.project.CodeAssignments, func(assignment review.Assignment) bool {
		return status == review.StatusRejected && slices.Contains(ids, assignment.ID)
	})
	for index := range f.project.CodeAssignments {
		if slices.Contains(ids, f.project.CodeAssignments[index].ID) {
			f.project.CodeAssignments[index].Status = status
		}
	}
}

func (f *fakeUpstream) SubmitAssignments(ctx context.Context, ids []review.AssignmentID) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, ids)
	return json.RawMessage(`{"submitted":true}`), nil
}

func (f *fakeUpstream) GenerateThemes(ctx context.Context, ids []review.AssignmentID) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.themeRequests = append(f.themeRequests, ids)
	return json.RawMessage(`{"themes":[]}`), nil
}

func (f *fakeUpstream) GenerateReport(ctx context.Context, ids []review.AssignmentID) (json.RawMessage, error) {
	return json.RawMessage(`{"report":""}`), nil
}

type recordingRecorder struct {
	mu       sync.Mutex
	attempts []ledger.Attempt
}

func (r *recordingRecorder) Record(ctx context.Context, attempt ledger.Attempt) (ledger.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, attempt)
	return ledger.Submission{AttemptID: fmt.Sprintf("attempt-%d", len(r.attempts)), Outcome: attempt.Outcome}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]EventType, 0, len(p.events))
	for _, event := range p.events {
		types = append(types, event.Type)
	}
	return types
}

func assignment(id int64, documentID int64, start, end int, status review.Status) review.Assignment {
	codeID := int64(100 + id)
	return review.Assignment{
		ID:         review.AssignmentID(id),
		DocumentID: review.DocumentID(documentID),
		StartChar:  start,
		EndChar:    end,
		CodeID:     &codeID,
		Status:     status,
	}
}

func sampleProject() upstream.Project {
	return upstream.Project{
		ID:      projectID,
		Title:   "Interviews",
		OwnerID: ownerID,
		Documents: []upstream.DocumentSummary{
			{ID: 10, Name: "interview-a.txt"},
			{ID: 11, Name: "interview-b.txt"},
		},
		CodeAssignments: []review.Assignment{
			assignment(1, 10, 0, 4, review.StatusPending),
			assignment(2, 10, 2, 6, review.StatusPending),
			assignment(3, 10, 10, 14, review.StatusAccepted),
			assignment(4, 11, 0, 3, review.StatusPending),
		},
		SubmittedAssignmentsByUser: []review.CollaboratorSubmission{
			{
				UserID:   collaboratorID,
				UserName: "Dana",
				Assignments: []review.Assignment{
					assignment(20, 10, 1, 5, review.StatusPending),
				},
			},
		},
	}
}

func sampleContents() map[review.DocumentID]string {
	return map[review.DocumentID]string{
		10: "AAAABBBBBBCCCCDD",
		11: "xyz",
	}
}

type testHarness struct {
	upstream  *fakeUpstream
	recorder  *recordingRecorder
	publisher *recordingPublisher
	manager   *Manager
}

func newHarness(t *testing.T, project upstream.Project) *testHarness {
	t.Helper()
	fake := newFakeUpstream(project, sampleContents())
	cache, err := projectcache.New(projectcache.Config{Store: projectcache.NewMemoryStore()})
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	recorder := &recordingRecorder{}
	publisher := &recordingPublisher{}
	manager, err := NewManager(ManagerConfig{
		Upstream:      fake,
		Cache:         cache,
		Recorder:      recorder,
		Publisher:     publisher,
		FetchTimeout:  time.Second,
		SubmitTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}
	return &testHarness{upstream: fake, recorder: recorder, publisher: publisher, manager: manager}
}

func (h *testHarness) session(t *testing.T, userID int64) *Session {
	t.Helper()
	session, err := h.manager.Session(userID, projectID)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	if err := session.Load(context.Background(), false); err != nil {
		t.Fatalf("failed to load session: %v", err)
	}
	return session
}

func TestManagerReusesSessionsAndRejectsInvalidKeys(t *testing.T) {
	harness := newHarness(t, sampleProject())
	first, err := harness.manager.Session(ownerID, projectID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _ := harness.manager.Session(ownerID, projectID)
	if first != second {
		t.Fatalf("expected the same session instance")
	}
	if _, err := harness.manager.Session(0, projectID); !errors.Is(err, ErrInvalidSessionKey) {
		t.Fatalf("expected ErrInvalidSessionKey, got %v", err)
	}
	harness.manager.Forget(ownerID, projectID)
	if harness.manager.Len() != 0 {
		t.Fatalf("expected no sessions after Forget")
	}
}

func TestNewManagerRequiresDependencies(t *testing.T) {
	if _, err := NewManager(ManagerConfig{}); err == nil {
		t.Fatalf("expected error without upstream")
	}
	if _, err := NewManager(ManagerConfig{Upstream: newFakeUpstream(upstream.Project{}, nil)}); err == nil {
		t.Fatalf("expected error without cache")
	}
}

func TestClustersGroupOverlapsPerDocument(t *testing.T) {
	harness := newHarness(t, sampleProject())
	session := harness.session(t, ownerID)

	view := session.Clusters(review.Filter{View: review.ViewEdit})
	if len(view.Clusters) != 3 {
		t.Fatalf("expected 3 clusters, got %d", len(view.Clusters))
	}
	first := view.Clusters[0]
	if first.StartChar != 0 || first.EndChar != 6 || first.TextSnapshot != "AAAABB" {
		t.Fatalf("unexpected first cluster %+v", first)
	}
	if !slices.Equal(first.AssignmentIDs(), []review.AssignmentID{1, 20, 2}) {
		t.Fatalf("unexpected members %v", first.AssignmentIDs())
	}
	if first.DocumentName != "interview-a.txt" {
		t.Fatalf("unexpected document name %q", first.DocumentName)
	}
	if view.Counts.Pending != 4 || view.Counts.Accepted != 1 {
		t.Fatalf("unexpected counts %+v", view.Counts)
	}
}

func TestLoadDegradesWhenDocumentContentFails(t *testing.T) {
	harness := newHarness(t, sampleProject())
	harness.upstream.failDocuments[11] = true
	session := harness.session(t, ownerID)

	view := session.Clusters(review.Filter{})
	if !slices.Equal(view.MissingContent, []review.DocumentID{11}) {
		t.Fatalf("expected document 11 missing, got %v", view.MissingContent)
	}
	for _, cluster := range view.Clusters {
		if cluster.DocumentID == 11 {
			t.Fatalf("document without content must not be clustered")
		}
	}

	harness.upstream.mu.Lock()
	harness.upstream.failDocuments[11] = false
	harness.upstream.mu.Unlock()
	if err := session.Load(context.Background(), false); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := harness.upstream.documentCalls[10]; got != 1 {
		t.Fatalf("expected loaded content to be reused, document 10 fetched %d times", got)
	}
	if got := harness.upstream.documentCalls[11]; got != 2 {
		t.Fatalf("expected missing content to be refetched, document 11 fetched %d times", got)
	}
	if len(session.Clusters(review.Filter{}).MissingContent) != 0 {
		t.Fatalf("expected all content after reload")
	}
}

func TestLoadServesProjectFromCacheUnlessForced(t *testing.T) {
	harness := newHarness(t, sampleProject())
	session := harness.session(t, ownerID)
	if err := session.Load(context.Background(), false); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if harness.upstream.projectFetches != 1 {
		t.Fatalf("expected cached project, got %d fetches", harness.upstream.projectFetches)
	}
	if err := session.Load(context.Background(), true); err != nil {
		t.Fatalf("forced reload failed: %v", err)
	}
	if harness.upstream.projectFetches != 2 {
		t.Fatalf("expected forced fetch, got %d fetches", harness.upstream.projectFetches)
	}
}

func TestLoadKeepsLocalDecisions(t *testing.T) {
	harness := newHarness(t, sampleProject())
	session := harness.session(t, ownerID)
	if err := session.SetStatus(1, review.StatusAccepted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := session.Load(context.Background(), true); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	entry, _ := session.Store().Entry(1)
	if entry.Status != review.StatusAccepted || entry.Persisted {
		t.Fatalf("local decision lost on reload: %+v", entry)
	}
}

func TestSetStatusValidatesInput(t *testing.T) {
	harness := newHarness(t, sampleProject())
	session := harness.session(t, ownerID)
	if err := session.SetStatus(999, review.StatusAccepted); !errors.Is(err, ErrUnknownAssignment) {
		t.Fatalf("expected ErrUnknownAssignment, got %v", err)
	}
	if err := session.SetStatus(1, "maybe"); err == nil {
		t.Fatalf("expected invalid status error")
	}
	if err := session.SetStatus(20, review.StatusRejected); err != nil {
		t.Fatalf("collaborator assignment should be reviewable: %v", err)
	}
	if !slices.Contains(harness.publisher.types(), EventStatusesChanged) {
		t.Fatalf("expected a statuses-changed event")
	}
}

func TestCompareViewHidesRejected(t *testing.T) {
	harness := newHarness(t, sampleProject())
	session := harness.session(t, ownerID)
	_ = session.SetStatus(2, review.StatusRejected)

	view := session.Clusters(review.Filter{View: review.ViewCompare})
	for _, cluster := range view.Clusters {
		if slices.Contains(cluster.AssignmentIDs(), 2) {
			t.Fatalf("rejected assignment shown in compare view")
		}
	}

	rejected := session.Assignments(review.Filter{View: review.ViewStatus, Status: review.StatusRejected}, review.SortDocument)
	if len(rejected) != 1 || rejected[0].ID != 2 {
		t.Fatalf("unexpected status listing %+v", rejected)
	}
}

func TestSubmitPersistsBatchAndResets(t *testing.T) {
	harness := newHarness(t, sampleProject())
	session := harness.session(t, ownerID)
	_ = session.SetStatus(1, review.StatusAccepted)
	_ = session.SetStatus(2, review.StatusRejected)

	report, err := session.Submit(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Outcome != ledger.OutcomeSubmitted || !report.Refreshed {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(harness.upstream.bulkRequests) != 1 {
		t.Fatalf("expected exactly one batch, got %d", len(harness.upstream.bulkRequests))
	}
	request := harness.upstream.bulkRequests[0]
	if !slices.Equal(request.AcceptedAssignmentIDs, []review.AssignmentID{1, 3}) {
		t.Fatalf("unexpected accepted ids %v", request.AcceptedAssignmentIDs)
	}
	if !slices.Equal(request.RejectedAssignmentIDs, []review.AssignmentID{2}) {
		t.Fatalf("unexpected rejected ids %v", request.RejectedAssignmentIDs)
	}
	if _, ok := session.Store().Entry(2); ok {
		t.Fatalf("rejected assignment should be gone after reset")
	}
	if dirty := session.Store().Dirty(); len(dirty) != 0 {
		t.Fatalf("expected clean store, got dirty %v", dirty)
	}
	if report.Submission == nil || report.Submission.AttemptID != "attempt-1" {
		t.Fatalf("expected recorded submission, got %+v", report.Submission)
	}
	if !slices.Contains(harness.publisher.types(), EventReviewSubmitted) {
		t.Fatalf("expected a review-submitted event")
	}
}

func TestSubmitReportsPartialFailure(t *testing.T) {
	harness := newHarness(t, sampleProject())
	harness.upstream.bulkErr = &review.MissingAssignmentsError{IDs: []review.AssignmentID{4}}
	session := harness.session(t, ownerID)
	_ = session.SetStatus(4, review.StatusAccepted)

	harness.upstream.mu.Lock()
	harness.upstream.project.CodeAssignments = slices.DeleteFunc(harness.upstream.project.CodeAssignments, func(a review.Assignment) bool {
		return a.ID == 4
	})
	harness.upstream.mu.Unlock()

	report, err := session.Submit(context.Background())
	var partial *review.PartialFailureError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialFailureError, got %v", err)
	}
	if report.Outcome != ledger.OutcomePartial {
		t.Fatalf("unexpected outcome %s", report.Outcome)
	}
	if !slices.Equal(partial.PrunedIDs, []review.AssignmentID{4}) {
		t.Fatalf("expected 4 pruned, got %v", partial.PrunedIDs)
	}
	if len(harness.upstream.bulkRequests) != 1 {
		t.Fatalf("submission must not be retried automatically")
	}
	attempt := harness.recorder.attempts[0]
	if !slices.Equal(attempt.Missing, []review.AssignmentID{4}) || attempt.Message == "" {
		t.Fatalf("unexpected ledger attempt %+v", attempt)
	}
	if UserMessage(err) != partial.UserMessage() {
		t.Fatalf("unexpected user message %q", UserMessage(err))
	}
}

func TestSubmitNoopSkipsNetwork(t *testing.T) {
	project := sampleProject()
	for index := range project.CodeAssignments {
		project.CodeAssignments[index].Status = review.StatusPending
	}
	harness := newHarness(t, project)
	session := harness.session(t, ownerID)

	report, err := session.Submit(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Outcome != ledger.OutcomeNoop || len(harness.upstream.bulkRequests) != 0 {
		t.Fatalf("expected noop without network, got %+v", report)
	}
}

func TestPersistStatusRestoresOnFailure(t *testing.T) {
	harness := newHarness(t, sampleProject())
	harness.upstream.statusErr = upstream.ErrUnavailable
	session := harness.session(t, ownerID)
	_ = session.SetStatus(3, review.StatusRejected)

	if _, err := session.PersistStatus(context.Background(), 3); !errors.Is(err, upstream.ErrUnavailable) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	entry, _ := session.Store().Entry(3)
	if entry.Status != review.StatusAccepted || !entry.Persisted {
		t.Fatalf("expected server status restored, got %+v", entry)
	}
}

func TestPersistStatusRejectionReloads(t *testing.T) {
	harness := newHarness(t, sampleProject())
	session := harness.session(t, ownerID)
	_ = session.SetStatus(1, review.StatusRejected)

	entry, err := session.PersistStatus(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !entry.Persisted || entry.Status != review.StatusRejected {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if _, ok := session.Store().Entry(1); ok {
		t.Fatalf("deleted assignment should be pruned after reload")
	}
}

func TestCollaboratorViews(t *testing.T) {
	harness := newHarness(t, sampleProject())
	owner := harness.session(t, ownerID)
	views := owner.CollaboratorClusters()
	if len(views) != 1 || views[0].UserName != "Dana" || len(views[0].Clusters) != 1 {
		t.Fatalf("unexpected collaborator views %+v", views)
	}
	if views[0].Clusters[0].TextSnapshot != "AAAB" {
		t.Fatalf("unexpected snapshot %q", views[0].Clusters[0].TextSnapshot)
	}
	if _, err := owner.SubmitCollaboratorAssignments(context.Background()); !errors.Is(err, ErrOwnerSubmission) {
		t.Fatalf("expected ErrOwnerSubmission, got %v", err)
	}

	member := harness.session(t, collaboratorID)
	if len(member.CollaboratorClusters()) != 0 {
		t.Fatalf("members must not see other submissions")
	}
	_ = member.SetStatus(1, review.StatusAccepted)
	report, err := member.SubmitCollaboratorAssignments(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(report.AssignmentIDs, []review.AssignmentID{1, 3}) {
		t.Fatalf("unexpected submitted ids %v", report.AssignmentIDs)
	}
}

func TestGenerateThemesUsesPersistedAcceptances(t *testing.T) {
	harness := newHarness(t, sampleProject())
	session := harness.session(t, ownerID)
	_ = session.SetStatus(1, review.StatusAccepted)

	if _, err := session.GenerateThemes(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(harness.upstream.themeRequests[0], []review.AssignmentID{3}) {
		t.Fatalf("expected only server-accepted ids, got %v", harness.upstream.themeRequests[0])
	}

	empty := sampleProject()
	empty.CodeAssignments = empty.CodeAssignments[:1]
	other := newHarness(t, empty).session(t, ownerID)
	if _, err := other.GenerateReport(context.Background()); !errors.Is(err, ErrNothingAccepted) {
		t.Fatalf("expected ErrNothingAccepted, got %v", err)
	}
}

func TestSummaryReportsState(t *testing.T) {
	harness := newHarness(t, sampleProject())
	session, _ := harness.manager.Session(ownerID, projectID)
	if summary := session.Summary(); summary.Loaded || summary.LoadedAt != nil {
		t.Fatalf("unexpected summary before load %+v", summary)
	}
	_ = session.Ensure(context.Background())
	_ = session.SetStatus(1, review.StatusAccepted)

	summary := session.Summary()
	if !summary.Loaded || !summary.IsOwner || summary.Title != "Interviews" {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.Assignments != 5 || summary.Documents != 2 || summary.Collaborators != 1 || summary.Dirty != 1 {
		t.Fatalf("unexpected summary counts %+v", summary)
	}
}

func TestForcedLoadRefetchesEditedDocuments(t *testing.T) {
	harness := newHarness(t, sampleProject())
	session := harness.session(t, ownerID)

	harness.upstream.mu.Lock()
	harness.upstream.contents[11] = "xyzwvuts"
	harness.upstream.project.CodeAssignments = append(harness.upstream.project.CodeAssignments,
		assignment(5, 11, 4, 8, review.StatusPending))
	harness.upstream.mu.Unlock()

	if err := session.Load(context.Background(), true); err != nil {
		t.Fatalf("forced reload failed: %v", err)
	}
	if got := harness.upstream.documentCalls[10]; got != 2 {
		t.Fatalf("expected document 10 refetched on forced reload, fetched %d times", got)
	}
	if got := harness.upstream.documentCalls[11]; got != 2 {
		t.Fatalf("expected document 11 refetched on forced reload, fetched %d times", got)
	}

	var found bool
	for _, cluster := range session.Clusters(review.Filter{}).Clusters {
		if slices.Contains(cluster.AssignmentIDs(), 5) {
			found = true
			if cluster.TextSnapshot != "wvut" {
				t.Fatalf("expected snapshot from the edited content, got %q", cluster.TextSnapshot)
			}
		}
	}
	if !found {
		t.Fatalf("expected assignment 5 inside the edited document to be clustered")
	}
}

func TestSubmitRefusesWhileLoading(t *testing.T) {
	harness := newHarness(t, sampleProject())
	session := harness.session(t, ownerID)
	if err := session.SetStatus(1, review.StatusAccepted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	session.loadMu.Lock()
	report, err := session.Submit(context.Background())
	session.loadMu.Unlock()

	if !errors.Is(err, ErrSessionLoading) {
		t.Fatalf("expected ErrSessionLoading, got %v", err)
	}
	if report.Outcome != ledger.OutcomeBusy {
		t.Fatalf("expected busy outcome, got %q", report.Outcome)
	}
	if len(harness.upstream.bulkRequests) != 0 {
		t.Fatalf("no batch may be sent while loading")
	}
}

func TestRefreshWaitsForSubmission(t *testing.T) {
	harness := newHarness(t, sampleProject())
	session := harness.session(t, ownerID)
	if err := session.SetStatus(1, review.StatusAccepted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	harness.upstream.bulkStarted = make(chan struct{})
	harness.upstream.bulkRelease = make(chan struct{})

	submitDone := make(chan error, 1)
	go func() {
		_, err := session.Submit(context.Background())
		submitDone <- err
	}()
	<-harness.upstream.bulkStarted

	loadDone := make(chan error, 1)
	go func() {
		loadDone <- session.Load(context.Background(), true)
	}()
	select {
	case err := <-loadDone:
		t.Fatalf("refresh completed during submission: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(harness.upstream.bulkRelease)
	if err := <-submitDone; err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := <-loadDone; err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	entry, _ := session.Store().Entry(1)
	if entry.Status != review.StatusAccepted || !entry.Persisted {
		t.Fatalf("expected server-confirmed acceptance, got %+v", entry)
	}
}

func TestManagerEvictsIdleSessions(t *testing.T) {
	now := time.Unix(1700000000, 0)
	manager, err := NewManager(ManagerConfig{
		Upstream:    newFakeUpstream(sampleProject(), sampleContents()),
		Cache:       mustMemoryCache(t),
		IdleTimeout: time.Hour,
		Clock:       func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}

	stale, err := manager.Session(ownerID, projectID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	now = now.Add(45 * time.Minute)
	active, err := manager.Session(collaboratorID, projectID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	now = now.Add(30 * time.Minute)

	if evicted := manager.EvictIdle(); evicted != 1 {
		t.Fatalf("expected 1 evicted session, got %d", evicted)
	}
	if manager.Len() != 1 {
		t.Fatalf("expected 1 remaining session, got %d", manager.Len())
	}
	if again, _ := manager.Session(collaboratorID, projectID); again != active {
		t.Fatalf("recently used session must be kept")
	}
	if reopened, _ := manager.Session(ownerID, projectID); reopened == stale {
		t.Fatalf("idle session must be replaced after eviction")
	}
}

func TestManagerKeepsBusySessions(t *testing.T) {
	now := time.Unix(1700000000, 0)
	manager, err := NewManager(ManagerConfig{
		Upstream:    newFakeUpstream(sampleProject(), sampleContents()),
		Cache:       mustMemoryCache(t),
		IdleTimeout: time.Minute,
		Clock:       func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}
	session, err := manager.Session(ownerID, projectID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	session.loading.Store(true)
	now = now.Add(time.Hour)
	if evicted := manager.EvictIdle(); evicted != 0 {
		t.Fatalf("loading session must not be evicted, evicted %d", evicted)
	}
	session.loading.Store(false)
	if evicted := manager.EvictIdle(); evicted != 1 {
		t.Fatalf("expected idle session evicted, got %d", evicted)
	}
}

func TestManagerRunStopsOnCancel(t *testing.T) {
	manager, err := NewManager(ManagerConfig{
		Upstream:      newFakeUpstream(sampleProject(), sampleContents()),
		Cache:         mustMemoryCache(t),
		IdleTimeout:   time.Nanosecond,
		SweepInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}
	if _, err := manager.Session(ownerID, projectID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		manager.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for manager.Len() != 0 {
		select {
		case <-deadline:
			t.Fatalf("idle session was not swept")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancellation")
	}
}

func mustMemoryCache(t *testing.T) *projectcache.Cache {
	t.Helper()
	cache, err := projectcache.New(projectcache.Config{Store: projectcache.NewMemoryStore()})
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	return cache
}
