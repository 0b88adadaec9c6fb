package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/projectcache"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/review"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/reviewsession"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/upstream"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "app_session"
	testOwnerID       = int64(1)
	testProjectID     = int64(9)
)

// researchBackend imitates the REST API the service reviews against.
type researchBackend struct {
	mu            sync.Mutex
	project       upstream.Project
	contents      map[review.DocumentID]string
	bulkRequests  []review.BulkUpdateRequest
	bulkFailure   string
	authorization []string
}

func newResearchBackend() *researchBackend {
	codeID := int64(100)
	return &researchBackend{
		project: upstream.Project{
			ID:        testProjectID,
			Title:     "Interviews",
			OwnerID:   testOwnerID,
			Documents: []upstream.DocumentSummary{{ID: 10, Name: "interview-a.txt"}},
			Codes:     []upstream.Code{{ID: codeID, Name: "Trust", Color: "#ff0000"}},
			CodeAssignments: []review.Assignment{
				{ID: 1, DocumentID: 10, StartChar: 0, EndChar: 4, CodeID: &codeID, Status: review.StatusPending},
				{ID: 2, DocumentID: 10, StartChar: 2, EndChar: 6, CodeID: &codeID, Status: review.StatusPending},
				{ID: 3, DocumentID: 10, StartChar: 10, EndChar: 14, CodeID: &codeID, Status: review.StatusPending},
			},
		},
		contents: map[review.DocumentID]string{10: "AAAABBBBBBCCCCDD"},
	}
}

func (b *researchBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.authorization = append(b.authorization, r.Header.Get("Authorization"))

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/projects/"+strconv.FormatInt(testProjectID, 10):
		writeJSON(w, http.StatusOK, b.project)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/documents/"):
		id, _ := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/documents/"), 10, 64)
		content, ok := b.contents[review.DocumentID(id)]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Document not found"})
			return
		}
		writeJSON(w, http.StatusOK, upstream.Document{ID: review.DocumentID(id), Content: content})
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/code-assignments/"):
		var body struct {
			Status review.Status `json:"status"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		id, _ := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/code-assignments/"), "/status"), 10, 64)
		b.applyLocked([]review.AssignmentID{review.AssignmentID(id)}, body.Status)
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": body.Status})
	case r.Method == http.MethodPost && r.URL.Path == "/code-review/assignments/bulk-update":
		var request review.BulkUpdateRequest
		_ = json.NewDecoder(r.Body).Decode(&request)
		b.bulkRequests = append(b.bulkRequests, request)
		if b.bulkFailure != "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": b.bulkFailure})
			return
		}
		b.applyLocked(request.AcceptedAssignmentIDs, review.StatusAccepted)
		b.applyLocked(request.RejectedAssignmentIDs, review.StatusRejected)
		writeJSON(w, http.StatusOK, review.BulkUpdateResult{
			TotalUpdated:  len(request.AcceptedAssignmentIDs) + len(request.RejectedAssignmentIDs),
			AcceptedCount: len(request.AcceptedAssignmentIDs),
			RejectedCount: len(request.RejectedAssignmentIDs),
		})
	case r.Method == http.MethodPost && r.URL.Path == "/ai/generate-themes":
		writeJSON(w, http.StatusOK, map[string]any{"themes": []string{"trust"}})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not Found"})
	}
}

func (b *researchBackend) applyLocked(ids []review.AssignmentID, status review.Status) {
	if status == review.StatusRejected {
		b.project.CodeAssignments = slices.DeleteFunc(b.project.CodeAssignments, func(assignment review.Assignment) bool {
			return slices.Contains(ids, assignment.ID)
		})
		return
	}
	for index := range b.project.CodeAssignments {
		if slices.Contains(ids, b.project.CodeAssignments[index].ID) {
			b.project.CodeAssignments[index].Status = status
		}
	}
}

func (b *researchBackend) bulkCalls() []review.BulkUpdateRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.bulkRequests)
}

func (b *researchBackend) setBulkFailure(detail string) {
	b.mu.Lock()
	b.bulkFailure = detail
	b.mu.Unlock()
}

func (b *researchBackend) seenAuthorization() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.authorization)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type testStack struct {
	backend    *researchBackend
	handler    http.Handler
	dispatcher *RealtimeDispatcher
	ledger     *ledger.Service
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend := newResearchBackend()
	backendServer := httptest.NewServer(backend)
	t.Cleanup(backendServer.Close)

	client, err := upstream.NewClient(upstream.ClientConfig{BaseURL: backendServer.URL, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("failed to construct upstream client: %v", err)
	}
	cache, err := projectcache.New(projectcache.Config{Store: projectcache.NewMemoryStore()})
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}

	dsn := fmt.Sprintf("file:codereview_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&ledger.SubmissionRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	ledgerService, err := ledger.NewService(ledger.ServiceConfig{Database: db, IDProvider: ledger.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}

	dispatcher := NewRealtimeDispatcher()
	manager, err := reviewsession.NewManager(reviewsession.ManagerConfig{
		Upstream:      client,
		Cache:         cache,
		Recorder:      ledgerService,
		Publisher:     dispatcher,
		FetchTimeout:  2 * time.Second,
		SubmitTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Validator:         validator,
		Sessions:          manager,
		History:           ledgerService,
		Realtime:          dispatcher,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return &testStack{backend: backend, handler: handler, dispatcher: dispatcher, ledger: ledgerService}
}

func signSession(t *testing.T, userID int64) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func (s *testStack) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.AddCookie(&http.Cookie{Name: testCookieName, Value: token})
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}
