package reviewsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/projectcache"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/review"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/upstream"
	"go.uber.org/zap"
)

const (
	defaultFetchTimeout   = 15 * time.Second
	defaultSubmitTimeout  = 30 * time.Second
	defaultMaxConcurrency = 8
	defaultIdleTimeout    = 24 * time.Hour
	defaultSweepInterval  = 30 * time.Minute
)

var (
	// ErrInvalidSessionKey indicates a non-positive user or project identifier.
	ErrInvalidSessionKey = errors.New("reviewsession: invalid session key")
	errMissingUpstream   = errors.New("reviewsession: upstream client is required")
	errMissingCache      = errors.New("reviewsession: project cache is required")
)

// Upstream is the subset of the research backend API a session needs.
type Upstream interface {
	FetchProject(ctx context.Context, projectID int64) (upstream.Project, error)
	FetchDocument(ctx context.Context, documentID review.DocumentID) (upstream.Document, error)
	UpdateAssignmentStatus(ctx context.Context, id review.AssignmentID, status review.Status) (upstream.StatusUpdateResult, error)
	BulkUpdate(ctx context.Context, request review.BulkUpdateRequest) (review.BulkUpdateResult, error)
	SubmitAssignments(ctx context.Context, ids []review.AssignmentID) (json.RawMessage, error)
	GenerateThemes(ctx context.Context, ids []review.AssignmentID) (json.RawMessage, error)
	GenerateReport(ctx context.Context, ids []review.AssignmentID) (json.RawMessage, error)
}

// ProjectCache serves project payloads.
type ProjectCache interface {
	Get(ctx context.Context, key projectcache.Key, fetch projectcache.FetchFunc) (upstream.Project, error)
	Invalidate(ctx context.Context, key projectcache.Key) error
}

// SubmissionRecorder stores submission attempts.
type SubmissionRecorder interface {
	Record(ctx context.Context, attempt ledger.Attempt) (ledger.Submission, error)
}

// ManagerConfig bundles session dependencies.
type ManagerConfig struct {
	Upstream       Upstream
	Cache          ProjectCache
	Recorder       SubmissionRecorder
	Publisher      EventPublisher
	FetchTimeout   time.Duration
	SubmitTimeout  time.Duration
	MaxConcurrency int
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Key identifies a review session.
type Key struct {
	UserID    int64
	ProjectID int64
}

// Manager owns one Session per reviewer and project.
type Manager struct {
	upstream      Upstream
	cache         ProjectCache
	recorder      SubmissionRecorder
	publisher     EventPublisher
	submitTimeout time.Duration
	idleTimeout   time.Duration
	sweepInterval time.Duration
	loader        contentLoader
	clock         func() time.Time
	logger        *zap.Logger

	mu       sync.Mutex
	sessions map[Key]*Session
}

// NewManager validates configuration and constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Upstream == nil {
		return nil, errMissingUpstream
	}
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = noopPublisher{}
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = defaultSubmitTimeout
	}
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	manager := &Manager{
		upstream:      cfg.Upstream,
		cache:         cfg.Cache,
		recorder:      cfg.Recorder,
		publisher:     publisher,
		submitTimeout: submitTimeout,
		idleTimeout:   idleTimeout,
		sweepInterval: sweepInterval,
		clock:         clock,
		logger:        logger,
		sessions:      make(map[Key]*Session),
	}
	manager.loader = contentLoader{
		fetch: func(ctx context.Context, documentID review.DocumentID) (string, error) {
			document, err := cfg.Upstream.FetchDocument(ctx, documentID)
			if err != nil {
				return "", err
			}
			return document.Content, nil
		},
		timeout:        fetchTimeout,
		maxConcurrency: maxConcurrency,
		logger:         logger,
	}
	return manager, nil
}

// Session returns the session for a reviewer and project, creating it on first use.
func (m *Manager) Session(userID, projectID int64) (*Session, error) {
	if userID <= 0 || projectID <= 0 {
		return nil, fmt.Errorf("%w: user %d, project %d", ErrInvalidSessionKey, userID, projectID)
	}
	key := Key{UserID: userID, ProjectID: projectID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[key]; ok {
		session.touch(m.clock())
		return session, nil
	}
	session, err := newSession(m, key)
	if err != nil {
		return nil, err
	}
	session.touch(m.clock())
	m.sessions[key] = session
	activeSessions.Set(float64(len(m.sessions)))
	return session, nil
}

// Forget drops a session and its unsubmitted decisions.
func (m *Manager) Forget(userID, projectID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, Key{UserID: userID, ProjectID: projectID})
	activeSessions.Set(float64(len(m.sessions)))
}

// Len reports how many sessions are held.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// EvictIdle drops sessions not requested within the idle timeout, along with their
// unsubmitted decisions. Sessions that are loading or submitting are kept.
func (m *Manager) EvictIdle() int {
	cutoff := m.clock().Add(-m.idleTimeout)
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for key, session := range m.sessions {
		if !session.lastUsed().Before(cutoff) || session.Loading() || session.submitter.InFlight() {
			continue
		}
		delete(m.sessions, key)
		evicted++
	}
	activeSessions.Set(float64(len(m.sessions)))
	if evicted > 0 {
		m.logger.Info("idle review sessions evicted", zap.Int("evicted", evicted), zap.Int("remaining", len(m.sessions)))
	}
	return evicted
}

// Run evicts idle sessions on the sweep interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvictIdle()
		}
	}
}
