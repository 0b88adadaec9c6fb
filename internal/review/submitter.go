package review

import (
	"context"
	"errors"
	"net"
	"slices"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSubmitTimeout  = 30 * time.Second
	defaultRefreshTimeout = 15 * time.Second
)

var errMissingBulkUpdater = errors.New("review: bulk updater is required")

// BulkUpdateRequest is the batched accept/reject payload.
type BulkUpdateRequest struct {
	AcceptedAssignmentIDs []AssignmentID `json:"accepted_assignment_ids"`
	RejectedAssignmentIDs []AssignmentID `json:"rejected_assignment_ids"`
}

// Empty reports whether there is nothing to persist.
func (r BulkUpdateRequest) Empty() bool {
	return len(r.AcceptedAssignmentIDs) == 0 && len(r.RejectedAssignmentIDs) == 0
}

// BulkUpdateResult is the backend's acknowledgement of a batch.
type BulkUpdateResult struct {
	TotalUpdated        int    `json:"total_updated"`
	AcceptedCount       int    `json:"accepted_count"`
	RejectedCount       int    `json:"rejected_count"`
	CodesMovedToDefault int    `json:"codes_moved_to_default"`
	WorkflowNote        string `json:"workflow_note,omitempty"`
}

// BulkUpdater persists a batch of review decisions.
type BulkUpdater interface {
	BulkUpdate(ctx context.Context, request BulkUpdateRequest) (BulkUpdateResult, error)
}

// RegistryFetcher re-reads the authoritative assignment sources.
type RegistryFetcher func(ctx context.Context) (*Registry, error)

// SubmitOutcome names the result of a successful Submit call.
type SubmitOutcome string

const (
	SubmitOutcomeNoop      SubmitOutcome = "noop"
	SubmitOutcomeSubmitted SubmitOutcome = "submitted"
)

// SubmitResult describes a submission that reached a definite, successful state.
type SubmitResult struct {
	Outcome  SubmitOutcome
	Request  BulkUpdateRequest
	Response BulkUpdateResult
}

// SubmitterConfig describes the submitter dependencies.
type SubmitterConfig struct {
	Updater        BulkUpdater
	Refresh        RegistryFetcher
	Timeout        time.Duration
	RefreshTimeout time.Duration
	Logger         *zap.Logger
}

// Submitter reconciles local decisions with the backend. At most one submission runs at a time.
type Submitter struct {
	updater        BulkUpdater
	refresh        RegistryFetcher
	timeout        time.Duration
	refreshTimeout time.Duration
	logger         *zap.Logger
	inFlight       atomic.Bool
}

// NewSubmitter constructs a Submitter.
func NewSubmitter(cfg SubmitterConfig) (*Submitter, error) {
	if cfg.Updater == nil {
		return nil, errMissingBulkUpdater
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSubmitTimeout
	}
	refreshTimeout := cfg.RefreshTimeout
	if refreshTimeout <= 0 {
		refreshTimeout = defaultRefreshTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{
		updater:        cfg.Updater,
		refresh:        cfg.Refresh,
		timeout:        timeout,
		refreshTimeout: refreshTimeout,
		logger:         logger,
	}, nil
}

// InFlight reports whether a submission is running.
func (s *Submitter) InFlight() bool {
	return s.inFlight.Load()
}

// Partition splits a snapshot into sorted accepted and rejected identifier lists.
// Pending entries are skipped.
func Partition(snapshot map[AssignmentID]StatusEntry) BulkUpdateRequest {
	request := BulkUpdateRequest{
		AcceptedAssignmentIDs: []AssignmentID{},
		RejectedAssignmentIDs: []AssignmentID{},
	}
	for id, entry := range snapshot {
		switch entry.Status {
		case StatusAccepted:
			request.AcceptedAssignmentIDs = append(request.AcceptedAssignmentIDs, id)
		case StatusRejected:
			request.RejectedAssignmentIDs = append(request.RejectedAssignmentIDs, id)
		}
	}
	slices.Sort(request.AcceptedAssignmentIDs)
	slices.Sort(request.RejectedAssignmentIDs)
	return request
}

// Validate checks a request against the valid identifier universe.
func Validate(request BulkUpdateRequest, valid IDSet) error {
	invalid := func(ids []AssignmentID) []AssignmentID {
		var out []AssignmentID
		for _, id := range ids {
			if id <= 0 || !valid.Has(id) {
				out = append(out, id)
			}
		}
		return out
	}
	stale := &StaleStateError{
		InvalidAccepted: invalid(request.AcceptedAssignmentIDs),
		InvalidRejected: invalid(request.RejectedAssignmentIDs),
	}
	if len(stale.InvalidAccepted) > 0 || len(stale.InvalidRejected) > 0 {
		return stale
	}
	return nil
}

// Submit persists every accepted and rejected entry of store as one batch.
//
// Stale identifiers abort before any network call. A backend report of missing
// identifiers prunes them from store and returns *PartialFailureError. A timeout
// re-syncs store from the server and returns *UnknownOutcomeError. Any other failure
// resets store to the statuses in registry and returns *SubmitFailedError. On success
// the caller must re-fetch and Reset store.
func (s *Submitter) Submit(ctx context.Context, store *StatusStore, registry *Registry) (SubmitResult, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return SubmitResult{}, ErrSubmitInProgress
	}
	defer s.inFlight.Store(false)

	request := Partition(store.Snapshot())
	if err := Validate(request, registry.AllIDs()); err != nil {
		s.logger.Warn("review submission rejected locally", zap.Error(err))
		return SubmitResult{Request: request}, err
	}
	if request.Empty() {
		return SubmitResult{Outcome: SubmitOutcomeNoop, Request: request}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	response, err := s.updater.BulkUpdate(callCtx, request)
	cancel()
	if err == nil {
		s.logger.Info("review submission persisted",
			zap.Int("accepted", len(request.AcceptedAssignmentIDs)),
			zap.Int("rejected", len(request.RejectedAssignmentIDs)))
		return SubmitResult{Outcome: SubmitOutcomeSubmitted, Request: request, Response: response}, nil
	}

	var missing *MissingAssignmentsError
	switch {
	case errors.As(err, &missing):
		return SubmitResult{Request: request}, s.recoverMissing(ctx, store, missing)
	case isTimeout(err):
		return SubmitResult{Request: request}, s.recoverUnknown(ctx, store, err)
	default:
		store.Reset(registry.ServerStatuses())
		s.logger.Error("review submission failed", zap.Error(err))
		return SubmitResult{Request: request}, &SubmitFailedError{Cause: err}
	}
}

func (s *Submitter) recoverMissing(ctx context.Context, store *StatusStore, missing *MissingAssignmentsError) error {
	partial := &PartialFailureError{MissingIDs: slices.Clone(missing.IDs), Cause: missing}
	fresh, err := s.refreshRegistry(ctx)
	if err != nil {
		s.logger.Warn("registry refresh after missing assignments failed", zap.Error(err))
		store.Remove(missing.IDs...)
		partial.PrunedIDs = slices.Clone(missing.IDs)
		slices.Sort(partial.PrunedIDs)
		return partial
	}
	partial.PrunedIDs = store.PruneInvalid(fresh.AllIDs().Without(missing.IDs...))
	s.logger.Warn("pruned stale review entries",
		zap.Int64s("missing_ids", toInt64s(missing.IDs)),
		zap.Int64s("pruned_ids", toInt64s(partial.PrunedIDs)))
	return partial
}

func (s *Submitter) recoverUnknown(ctx context.Context, store *StatusStore, cause error) error {
	unknown := &UnknownOutcomeError{Cause: cause}
	fresh, err := s.refreshRegistry(ctx)
	if err != nil {
		unknown.RefreshErr = err
		s.logger.Error("review submission outcome unknown and refresh failed", zap.Error(cause), zap.NamedError("refresh_error", err))
		return unknown
	}
	store.Reset(fresh.ServerStatuses())
	s.logger.Warn("review submission outcome unknown; state reloaded", zap.Error(cause))
	return unknown
}

func (s *Submitter) refreshRegistry(ctx context.Context) (*Registry, error) {
	if s.refresh == nil {
		return nil, errors.New("review: registry refresh unavailable")
	}
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refreshTimeout)
	defer cancel()
	return s.refresh(refreshCtx)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func toInt64s(ids []AssignmentID) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		out = append(out, int64(id))
	}
	return out
}
