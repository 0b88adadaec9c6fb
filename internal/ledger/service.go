package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/review"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	errMissingProjectID  = errors.New("project identifier is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "ledger.service.new"
	opRecord     = "ledger.record"
	opList       = "ledger.list"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

// Service records review submission attempts.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Record persists an attempt and returns its decoded form.
func (s *Service) Record(ctx context.Context, attempt Attempt) (Submission, error) {
	if attempt.UserID <= 0 {
		s.logError(opRecord, "missing_user_id", errMissingUserID)
		return Submission{}, newServiceError(opRecord, "missing_user_id", errMissingUserID)
	}
	if attempt.ProjectID <= 0 {
		s.logError(opRecord, "missing_project_id", errMissingProjectID)
		return Submission{}, newServiceError(opRecord, "missing_project_id", errMissingProjectID)
	}
	outcome, err := ParseOutcome(string(attempt.Outcome))
	if err != nil {
		s.logError(opRecord, "invalid_outcome", err)
		return Submission{}, newServiceError(opRecord, "invalid_outcome", err)
	}

	attemptID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opRecord, "id_generation_failed", err)
		return Submission{}, newServiceError(opRecord, "id_generation_failed", err)
	}

	finishedAt := s.clock().UTC()
	startedAt := attempt.StartedAt
	if startedAt.IsZero() {
		startedAt = finishedAt
	}

	record := SubmissionRecord{
		AttemptID:         attemptID,
		UserID:            attempt.UserID,
		ProjectID:         attempt.ProjectID,
		Outcome:           string(outcome),
		Message:           attempt.Message,
		StartedAtSeconds:  startedAt.UTC().Unix(),
		FinishedAtSeconds: finishedAt.Unix(),
	}
	encodings := []struct {
		ids    []review.AssignmentID
		target *string
	}{
		{ids: attempt.Accepted, target: &record.AcceptedIDsJSON},
		{ids: attempt.Rejected, target: &record.RejectedIDsJSON},
		{ids: attempt.Missing, target: &record.MissingIDsJSON},
		{ids: attempt.Pruned, target: &record.PrunedIDsJSON},
	}
	for _, encoding := range encodings {
		encoded, err := encodeIDs(encoding.ids)
		if err != nil {
			s.logError(opRecord, "encode_failed", err, zap.String("attempt_id", attemptID))
			return Submission{}, newServiceError(opRecord, "encode_failed", err)
		}
		*encoding.target = encoded
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opRecord, "insert_failed", err,
			zap.String("attempt_id", attemptID),
			zap.Int64("user_id", attempt.UserID),
			zap.Int64("project_id", attempt.ProjectID))
		return Submission{}, newServiceError(opRecord, "insert_failed", err)
	}

	submission, err := record.decode()
	if err != nil {
		s.logError(opRecord, "decode_failed", err, zap.String("attempt_id", attemptID))
		return Submission{}, newServiceError(opRecord, "decode_failed", err)
	}
	return submission, nil
}

// List returns the most recent attempts for a user and project, newest first.
func (s *Service) List(ctx context.Context, userID, projectID int64, limit int) ([]Submission, error) {
	if userID <= 0 {
		s.logError(opList, "missing_user_id", errMissingUserID)
		return nil, newServiceError(opList, "missing_user_id", errMissingUserID)
	}
	if projectID <= 0 {
		s.logError(opList, "missing_project_id", errMissingProjectID)
		return nil, newServiceError(opList, "missing_project_id", errMissingProjectID)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	var records []SubmissionRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND project_id = ?", userID, projectID).
		Order("finished_at_s DESC").
		Order("attempt_id DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.Int64("user_id", userID), zap.Int64("project_id", projectID))
		return nil, newServiceError(opList, "query_failed", err)
	}

	submissions := make([]Submission, 0, len(records))
	for _, record := range records {
		submission, err := record.decode()
		if err != nil {
			s.logError(opList, "decode_failed", err, zap.String("attempt_id", record.AttemptID))
			return nil, newServiceError(opList, "decode_failed", err)
		}
		submissions = append(submissions, submission)
	}
	return submissions, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("ledger service error", attrs...)
}
