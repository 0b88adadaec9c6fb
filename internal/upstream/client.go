package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/review"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultSubmitTimeout  = 30 * time.Second
	maxErrorBodyBytes     = 64 << 10
)

var (
	// ErrInvalidClientConfig indicates that the client cannot be constructed.
	ErrInvalidClientConfig = errors.New("upstream: invalid client config")
	// ErrUnavailable wraps transport failures and non-2xx responses.
	ErrUnavailable = errors.New("upstream: request failed")
	// ErrNotFound marks 404 responses.
	ErrNotFound = errors.New("upstream: not found")
)

type accessTokenKey struct{}

// WithAccessToken returns a context that forwards token as a bearer credential.
func WithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, accessTokenKey{}, token)
}

// AccessToken returns the token stored by WithAccessToken.
func AccessToken(ctx context.Context) string {
	token, _ := ctx.Value(accessTokenKey{}).(string)
	return token
}

// StatusError describes a non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
	MissingIDs []review.AssignmentID
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%v: %s %s returned %d", ErrUnavailable, e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%v: %s %s returned %d: %s", ErrUnavailable, e.Method, e.Path, e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return ErrUnavailable
}

// ClientConfig bundles the research backend client dependencies.
type ClientConfig struct {
	BaseURL       string
	HTTPClient    *http.Client
	Timeout       time.Duration
	SubmitTimeout time.Duration
	Logger        *zap.Logger
}

// Client talks to the research backend REST API.
type Client struct {
	baseURL       *url.URL
	httpClient    *http.Client
	timeout       time.Duration
	submitTimeout time.Duration
	logger        *zap.Logger
}

// NewClient validates configuration and constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, fmt.Errorf("%w: base url required", ErrInvalidClientConfig)
	}
	baseURL, err := url.Parse(raw)
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("%w: invalid base url %q", ErrInvalidClientConfig, cfg.BaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = defaultSubmitTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:       baseURL,
		httpClient:    httpClient,
		timeout:       timeout,
		submitTimeout: submitTimeout,
		logger:        logger,
	}, nil
}

// FetchProject loads the comprehensive project payload.
func (c *Client) FetchProject(ctx context.Context, projectID int64) (Project, error) {
	var project Project
	if err := c.do(ctx, http.MethodGet, "/projects/"+strconv.FormatInt(projectID, 10), nil, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// FetchDocument loads one document including its content.
func (c *Client) FetchDocument(ctx context.Context, documentID review.DocumentID) (Document, error) {
	var document Document
	if err := c.do(ctx, http.MethodGet, "/documents/"+strconv.FormatInt(int64(documentID), 10), nil, &document); err != nil {
		return Document{}, err
	}
	return document, nil
}

// UpdateAssignmentStatus persists a single decision.
func (c *Client) UpdateAssignmentStatus(ctx context.Context, id review.AssignmentID, status review.Status) (StatusUpdateResult, error) {
	var result StatusUpdateResult
	path := "/code-assignments/" + strconv.FormatInt(int64(id), 10) + "/status"
	if err := c.do(ctx, http.MethodPut, path, map[string]review.Status{"status": status}, &result); err != nil {
		return StatusUpdateResult{}, err
	}
	return result, nil
}

// BulkUpdate persists a batch of decisions. Rejections naming unknown identifiers are
// returned as *review.MissingAssignmentsError.
func (c *Client) BulkUpdate(ctx context.Context, request review.BulkUpdateRequest) (review.BulkUpdateResult, error) {
	var result review.BulkUpdateResult
	err := c.doWithin(ctx, c.submitTimeout, http.MethodPost, "/code-review/assignments/bulk-update", request, &result)
	if err == nil {
		return result, nil
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if missing := missingAssignments(statusErr); missing != nil {
			return review.BulkUpdateResult{}, missing
		}
	}
	return review.BulkUpdateResult{}, err
}

// SubmitAssignments finalizes a collaborator's accepted assignments.
func (c *Client) SubmitAssignments(ctx context.Context, ids []review.AssignmentID) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.doWithin(ctx, c.submitTimeout, http.MethodPost, "/code-assignments/submit", SubmitAssignmentsRequest{AssignmentIDs: ids}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GenerateThemes asks the AI service for themes over the accepted assignments.
func (c *Client) GenerateThemes(ctx context.Context, ids []review.AssignmentID) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/ai/generate-themes", GenerationRequest{CodeAssignmentIDs: ids}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GenerateReport asks the AI service for a report over the accepted assignments.
func (c *Client) GenerateReport(ctx context.Context, ids []review.AssignmentID) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/ai/generate-report", GenerationRequest{CodeAssignmentIDs: ids}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	return c.doWithin(ctx, c.timeout, method, path, payload, out)
}

func (c *Client) doWithin(ctx context.Context, timeout time.Duration, method, path string, payload any, out any) error {
	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("upstream: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(encoded)
	}

	endpoint := c.baseURL.JoinPath(path)
	request, err := http.NewRequestWithContext(requestCtx, method, endpoint.String(), body)
	if err != nil {
		return fmt.Errorf("upstream: build %s %s: %w", method, path, err)
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token := AccessToken(ctx); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	started := time.Now()
	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("upstream request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		statusErr := decodeStatusError(method, path, response)
		c.logger.Warn("upstream request rejected",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", response.StatusCode),
			zap.String("message", statusErr.Message))
		return statusErr
	}

	c.logger.Debug("upstream request completed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", response.StatusCode),
		zap.Duration("elapsed", time.Since(started)))

	if out == nil || response.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("upstream: decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeStatusError(method, path string, response *http.Response) *StatusError {
	statusErr := &StatusError{Method: method, Path: path, StatusCode: response.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	if err != nil || len(bytes.TrimSpace(raw)) == 0 {
		return statusErr
	}

	var decoded errorBody
	if err := json.Unmarshal(raw, &decoded); err != nil {
		statusErr.Message = strings.TrimSpace(string(raw))
		return statusErr
	}
	statusErr.Message = decoded.Message
	statusErr.MissingIDs = toAssignmentIDs(decoded.MissingIDs)

	if len(decoded.Detail) > 0 {
		var detailText string
		if json.Unmarshal(decoded.Detail, &detailText) == nil {
			if statusErr.Message == "" {
				statusErr.Message = detailText
			}
			return statusErr
		}
		var nested errorBody
		if json.Unmarshal(decoded.Detail, &nested) == nil {
			if statusErr.Message == "" {
				statusErr.Message = nested.Message
			}
			if len(statusErr.MissingIDs) == 0 {
				statusErr.MissingIDs = toAssignmentIDs(nested.MissingIDs)
			}
		}
	}
	return statusErr
}

// missingAssignments prefers the structured identifier list and falls back to parsing
// the message text.
func missingAssignments(statusErr *StatusError) *review.MissingAssignmentsError {
	if len(statusErr.MissingIDs) > 0 {
		return &review.MissingAssignmentsError{IDs: statusErr.MissingIDs, Message: statusErr.Message}
	}
	ids, ok := review.ParseMissingIDs(statusErr.Message)
	if !ok {
		return nil
	}
	return &review.MissingAssignmentsError{IDs: ids, Message: statusErr.Message}
}

func toAssignmentIDs(raw []int64) []review.AssignmentID {
	if len(raw) == 0 {
		return nil
	}
	ids := make([]review.AssignmentID, 0, len(raw))
	for _, value := range raw {
		if value > 0 {
			ids = append(ids, review.AssignmentID(value))
		}
	}
	return ids
}
