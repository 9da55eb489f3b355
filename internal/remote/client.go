// Package remote talks the sync protocol to another lexisync server over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/lexicon"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultPushBatchSize = 500
	maxErrorBodyBytes    = 4096

	fieldServerSyncState   = "serverSyncState"
	fieldMissingFromClient = "missingFromClient"
)

var (
	ErrInvalidClientConfig = errors.New("remote: invalid client config")
	ErrMalformedResponse   = errors.New("remote: malformed response")
)

// StatusError reports a non-success response. Code carries the server's error code when present.
type StatusError struct {
	Status int
	Code   string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("remote: unexpected status %d", e.Status)
	}
	return fmt.Sprintf("remote: unexpected status %d (%s)", e.Status, e.Code)
}

type Config struct {
	BaseURL       string
	ProjectID     string
	Token         string
	HTTPClient    *http.Client
	PushBatchSize int
	Logger        *zap.Logger
}

// Client is the remote side of a sync exchange for a single project.
type Client struct {
	base       *url.URL
	token      string
	httpClient *http.Client
	batchSize  int
	logger     *zap.Logger
}

var _ crdt.Syncable = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidClientConfig)
	}
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id is required", ErrInvalidClientConfig)
	}
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, err)
	}
	parsed = parsed.JoinPath("api", "projects", projectID)

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	batchSize := cfg.PushBatchSize
	if batchSize <= 0 {
		batchSize = defaultPushBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: parsed, token: cfg.Token, httpClient: httpClient, batchSize: batchSize, logger: logger}, nil
}

func (c *Client) GetSyncState(ctx context.Context) (crdt.SyncState, error) {
	response, err := c.do(ctx, http.MethodGet, "sync-state", nil)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	var state crdt.SyncState
	if err := json.NewDecoder(response.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if state == nil {
		state = crdt.SyncState{}
	}
	return state, nil
}

// GetChanges posts the local state and returns a source that decodes the missing commits
// as they arrive. The caller closes the source.
func (c *Client) GetChanges(ctx context.Context, local crdt.SyncState) (crdt.ChangesResult, error) {
	body, err := json.Marshal(local)
	if err != nil {
		return crdt.ChangesResult{}, err
	}
	response, err := c.do(ctx, http.MethodPost, "changes", body)
	if err != nil {
		return crdt.ChangesResult{}, err
	}

	stream, state, err := openChangeStream(response.Body)
	if err != nil {
		response.Body.Close()
		return crdt.ChangesResult{}, err
	}
	return crdt.ChangesResult{MissingFromClient: stream, ServerSyncState: state}, nil
}

// AddCommits pushes commits in batches and sums the server's counts.
func (c *Client) AddCommits(ctx context.Context, commits []crdt.Commit) (crdt.AddResult, error) {
	return c.AddCommitsFrom(ctx, crdt.NewSliceSource(commits))
}

func (c *Client) AddCommitsFrom(ctx context.Context, source crdt.CommitSource) (crdt.AddResult, error) {
	var total crdt.AddResult
	batch := make([]crdt.Commit, 0, c.batchSize)
	for {
		more := source.Next(ctx)
		if more {
			batch = append(batch, source.Commit())
		}
		if len(batch) == c.batchSize || (!more && len(batch) > 0) {
			result, err := c.push(ctx, batch)
			if err != nil {
				return total, err
			}
			total.Added += result.Added
			total.Duplicates += result.Duplicates
			batch = batch[:0]
		}
		if !more {
			break
		}
	}
	if err := source.Err(); err != nil {
		return total, err
	}
	return total, nil
}

func (c *Client) push(ctx context.Context, batch []crdt.Commit) (crdt.AddResult, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return crdt.AddResult{}, err
	}
	response, err := c.do(ctx, http.MethodPost, "add-commits", body)
	if err != nil {
		return crdt.AddResult{}, err
	}
	defer response.Body.Close()

	var result crdt.AddResult
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return crdt.AddResult{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	c.logger.Debug("pushed commits", zap.Int("sent", len(batch)), zap.Int("added", result.Added))
	return result, nil
}

// SnapshotAtCommit returns false when the server does not know the commit.
func (c *Client) SnapshotAtCommit(ctx context.Context, commitID uuid.UUID) (lexicon.ProjectSnapshot, bool, error) {
	response, err := c.do(ctx, http.MethodGet, "snapshot-at-commit/"+commitID.String(), nil)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound {
			return lexicon.ProjectSnapshot{}, false, nil
		}
		return lexicon.ProjectSnapshot{}, false, err
	}
	defer response.Body.Close()

	var snapshot lexicon.ProjectSnapshot
	if err := json.NewDecoder(response.Body).Decode(&snapshot); err != nil {
		return lexicon.ProjectSnapshot{}, false, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return snapshot, true, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), reader)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	if response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices {
		return response, nil
	}
	defer response.Body.Close()

	statusErr := &StatusError{Status: response.StatusCode}
	var payload struct {
		Error string `json:"error"`
	}
	if raw, readErr := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes)); readErr == nil {
		if json.Unmarshal(raw, &payload) == nil {
			statusErr.Code = payload.Error
		}
	}
	c.logger.Warn("remote request failed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", statusErr.Status),
		zap.String("code", statusErr.Code),
	)
	return nil, statusErr
}
