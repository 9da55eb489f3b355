package server

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/lexicon"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestAddCommitsIsIdempotentOverHTTP(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.token(t, "alpha")
	commits := authorCommits(t, "apple", "banana")

	var first crdt.AddResult
	response := env.do(t, http.MethodPost, "/api/projects/alpha/add-commits", token, commits)
	require.Equal(t, http.StatusOK, response.StatusCode)
	decodeBody(t, response, &first)
	require.Equal(t, crdt.AddResult{Added: 2}, first)

	var second crdt.AddResult
	response = env.do(t, http.MethodPost, "/api/projects/alpha/add-commits", token, commits)
	require.Equal(t, http.StatusOK, response.StatusCode)
	decodeBody(t, response, &second)
	require.Equal(t, crdt.AddResult{Duplicates: 2}, second)

	var state crdt.SyncState
	response = env.do(t, http.MethodGet, "/api/projects/alpha/sync-state", token, nil)
	require.Equal(t, http.StatusOK, response.StatusCode)
	decodeBody(t, response, &state)
	require.Equal(t, commits[1].HybridTime, state[clientReplica])

	var snapshot lexicon.ProjectSnapshot
	response = env.do(t, http.MethodGet, "/api/projects/alpha/snapshot", token, nil)
	require.Equal(t, http.StatusOK, response.StatusCode)
	decodeBody(t, response, &snapshot)
	require.Len(t, snapshot.Entries, 2)
}

func TestAddCommitsRejectsTamperedCommits(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.token(t, "alpha")
	commits := authorCommits(t, "apple")
	commits[0].Hash = "0000000000000000"

	response := env.do(t, http.MethodPost, "/api/projects/alpha/add-commits", token, commits)
	require.Equal(t, http.StatusUnprocessableEntity, response.StatusCode)
	var payload struct {
		Error    string    `json:"error"`
		Code     string    `json:"code"`
		CommitID uuid.UUID `json:"commitId"`
	}
	decodeBody(t, response, &payload)
	require.Equal(t, "hash_mismatch", payload.Error)
	require.Equal(t, commits[0].ID, payload.CommitID)
	require.True(t, strings.HasSuffix(payload.Code, ".hash_mismatch"), payload.Code)

	var empty crdt.AddResult
	response = env.do(t, http.MethodPost, "/api/projects/alpha/add-commits", token, []crdt.Commit{})
	require.Equal(t, http.StatusOK, response.StatusCode)
	decodeBody(t, response, &empty)
	require.Zero(t, empty)

	request, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/projects/alpha/add-commits", strings.NewReader("{not json"))
	require.NoError(t, err)
	request.Header.Set("Authorization", "Bearer "+token)
	malformed, err := env.httpClient.Do(request)
	require.NoError(t, err)
	defer malformed.Body.Close()
	require.Equal(t, http.StatusBadRequest, malformed.StatusCode)
}

func TestChangesStreamsMissingCommits(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.token(t, "alpha")
	commits := authorCommits(t, "apple", "banana", "cherry")
	response := env.do(t, http.MethodPost, "/api/projects/alpha/add-commits", token, commits)
	require.Equal(t, http.StatusOK, response.StatusCode)

	var full struct {
		ServerSyncState   crdt.SyncState `json:"serverSyncState"`
		MissingFromClient []crdt.Commit  `json:"missingFromClient"`
	}
	response = env.do(t, http.MethodPost, "/api/projects/alpha/changes", token, crdt.SyncState{})
	require.Equal(t, http.StatusOK, response.StatusCode)
	decodeBody(t, response, &full)
	require.Len(t, full.MissingFromClient, 3)
	for index, commit := range full.MissingFromClient {
		require.Equal(t, commits[index].ID, commit.ID)
		require.Equal(t, commits[index].Hash, commit.Hash)
	}

	partial := crdt.SyncState{clientReplica: commits[0].HybridTime}
	response = env.do(t, http.MethodPost, "/api/projects/alpha/changes", token, partial)
	require.Equal(t, http.StatusOK, response.StatusCode)
	decodeBody(t, response, &full)
	require.Len(t, full.MissingFromClient, 2)
	require.Equal(t, commits[1].ID, full.MissingFromClient[0].ID)

	response = env.do(t, http.MethodPost, "/api/projects/alpha/changes", token, full.ServerSyncState)
	require.Equal(t, http.StatusOK, response.StatusCode)
	raw, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"missingFromClient":[]`)
}

func TestSnapshotAtCommitEndpoint(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.token(t, "alpha")
	commits := authorCommits(t, "apple", "banana")
	response := env.do(t, http.MethodPost, "/api/projects/alpha/add-commits", token, commits)
	require.Equal(t, http.StatusOK, response.StatusCode)

	var snapshot lexicon.ProjectSnapshot
	response = env.do(t, http.MethodGet, "/api/projects/alpha/snapshot-at-commit/"+commits[0].ID.String(), token, nil)
	require.Equal(t, http.StatusOK, response.StatusCode)
	decodeBody(t, response, &snapshot)
	require.Len(t, snapshot.Entries, 1)
	require.Equal(t, "apple", snapshot.Entries[0].LexemeForm["en"])

	response = env.do(t, http.MethodGet, "/api/projects/alpha/snapshot-at-commit/"+uuid.NewString(), token, nil)
	require.Equal(t, http.StatusNotFound, response.StatusCode)
	var missing map[string]string
	decodeBody(t, response, &missing)
	require.Equal(t, "commit_not_found", missing["error"])

	response = env.do(t, http.MethodGet, "/api/projects/alpha/snapshot-at-commit/not-a-uuid", token, nil)
	require.Equal(t, http.StatusBadRequest, response.StatusCode)
}

func TestProjectsAreIsolated(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.token(t, "alpha", "beta")
	response := env.do(t, http.MethodPost, "/api/projects/alpha/add-commits", token, authorCommits(t, "apple"))
	require.Equal(t, http.StatusOK, response.StatusCode)

	var state crdt.SyncState
	response = env.do(t, http.MethodGet, "/api/projects/beta/sync-state", token, nil)
	require.Equal(t, http.StatusOK, response.StatusCode)
	decodeBody(t, response, &state)
	require.Empty(t, state)
}

func TestMetricsEndpointExposesRequestMetrics(t *testing.T) {
	env := newTestEnvironment(t)
	response := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, response.StatusCode)

	response = env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, response.StatusCode)
	raw, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), "lexisync_http_request_duration_seconds")
	require.NotEmpty(t, response.Header.Get(requestIDHeader))
}
