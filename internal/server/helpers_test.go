package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/changes"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/database"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/lexicon"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/projects"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "lexisync"
	testCookieName    = "app_session"
)

var (
	serverReplica = uuid.MustParse("0a000000-0000-0000-0000-00000000000a")
	clientReplica = uuid.MustParse("0b000000-0000-0000-0000-00000000000b")
)

type testEnvironment struct {
	server     *httptest.Server
	registry   *projects.Registry
	realtime   *RealtimeDispatcher
	issuer     *auth.TokenIssuer
	httpClient *http.Client
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := mustRegistry(t, serverReplica)
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}

	metricsRegistry := prometheus.NewRegistry()
	dispatcher := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Registry:          registry,
		Sessions:          validator,
		Realtime:          dispatcher,
		Gatherer:          metricsRegistry,
		Registerer:        metricsRegistry,
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testEnvironment{
		server:     server,
		registry:   registry,
		realtime:   dispatcher,
		issuer:     issuer,
		httpClient: server.Client(),
	}
}

func mustRegistry(t *testing.T, replica uuid.UUID) *projects.Registry {
	t.Helper()
	registry, err := projects.NewRegistry(projects.Config{
		Database:  database.Config{Driver: database.DriverSQLite, DataDir: t.TempDir()},
		ReplicaID: replica,
	})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	t.Cleanup(func() { _ = registry.Close() })
	return registry
}

func (env *testEnvironment) token(t *testing.T, projectIDs ...string) string {
	t.Helper()
	token, _, err := env.issuer.Issue("test-client", projectIDs...)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (env *testEnvironment) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	request, err := http.NewRequest(method, env.server.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := env.httpClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	return response
}

func decodeBody(t *testing.T, response *http.Response, target any) {
	t.Helper()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

// authorCommits writes one entry per lexeme in a client-side project and returns its log.
func authorCommits(t *testing.T, lexemes ...string) []crdt.Commit {
	t.Helper()
	client, err := mustRegistry(t, clientReplica).Get("client")
	if err != nil {
		t.Fatalf("failed to open client project: %v", err)
	}
	ctx := context.Background()
	for _, lexeme := range lexemes {
		change := &changes.CreateEntryChange{EntityID: uuid.New(), LexemeForm: lexicon.MultiString{"en": lexeme}}
		if _, err := client.Commit(ctx, crdt.Metadata{"author": "client"}, change); err != nil {
			t.Fatalf("failed to author commit: %v", err)
		}
	}
	commits, err := crdt.Drain(ctx, client.Service().Commits())
	if err != nil {
		t.Fatalf("failed to read client log: %v", err)
	}
	return commits
}
