package crdt

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/changes"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/hlc"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/lexicon"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	replicaA = uuid.MustParse("0a000000-0000-0000-0000-00000000000a")
	replicaB = uuid.MustParse("0b000000-0000-0000-0000-00000000000b")
	replicaC = uuid.MustParse("0c000000-0000-0000-0000-00000000000c")

	baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

type serviceOption func(*ServiceConfig)

func withBatchLimits(commits, changeCount int) serviceOption {
	return func(cfg *ServiceConfig) {
		cfg.BatchCommitLimit = commits
		cfg.BatchChangeLimit = changeCount
	}
}

func withPageSize(size int) serviceOption {
	return func(cfg *ServiceConfig) {
		cfg.StreamPageSize = size
	}
}

func mustDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	path := filepath.Join(testContext.TempDir(), "project.db")
	database, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

// mustService builds a service whose wall clock is frozen at wall, so timestamps differ only by counter.
func mustService(testContext *testing.T, replica uuid.UUID, wall time.Time, options ...serviceOption) *Service {
	testContext.Helper()
	cfg := ServiceConfig{
		Database:  mustDatabase(testContext),
		ReplicaID: replica,
		Clock:     hlc.NewClock(func() time.Time { return wall }),
		Now:       func() time.Time { return wall },
	}
	for _, option := range options {
		option(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		testContext.Fatalf("failed to create service: %v", err)
	}
	return service
}

func mustCommit(testContext *testing.T, service *Service, commitChanges ...changes.Change) Commit {
	testContext.Helper()
	commit, err := service.Commit(context.Background(), Metadata{"author": "test"}, commitChanges...)
	if err != nil {
		testContext.Fatalf("commit failed: %v", err)
	}
	return commit
}

func mustAllCommits(testContext *testing.T, service *Service) []Commit {
	testContext.Helper()
	commits, err := Drain(context.Background(), service.Commits())
	require.NoError(testContext, err)
	return commits
}

func mustRows(testContext *testing.T, service *Service) []StoredSnapshot {
	testContext.Helper()
	rows, err := service.SnapshotRows(context.Background())
	require.NoError(testContext, err)
	return rows
}

func mustProject(testContext *testing.T, service *Service) lexicon.ProjectSnapshot {
	testContext.Helper()
	project, err := service.ProjectSnapshot(context.Background())
	require.NoError(testContext, err)
	return project
}

func mustSense(testContext *testing.T, service *Service, id uuid.UUID) *lexicon.Sense {
	testContext.Helper()
	object, found, err := service.CurrentObject(context.Background(), id)
	require.NoError(testContext, err)
	require.True(testContext, found, "sense %s not materialized", id)
	sense, ok := object.(*lexicon.Sense)
	require.True(testContext, ok, "entity %s is %T", id, object)
	return sense
}

func newID(testContext *testing.T) uuid.UUID {
	testContext.Helper()
	id, err := uuid.NewV7()
	require.NoError(testContext, err)
	return id
}

func createEntry(id uuid.UUID, lexeme string) *changes.CreateEntryChange {
	return &changes.CreateEntryChange{EntityID: id, LexemeForm: lexicon.MultiString{"en": lexeme}}
}

func createSense(id, entryID uuid.UUID, gloss string) *changes.CreateSenseChange {
	return &changes.CreateSenseChange{EntityID: id, EntryID: entryID, Order: 1, Gloss: lexicon.MultiString{"en": gloss}}
}

func createDomain(id uuid.UUID, code, name string) *changes.CreateSemanticDomainChange {
	return &changes.CreateSemanticDomainChange{EntityID: id, Code: code, Name: lexicon.MultiString{"en": name}}
}

func createPartOfSpeech(id uuid.UUID, name string) *changes.CreatePartOfSpeechChange {
	return &changes.CreatePartOfSpeechChange{EntityID: id, Name: lexicon.MultiString{"en": name}}
}

func glossPatch(testContext *testing.T, senseID uuid.UUID, gloss string) *changes.JsonPatchChange {
	testContext.Helper()
	value, err := json.Marshal(gloss)
	require.NoError(testContext, err)
	change, err := changes.NewJsonPatchChange(senseID, lexicon.TypeSense, []changes.PatchOperation{
		{Op: changes.OpReplace, Path: "/gloss/en", Value: value},
	})
	require.NoError(testContext, err)
	return change
}

// chain builds a hash-linked sequence of commits for replica without storing them.
func chain(testContext *testing.T, replica uuid.UUID, clock *hlc.Clock, parent string, groups ...[]changes.Change) []Commit {
	testContext.Helper()
	commits := make([]Commit, 0, len(groups))
	for _, group := range groups {
		commit, err := NewCommit(newID(testContext), parent, clock.Now(), replica, nil, group)
		require.NoError(testContext, err)
		commits = append(commits, commit)
		parent = commit.Hash
	}
	return commits
}
