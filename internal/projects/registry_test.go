package projects

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/changes"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/database"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/lexicon"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	replicaA = uuid.MustParse("0a000000-0000-0000-0000-00000000000a")
	replicaB = uuid.MustParse("0b000000-0000-0000-0000-00000000000b")
)

func mustRegistry(testContext *testing.T, replica uuid.UUID) *Registry {
	testContext.Helper()
	registry, err := NewRegistry(Config{
		Database:  database.Config{Driver: database.DriverSQLite, DataDir: testContext.TempDir()},
		ReplicaID: replica,
	})
	require.NoError(testContext, err)
	testContext.Cleanup(func() { _ = registry.Close() })
	return registry
}

func mustOpen(testContext *testing.T, registry *Registry, projectID string) *Project {
	testContext.Helper()
	project, err := registry.Get(projectID)
	require.NoError(testContext, err)
	return project
}

func createEntry(id uuid.UUID, lexeme string) changes.Change {
	return &changes.CreateEntryChange{EntityID: id, LexemeForm: lexicon.MultiString{"en": lexeme}}
}

func TestRegistryReturnsOneProjectPerID(testContext *testing.T) {
	registry := mustRegistry(testContext, replicaA)

	first := mustOpen(testContext, registry, "alpha")
	second := mustOpen(testContext, registry, "alpha")
	other := mustOpen(testContext, registry, "beta")

	require.Same(testContext, first, second)
	require.NotSame(testContext, first, other)
	require.Equal(testContext, "alpha", first.ID())

	var visited []string
	registry.Range(func(project *Project) bool {
		visited = append(visited, project.ID())
		return true
	})
	require.ElementsMatch(testContext, []string{"alpha", "beta"}, visited)
}

func TestRegistryRejectsInvalidProjectIDs(testContext *testing.T) {
	registry := mustRegistry(testContext, replicaA)
	for _, projectID := range []string{"", "../escape", "Upper", "with space"} {
		_, err := registry.Get(projectID)
		require.ErrorIs(testContext, err, ErrInvalidProject, projectID)
	}
}

func TestRegistryRetriesFailedOpens(testContext *testing.T) {
	dataDir := testContext.TempDir()
	attempts := 0
	registry, err := NewRegistry(Config{
		ReplicaID: replicaA,
		Open: func(projectID string) (*gorm.DB, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("disk unavailable")
			}
			return database.OpenProject(database.Config{DataDir: dataDir}, projectID, nil)
		},
	})
	require.NoError(testContext, err)
	testContext.Cleanup(func() { _ = registry.Close() })

	_, err = registry.Get("alpha")
	require.Error(testContext, err)

	project, err := registry.Get("alpha")
	require.NoError(testContext, err)
	require.NotNil(testContext, project)
	require.Equal(testContext, 2, attempts)
}

func TestRegistryRequiresReplica(testContext *testing.T) {
	_, err := NewRegistry(Config{})
	require.Error(testContext, err)
}

func TestProjectWritesNotifyListeners(testContext *testing.T) {
	registry := mustRegistry(testContext, replicaA)
	project := mustOpen(testContext, registry, "alpha")

	var (
		mu     sync.Mutex
		events []int
	)
	registry.OnChange(func(projectID string, added int) {
		mu.Lock()
		defer mu.Unlock()
		require.Equal(testContext, "alpha", projectID)
		events = append(events, added)
	})

	commit, err := project.Commit(context.Background(), crdt.Metadata{"author": "test"}, createEntry(uuid.New(), "apple"))
	require.NoError(testContext, err)

	result, err := project.AddCommits(context.Background(), []crdt.Commit{commit})
	require.NoError(testContext, err)
	require.Equal(testContext, crdt.AddResult{Duplicates: 1}, result)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(testContext, []int{1}, events)
}

func TestProjectSnapshotCacheIsPurgedOnWrite(testContext *testing.T) {
	registry := mustRegistry(testContext, replicaA)
	project := mustOpen(testContext, registry, "alpha")
	ctx := context.Background()

	commit, err := project.Commit(ctx, nil, createEntry(uuid.New(), "apple"))
	require.NoError(testContext, err)

	snapshot, found, err := project.SnapshotAtCommit(ctx, commit.ID)
	require.NoError(testContext, err)
	require.True(testContext, found)
	require.Len(testContext, snapshot.Entries, 1)
	require.Equal(testContext, 1, project.snapshots.Len())

	cached, found, err := project.SnapshotAtCommit(ctx, commit.ID)
	require.NoError(testContext, err)
	require.True(testContext, found)
	require.Equal(testContext, snapshot, cached)

	_, err = project.Commit(ctx, nil, createEntry(uuid.New(), "banana"))
	require.NoError(testContext, err)
	require.Zero(testContext, project.snapshots.Len())

	_, found, err = project.SnapshotAtCommit(ctx, uuid.New())
	require.NoError(testContext, err)
	require.False(testContext, found)
	require.Zero(testContext, project.snapshots.Len())
}

func TestProjectSnapshotAtCommitResultsAreIndependent(testContext *testing.T) {
	registry := mustRegistry(testContext, replicaA)
	project := mustOpen(testContext, registry, "alpha")
	ctx := context.Background()

	commit, err := project.Commit(ctx, nil, createEntry(uuid.New(), "apple"))
	require.NoError(testContext, err)

	first, found, err := project.SnapshotAtCommit(ctx, commit.ID)
	require.NoError(testContext, err)
	require.True(testContext, found)
	first.Entries[0].LexemeForm["en"] = "changed"
	first.Entries = append(first.Entries, &lexicon.Entry{ID: uuid.New()})

	second, found, err := project.SnapshotAtCommit(ctx, commit.ID)
	require.NoError(testContext, err)
	require.True(testContext, found)
	require.Len(testContext, second.Entries, 1)
	require.Equal(testContext, "apple", second.Entries[0].LexemeForm["en"])
	second.Entries[0].LexemeForm["en"] = "changed again"

	third, _, err := project.SnapshotAtCommit(ctx, commit.ID)
	require.NoError(testContext, err)
	require.Equal(testContext, "apple", third.Entries[0].LexemeForm["en"])
}

func TestProjectsConvergeThroughSync(testContext *testing.T) {
	ctx := context.Background()
	left := mustOpen(testContext, mustRegistry(testContext, replicaA), "shared")
	right := mustOpen(testContext, mustRegistry(testContext, replicaB), "shared")

	_, err := left.Commit(ctx, nil, createEntry(uuid.New(), "apple"))
	require.NoError(testContext, err)
	_, err = right.Commit(ctx, nil, createEntry(uuid.New(), "banana"))
	require.NoError(testContext, err)

	result, err := crdt.SyncWith(ctx, left, right)
	require.NoError(testContext, err)
	require.Equal(testContext, 1, result.Pulled.Added)
	require.Equal(testContext, 1, result.Pushed.Added)

	leftSnapshot, err := left.ProjectSnapshot(ctx)
	require.NoError(testContext, err)
	rightSnapshot, err := right.ProjectSnapshot(ctx)
	require.NoError(testContext, err)
	require.Len(testContext, leftSnapshot.Entries, 2)
	require.Equal(testContext, leftSnapshot, rightSnapshot)

	written, err := left.RegenerateSnapshots(ctx)
	require.NoError(testContext, err)
	require.Positive(testContext, written)
}
