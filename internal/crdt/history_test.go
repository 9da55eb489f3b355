package crdt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/changes"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/hlc"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/lexicon"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// authorMixedHistory exercises creates, edits, collection changes, reordering, and cascading deletes.
func authorMixedHistory(testContext *testing.T, service *Service) []Commit {
	testContext.Helper()
	entryID, otherEntryID := newID(testContext), newID(testContext)
	senseID, secondSenseID := newID(testContext), newID(testContext)
	partOfSpeechID, domainID, componentID, complexFormTypeID := newID(testContext), newID(testContext), newID(testContext), newID(testContext)

	commits := []Commit{
		mustCommit(testContext, service,
			createPartOfSpeech(partOfSpeechID, "verb"),
			createDomain(domainID, "2.1", "Body"),
			&changes.CreateComplexFormTypeChange{EntityID: complexFormTypeID, Name: lexicon.MultiString{"en": "Compound"}},
		),
		mustCommit(testContext, service, createEntry(entryID, "run"), createSense(senseID, entryID, "run")),
		mustCommit(testContext, service, createEntry(otherEntryID, "runway"), createSense(secondSenseID, otherEntryID, "strip")),
		mustCommit(testContext, service,
			&changes.SetPartOfSpeechChange{EntityID: senseID, PartOfSpeechID: &partOfSpeechID},
			&changes.AddSemanticDomainChange{EntityID: senseID, SemanticDomain: lexicon.SemanticDomain{ID: domainID, Code: "2.1"}},
		),
		mustCommit(testContext, service, &changes.AddEntryComponentChange{
			EntityID:           componentID,
			ComplexFormEntryID: otherEntryID,
			ComponentEntryID:   entryID,
			Order:              1,
		}),
		mustCommit(testContext, service, &changes.AddComplexFormTypeChange{EntityID: otherEntryID, ComplexFormType: lexicon.ComplexFormType{ID: complexFormTypeID}}),
		mustCommit(testContext, service, glossPatch(testContext, senseID, "sprint")),
		mustCommit(testContext, service, &changes.SetOrderChange{EntityID: secondSenseID, EntityType: lexicon.TypeSense, Order: 0.5}),
		mustCommit(testContext, service, &changes.DeleteChange{EntityID: partOfSpeechID, EntityType: lexicon.TypePartOfSpeech}),
		mustCommit(testContext, service, &changes.DeleteChange{EntityID: entryID, EntityType: lexicon.TypeEntry}),
		mustCommit(testContext, service, glossPatch(testContext, secondSenseID, "airstrip")),
	}
	return commits
}

func TestIncrementalMaterializationMatchesFullRegeneration(testContext *testing.T) {
	service := mustService(testContext, replicaA, baseTime)
	authorMixedHistory(testContext, service)
	incremental := mustRows(testContext, service)

	report, err := service.VerifyRegeneration(context.Background())
	require.NoError(testContext, err)
	assert.True(testContext, report.Consistent(), "differing rows: %v", report.Differing)
	assert.Equal(testContext, incremental, mustRows(testContext, service), "verification must not modify the store")

	written, err := service.RegenerateSnapshots(context.Background())
	require.NoError(testContext, err)
	assert.Equal(testContext, len(incremental), written)
	assert.Equal(testContext, incremental, mustRows(testContext, service))
}

func TestVerifyRegenerationDetectsDrift(testContext *testing.T) {
	service := mustService(testContext, replicaA, baseTime)
	authorMixedHistory(testContext, service)
	rows := mustRows(testContext, service)

	require.NoError(testContext, service.db.Model(&StoredSnapshot{}).
		Where("id = ?", rows[0].ID).
		Update("is_root", !rows[0].IsRoot).Error)

	report, err := service.VerifyRegeneration(context.Background())
	require.NoError(testContext, err)
	assert.False(testContext, report.Consistent())
	assert.Equal(testContext, []string{rows[0].ID}, report.Differing)
}

func TestDeleteCascadeReachesComponents(testContext *testing.T) {
	service := mustService(testContext, replicaA, baseTime)
	authorMixedHistory(testContext, service)

	project := mustProject(testContext, service)
	require.Len(testContext, project.Entries, 1)
	remaining := project.Entries[0]
	assert.Equal(testContext, "runway", remaining.Headword())
	assert.Empty(testContext, remaining.Components, "component pointing at the deleted entry is gone")
	require.Len(testContext, remaining.Senses, 1)
	assert.Equal(testContext, "airstrip", remaining.Senses[0].Gloss.Get("en"))
	assert.Empty(testContext, project.PartsOfSpeech)
}

func TestSnapshotAtCommitMatchesPrefixReplay(testContext *testing.T) {
	service := mustService(testContext, replicaA, baseTime)
	commits := authorMixedHistory(testContext, service)

	for index, commit := range commits {
		historical, found, err := service.SnapshotAtCommit(context.Background(), commit.ID)
		require.NoError(testContext, err)
		require.True(testContext, found)

		replica := mustService(testContext, replicaB, baseTime)
		_, err = replica.AddCommits(context.Background(), commits[:index+1])
		require.NoError(testContext, err)
		assert.Equal(testContext, mustProject(testContext, replica), historical, "snapshot at commit %d", index)
	}
}

func TestSnapshotAtCommitKeepsLaterDeletedEntity(testContext *testing.T) {
	service := mustService(testContext, replicaA, baseTime)
	entryID, senseID := newID(testContext), newID(testContext)
	created := mustCommit(testContext, service, createEntry(entryID, "moon"), createSense(senseID, entryID, "moon"))
	edited := mustCommit(testContext, service, glossPatch(testContext, senseID, "satellite"))
	mustCommit(testContext, service, &changes.DeleteChange{EntityID: entryID, EntityType: lexicon.TypeEntry})

	atCreate, found, err := service.SnapshotAtCommit(context.Background(), created.ID)
	require.NoError(testContext, err)
	require.True(testContext, found)
	require.Len(testContext, atCreate.Entries, 1)
	assert.Equal(testContext, "moon", atCreate.Entries[0].Senses[0].Gloss.Get("en"))

	atEdit, _, err := service.SnapshotAtCommit(context.Background(), edited.ID)
	require.NoError(testContext, err)
	require.Len(testContext, atEdit.Entries, 1)
	assert.Equal(testContext, "satellite", atEdit.Entries[0].Senses[0].Gloss.Get("en"))

	assert.Empty(testContext, mustProject(testContext, service).Entries)
}

func TestSnapshotAtCommitDropsEntitiesCreatedLater(testContext *testing.T) {
	service := mustService(testContext, replicaA, baseTime)
	first := mustCommit(testContext, service, createEntry(newID(testContext), "early"))
	mustCommit(testContext, service, createEntry(newID(testContext), "late"))

	snapshot, found, err := service.SnapshotAtCommit(context.Background(), first.ID)
	require.NoError(testContext, err)
	require.True(testContext, found)
	require.Len(testContext, snapshot.Entries, 1)
	assert.Equal(testContext, "early", snapshot.Entries[0].Headword())
	assert.Len(testContext, mustProject(testContext, service).Entries, 2)
}

func TestSnapshotAtCommitUnknownCommit(testContext *testing.T) {
	service := mustService(testContext, replicaA, baseTime)
	mustCommit(testContext, service, createEntry(newID(testContext), "word"))

	snapshot, found, err := service.SnapshotAtCommit(context.Background(), uuid.MustParse("00000000-0000-0000-0000-0000000000ff"))
	require.NoError(testContext, err)
	assert.False(testContext, found)
	assert.Empty(testContext, snapshot.Entries)
}

func TestSnapshotAtCommitHonorsCancellation(testContext *testing.T) {
	service := mustService(testContext, replicaA, baseTime)
	first := mustCommit(testContext, service, createEntry(newID(testContext), "word"))
	mustCommit(testContext, service, createEntry(newID(testContext), "other"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := service.SnapshotAtCommit(ctx, first.ID)
	require.ErrorIs(testContext, err, context.Canceled)
}

type slowReadKey struct{}

func TestSnapshotAtCommitDoesNotBlockLiveCommits(testContext *testing.T) {
	database := mustDatabase(testContext)
	entered := make(chan struct{})
	var enteredOnce sync.Once
	slowRead := func(db *gorm.DB) {
		if db.Statement.Context == nil || db.Statement.Context.Value(slowReadKey{}) == nil {
			return
		}
		enteredOnce.Do(func() { close(entered) })
		time.Sleep(400 * time.Millisecond)
	}
	require.NoError(testContext, database.Callback().Query().Before("gorm:query").Register("test:slow_query", slowRead))
	require.NoError(testContext, database.Callback().Row().Before("gorm:row").Register("test:slow_row", slowRead))

	service, err := NewService(ServiceConfig{
		Database:  database,
		ReplicaID: replicaA,
		Clock:     hlc.NewClock(func() time.Time { return baseTime }),
		Now:       func() time.Time { return baseTime },
	})
	require.NoError(testContext, err)
	target := mustCommit(testContext, service, createEntry(newID(testContext), "word"))
	for index := 0; index < 10; index++ {
		mustCommit(testContext, service, createDomain(newID(testContext), "9", "Filler"))
	}

	type snapshotOutcome struct {
		snapshot lexicon.ProjectSnapshot
		found    bool
		err      error
	}
	outcome := make(chan snapshotOutcome, 1)
	go func() {
		snapshot, found, err := service.SnapshotAtCommit(context.WithValue(context.Background(), slowReadKey{}, true), target.ID)
		outcome <- snapshotOutcome{snapshot: snapshot, found: found, err: err}
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	_, err = service.Commit(ctx, Metadata{"author": "live"}, createEntry(newID(testContext), "live"))
	require.NoError(testContext, err, "live commit waited on the snapshot read")

	result := <-outcome
	require.NoError(testContext, result.err)
	require.True(testContext, result.found)
	require.Len(testContext, result.snapshot.Entries, 1)
	assert.Empty(testContext, result.snapshot.SemanticDomains)
}

func TestBulkIngestStaysWithinPerEntryBudget(testContext *testing.T) {
	if testing.Short() {
		testContext.Skip("bulk ingest skipped in short mode")
	}
	const (
		entryCount     = 20000
		perEntryBudget = 5 * time.Millisecond
	)
	clock := hlc.NewClock(func() time.Time { return baseTime })
	groups := make([][]changes.Change, 0, entryCount)
	for i := 0; i < entryCount; i++ {
		groups = append(groups, []changes.Change{createEntry(newID(testContext), "entry")})
	}
	commits := chain(testContext, replicaB, clock, "", groups...)

	service := mustService(testContext, replicaA, baseTime)
	started := time.Now()
	result, err := service.AddCommits(context.Background(), commits)
	elapsed := time.Since(started)
	require.NoError(testContext, err)
	assert.Equal(testContext, entryCount, result.Added)
	assert.Less(testContext, elapsed, perEntryBudget*entryCount, "ingest took %s", elapsed)

	project := mustProject(testContext, service)
	assert.Len(testContext, project.Entries, entryCount)
}
