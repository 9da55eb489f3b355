package crdt

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/changes"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/hlc"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/lexicon"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedLexicon authors a small history on service: an entry with a sense, a part of speech,
// and two semantic domains.
func seedLexicon(testContext *testing.T, service *Service) (entryID, senseID, partOfSpeechID uuid.UUID, domains [2]uuid.UUID) {
	testContext.Helper()
	entryID, senseID, partOfSpeechID = newID(testContext), newID(testContext), newID(testContext)
	domains = [2]uuid.UUID{newID(testContext), newID(testContext)}
	mustCommit(testContext, service, createPartOfSpeech(partOfSpeechID, "noun"))
	mustCommit(testContext, service, createDomain(domains[0], "1.1", "Sky"), createDomain(domains[1], "1.2", "World"))
	mustCommit(testContext, service, createEntry(entryID, "star"))
	mustCommit(testContext, service, createSense(senseID, entryID, "star"))
	return entryID, senseID, partOfSpeechID, domains
}

func TestAddCommitsIsIdempotent(testContext *testing.T) {
	source := mustService(testContext, replicaA, baseTime)
	seedLexicon(testContext, source)
	commits := mustAllCommits(testContext, source)

	target := mustService(testContext, replicaB, baseTime)
	first, err := target.AddCommits(context.Background(), commits)
	require.NoError(testContext, err)
	assert.Equal(testContext, AddResult{Added: len(commits)}, first)
	rowsAfterFirst := mustRows(testContext, target)

	second, err := target.AddCommits(context.Background(), commits)
	require.NoError(testContext, err)
	assert.Equal(testContext, AddResult{Duplicates: len(commits)}, second)

	assert.Equal(testContext, rowsAfterFirst, mustRows(testContext, target))
	assert.Equal(testContext, mustRows(testContext, source), mustRows(testContext, target))
	assert.Len(testContext, mustAllCommits(testContext, target), len(commits))
}

func TestAddCommitsDeduplicatesWithinInput(testContext *testing.T) {
	source := mustService(testContext, replicaA, baseTime)
	seedLexicon(testContext, source)
	commits := mustAllCommits(testContext, source)

	doubled := append(append([]Commit{}, commits...), commits...)
	target := mustService(testContext, replicaB, baseTime)
	result, err := target.AddCommits(context.Background(), doubled)
	require.NoError(testContext, err)
	assert.Equal(testContext, len(commits), result.Added)
	assert.Equal(testContext, len(commits), result.Duplicates)
}

func TestAddCommitsToleratesOutOfOrderArrival(testContext *testing.T) {
	source := mustService(testContext, replicaA, baseTime)
	_, senseID, partOfSpeechID, domains := seedLexicon(testContext, source)
	mustCommit(testContext, source, &changes.SetPartOfSpeechChange{EntityID: senseID, PartOfSpeechID: &partOfSpeechID})
	mustCommit(testContext, source, &changes.AddSemanticDomainChange{EntityID: senseID, SemanticDomain: lexicon.SemanticDomain{ID: domains[1], Code: "1.2"}})
	mustCommit(testContext, source, glossPatch(testContext, senseID, "sun"))
	commits := mustAllCommits(testContext, source)

	reversed := make([]Commit, 0, len(commits))
	for i := len(commits) - 1; i >= 0; i-- {
		reversed = append(reversed, commits[i])
	}

	oneBatch := mustService(testContext, replicaB, baseTime)
	_, err := oneBatch.AddCommits(context.Background(), reversed)
	require.NoError(testContext, err)
	assert.Equal(testContext, mustRows(testContext, source), mustRows(testContext, oneBatch))

	oneAtATime := mustService(testContext, replicaC, baseTime)
	for _, commit := range reversed {
		_, err := oneAtATime.AddCommits(context.Background(), []Commit{commit})
		require.NoError(testContext, err)
	}
	assert.Equal(testContext, mustRows(testContext, source), mustRows(testContext, oneAtATime))

	sense := mustSense(testContext, oneAtATime, senseID)
	require.NotNil(testContext, sense.PartOfSpeechID)
	assert.Equal(testContext, partOfSpeechID, *sense.PartOfSpeechID)
	assert.Equal(testContext, "sun", sense.Gloss.Get("en"))
}

func TestAddCommitsRejectsTamperedBatchWholesale(testContext *testing.T) {
	source := mustService(testContext, replicaA, baseTime)
	seedLexicon(testContext, source)
	commits := mustAllCommits(testContext, source)
	commits[len(commits)-1].Hash = "0123456789ABCDEF"

	target := mustService(testContext, replicaB, baseTime)
	_, err := target.AddCommits(context.Background(), commits)
	require.ErrorIs(testContext, err, ErrIntegrity)
	var integrity *IntegrityError
	require.ErrorAs(testContext, err, &integrity)
	assert.Equal(testContext, commits[len(commits)-1].ID, integrity.CommitID)

	assert.Empty(testContext, mustAllCommits(testContext, target))
	assert.Empty(testContext, mustRows(testContext, target))
}

func TestAddCommitsCommitsEarlierBatchesBeforeFailure(testContext *testing.T) {
	source := mustService(testContext, replicaA, baseTime)
	seedLexicon(testContext, source)
	commits := mustAllCommits(testContext, source)
	commits[len(commits)-1].Hash = "0123456789ABCDEF"

	target := mustService(testContext, replicaB, baseTime, withBatchLimits(2, 100))
	result, err := target.AddCommits(context.Background(), commits)
	require.ErrorIs(testContext, err, ErrIntegrity)
	assert.Equal(testContext, 2, result.Added)
	assert.Len(testContext, mustAllCommits(testContext, target), 2)
}

func TestAddCommitsStopsWhenCanceled(testContext *testing.T) {
	source := mustService(testContext, replicaA, baseTime)
	seedLexicon(testContext, source)
	commits := mustAllCommits(testContext, source)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	target := mustService(testContext, replicaB, baseTime, withBatchLimits(1, 100))
	result, err := target.AddCommits(ctx, commits)
	require.ErrorIs(testContext, err, context.Canceled)
	assert.Equal(testContext, 0, result.Added)
	assert.Empty(testContext, mustAllCommits(testContext, target))
}

func TestAddCommitsAdvancesClock(testContext *testing.T) {
	source := mustService(testContext, replicaA, baseTime.Add(time.Hour))
	seedLexicon(testContext, source)
	commits := mustAllCommits(testContext, source)

	target := mustService(testContext, replicaB, baseTime)
	_, err := target.AddCommits(context.Background(), commits)
	require.NoError(testContext, err)

	next := mustCommit(testContext, target, createEntry(newID(testContext), "late"))
	assert.True(testContext, next.HybridTime.After(commits[len(commits)-1].HybridTime))
}

func TestGetSyncStateTracksLatestPerReplica(testContext *testing.T) {
	service := mustService(testContext, replicaA, baseTime)
	seedLexicon(testContext, service)
	remoteClock := hlc.NewClock(func() time.Time { return baseTime.Add(time.Second) })
	remote := chain(testContext, replicaB, remoteClock, "",
		[]changes.Change{createEntry(newID(testContext), "b1")},
		[]changes.Change{createEntry(newID(testContext), "b2")},
	)
	_, err := service.AddCommits(context.Background(), remote)
	require.NoError(testContext, err)

	state, err := service.GetSyncState(context.Background())
	require.NoError(testContext, err)
	assert.Equal(testContext, SyncState{
		replicaA: {Wall: baseTime.UnixMilli(), Counter: 3},
		replicaB: remote[1].HybridTime,
	}, state)
}

func TestGetMissingCommitsReturnsExactDifference(testContext *testing.T) {
	service := mustService(testContext, replicaA, baseTime, withPageSize(2))
	seedLexicon(testContext, service)
	remoteClock := hlc.NewClock(func() time.Time { return baseTime.Add(time.Second) })
	remote := chain(testContext, replicaB, remoteClock, "",
		[]changes.Change{createEntry(newID(testContext), "b1")},
		[]changes.Change{createEntry(newID(testContext), "b2")},
		[]changes.Change{createEntry(newID(testContext), "b3")},
	)
	_, err := service.AddCommits(context.Background(), remote)
	require.NoError(testContext, err)
	all := mustAllCommits(testContext, service)
	require.Len(testContext, all, 7)

	cases := []struct {
		name   string
		remote SyncState
	}{
		{name: "empty state", remote: SyncState{}},
		{name: "partial replica a", remote: SyncState{replicaA: all[1].HybridTime}},
		{name: "both replicas", remote: SyncState{replicaA: all[3].HybridTime, replicaB: remote[0].HybridTime}},
		{name: "unknown replica only", remote: SyncState{replicaC: {Wall: baseTime.Add(time.Hour).UnixMilli()}}},
		{name: "everything", remote: SyncState{replicaA: all[3].HybridTime, replicaB: remote[2].HybridTime}},
	}
	for _, testCase := range cases {
		testContext.Run(testCase.name, func(subtest *testing.T) {
			var expected []uuid.UUID
			for _, commit := range all {
				if !testCase.remote.Covers(commit) {
					expected = append(expected, commit.ID)
				}
			}
			missing, err := Drain(context.Background(), service.GetMissingCommits(context.Background(), testCase.remote))
			require.NoError(subtest, err)
			var actual []uuid.UUID
			for _, commit := range missing {
				actual = append(actual, commit.ID)
			}
			assert.Equal(subtest, expected, actual)
		})
	}
}

func TestSyncWithConverges(testContext *testing.T) {
	left := mustService(testContext, replicaA, baseTime)
	right := mustService(testContext, replicaB, baseTime.Add(time.Millisecond))
	seedLexicon(testContext, left)
	seedLexicon(testContext, right)

	result, err := SyncWith(context.Background(), left, right)
	require.NoError(testContext, err)
	assert.Equal(testContext, 4, result.Pulled.Added)
	assert.Equal(testContext, 4, result.Pushed.Added)

	assert.Equal(testContext, mustRows(testContext, left), mustRows(testContext, right))
	assert.Equal(testContext, mustProject(testContext, left), mustProject(testContext, right))

	leftState, err := left.GetSyncState(context.Background())
	require.NoError(testContext, err)
	rightState, err := right.GetSyncState(context.Background())
	require.NoError(testContext, err)
	assert.Equal(testContext, leftState, rightState)

	again, err := SyncWith(context.Background(), right, left)
	require.NoError(testContext, err)
	assert.Equal(testContext, SyncResult{}, again)
}

func TestSyncManyReachesEveryReplica(testContext *testing.T) {
	hub := mustService(testContext, replicaA, baseTime)
	first := mustService(testContext, replicaB, baseTime)
	second := mustService(testContext, replicaC, baseTime)
	mustCommit(testContext, hub, createEntry(newID(testContext), "hub"))
	mustCommit(testContext, first, createEntry(newID(testContext), "first"))
	mustCommit(testContext, second, createEntry(newID(testContext), "second"))

	_, err := SyncMany(context.Background(), hub, first, second)
	require.NoError(testContext, err)

	expected := mustRows(testContext, hub)
	assert.Len(testContext, expected, 3)
	assert.Equal(testContext, expected, mustRows(testContext, first))
	assert.Equal(testContext, expected, mustRows(testContext, second))
}

func TestConcurrentSemanticDomainsMergeRegardlessOfDirection(testContext *testing.T) {
	for _, pullFirst := range []bool{true, false} {
		origin := mustService(testContext, replicaA, baseTime)
		_, senseID, _, domains := seedLexicon(testContext, origin)
		peer := mustService(testContext, replicaB, baseTime)
		_, err := SyncWith(context.Background(), peer, origin)
		require.NoError(testContext, err)

		mustCommit(testContext, origin, &changes.AddSemanticDomainChange{EntityID: senseID, SemanticDomain: lexicon.SemanticDomain{ID: domains[0], Code: "1.1"}})
		mustCommit(testContext, peer, &changes.AddSemanticDomainChange{EntityID: senseID, SemanticDomain: lexicon.SemanticDomain{ID: domains[1], Code: "1.2"}})

		if pullFirst {
			_, err = SyncWith(context.Background(), origin, peer)
		} else {
			_, err = SyncWith(context.Background(), peer, origin)
		}
		require.NoError(testContext, err)

		for _, service := range []*Service{origin, peer} {
			sense := mustSense(testContext, service, senseID)
			ids := make([]uuid.UUID, 0, len(sense.SemanticDomains))
			for _, domain := range sense.SemanticDomains {
				ids = append(ids, domain.ID)
			}
			assert.ElementsMatch(testContext, domains[:], ids)
		}
		assert.Equal(testContext, mustRows(testContext, origin), mustRows(testContext, peer))
	}
}

func TestDeleteBeatsEarlierPartOfSpeechEdit(testContext *testing.T) {
	origin := mustService(testContext, replicaA, baseTime)
	_, senseID, partOfSpeechID, _ := seedLexicon(testContext, origin)
	peer := mustService(testContext, replicaB, baseTime.Add(time.Minute))
	_, err := SyncWith(context.Background(), peer, origin)
	require.NoError(testContext, err)

	edit := mustCommit(testContext, origin, &changes.SetPartOfSpeechChange{EntityID: senseID, PartOfSpeechID: &partOfSpeechID})
	deletion := mustCommit(testContext, peer, &changes.DeleteChange{EntityID: senseID, EntityType: lexicon.TypeSense})
	require.True(testContext, deletion.HybridTime.After(edit.HybridTime))

	_, err = SyncWith(context.Background(), origin, peer)
	require.NoError(testContext, err)

	for _, service := range []*Service{origin, peer} {
		sense := mustSense(testContext, service, senseID)
		assert.True(testContext, sense.IsDeleted())
		_, found, err := service.GetCommit(context.Background(), edit.ID)
		require.NoError(testContext, err)
		assert.True(testContext, found, "the superseded edit is still logged")
	}
	assert.Equal(testContext, mustRows(testContext, origin), mustRows(testContext, peer))
}

func definitionPatch(testContext *testing.T, senseID uuid.UUID, definition string) *changes.JsonPatchChange {
	testContext.Helper()
	value, err := json.Marshal(lexicon.MultiString{"en": definition})
	require.NoError(testContext, err)
	change, err := changes.NewJsonPatchChange(senseID, lexicon.TypeSense, []changes.PatchOperation{
		{Op: changes.OpAdd, Path: "/definition", Value: value},
	})
	require.NoError(testContext, err)
	return change
}

func TestConcurrentFieldEditsResolveLastWriterWins(testContext *testing.T) {
	testCases := []struct {
		name       string
		peerOffset time.Duration
		pullFirst  bool
	}{
		{name: "peer clock ahead, origin pulls", peerOffset: time.Millisecond, pullFirst: true},
		{name: "peer clock ahead, peer pulls", peerOffset: time.Millisecond, pullFirst: false},
		{name: "same wall time, origin pulls", pullFirst: true},
		{name: "same wall time, peer pulls", pullFirst: false},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			origin := mustService(testContext, replicaA, baseTime)
			_, senseID, _, _ := seedLexicon(testContext, origin)
			peer := mustService(testContext, replicaB, baseTime.Add(testCase.peerOffset))
			_, err := SyncWith(context.Background(), peer, origin)
			require.NoError(testContext, err)

			originEdit := mustCommit(testContext, origin, glossPatch(testContext, senseID, "sun"), definitionPatch(testContext, senseID, "a luminous body"))
			peerEdit := mustCommit(testContext, peer, glossPatch(testContext, senseID, "planet"))

			if testCase.pullFirst {
				_, err = SyncWith(context.Background(), origin, peer)
			} else {
				_, err = SyncWith(context.Background(), peer, origin)
			}
			require.NoError(testContext, err)

			expectedGloss := "sun"
			order := peerEdit.HybridTime.Compare(originEdit.HybridTime)
			if order > 0 || (order == 0 && peerEdit.ReplicaID.String() > originEdit.ReplicaID.String()) {
				expectedGloss = "planet"
			}
			if testCase.peerOffset > 0 {
				require.Equal(testContext, "planet", expectedGloss)
			}

			for _, service := range []*Service{origin, peer} {
				sense := mustSense(testContext, service, senseID)
				assert.Equal(testContext, expectedGloss, sense.Gloss["en"])
				assert.Equal(testContext, "a luminous body", sense.Definition["en"], "an edit to another field survives")
			}
			assert.Equal(testContext, mustRows(testContext, origin), mustRows(testContext, peer))
		})
	}
}

func TestSyncStateJSONUsesReplicaKeys(testContext *testing.T) {
	state := SyncState{replicaA: {Wall: 10, Counter: 2}}
	encoded, err := state.MarshalJSON()
	require.NoError(testContext, err)
	assert.JSONEq(testContext, `{"0a000000-0000-0000-0000-00000000000a":{"wall":10,"counter":2}}`, string(encoded))

	var decoded SyncState
	require.NoError(testContext, decoded.UnmarshalJSON(encoded))
	assert.Equal(testContext, state, decoded)
}
