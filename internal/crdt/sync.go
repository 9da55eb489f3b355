package crdt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/hlc"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const querySyncState = `SELECT c.replica_id AS replica_id, c.hybrid_wall AS hybrid_wall, MAX(c.hybrid_counter) AS hybrid_counter
FROM commits c
JOIN (SELECT replica_id, MAX(hybrid_wall) AS hybrid_wall FROM commits GROUP BY replica_id) latest
  ON latest.replica_id = c.replica_id AND latest.hybrid_wall = c.hybrid_wall
GROUP BY c.replica_id, c.hybrid_wall`

// SyncState maps each replica to the hybrid time of the newest commit seen from it.
type SyncState map[uuid.UUID]hlc.Timestamp

// Covers reports whether the state has seen a commit.
func (s SyncState) Covers(commit Commit) bool {
	seen, ok := s[commit.ReplicaID]
	return ok && commit.HybridTime.Compare(seen) <= 0
}

// Merge keeps the later timestamp per replica.
func (s SyncState) Merge(other SyncState) SyncState {
	merged := make(SyncState, len(s)+len(other))
	for replica, timestamp := range s {
		merged[replica] = timestamp
	}
	for replica, timestamp := range other {
		merged[replica] = hlc.Max(merged[replica], timestamp)
	}
	return merged
}

func (s SyncState) replicas() []uuid.UUID {
	replicas := make([]uuid.UUID, 0, len(s))
	for replica := range s {
		replicas = append(replicas, replica)
	}
	sort.Slice(replicas, func(i, j int) bool { return replicas[i].String() < replicas[j].String() })
	return replicas
}

// ChangesResult pairs the commits a peer lacks with the responder's own sync state.
type ChangesResult struct {
	MissingFromClient CommitSource
	ServerSyncState   SyncState
}

// Syncable is anything that can take part in a sync exchange: a local service or a remote peer.
type Syncable interface {
	GetSyncState(ctx context.Context) (SyncState, error)
	GetChanges(ctx context.Context, remote SyncState) (ChangesResult, error)
	AddCommitsFrom(ctx context.Context, source CommitSource) (AddResult, error)
}

var _ Syncable = (*Service)(nil)

// GetSyncState summarizes the log per replica.
func (service *Service) GetSyncState(ctx context.Context) (SyncState, error) {
	var rows []struct {
		ReplicaID     string
		HybridWall    int64
		HybridCounter int64
	}
	if err := service.db.WithContext(ctx).Raw(querySyncState).Scan(&rows).Error; err != nil {
		service.logError(opSyncState, reasonQuery, err)
		return nil, storageError(opSyncState, err)
	}
	state := make(SyncState, len(rows))
	for _, row := range rows {
		replica, err := uuid.Parse(row.ReplicaID)
		if err != nil {
			service.logError(opSyncState, "replica_invalid", err, zap.String(fieldReplicaID, row.ReplicaID))
			return nil, newServiceError(opSyncState, "replica_invalid", err)
		}
		state[replica] = hlc.Timestamp{Wall: row.HybridWall, Counter: row.HybridCounter}
	}
	return state, nil
}

// GetMissingCommits streams, in total order, every stored commit the remote state does not cover.
func (service *Service) GetMissingCommits(ctx context.Context, remote SyncState) *CommitStream {
	filter, args := missingFilter(remote)
	return newCommitStream(service.db, service.streamPageSize, filter, args)
}

// GetChanges answers a peer's sync request.
func (service *Service) GetChanges(ctx context.Context, remote SyncState) (ChangesResult, error) {
	state, err := service.GetSyncState(ctx)
	if err != nil {
		return ChangesResult{}, err
	}
	return ChangesResult{MissingFromClient: service.GetMissingCommits(ctx, remote), ServerSyncState: state}, nil
}

func missingFilter(remote SyncState) (string, []any) {
	if len(remote) == 0 {
		return "", nil
	}
	replicas := remote.replicas()
	known := make([]string, 0, len(replicas))
	clauses := make([]string, 0, len(replicas)+1)
	args := make([]any, 0, 1+3*len(replicas))
	for _, replica := range replicas {
		known = append(known, replica.String())
	}
	clauses = append(clauses, "replica_id NOT IN ?")
	args = append(args, known)
	for _, replica := range replicas {
		seen := remote[replica]
		clauses = append(clauses, "(replica_id = ? AND (hybrid_wall, hybrid_counter) > (?, ?))")
		args = append(args, replica.String(), seen.Wall, seen.Counter)
	}
	return "(" + strings.Join(clauses, " OR ") + ")", args
}

// SyncResult counts the commits moved in each direction.
type SyncResult struct {
	Pulled AddResult `json:"pulled"`
	Pushed AddResult `json:"pushed"`
}

// SyncWith exchanges missing commits in both directions. After it returns without error both
// sides hold the union of their logs.
func SyncWith(ctx context.Context, local, remote Syncable) (SyncResult, error) {
	var result SyncResult
	localState, err := local.GetSyncState(ctx)
	if err != nil {
		return result, err
	}
	remoteChanges, err := remote.GetChanges(ctx, localState)
	if err != nil {
		return result, err
	}
	result.Pulled, err = consume(ctx, local, remoteChanges.MissingFromClient)
	if err != nil {
		return result, fmt.Errorf("pull: %w", err)
	}
	localChanges, err := local.GetChanges(ctx, remoteChanges.ServerSyncState)
	if err != nil {
		return result, err
	}
	result.Pushed, err = consume(ctx, remote, localChanges.MissingFromClient)
	if err != nil {
		return result, fmt.Errorf("push: %w", err)
	}
	return result, nil
}

func consume(ctx context.Context, target Syncable, source CommitSource) (AddResult, error) {
	if closer, ok := source.(io.Closer); ok {
		defer closer.Close()
	}
	return target.AddCommitsFrom(ctx, source)
}

// SyncMany syncs local with every remote, then repeats for all but the last remote so that
// commits pulled from later remotes reach the earlier ones too.
func SyncMany(ctx context.Context, local Syncable, remotes ...Syncable) ([]SyncResult, error) {
	results := make([]SyncResult, 0, 2*len(remotes))
	for _, remote := range remotes {
		result, err := SyncWith(ctx, local, remote)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	for i := 0; i+1 < len(remotes); i++ {
		result, err := SyncWith(ctx, local, remotes[i])
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// MarshalJSON writes the state as a replica-keyed object.
func (s SyncState) MarshalJSON() ([]byte, error) {
	wire := make(map[string]hlc.Timestamp, len(s))
	for replica, timestamp := range s {
		wire[replica.String()] = timestamp
	}
	return json.Marshal(wire)
}

func (s *SyncState) UnmarshalJSON(data []byte) error {
	var wire map[string]hlc.Timestamp
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	state := make(SyncState, len(wire))
	for key, timestamp := range wire {
		replica, err := uuid.Parse(key)
		if err != nil {
			return fmt.Errorf("sync state replica %q: %w", key, err)
		}
		state[replica] = timestamp
	}
	*s = state
	return nil
}
