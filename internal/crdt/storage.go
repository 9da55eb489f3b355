package crdt

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/changes"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/hlc"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/lexicon"
	"github.com/google/uuid"
)

const (
	commitsTable   = "commits"
	changesTable   = "change_entities"
	snapshotsTable = "object_snapshots"

	commitOrder     = "hybrid_wall, hybrid_counter, replica_id, id"
	commitOrderDesc = "hybrid_wall DESC, hybrid_counter DESC, replica_id DESC, id DESC"
	snapshotOrder   = "hybrid_wall, hybrid_counter, replica_id, commit_id"
)

// StoredCommit is the persisted header of a commit.
type StoredCommit struct {
	ID            string `gorm:"column:id;primaryKey;size:36;index:idx_commits_order,priority:4"`
	HybridWall    int64  `gorm:"column:hybrid_wall;not null;index:idx_commits_order,priority:1;index:idx_commits_replica_time,priority:2"`
	HybridCounter int64  `gorm:"column:hybrid_counter;not null;index:idx_commits_order,priority:2;index:idx_commits_replica_time,priority:3"`
	ReplicaID     string `gorm:"column:replica_id;size:36;not null;index:idx_commits_order,priority:3;index:idx_commits_replica_time,priority:1"`
	ParentHash    string `gorm:"column:parent_hash;size:16;not null"`
	Hash          string `gorm:"column:hash;size:16;not null"`
	MetadataJSON  string `gorm:"column:metadata_json;type:text;not null"`
	ChangeCount   int    `gorm:"column:change_count;not null"`
	AddedAtMillis int64  `gorm:"column:added_at_ms;not null"`
}

func (StoredCommit) TableName() string {
	return commitsTable
}

// StoredChange is one change entity of a commit.
type StoredChange struct {
	CommitID    string `gorm:"column:commit_id;primaryKey;size:36"`
	ChangeIndex int    `gorm:"column:change_index;primaryKey"`
	EntityID    string `gorm:"column:entity_id;size:36;not null;index"`
	ChangeType  string `gorm:"column:change_type;size:64;not null"`
	ChangeJSON  string `gorm:"column:change_json;type:text;not null"`
}

func (StoredChange) TableName() string {
	return changesTable
}

// StoredSnapshot is the materialized state of one entity after one commit.
type StoredSnapshot struct {
	ID               string `gorm:"column:id;primaryKey;size:36"`
	EntityID         string `gorm:"column:entity_id;size:36;not null;index:idx_snapshots_entity_order,priority:1;uniqueIndex:idx_snapshots_commit_entity,priority:2"`
	TypeName         string `gorm:"column:type_name;size:64;not null"`
	EntityIsDeleted  bool   `gorm:"column:entity_is_deleted;not null"`
	CommitID         string `gorm:"column:commit_id;size:36;not null;index:idx_snapshots_entity_order,priority:5;uniqueIndex:idx_snapshots_commit_entity,priority:1"`
	IsRoot           bool   `gorm:"column:is_root;not null"`
	SerializedEntity string `gorm:"column:serialized_entity;type:text;not null"`
	ReferencesJSON   string `gorm:"column:references_json;type:text;not null"`
	HybridWall       int64  `gorm:"column:hybrid_wall;not null;index:idx_snapshots_entity_order,priority:2;index:idx_snapshots_order,priority:1"`
	HybridCounter    int64  `gorm:"column:hybrid_counter;not null;index:idx_snapshots_entity_order,priority:3;index:idx_snapshots_order,priority:2"`
	ReplicaID        string `gorm:"column:replica_id;size:36;not null;index:idx_snapshots_entity_order,priority:4;index:idx_snapshots_order,priority:3"`
}

func (StoredSnapshot) TableName() string {
	return snapshotsTable
}

// Models lists the tables the engine owns, in dependency order.
func Models() []any {
	return []any{&StoredCommit{}, &StoredChange{}, &StoredSnapshot{}}
}

func encodeCommit(commit Commit, addedAtMillis int64) (StoredCommit, []StoredChange, error) {
	metadata := commit.Metadata
	if metadata == nil {
		metadata = Metadata{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return StoredCommit{}, nil, err
	}
	header := StoredCommit{
		ID:            commit.ID.String(),
		HybridWall:    commit.HybridTime.Wall,
		HybridCounter: commit.HybridTime.Counter,
		ReplicaID:     commit.ReplicaID.String(),
		ParentHash:    commit.ParentHash,
		Hash:          commit.Hash,
		MetadataJSON:  string(metadataJSON),
		ChangeCount:   len(commit.Changes),
		AddedAtMillis: addedAtMillis,
	}
	rows := make([]StoredChange, 0, len(commit.Changes))
	for _, entity := range commit.Changes {
		typeName, payload, err := changes.Encode(entity.Change)
		if err != nil {
			return StoredCommit{}, nil, err
		}
		rows = append(rows, StoredChange{
			CommitID:    header.ID,
			ChangeIndex: entity.Index,
			EntityID:    entity.EntityID.String(),
			ChangeType:  typeName,
			ChangeJSON:  string(payload),
		})
	}
	return header, rows, nil
}

// decodeCommit rebuilds a commit from its header and its change rows in any order.
func decodeCommit(header StoredCommit, rows []StoredChange) (Commit, error) {
	commitID, err := uuid.Parse(header.ID)
	if err != nil {
		return Commit{}, fmt.Errorf("commit id %q: %w", header.ID, err)
	}
	replicaID, err := uuid.Parse(header.ReplicaID)
	if err != nil {
		return Commit{}, fmt.Errorf("commit %s replica id %q: %w", header.ID, header.ReplicaID, err)
	}
	commit := Commit{
		ID:         commitID,
		ParentHash: header.ParentHash,
		Hash:       header.Hash,
		HybridTime: hlc.Timestamp{Wall: header.HybridWall, Counter: header.HybridCounter},
		ReplicaID:  replicaID,
		Changes:    make([]ChangeEntity, 0, len(rows)),
	}
	if header.MetadataJSON != "" {
		var metadata Metadata
		if err := json.Unmarshal([]byte(header.MetadataJSON), &metadata); err != nil {
			return Commit{}, fmt.Errorf("commit %s metadata: %w", header.ID, err)
		}
		if len(metadata) > 0 {
			commit.Metadata = metadata
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ChangeIndex < rows[j].ChangeIndex })
	for _, row := range rows {
		entityID, err := uuid.Parse(row.EntityID)
		if err != nil {
			return Commit{}, fmt.Errorf("commit %s change %d entity id: %w", header.ID, row.ChangeIndex, err)
		}
		change, err := changes.Decode(row.ChangeType, []byte(row.ChangeJSON))
		if err != nil {
			return Commit{}, fmt.Errorf("commit %s change %d: %w", header.ID, row.ChangeIndex, err)
		}
		commit.Changes = append(commit.Changes, ChangeEntity{CommitID: commitID, Index: row.ChangeIndex, EntityID: entityID, Change: change})
	}
	if len(commit.Changes) != header.ChangeCount {
		return Commit{}, fmt.Errorf("commit %s: stored %d changes, expected %d", header.ID, len(commit.Changes), header.ChangeCount)
	}
	return commit, nil
}

func encodeSnapshot(snapshot *ObjectSnapshot) (StoredSnapshot, error) {
	serialized, err := lexicon.EncodeObject(snapshot.Entity)
	if err != nil {
		return StoredSnapshot{}, err
	}
	references := make([]string, 0, len(snapshot.References))
	for _, reference := range snapshot.References {
		references = append(references, reference.String())
	}
	sort.Strings(references)
	referencesJSON, err := json.Marshal(references)
	if err != nil {
		return StoredSnapshot{}, err
	}
	return StoredSnapshot{
		ID:               snapshot.ID.String(),
		EntityID:         snapshot.EntityID.String(),
		TypeName:         string(snapshot.TypeName),
		EntityIsDeleted:  snapshot.EntityIsDeleted,
		CommitID:         snapshot.CommitID.String(),
		IsRoot:           snapshot.IsRoot,
		SerializedEntity: string(serialized),
		ReferencesJSON:   string(referencesJSON),
		HybridWall:       snapshot.HybridTime.Wall,
		HybridCounter:    snapshot.HybridTime.Counter,
		ReplicaID:        snapshot.ReplicaID.String(),
	}, nil
}

func decodeSnapshot(row StoredSnapshot) (*ObjectSnapshot, error) {
	entity, err := lexicon.DecodeObject(lexicon.TypeName(row.TypeName), []byte(row.SerializedEntity))
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", row.ID, err)
	}
	var references []string
	if err := json.Unmarshal([]byte(row.ReferencesJSON), &references); err != nil {
		return nil, fmt.Errorf("snapshot %s references: %w", row.ID, err)
	}
	snapshot := &ObjectSnapshot{
		TypeName:        lexicon.TypeName(row.TypeName),
		EntityIsDeleted: row.EntityIsDeleted,
		IsRoot:          row.IsRoot,
		Entity:          entity,
		HybridTime:      hlc.Timestamp{Wall: row.HybridWall, Counter: row.HybridCounter},
	}
	for _, field := range []struct {
		target *uuid.UUID
		value  string
	}{
		{&snapshot.ID, row.ID},
		{&snapshot.EntityID, row.EntityID},
		{&snapshot.CommitID, row.CommitID},
		{&snapshot.ReplicaID, row.ReplicaID},
	} {
		parsed, err := uuid.Parse(field.value)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", row.ID, err)
		}
		*field.target = parsed
	}
	for _, reference := range references {
		parsed, err := uuid.Parse(reference)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s reference: %w", row.ID, err)
		}
		snapshot.References = append(snapshot.References, parsed)
	}
	return snapshot, nil
}

func snapshotKey(row StoredSnapshot) commitKey {
	return commitKey{wall: row.HybridWall, counter: row.HybridCounter, replica: row.ReplicaID, id: row.CommitID}
}
