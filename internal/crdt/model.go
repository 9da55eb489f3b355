package crdt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash"
	"strings"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/changes"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/hlc"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/lexicon"
	"github.com/cespare/xxhash"
	"github.com/google/uuid"
)

// Metadata is free-form commit annotation (author, client version).
type Metadata map[string]string

// Commit is an immutable, hash-identified batch of changes.
type Commit struct {
	ID         uuid.UUID      `json:"id"`
	ParentHash string         `json:"parentHash"`
	Hash       string         `json:"hash"`
	HybridTime hlc.Timestamp  `json:"hybridTime"`
	ReplicaID  uuid.UUID      `json:"replicaId"`
	Metadata   Metadata       `json:"metadata,omitempty"`
	Changes    []ChangeEntity `json:"changes"`
}

// ChangeEntity is one change at its position within a commit.
type ChangeEntity struct {
	CommitID uuid.UUID
	Index    int
	EntityID uuid.UUID
	Change   changes.Change
}

type changeEntityJSON struct {
	Index    int             `json:"index"`
	EntityID uuid.UUID       `json:"entityId"`
	Type     string          `json:"type"`
	Change   json.RawMessage `json:"change"`
}

func (c ChangeEntity) MarshalJSON() ([]byte, error) {
	typeName, payload, err := changes.Encode(c.Change)
	if err != nil {
		return nil, err
	}
	return json.Marshal(changeEntityJSON{Index: c.Index, EntityID: c.EntityID, Type: typeName, Change: payload})
}

func (c *ChangeEntity) UnmarshalJSON(data []byte) error {
	var wire changeEntityJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	change, err := changes.Decode(wire.Type, wire.Change)
	if err != nil {
		return err
	}
	c.Index = wire.Index
	c.EntityID = wire.EntityID
	c.Change = change
	return nil
}

// UnmarshalJSON fills the owning commit id into each change entity.
func (c *Commit) UnmarshalJSON(data []byte) error {
	type plain Commit
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*c = Commit(decoded)
	for i := range c.Changes {
		c.Changes[i].CommitID = c.ID
	}
	return nil
}

// NewCommit assembles a commit around changes and computes its hash.
func NewCommit(id uuid.UUID, parentHash string, hybridTime hlc.Timestamp, replicaID uuid.UUID, metadata Metadata, commitChanges []changes.Change) (Commit, error) {
	commit := Commit{
		ID:         id,
		ParentHash: parentHash,
		HybridTime: hybridTime,
		ReplicaID:  replicaID,
		Metadata:   metadata,
		Changes:    make([]ChangeEntity, 0, len(commitChanges)),
	}
	for index, change := range commitChanges {
		if change == nil {
			return Commit{}, fmt.Errorf("%w: change %d is nil", changes.ErrInvalidChange, index)
		}
		commit.Changes = append(commit.Changes, ChangeEntity{CommitID: id, Index: index, EntityID: change.TargetID(), Change: change})
	}
	hashValue, err := ComputeHash(commit)
	if err != nil {
		return Commit{}, err
	}
	commit.Hash = hashValue
	return commit, nil
}

// ComputeHash digests the commit id, parent hash, hybrid time, replica, and every change
// payload in index order.
func ComputeHash(commit Commit) (string, error) {
	digest := xxhash.New()
	writeBytes(digest, commit.ID[:])
	writeBytes(digest, []byte(strings.ToUpper(commit.ParentHash)))
	writeInt(digest, commit.HybridTime.Wall)
	writeInt(digest, commit.HybridTime.Counter)
	writeBytes(digest, commit.ReplicaID[:])
	for _, entity := range commit.Changes {
		typeName, payload, err := changes.Encode(entity.Change)
		if err != nil {
			return "", err
		}
		writeInt(digest, int64(entity.Index))
		writeBytes(digest, entity.EntityID[:])
		writeBytes(digest, []byte(typeName))
		writeBytes(digest, payload)
	}
	return fmt.Sprintf("%016X", digest.Sum64()), nil
}

func writeInt(digest hash.Hash64, value int64) {
	var buffer [8]byte
	binary.BigEndian.PutUint64(buffer[:], uint64(value))
	_, _ = digest.Write(buffer[:])
}

func writeBytes(digest hash.Hash64, value []byte) {
	writeInt(digest, int64(len(value)))
	_, _ = digest.Write(value)
}

// validateShape checks everything about a commit that does not need the store.
func validateShape(operation string, commit Commit) error {
	if commit.ID == uuid.Nil {
		return integrityError(operation, reasonInvalid, commit.ID, uuid.Nil, fmt.Errorf("commit id required"))
	}
	if commit.ReplicaID == uuid.Nil {
		return integrityError(operation, reasonInvalid, commit.ID, uuid.Nil, fmt.Errorf("replica id required"))
	}
	if len(commit.Changes) == 0 {
		return integrityError(operation, reasonEmpty, commit.ID, uuid.Nil, fmt.Errorf("commit has no changes"))
	}
	for position, entity := range commit.Changes {
		if err := changes.Validate(entity.Change); err != nil {
			return integrityError(operation, reasonInvalid, commit.ID, entity.EntityID, err)
		}
		if entity.Index != position {
			return integrityError(operation, reasonInvalid, commit.ID, entity.EntityID, fmt.Errorf("change index %d at position %d", entity.Index, position))
		}
		if entity.EntityID != entity.Change.TargetID() {
			return integrityError(operation, reasonInvalid, commit.ID, entity.EntityID, fmt.Errorf("entity id does not match change target %s", entity.Change.TargetID()))
		}
	}
	expected, err := ComputeHash(commit)
	if err != nil {
		return integrityError(operation, reasonInvalid, commit.ID, uuid.Nil, err)
	}
	if !strings.EqualFold(expected, commit.Hash) {
		return integrityError(operation, reasonHash, commit.ID, uuid.Nil, fmt.Errorf("expected %s, got %s", expected, commit.Hash))
	}
	return nil
}

// ObjectSnapshot is the state of one entity as of one commit.
type ObjectSnapshot struct {
	ID              uuid.UUID
	EntityID        uuid.UUID
	TypeName        lexicon.TypeName
	EntityIsDeleted bool
	CommitID        uuid.UUID
	IsRoot          bool
	Entity          lexicon.Object
	References      []uuid.UUID
	HybridTime      hlc.Timestamp
	ReplicaID       uuid.UUID
}

var snapshotNamespace = uuid.MustParse("6f1c0c5e-2d1b-4c9e-9a43-3f0f5b1f7a10")

// snapshotID is derived from (commit, entity) so regeneration reproduces identical rows.
func snapshotID(commitID, entityID uuid.UUID) uuid.UUID {
	name := make([]byte, 0, 32)
	name = append(name, commitID[:]...)
	name = append(name, entityID[:]...)
	return uuid.NewSHA1(snapshotNamespace, name)
}

// commitKey is the total order over commits: hybrid time, then replica, then commit id.
type commitKey struct {
	wall    int64
	counter int64
	replica string
	id      string
}

func keyOf(commit Commit) commitKey {
	return commitKey{
		wall:    commit.HybridTime.Wall,
		counter: commit.HybridTime.Counter,
		replica: commit.ReplicaID.String(),
		id:      commit.ID.String(),
	}
}

func (k commitKey) compare(other commitKey) int {
	switch {
	case k.wall != other.wall:
		if k.wall < other.wall {
			return -1
		}
		return 1
	case k.counter != other.counter:
		if k.counter < other.counter {
			return -1
		}
		return 1
	case k.replica != other.replica:
		return strings.Compare(k.replica, other.replica)
	default:
		return strings.Compare(k.id, other.id)
	}
}

func (k commitKey) args() []any {
	return []any{k.wall, k.counter, k.replica, k.id}
}
