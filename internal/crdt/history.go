package crdt

import (
	"context"
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/lexicon"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const queryCurrentSnapshots = `SELECT s.* FROM object_snapshots s
JOIN (
  SELECT id, ROW_NUMBER() OVER (
    PARTITION BY entity_id
    ORDER BY hybrid_wall DESC, hybrid_counter DESC, replica_id DESC, commit_id DESC
  ) AS position
  FROM object_snapshots
) ranked ON ranked.id = s.id
WHERE ranked.position = 1`

// querySnapshotsAtTarget walks every entity's history back to its last version at or before
// the target commit key.
const querySnapshotsAtTarget = `SELECT s.* FROM object_snapshots s
JOIN (
  SELECT id, ROW_NUMBER() OVER (
    PARTITION BY entity_id
    ORDER BY hybrid_wall DESC, hybrid_counter DESC, replica_id DESC, commit_id DESC
  ) AS position
  FROM object_snapshots
  WHERE (hybrid_wall, hybrid_counter, replica_id, commit_id) <= (?, ?, ?, ?)
) ranked ON ranked.id = s.id
WHERE ranked.position = 1`

// snapshotFork is a private, in-memory copy of materialized state, keyed by entity.
type snapshotFork struct {
	objects map[uuid.UUID]lexicon.Object
}

func newSnapshotFork(rows []StoredSnapshot) (*snapshotFork, error) {
	fork := &snapshotFork{objects: make(map[uuid.UUID]lexicon.Object, len(rows))}
	for _, row := range rows {
		snapshot, err := decodeSnapshot(row)
		if err != nil {
			return nil, err
		}
		fork.objects[snapshot.EntityID] = snapshot.Entity
	}
	return fork, nil
}

func (f *snapshotFork) list() []lexicon.Object {
	objects := make([]lexicon.Object, 0, len(f.objects))
	for _, object := range f.objects {
		objects = append(objects, object)
	}
	return objects
}

func (f *snapshotFork) release() {
	f.objects = nil
}

// SnapshotAtCommit reconstructs the project as it was right after commitID: every entity at its
// last snapshot at or before the commit, dropped when it did not exist yet. Each read is a single
// statement bounded by the target, so no connection or transaction is held across the rewind and
// live writers proceed meanwhile. The second return value is false when the commit is unknown.
func (service *Service) SnapshotAtCommit(ctx context.Context, commitID uuid.UUID) (lexicon.ProjectSnapshot, bool, error) {
	ctx, span := service.tracer.Start(ctx, "crdt.SnapshotAtCommit", trace.WithAttributes(attribute.String(fieldCommitID, commitID.String())))
	defer span.End()

	result, found, err := service.snapshotAtCommit(ctx, commitID, span)
	if err != nil {
		service.logError(opSnapshotAt, reasonOf(err), err, zap.String(fieldCommitID, commitID.String()))
		span.RecordError(err)
		return lexicon.ProjectSnapshot{}, false, err
	}
	return result, found, nil
}

func (service *Service) snapshotAtCommit(ctx context.Context, commitID uuid.UUID, span trace.Span) (lexicon.ProjectSnapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return lexicon.ProjectSnapshot{}, false, newServiceError(opSnapshotAt, reasonCanceled, err)
	}
	database := service.db.WithContext(ctx)

	var headers []StoredCommit
	if err := database.Where(queryCommitID, commitID.String()).Limit(1).Find(&headers).Error; err != nil {
		return lexicon.ProjectSnapshot{}, false, storageError(opSnapshotAt, err)
	}
	if len(headers) == 0 {
		return lexicon.ProjectSnapshot{}, false, nil
	}
	target := commitKey{wall: headers[0].HybridWall, counter: headers[0].HybridCounter, replica: headers[0].ReplicaID, id: headers[0].ID}

	var rows []StoredSnapshot
	if err := database.Raw(querySnapshotsAtTarget, target.args()...).Scan(&rows).Error; err != nil {
		return lexicon.ProjectSnapshot{}, false, storageError(opSnapshotAt, err)
	}
	span.SetAttributes(attribute.Int("entities", len(rows)))

	fork, err := newSnapshotFork(rows)
	if err != nil {
		return lexicon.ProjectSnapshot{}, false, newServiceError(opSnapshotAt, "snapshot_invalid", err)
	}
	defer fork.release()
	return lexicon.BuildProjectSnapshot(fork.list()), true, nil
}

// ProjectSnapshot returns the current state of the project.
func (service *Service) ProjectSnapshot(ctx context.Context) (lexicon.ProjectSnapshot, error) {
	var current []StoredSnapshot
	if err := service.db.WithContext(ctx).Raw(queryCurrentSnapshots).Scan(&current).Error; err != nil {
		service.logError(opQuery, reasonQuery, err)
		return lexicon.ProjectSnapshot{}, storageError(opQuery, err)
	}
	fork, err := newSnapshotFork(current)
	if err != nil {
		service.logError(opQuery, "snapshot_invalid", err)
		return lexicon.ProjectSnapshot{}, newServiceError(opQuery, "snapshot_invalid", err)
	}
	defer fork.release()
	return lexicon.BuildProjectSnapshot(fork.list()), nil
}

// CurrentObject returns the latest state of one entity, deleted or not.
func (service *Service) CurrentObject(ctx context.Context, entityID uuid.UUID) (lexicon.Object, bool, error) {
	var rows []StoredSnapshot
	err := service.db.WithContext(ctx).
		Where(queryEntityID, entityID.String()).
		Order("hybrid_wall DESC, hybrid_counter DESC, replica_id DESC, commit_id DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		service.logError(opQuery, reasonQuery, err, zap.String(fieldEntityID, entityID.String()))
		return nil, false, storageError(opQuery, err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	snapshot, err := decodeSnapshot(rows[0])
	if err != nil {
		return nil, false, newServiceError(opQuery, "snapshot_invalid", err)
	}
	return snapshot.Entity, true, nil
}

// EntityHistory lists every snapshot of an entity, oldest first.
func (service *Service) EntityHistory(ctx context.Context, entityID uuid.UUID) ([]ObjectSnapshot, error) {
	var rows []StoredSnapshot
	if err := service.db.WithContext(ctx).
		Where(queryEntityID, entityID.String()).
		Order(snapshotOrder).
		Find(&rows).Error; err != nil {
		service.logError(opQuery, reasonQuery, err, zap.String(fieldEntityID, entityID.String()))
		return nil, storageError(opQuery, err)
	}
	history := make([]ObjectSnapshot, 0, len(rows))
	for _, row := range rows {
		snapshot, err := decodeSnapshot(row)
		if err != nil {
			return nil, newServiceError(opQuery, "snapshot_invalid", err)
		}
		history = append(history, *snapshot)
	}
	return history, nil
}

// SnapshotRows returns every stored snapshot ordered by id, for comparing materializations.
func (service *Service) SnapshotRows(ctx context.Context) ([]StoredSnapshot, error) {
	rows, err := snapshotRows(service.db.WithContext(ctx))
	if err != nil {
		service.logError(opQuery, reasonQuery, err)
		return nil, storageError(opQuery, err)
	}
	return rows, nil
}

func snapshotRows(transaction *gorm.DB) ([]StoredSnapshot, error) {
	var rows []StoredSnapshot
	if err := transaction.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// diffSnapshotRows reports the ids of rows that differ between two id-ordered lists.
func diffSnapshotRows(before, after []StoredSnapshot) []string {
	index := make(map[string]StoredSnapshot, len(before))
	for _, row := range before {
		index[row.ID] = row
	}
	var differing []string
	for _, row := range after {
		previous, ok := index[row.ID]
		delete(index, row.ID)
		if !ok || previous != row {
			differing = append(differing, row.ID)
		}
	}
	for id := range index {
		differing = append(differing, id)
	}
	sort.Strings(differing)
	return differing
}

var errRollback = errors.New("crdt: rollback requested")
