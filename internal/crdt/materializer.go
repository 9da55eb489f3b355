package crdt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/changes"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/lexicon"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Rules logged when the materializer resolves a conflict by skipping a change.
const (
	RuleDuplicateCreate = "duplicate_create"
	RuleDeleteWins      = "delete_wins"
	RuleMissingTarget   = "missing_target"
	RuleTypeMismatch    = "type_mismatch"
	RuleRejectedChange  = "rejected_change"
	RuleCascadeDelete   = "cascade_delete"

	queryCommitsFrom         = "(hybrid_wall, hybrid_counter, replica_id, id) >= (?, ?, ?, ?)"
	querySnapshotsAfter      = "(hybrid_wall, hybrid_counter, replica_id, commit_id) > (?, ?, ?, ?)"
	querySnapshotsAtOrBefore = "(hybrid_wall, hybrid_counter, replica_id, commit_id) <= (?, ?, ?, ?)"
	queryReferencesLike      = "references_json LIKE ?"
	queryEntityID            = "entity_id = ?"
)

// materializeFrom drops snapshots newer than from and replays every commit at or after it.
// A nil from rebuilds the whole snapshot store. It returns the number of snapshots written.
func (service *Service) materializeFrom(ctx context.Context, transaction *gorm.DB, from *commitKey) (int, error) {
	var stream *CommitStream
	if from == nil {
		if err := transaction.Where("1 = 1").Delete(&StoredSnapshot{}).Error; err != nil {
			return 0, storageError(opMaterialize, err)
		}
		stream = newCommitStream(transaction, service.streamPageSize, "", nil)
	} else {
		if err := transaction.Where(querySnapshotsAfter, from.args()...).Delete(&StoredSnapshot{}).Error; err != nil {
			return 0, storageError(opMaterialize, err)
		}
		stream = newCommitStream(transaction, service.streamPageSize, queryCommitsFrom, from.args())
	}

	worker := newSnapshotWorker(transaction, service.loggerOrDefault(), service.metrics)
	for {
		page, err := stream.nextPage(ctx)
		if err != nil {
			return worker.written, storageError(opMaterialize, err)
		}
		if len(page) == 0 {
			break
		}
		if err := worker.prefetch(ctx, page); err != nil {
			return worker.written, storageError(opMaterialize, err)
		}
		for _, commit := range page {
			if err := worker.applyCommit(ctx, commit); err != nil {
				return worker.written, err
			}
		}
		if err := worker.flush(); err != nil {
			return worker.written, storageError(opMaterialize, err)
		}
	}
	return worker.written, nil
}

// snapshotWorker replays commits against the snapshot store inside one transaction. It keeps
// the latest known state of every entity it touched so repeated lookups stay in memory.
type snapshotWorker struct {
	transaction *gorm.DB
	logger      *zap.Logger
	metrics     *Metrics

	commit   Commit
	current  map[uuid.UUID]*ObjectSnapshot
	loaded   map[uuid.UUID]struct{}
	produced map[uuid.UUID]int
	pending  []*ObjectSnapshot
	written  int
}

func newSnapshotWorker(transaction *gorm.DB, logger *zap.Logger, metrics *Metrics) *snapshotWorker {
	return &snapshotWorker{
		transaction: transaction,
		logger:      logger,
		metrics:     metrics,
		current:     make(map[uuid.UUID]*ObjectSnapshot),
		loaded:      make(map[uuid.UUID]struct{}),
		produced:    make(map[uuid.UUID]int),
	}
}

func (w *snapshotWorker) CommitID() uuid.UUID {
	return w.commit.ID
}

func (w *snapshotWorker) CommitTime() time.Time {
	return w.commit.HybridTime.Time()
}

func (w *snapshotWorker) Lookup(ctx context.Context, id uuid.UUID) (lexicon.Object, error) {
	snapshot, err := w.latest(ctx, id)
	if err != nil || snapshot == nil {
		return nil, err
	}
	return snapshot.Entity, nil
}

// ReferencingObjects finds candidates in stored snapshots and in memory, then keeps only those
// whose latest state still references id.
func (w *snapshotWorker) ReferencingObjects(ctx context.Context, id uuid.UUID) ([]lexicon.Object, error) {
	candidates := make(map[uuid.UUID]struct{})
	var stored []string
	if err := w.transaction.WithContext(ctx).Model(&StoredSnapshot{}).
		Distinct(fieldEntityID).
		Where(queryReferencesLike, "%"+id.String()+"%").
		Pluck(fieldEntityID, &stored).Error; err != nil {
		return nil, err
	}
	for _, value := range stored {
		parsed, err := uuid.Parse(value)
		if err != nil {
			return nil, err
		}
		candidates[parsed] = struct{}{}
	}
	for entityID, snapshot := range w.current {
		if snapshot != nil && lexicon.ContainsReference(snapshot.Entity, id) {
			candidates[entityID] = struct{}{}
		}
	}

	ordered := make([]uuid.UUID, 0, len(candidates))
	for candidate := range candidates {
		ordered = append(ordered, candidate)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].String() < ordered[j].String() })

	referencing := make([]lexicon.Object, 0, len(ordered))
	for _, candidate := range ordered {
		snapshot, err := w.latest(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if snapshot != nil && lexicon.ContainsReference(snapshot.Entity, id) {
			referencing = append(referencing, snapshot.Entity)
		}
	}
	return referencing, nil
}

func (w *snapshotWorker) ReportConflict(rule string, entityID uuid.UUID, referenceID uuid.UUID) {
	w.metrics.conflictResolved(rule)
	fields := []zap.Field{
		zap.String("rule", rule),
		zap.String(fieldCommitID, w.commit.ID.String()),
		zap.String(fieldEntityID, entityID.String()),
	}
	if referenceID != uuid.Nil {
		fields = append(fields, zap.String("reference_id", referenceID.String()))
	}
	w.logger.Debug("conflict resolved", fields...)
}

// latest returns the newest known snapshot of an entity, or nil when it never existed.
func (w *snapshotWorker) latest(ctx context.Context, id uuid.UUID) (*ObjectSnapshot, error) {
	if snapshot, ok := w.current[id]; ok {
		return snapshot, nil
	}
	if _, ok := w.loaded[id]; ok {
		return nil, nil
	}
	if err := w.load(ctx, []uuid.UUID{id}); err != nil {
		return nil, err
	}
	return w.current[id], nil
}

// prefetch loads the latest stored snapshot of every entity a page of commits touches.
func (w *snapshotWorker) prefetch(ctx context.Context, page []Commit) error {
	seen := make(map[uuid.UUID]struct{})
	var missing []uuid.UUID
	want := func(id uuid.UUID) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		if _, ok := w.current[id]; ok {
			return
		}
		if _, ok := w.loaded[id]; ok {
			return
		}
		missing = append(missing, id)
	}
	for _, commit := range page {
		for _, entity := range commit.Changes {
			want(entity.EntityID)
			if dependent, ok := entity.Change.(changes.Dependent); ok {
				for _, reference := range dependent.RequiredReferences() {
					want(reference)
				}
			}
		}
	}
	return w.load(ctx, missing)
}

func (w *snapshotWorker) load(ctx context.Context, ids []uuid.UUID) error {
	for start := 0; start < len(ids); start += lookupChunkSize {
		end := min(start+lookupChunkSize, len(ids))
		chunk := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			chunk = append(chunk, id.String())
		}
		var rows []StoredSnapshot
		if err := w.transaction.WithContext(ctx).
			Where(queryEntityIDs, chunk).
			Order(fieldEntityID + ", " + snapshotOrder).
			Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			snapshot, err := decodeSnapshot(row)
			if err != nil {
				return err
			}
			w.current[snapshot.EntityID] = snapshot
		}
		for _, id := range ids[start:end] {
			w.loaded[id] = struct{}{}
		}
	}
	return nil
}

// applyCommit folds every change of one commit into the worker state.
func (w *snapshotWorker) applyCommit(ctx context.Context, commit Commit) error {
	if err := ctx.Err(); err != nil {
		return newServiceError(opMaterialize, reasonCanceled, err)
	}
	w.commit = commit
	w.produced = make(map[uuid.UUID]int)
	for _, entity := range commit.Changes {
		if err := w.applyChange(ctx, entity); err != nil {
			return err
		}
	}
	return nil
}

func (w *snapshotWorker) applyChange(ctx context.Context, entity ChangeEntity) error {
	current, err := w.latest(ctx, entity.EntityID)
	if err != nil {
		return storageError(opMaterialize, err)
	}

	var updated lexicon.Object
	switch {
	case current == nil:
		creator, ok := entity.Change.(changes.Creator)
		if !ok {
			w.ReportConflict(RuleMissingTarget, entity.EntityID, uuid.Nil)
			return nil
		}
		updated, err = creator.NewEntity(ctx, w)
	case changes.IsCreate(entity.Change):
		w.ReportConflict(RuleDuplicateCreate, entity.EntityID, uuid.Nil)
		return nil
	case current.Entity.TypeName() != entity.Change.TargetType():
		w.ReportConflict(RuleTypeMismatch, entity.EntityID, uuid.Nil)
		return nil
	case current.EntityIsDeleted:
		w.ReportConflict(RuleDeleteWins, entity.EntityID, uuid.Nil)
		return nil
	default:
		updated, err = entity.Change.Apply(ctx, current.Entity.Copy(), w)
	}
	if err != nil {
		if errors.Is(err, changes.ErrInvalidChange) || errors.Is(err, changes.ErrTargetType) {
			w.logger.Warn("change skipped during materialization",
				zap.String("rule", RuleRejectedChange),
				zap.String(fieldCommitID, w.commit.ID.String()),
				zap.String(fieldEntityID, entity.EntityID.String()),
				zap.Int("change_index", entity.Index),
				zap.Error(err))
			w.metrics.conflictResolved(RuleRejectedChange)
			return nil
		}
		return newServiceError(opMaterialize, reasonApply, fmt.Errorf("commit %s change %d: %w", w.commit.ID, entity.Index, err))
	}

	wasDeleted := current != nil && current.EntityIsDeleted
	w.record(updated, current == nil)
	if updated.IsDeleted() && !wasDeleted {
		return w.cascade(ctx, updated.ObjectID())
	}
	return nil
}

// cascade removes the reference to a deleted entity from everything that still holds it,
// recursing into dependents the removal deletes in turn.
func (w *snapshotWorker) cascade(ctx context.Context, deletedID uuid.UUID) error {
	referencing, err := w.ReferencingObjects(ctx, deletedID)
	if err != nil {
		return storageError(opMaterialize, err)
	}
	for _, object := range referencing {
		if object.IsDeleted() {
			continue
		}
		updated := object.Copy()
		updated.RemoveReference(deletedID, w.CommitTime())
		w.record(updated, false)
		if updated.IsDeleted() {
			w.ReportConflict(RuleCascadeDelete, updated.ObjectID(), deletedID)
			if err := w.cascade(ctx, updated.ObjectID()); err != nil {
				return err
			}
		}
	}
	return nil
}

// record stores the new state of an entity for the current commit. Later writes to the same
// entity within one commit replace earlier ones.
func (w *snapshotWorker) record(object lexicon.Object, isRoot bool) {
	entityID := object.ObjectID()
	position, seen := w.produced[entityID]
	if seen {
		isRoot = isRoot || w.pending[position].IsRoot
	}
	snapshot := &ObjectSnapshot{
		ID:              snapshotID(w.commit.ID, entityID),
		EntityID:        entityID,
		TypeName:        object.TypeName(),
		EntityIsDeleted: object.IsDeleted(),
		CommitID:        w.commit.ID,
		IsRoot:          isRoot,
		Entity:          object,
		References:      object.References(),
		HybridTime:      w.commit.HybridTime,
		ReplicaID:       w.commit.ReplicaID,
	}
	if seen {
		w.pending[position] = snapshot
	} else {
		w.produced[entityID] = len(w.pending)
		w.pending = append(w.pending, snapshot)
	}
	w.current[entityID] = snapshot
}

func (w *snapshotWorker) flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	rows := make([]StoredSnapshot, 0, len(w.pending))
	for _, snapshot := range w.pending {
		row, err := encodeSnapshot(snapshot)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	if err := w.transaction.CreateInBatches(rows, insertBatchSize).Error; err != nil {
		return err
	}
	w.written += len(rows)
	w.pending = w.pending[:0]
	return nil
}
