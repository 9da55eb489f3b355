package crdt

import (
	"context"
	"sort"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/hlc"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AddResult counts what an ingestion stored.
type AddResult struct {
	Added      int `json:"added"`
	Duplicates int `json:"duplicates"`
}

func (r *AddResult) merge(other AddResult) {
	r.Added += other.Added
	r.Duplicates += other.Duplicates
}

// AddCommits ingests commits received from another replica. Commits already stored, or
// repeated within the input, are skipped. Each commit's hash must match its contents; parent
// links are not required to form a chain. Input is processed in batches, one transaction per
// batch, and cancellation is honored between batches: batches already committed stay committed.
func (service *Service) AddCommits(ctx context.Context, commits []Commit) (AddResult, error) {
	unique := make([]Commit, 0, len(commits))
	seen := make(map[uuid.UUID]struct{}, len(commits))
	var result AddResult
	for _, commit := range commits {
		if _, ok := seen[commit.ID]; ok {
			result.Duplicates++
			continue
		}
		seen[commit.ID] = struct{}{}
		unique = append(unique, commit)
	}
	sort.SliceStable(unique, func(i, j int) bool { return keyOf(unique[i]).compare(keyOf(unique[j])) < 0 })

	batch := make([]Commit, 0, service.batchCommitLimit)
	batchChanges := 0
	for _, commit := range unique {
		if len(batch) > 0 && (len(batch) >= service.batchCommitLimit || batchChanges+len(commit.Changes) > service.batchChangeLimit) {
			added, err := service.ingestBatch(ctx, batch)
			result.merge(added)
			if err != nil {
				return result, err
			}
			batch = batch[:0]
			batchChanges = 0
		}
		batch = append(batch, commit)
		batchChanges += len(commit.Changes)
	}
	if len(batch) > 0 {
		added, err := service.ingestBatch(ctx, batch)
		result.merge(added)
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

// AddCommitsFrom ingests a stream, pulling only as many commits as fit one batch at a time.
func (service *Service) AddCommitsFrom(ctx context.Context, source CommitSource) (AddResult, error) {
	var result AddResult
	batch := make([]Commit, 0, service.batchCommitLimit)
	batchChanges := 0
	for source.Next(ctx) {
		commit := source.Commit()
		if len(batch) > 0 && (len(batch) >= service.batchCommitLimit || batchChanges+len(commit.Changes) > service.batchChangeLimit) {
			added, err := service.AddCommits(ctx, batch)
			result.merge(added)
			if err != nil {
				return result, err
			}
			batch = batch[:0]
			batchChanges = 0
		}
		batch = append(batch, commit)
		batchChanges += len(commit.Changes)
	}
	if err := source.Err(); err != nil {
		service.logError(opAddCommits, "source_failed", err)
		return result, newServiceError(opAddCommits, "source_failed", err)
	}
	if len(batch) > 0 {
		added, err := service.AddCommits(ctx, batch)
		result.merge(added)
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

// ingestBatch stores one batch atomically. batch must be sorted in total order.
func (service *Service) ingestBatch(ctx context.Context, batch []Commit) (AddResult, error) {
	if err := ctx.Err(); err != nil {
		return AddResult{}, newServiceError(opAddCommits, reasonCanceled, err)
	}
	ctx, span := service.tracer.Start(ctx, "crdt.AddCommits.batch", trace.WithAttributes(attribute.Int("commits", len(batch))))
	defer span.End()

	for _, commit := range batch {
		if err := validateShape(opAddCommits, commit); err != nil {
			service.logWarn(opAddCommits, err, zap.String(fieldCommitID, commit.ID.String()), zap.String(fieldReplicaID, commit.ReplicaID.String()))
			span.RecordError(err)
			return AddResult{}, err
		}
	}

	started := service.now()
	var result AddResult
	var written int
	var latest hlc.Timestamp
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		ids := make([]string, 0, len(batch))
		for _, commit := range batch {
			ids = append(ids, commit.ID.String())
		}
		existing := make(map[string]struct{}, len(ids))
		for start := 0; start < len(ids); start += lookupChunkSize {
			end := min(start+lookupChunkSize, len(ids))
			var found []string
			if err := transaction.Model(&StoredCommit{}).Where(queryCommitIDs, ids[start:end]).Pluck("id", &found).Error; err != nil {
				return storageError(opAddCommits, err)
			}
			for _, id := range found {
				existing[id] = struct{}{}
			}
		}

		fresh := make([]Commit, 0, len(batch))
		for _, commit := range batch {
			if _, ok := existing[commit.ID.String()]; ok {
				result.Duplicates++
				continue
			}
			fresh = append(fresh, commit)
			latest = hlc.Max(latest, commit.HybridTime)
		}
		if len(fresh) == 0 {
			return nil
		}
		if err := service.insertCommits(transaction, fresh); err != nil {
			return storageError(opAddCommits, err)
		}
		oldest := keyOf(fresh[0])
		var err error
		written, err = service.materializeFrom(ctx, transaction, &oldest)
		if err != nil {
			return err
		}
		result.Added = len(fresh)
		return nil
	})
	if transactionError != nil {
		service.logError(opAddCommits, reasonOf(transactionError), transactionError, zap.Int("commits", len(batch)))
		span.RecordError(transactionError)
		return AddResult{}, transactionError
	}

	if result.Added > 0 {
		service.clock.Observe(latest)
	}
	service.metrics.commitsAdded(result.Added)
	service.metrics.duplicateCommits(result.Duplicates)
	service.metrics.snapshotsWritten(written)
	service.metrics.observeMaterialize(service.now().Sub(started))
	return result, nil
}
