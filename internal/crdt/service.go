// Package crdt stores hash-linked commits and materializes them into per-entity snapshots.
package crdt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/changes"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/hlc"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	tracerName = "github.com/MarcoPoloResearchLab/lexisync/backend/internal/crdt"

	defaultBatchCommitLimit = 500
	defaultBatchChangeLimit = 5000
	defaultStreamPageSize   = 250
	lookupChunkSize         = 500
	insertBatchSize         = 200

	fieldCommitID  = "commit_id"
	fieldEntityID  = "entity_id"
	fieldReplicaID = "replica_id"

	queryCommitID     = "id = ?"
	queryCommitIDs    = "id IN ?"
	queryChangeCommit = "commit_id IN ?"
	queryEntityIDs    = "entity_id IN ?"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingReplica  = errors.New("replica id is required")
	noOpLogger         = zap.NewNop()
)

// IDProvider issues commit identifiers.
type IDProvider interface {
	NewID() (uuid.UUID, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (uuid.UUID, error) {
	return uuid.NewV7()
}

type ServiceConfig struct {
	Database   *gorm.DB
	ReplicaID  uuid.UUID
	Clock      *hlc.Clock
	IDProvider IDProvider
	Logger     *zap.Logger
	Metrics    *Metrics
	Tracer     trace.Tracer
	Now        func() time.Time

	BatchCommitLimit int
	BatchChangeLimit int
	StreamPageSize   int
}

// Service owns one project's commit log and snapshot store.
type Service struct {
	db               *gorm.DB
	replicaID        uuid.UUID
	clock            *hlc.Clock
	idProvider       IDProvider
	logger           *zap.Logger
	metrics          *Metrics
	tracer           trace.Tracer
	now              func() time.Time
	batchCommitLimit int
	batchChangeLimit int
	streamPageSize   int
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opConfigure, reasonDatabase, errMissingDatabase)
	}
	if cfg.ReplicaID == uuid.Nil {
		return nil, newServiceError(opConfigure, "missing_replica_id", errMissingReplica)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	clock := cfg.Clock
	if clock == nil {
		clock = hlc.NewClock(now)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	return &Service{
		db:               cfg.Database,
		replicaID:        cfg.ReplicaID,
		clock:            clock,
		idProvider:       idProvider,
		logger:           logger,
		metrics:          cfg.Metrics,
		tracer:           tracer,
		now:              now,
		batchCommitLimit: positiveOr(cfg.BatchCommitLimit, defaultBatchCommitLimit),
		batchChangeLimit: positiveOr(cfg.BatchChangeLimit, defaultBatchChangeLimit),
		streamPageSize:   positiveOr(cfg.StreamPageSize, defaultStreamPageSize),
	}, nil
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

// ReplicaID identifies commits authored by this service.
func (service *Service) ReplicaID() uuid.UUID {
	return service.replicaID
}

// Clock exposes the hybrid clock commits are stamped with.
func (service *Service) Clock() *hlc.Clock {
	return service.clock
}

// HeadHash returns the hash of the newest commit in total order, or "" for an empty log.
func (service *Service) HeadHash(ctx context.Context) (string, error) {
	head, err := headHash(service.db.WithContext(ctx))
	if err != nil {
		service.logError(opQuery, reasonQuery, err)
		return "", storageError(opQuery, err)
	}
	return head, nil
}

func headHash(transaction *gorm.DB) (string, error) {
	var heads []StoredCommit
	err := transaction.Select("hash").
		Order(commitOrderDesc).
		Limit(1).
		Find(&heads).Error
	if err != nil {
		return "", err
	}
	if len(heads) == 0 {
		return "", nil
	}
	return heads[0].Hash, nil
}

// Commit stamps changes with the next hybrid time, links them to the current head, and appends them.
func (service *Service) Commit(ctx context.Context, metadata Metadata, commitChanges ...changes.Change) (Commit, error) {
	if len(commitChanges) == 0 {
		return Commit{}, integrityError(opAppend, reasonEmpty, uuid.Nil, uuid.Nil, fmt.Errorf("commit has no changes"))
	}
	commitID, err := service.idProvider.NewID()
	if err != nil {
		service.logError(opAppend, "id_generation_failed", err)
		return Commit{}, newServiceError(opAppend, "id_generation_failed", err)
	}
	head, err := service.HeadHash(ctx)
	if err != nil {
		return Commit{}, err
	}
	commit, err := NewCommit(commitID, head, service.clock.Now(), service.replicaID, metadata, commitChanges)
	if err != nil {
		return Commit{}, integrityError(opAppend, reasonInvalid, commitID, uuid.Nil, err)
	}
	if err := service.Append(ctx, commit); err != nil {
		return Commit{}, err
	}
	return commit, nil
}

// Append stores a locally authored commit. The commit must extend the current head, hash
// correctly, and reference only entities that exist or are created earlier in the same commit.
// Nothing is stored when validation fails.
func (service *Service) Append(ctx context.Context, commit Commit) error {
	ctx, span := service.tracer.Start(ctx, "crdt.Append", trace.WithAttributes(attribute.String(fieldCommitID, commit.ID.String())))
	defer span.End()

	if err := validateShape(opAppend, commit); err != nil {
		service.logWarn(opAppend, err, zap.String(fieldCommitID, commit.ID.String()))
		return err
	}

	started := service.now()
	var written int
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing int64
		if err := transaction.Model(&StoredCommit{}).Where(queryCommitID, commit.ID.String()).Count(&existing).Error; err != nil {
			return storageError(opAppend, err)
		}
		if existing > 0 {
			return integrityError(opAppend, reasonExists, commit.ID, uuid.Nil, fmt.Errorf("commit already stored"))
		}
		head, err := headHash(transaction)
		if err != nil {
			return storageError(opAppend, err)
		}
		if !strings.EqualFold(commit.ParentHash, head) {
			return integrityError(opAppend, reasonParent, commit.ID, uuid.Nil, fmt.Errorf("parent %q does not match head %q", commit.ParentHash, head))
		}
		if err := verifyReferences(transaction, commit); err != nil {
			return err
		}
		if err := service.insertCommits(transaction, []Commit{commit}); err != nil {
			return storageError(opAppend, err)
		}
		key := keyOf(commit)
		written, err = service.materializeFrom(ctx, transaction, &key)
		return err
	})
	if transactionError != nil {
		service.logError(opAppend, reasonOf(transactionError), transactionError, zap.String(fieldCommitID, commit.ID.String()))
		span.RecordError(transactionError)
		return transactionError
	}

	service.clock.Observe(commit.HybridTime)
	service.metrics.commitsAdded(1)
	service.metrics.snapshotsWritten(written)
	service.metrics.observeMaterialize(service.now().Sub(started))
	return nil
}

func verifyReferences(transaction *gorm.DB, commit Commit) error {
	created := make(map[uuid.UUID]struct{})
	required := make(map[uuid.UUID]uuid.UUID)
	order := make([]uuid.UUID, 0)
	require := func(id, entityID uuid.UUID) {
		if _, ok := created[id]; ok {
			return
		}
		if _, ok := required[id]; ok {
			return
		}
		required[id] = entityID
		order = append(order, id)
	}
	for _, entity := range commit.Changes {
		if dependent, ok := entity.Change.(changes.Dependent); ok {
			for _, reference := range dependent.RequiredReferences() {
				require(reference, entity.EntityID)
			}
		}
		if changes.IsCreate(entity.Change) {
			created[entity.EntityID] = struct{}{}
			continue
		}
		require(entity.EntityID, entity.EntityID)
	}
	if len(order) == 0 {
		return nil
	}

	present := make(map[string]struct{}, len(order))
	for start := 0; start < len(order); start += lookupChunkSize {
		end := min(start+lookupChunkSize, len(order))
		ids := make([]string, 0, end-start)
		for _, id := range order[start:end] {
			ids = append(ids, id.String())
		}
		var found []string
		if err := transaction.Model(&StoredSnapshot{}).Distinct(fieldEntityID).Where(queryEntityIDs, ids).Pluck(fieldEntityID, &found).Error; err != nil {
			return storageError(opAppend, err)
		}
		for _, id := range found {
			present[id] = struct{}{}
		}
	}
	for _, id := range order {
		if _, ok := present[id.String()]; !ok {
			return integrityError(opAppend, reasonMissing, commit.ID, required[id], fmt.Errorf("entity %s does not exist", id))
		}
	}
	return nil
}

func (service *Service) insertCommits(transaction *gorm.DB, commits []Commit) error {
	addedAt := service.now().UTC().UnixMilli()
	headers := make([]StoredCommit, 0, len(commits))
	var rows []StoredChange
	for _, commit := range commits {
		header, changeRows, err := encodeCommit(commit, addedAt)
		if err != nil {
			return err
		}
		headers = append(headers, header)
		rows = append(rows, changeRows...)
	}
	if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(headers, insertBatchSize).Error; err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	return transaction.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, insertBatchSize).Error
}

// GetCommit loads one commit by id.
func (service *Service) GetCommit(ctx context.Context, commitID uuid.UUID) (Commit, bool, error) {
	commits, err := loadCommits(service.db.WithContext(ctx), []string{commitID.String()})
	if err != nil {
		service.logError(opQuery, reasonQuery, err, zap.String(fieldCommitID, commitID.String()))
		return Commit{}, false, storageError(opQuery, err)
	}
	if len(commits) == 0 {
		return Commit{}, false, nil
	}
	return commits[0], true, nil
}

func loadCommits(transaction *gorm.DB, ids []string) ([]Commit, error) {
	var headers []StoredCommit
	if err := transaction.Where(queryCommitIDs, ids).Order(commitOrder).Find(&headers).Error; err != nil {
		return nil, err
	}
	return attachChanges(transaction, headers)
}

// attachChanges decodes headers with their change rows, preserving header order.
func attachChanges(transaction *gorm.DB, headers []StoredCommit) ([]Commit, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	rowsByCommit := make(map[string][]StoredChange, len(headers))
	for start := 0; start < len(headers); start += lookupChunkSize {
		end := min(start+lookupChunkSize, len(headers))
		ids := make([]string, 0, end-start)
		for _, header := range headers[start:end] {
			ids = append(ids, header.ID)
		}
		var rows []StoredChange
		if err := transaction.Where(queryChangeCommit, ids).Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, row := range rows {
			rowsByCommit[row.CommitID] = append(rowsByCommit[row.CommitID], row)
		}
	}
	commits := make([]Commit, 0, len(headers))
	for _, header := range headers {
		commit, err := decodeCommit(header, rowsByCommit[header.ID])
		if err != nil {
			return nil, err
		}
		commits = append(commits, commit)
	}
	return commits, nil
}

func reasonOf(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return reasonCanceled
	}
	return reasonQuery
}

func (service *Service) loggerOrDefault() *zap.Logger {
	if service == nil || service.logger == nil {
		return noOpLogger
	}
	return service.logger
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.loggerOrDefault().Error("crdt service error", attrs...)
}

func (service *Service) logWarn(operation string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reasonOf(err)),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	service.loggerOrDefault().Warn("crdt commit rejected", attrs...)
}
