// Package projects opens and caches one engine instance per project.
package projects

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/changes"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/database"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/lexicon"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultSnapshotCacheSize = 64

var ErrInvalidProject = errors.New("projects: invalid project id")

// OpenFunc opens the store of one project.
type OpenFunc func(projectID string) (*gorm.DB, error)

// ChangeListener is notified after a write stored at least one commit.
type ChangeListener func(projectID string, added int)

type Config struct {
	Database  database.Config
	ReplicaID uuid.UUID
	Logger    *zap.Logger
	Metrics   *crdt.Metrics
	Open      OpenFunc
	Now       func() time.Time

	BatchCommitLimit  int
	BatchChangeLimit  int
	StreamPageSize    int
	SnapshotCacheSize int
}

// Registry hands out a single Project per id, opening stores lazily.
type Registry struct {
	cfg       Config
	logger    *zap.Logger
	projects  *xsync.MapOf[string, *Project]
	mu        sync.RWMutex
	listeners []ChangeListener
}

func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.ReplicaID == uuid.Nil {
		return nil, fmt.Errorf("projects: replica id is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Open == nil {
		dbConfig := cfg.Database
		cfg.Open = func(projectID string) (*gorm.DB, error) {
			return database.OpenProject(dbConfig, projectID, logger)
		}
	}
	if cfg.SnapshotCacheSize <= 0 {
		cfg.SnapshotCacheSize = defaultSnapshotCacheSize
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		projects: xsync.NewMapOf[string, *Project](),
	}, nil
}

// OnChange registers a listener for successful writes to any project.
func (r *Registry) OnChange(listener ChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
}

func (r *Registry) notify(projectID string, added int) {
	if added == 0 {
		return
	}
	r.mu.RLock()
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, listener := range listeners {
		listener(projectID, added)
	}
}

// Get returns the project, opening its store on first use.
func (r *Registry) Get(projectID string) (*Project, error) {
	if err := database.ValidateProjectID(projectID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProject, err)
	}
	var openErr error
	project, _ := r.projects.LoadOrTryCompute(projectID, func() (*Project, bool) {
		opened, err := r.open(projectID)
		if err != nil {
			openErr = err
			return nil, true
		}
		return opened, false
	})
	if openErr != nil {
		r.logger.Error("project open failed", zap.String("project_id", projectID), zap.Error(openErr))
		return nil, openErr
	}
	return project, nil
}

func (r *Registry) open(projectID string) (*Project, error) {
	db, err := r.cfg.Open(projectID)
	if err != nil {
		return nil, err
	}
	service, err := crdt.NewService(crdt.ServiceConfig{
		Database:         db,
		ReplicaID:        r.cfg.ReplicaID,
		Logger:           r.logger.With(zap.String("project_id", projectID)),
		Metrics:          r.cfg.Metrics,
		Now:              r.cfg.Now,
		BatchCommitLimit: r.cfg.BatchCommitLimit,
		BatchChangeLimit: r.cfg.BatchChangeLimit,
		StreamPageSize:   r.cfg.StreamPageSize,
	})
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[uuid.UUID, lexicon.ProjectSnapshot](r.cfg.SnapshotCacheSize)
	if err != nil {
		return nil, err
	}
	return &Project{id: projectID, db: db, service: service, snapshots: cache, registry: r}, nil
}

// Range visits every open project.
func (r *Registry) Range(visit func(project *Project) bool) {
	r.projects.Range(func(_ string, project *Project) bool {
		return visit(project)
	})
}

// Close releases every open store.
func (r *Registry) Close() error {
	var errs []error
	r.projects.Range(func(projectID string, project *Project) bool {
		if err := project.close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", projectID, err))
		}
		r.projects.Delete(projectID)
		return true
	})
	return errors.Join(errs...)
}

// Project serializes writes to one project's engine and caches historical snapshots.
// Reads run concurrently with each other and with writes.
type Project struct {
	id       string
	db       *gorm.DB
	service  *crdt.Service
	registry *Registry
	writeMu  sync.Mutex

	cacheMu   sync.Mutex
	snapshots *lru.Cache[uuid.UUID, lexicon.ProjectSnapshot]

	// generation advances on every purge so reads that raced a write do not repopulate the cache.
	generation atomic.Uint64
}

var _ crdt.Syncable = (*Project)(nil)

func (p *Project) ID() string {
	return p.id
}

// Service exposes the engine for read-only callers and maintenance commands.
func (p *Project) Service() *crdt.Service {
	return p.service
}

func (p *Project) GetSyncState(ctx context.Context) (crdt.SyncState, error) {
	return p.service.GetSyncState(ctx)
}

func (p *Project) GetChanges(ctx context.Context, remote crdt.SyncState) (crdt.ChangesResult, error) {
	return p.service.GetChanges(ctx, remote)
}

func (p *Project) AddCommits(ctx context.Context, commits []crdt.Commit) (crdt.AddResult, error) {
	return p.write(func() (crdt.AddResult, error) {
		return p.service.AddCommits(ctx, commits)
	})
}

func (p *Project) AddCommitsFrom(ctx context.Context, source crdt.CommitSource) (crdt.AddResult, error) {
	return p.write(func() (crdt.AddResult, error) {
		return p.service.AddCommitsFrom(ctx, source)
	})
}

// Commit authors a local commit.
func (p *Project) Commit(ctx context.Context, metadata crdt.Metadata, commitChanges ...changes.Change) (crdt.Commit, error) {
	var commit crdt.Commit
	_, err := p.write(func() (crdt.AddResult, error) {
		var err error
		commit, err = p.service.Commit(ctx, metadata, commitChanges...)
		if err != nil {
			return crdt.AddResult{}, err
		}
		return crdt.AddResult{Added: 1}, nil
	})
	return commit, err
}

// RegenerateSnapshots rebuilds the snapshot store under the write lock.
func (p *Project) RegenerateSnapshots(ctx context.Context) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	written, err := p.service.RegenerateSnapshots(ctx)
	p.purge()
	return written, err
}

// write runs one mutation under the project lock. Historical snapshots are purged after every
// write because an out-of-order commit can change the state at an older commit.
func (p *Project) write(mutate func() (crdt.AddResult, error)) (crdt.AddResult, error) {
	p.writeMu.Lock()
	result, err := mutate()
	if result.Added > 0 {
		p.purge()
	}
	p.writeMu.Unlock()
	p.registry.notify(p.id, result.Added)
	return result, err
}

// SnapshotAtCommit returns the project as of a commit; false when the commit is unknown.
// Callers own the result; the cache keeps its own copy.
func (p *Project) SnapshotAtCommit(ctx context.Context, commitID uuid.UUID) (lexicon.ProjectSnapshot, bool, error) {
	if cached, ok := p.snapshots.Get(commitID); ok {
		return cached.Copy(), true, nil
	}
	generation := p.generation.Load()
	snapshot, found, err := p.service.SnapshotAtCommit(ctx, commitID)
	if err != nil || !found {
		return snapshot, found, err
	}
	p.cacheMu.Lock()
	if p.generation.Load() == generation {
		p.snapshots.Add(commitID, snapshot)
	}
	p.cacheMu.Unlock()
	return snapshot.Copy(), true, nil
}

func (p *Project) purge() {
	p.cacheMu.Lock()
	p.generation.Add(1)
	p.snapshots.Purge()
	p.cacheMu.Unlock()
}

func (p *Project) ProjectSnapshot(ctx context.Context) (lexicon.ProjectSnapshot, error) {
	return p.service.ProjectSnapshot(ctx)
}

func (p *Project) close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
