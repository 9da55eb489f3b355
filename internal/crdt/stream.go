package crdt

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

const queryCommitsAfter = "(hybrid_wall, hybrid_counter, replica_id, id) > (?, ?, ?, ?)"

// CommitSource yields commits one at a time. Consumers pull, so a slow consumer never
// forces the producer to buffer more than one page.
type CommitSource interface {
	Next(ctx context.Context) bool
	Commit() Commit
	Err() error
}

// CommitStream pages through stored commits in total order using keyset pagination.
type CommitStream struct {
	db       *gorm.DB
	pageSize int
	filter   string
	args     []any

	after   *commitKey
	page    []Commit
	pos     int
	current Commit
	done    bool
	err     error
}

func newCommitStream(db *gorm.DB, pageSize int, filter string, args []any) *CommitStream {
	return &CommitStream{db: db, pageSize: positiveOr(pageSize, defaultStreamPageSize), filter: filter, args: args}
}

// Commits streams the whole log in total order.
func (service *Service) Commits() *CommitStream {
	return newCommitStream(service.db, service.streamPageSize, "", nil)
}

// Next advances to the next commit, fetching another page when the current one is exhausted.
func (s *CommitStream) Next(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	if s.pos >= len(s.page) {
		page, err := s.nextPage(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.err = newServiceError(opStream, reasonCanceled, err)
			return false
		}
		if err != nil {
			s.err = storageError(opStream, err)
			return false
		}
		if len(page) == 0 {
			return false
		}
		s.page = page
		s.pos = 0
	}
	s.current = s.page[s.pos]
	s.pos++
	return true
}

func (s *CommitStream) Commit() Commit {
	return s.current
}

func (s *CommitStream) Err() error {
	return s.err
}

func (s *CommitStream) nextPage(ctx context.Context) ([]Commit, error) {
	if s.done {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).Model(&StoredCommit{})
	if s.filter != "" {
		query = query.Where(s.filter, s.args...)
	}
	if s.after != nil {
		query = query.Where(queryCommitsAfter, s.after.args()...)
	}
	var headers []StoredCommit
	if err := query.Order(commitOrder).Limit(s.pageSize).Find(&headers).Error; err != nil {
		return nil, err
	}
	if len(headers) < s.pageSize {
		s.done = true
	}
	if len(headers) == 0 {
		return nil, nil
	}
	last := headers[len(headers)-1]
	s.after = &commitKey{wall: last.HybridWall, counter: last.HybridCounter, replica: last.ReplicaID, id: last.ID}
	return attachChanges(s.db.WithContext(ctx), headers)
}

// SliceSource adapts an in-memory list of commits to CommitSource.
type SliceSource struct {
	commits []Commit
	pos     int
	current Commit
}

func NewSliceSource(commits []Commit) *SliceSource {
	return &SliceSource{commits: commits}
}

func (s *SliceSource) Next(ctx context.Context) bool {
	if ctx.Err() != nil || s.pos >= len(s.commits) {
		return false
	}
	s.current = s.commits[s.pos]
	s.pos++
	return true
}

func (s *SliceSource) Commit() Commit {
	return s.current
}

func (s *SliceSource) Err() error {
	return nil
}

// Drain collects every remaining commit of a source.
func Drain(ctx context.Context, source CommitSource) ([]Commit, error) {
	var commits []Commit
	for source.Next(ctx) {
		commits = append(commits, source.Commit())
	}
	if err := source.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return commits, nil
}
