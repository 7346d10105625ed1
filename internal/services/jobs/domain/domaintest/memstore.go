// Package domaintest provides an in-memory job store for tests that
// exercise the code around the store rather than the store itself
package domaintest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"shutter/internal/services/jobs/domain"
)

// MemStore is a map-backed domain.Store with the same locking semantics as
// the real one
type MemStore struct {
	mu sync.Mutex
	m  map[string]*domain.Job

	// FailInsert makes Insert refuse, for admission failure paths
	FailInsert bool
}

// NewMemStore returns an empty store
func NewMemStore() *MemStore { return &MemStore{m: make(map[string]*domain.Job)} }

// Seed puts a job in without going through Insert
func (s *MemStore) Seed(j *domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	s.m[j.ID] = &cp
}

// Get returns a copy of the stored row, for assertions
func (s *MemStore) Get(id string) (*domain.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.m[id]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}

// Insert stores a new job
func (s *MemStore) Insert(_ context.Context, j *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailInsert {
		return errors.New("insert refused")
	}
	cp := *j
	s.m[j.ID] = &cp
	return nil
}

// Update replaces the stored row
func (s *MemStore) Update(_ context.Context, j *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[j.ID]; !ok {
		return errors.New("job vanished")
	}
	cp := *j
	s.m[j.ID] = &cp
	return nil
}

// FindByID returns the job or domain.ErrJobNotFound
func (s *MemStore) FindByID(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.m[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// FindByIDAndUser scopes the lookup to the owner
func (s *MemStore) FindByIDAndUser(ctx context.Context, id, userID string) (*domain.Job, error) {
	j, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, domain.ErrJobNotFound
	}
	return j, nil
}

// FindByUser pages a user's jobs newest first
func (s *MemStore) FindByUser(
	_ context.Context, userID string, status domain.JobStatus, limit, offset int,
) ([]*domain.Job, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*domain.Job
	for _, j := range s.m {
		if j.UserID == userID && (status == "" || j.Status == status) {
			cp := *j
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, k int) bool { return all[i].CreatedAt.After(all[k].CreatedAt) })
	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

// FindByIDs drops ids the user does not own
func (s *MemStore) FindByIDs(_ context.Context, ids []string, userID string) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, id := range ids {
		if j, ok := s.m[id]; ok && j.UserID == userID {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

// FindPending returns queued, effectively-unlocked jobs oldest first
func (s *MemStore) FindPending(
	_ context.Context, now time.Time, stuckAfter time.Duration, limit int,
) ([]*domain.Job, error) {
	return s.scan(limit, func(j *domain.Job) bool {
		return j.Status == domain.StatusQueued && !j.Locked(now, stuckAfter)
	})
}

// TryLock claims the row if it is unlocked or stale-locked
func (s *MemStore) TryLock(
	_ context.Context, jobID, workerID string, now time.Time, stuckAfter time.Duration,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.m[jobID]
	if !ok || j.Status == domain.StatusCompleted {
		return false, nil
	}
	if j.Locked(now, stuckAfter) {
		return false, nil
	}
	j.LockedBy = workerID
	j.LockedAt = &now
	j.UpdatedAt = now
	return true, nil
}

// Unlock releases the claim if workerID holds it
func (s *MemStore) Unlock(_ context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.m[jobID]; ok && j.LockedBy == workerID {
		j.LockedBy = ""
		j.LockedAt = nil
	}
	return nil
}

// FindStuck returns stale-locked processing jobs
func (s *MemStore) FindStuck(
	_ context.Context, now time.Time, stuckAfter time.Duration, limit int,
) ([]*domain.Job, error) {
	return s.scan(limit, func(j *domain.Job) bool {
		if j.Status != domain.StatusProcessing {
			return false
		}
		if now.Sub(j.UpdatedAt) < stuckAfter {
			return false
		}
		return j.LockedBy == "" || (j.LockedAt != nil && j.LockedAt.Before(now.Add(-(stuckAfter + 5*time.Minute))))
	})
}

// FindReadyForRetry returns queued jobs due for re-enqueue
func (s *MemStore) FindReadyForRetry(
	_ context.Context, now time.Time, grace time.Duration, limit int,
) ([]*domain.Job, error) {
	return s.scan(limit, func(j *domain.Job) bool {
		if j.Status != domain.StatusQueued || j.LockedBy != "" {
			return false
		}
		if j.NextRetryAt != nil {
			return j.IsRetryable && !j.NextRetryAt.After(now)
		}
		return j.UpdatedAt.Before(now.Add(-grace))
	})
}

// FindFailedRetryable returns failed jobs with retry budget left
func (s *MemStore) FindFailedRetryable(_ context.Context, limit int) ([]*domain.Job, error) {
	return s.scan(limit, func(j *domain.Job) bool {
		return j.Status == domain.StatusFailed && j.IsRetryable &&
			j.RetryCount < j.MaxRetries && j.LockedBy == ""
	})
}

// CountByStatus aggregates all jobs by state
func (s *MemStore) CountByStatus(context.Context) (domain.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c domain.StatusCounts
	for _, j := range s.m {
		switch j.Status {
		case domain.StatusQueued:
			c.Queued++
		case domain.StatusProcessing:
			c.Processing++
		case domain.StatusCompleted:
			c.Completed++
		case domain.StatusFailed:
			c.Failed++
		}
	}
	return c, nil
}

// CountByStatusForUser aggregates one user's jobs by state
func (s *MemStore) CountByStatusForUser(_ context.Context, userID string) (domain.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c domain.StatusCounts
	for _, j := range s.m {
		if j.UserID != userID {
			continue
		}
		switch j.Status {
		case domain.StatusQueued:
			c.Queued++
		case domain.StatusProcessing:
			c.Processing++
		case domain.StatusCompleted:
			c.Completed++
		case domain.StatusFailed:
			c.Failed++
		}
	}
	return c, nil
}

// CountByFormat aggregates over the requested output format
func (s *MemStore) CountByFormat(context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	for _, j := range s.m {
		f := j.Request.Format
		if f == "" {
			f = domain.FormatPNG
		}
		out[f]++
	}
	return out, nil
}

// DeleteTerminalBefore removes old terminal rows
func (s *MemStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.m {
		if int(n) >= limit {
			break
		}
		if j.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(s.m, id)
			n++
		}
	}
	return n, nil
}

func (s *MemStore) scan(limit int, keep func(*domain.Job) bool) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, j := range s.m {
		if keep(j) {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.Before(out[k].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
