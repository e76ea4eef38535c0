package withdrawjob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNotFound          = errors.New("withdrawjob: not found")
	ErrAlreadyExists     = errors.New("withdrawjob: already exists")
	ErrInvalidInput      = errors.New("withdrawjob: invalid input")
	ErrInvalidTransition = errors.New("withdrawjob: invalid transition")
)

// Store is the C3 job table.
type Store interface {
	Create(ctx context.Context, in NewJobInput) (WithdrawalJob, error)
	Get(ctx context.Context, id string) (WithdrawalJob, error)
	MarkCompleted(ctx context.Context, id string) (WithdrawalJob, error)
	MarkFailedReschedule(ctx context.Context, id string, newExecuteAfter time.Time) (WithdrawalJob, error)
	// ListPending returns every job in StatusPending, in creation order.
	ListPending(ctx context.Context) ([]WithdrawalJob, error)
}

type MemoryStore struct {
	now func() time.Time

	mu    sync.Mutex
	byID  map[string]WithdrawalJob
	order []string
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:  now,
		byID: make(map[string]WithdrawalJob),
	}
}

func (s *MemoryStore) Create(_ context.Context, in NewJobInput) (WithdrawalJob, error) {
	if in.ID == "" {
		return WithdrawalJob{}, fmt.Errorf("%w: job id required", ErrInvalidInput)
	}
	if in.NormalizedAmount == 0 {
		return WithdrawalJob{}, fmt.Errorf("%w: normalizedAmount must be > 0", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[in.ID]; ok {
		return WithdrawalJob{}, ErrAlreadyExists
	}

	now := s.now().UTC()
	job := WithdrawalJob{
		ID:               in.ID,
		SessionToken:     in.SessionToken,
		NewAddress:       in.NewAddress,
		NormalizedAmount: in.NormalizedAmount,
		DepositID:        in.DepositID,
		ExecuteAfter:     in.ExecuteAfter,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.byID[in.ID] = job
	s.order = append(s.order, in.ID)
	return job, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (WithdrawalJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.byID[id]
	if !ok {
		return WithdrawalJob{}, ErrNotFound
	}
	return job, nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, id string) (WithdrawalJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.byID[id]
	if !ok {
		return WithdrawalJob{}, ErrNotFound
	}
	if job.Status != StatusPending {
		return job, fmt.Errorf("%w: job %s is %s, want pending", ErrInvalidTransition, id, job.Status)
	}

	job.Status = StatusCompleted
	job.UpdatedAt = s.now().UTC()
	s.byID[id] = job
	return job, nil
}

func (s *MemoryStore) MarkFailedReschedule(_ context.Context, id string, newExecuteAfter time.Time) (WithdrawalJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.byID[id]
	if !ok {
		return WithdrawalJob{}, ErrNotFound
	}
	if job.Status != StatusPending {
		return job, fmt.Errorf("%w: job %s is %s, want pending", ErrInvalidTransition, id, job.Status)
	}

	// Retries keep the job pending with a new executeAfter (spec.md §3).
	job.ExecuteAfter = newExecuteAfter
	job.UpdatedAt = s.now().UTC()
	s.byID[id] = job
	return job, nil
}

func (s *MemoryStore) ListPending(_ context.Context) ([]WithdrawalJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WithdrawalJob, 0, len(s.order))
	for _, id := range s.order {
		job := s.byID[id]
		if job.Status != StatusPending {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}
