package withdrawjob

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestMemoryStore_Create_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(fixedClock(time.Now()))
	ctx := context.Background()

	if _, err := s.Create(ctx, NewJobInput{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput for missing id", err)
	}
	if _, err := s.Create(ctx, NewJobInput{ID: "job-1"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput for zero amount", err)
	}
}

func TestMemoryStore_CompleteExactlyOnce(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(fixedClock(time.Now()))
	ctx := context.Background()

	job, err := s.Create(ctx, NewJobInput{
		ID:               "job-1",
		SessionToken:     "tok-1",
		NewAddress:       common.HexToAddress("0x0000000000000000000000000000000000000001"),
		NormalizedAmount: 500,
		DepositID:        1,
		ExecuteAfter:     time.Now(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.Status != StatusPending {
		t.Fatalf("Status = %v, want pending", job.Status)
	}

	job, err = s.MarkCompleted(ctx, "job-1")
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Fatalf("Status = %v, want completed", job.Status)
	}

	if _, err := s.MarkCompleted(ctx, "job-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition completing twice, got %v", err)
	}
}

func TestMemoryStore_FailedRescheduleKeepsJobPending(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(fixedClock(time.Now()))
	ctx := context.Background()

	_, err := s.Create(ctx, NewJobInput{
		ID:               "job-1",
		NormalizedAmount: 500,
		ExecuteAfter:     time.Now(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	newTime := time.Now().Add(90 * time.Second)
	job, err := s.MarkFailedReschedule(ctx, "job-1", newTime)
	if err != nil {
		t.Fatalf("MarkFailedReschedule: %v", err)
	}
	if job.Status != StatusPending {
		t.Fatalf("Status = %v, want pending after reschedule", job.Status)
	}
	if !job.ExecuteAfter.Equal(newTime) {
		t.Fatalf("ExecuteAfter = %v, want %v", job.ExecuteAfter, newTime)
	}
}

func TestMemoryStore_ListPending(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(fixedClock(time.Now()))
	ctx := context.Background()

	for _, id := range []string{"job-1", "job-2"} {
		if _, err := s.Create(ctx, NewJobInput{ID: id, NormalizedAmount: 10, ExecuteAfter: time.Now()}); err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
	}
	if _, err := s.MarkCompleted(ctx, "job-1"); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	pending, err := s.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "job-2" {
		t.Fatalf("ListPending = %+v, want only job-2", pending)
	}
}
