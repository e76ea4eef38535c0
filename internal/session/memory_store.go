package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type MemoryStore struct {
	now func() time.Time

	mu    sync.Mutex
	byTok map[string]Session
	order []string
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:   now,
		byTok: make(map[string]Session),
	}
}

func (s *MemoryStore) Create(_ context.Context, in NewSessionInput) (Session, error) {
	if in.SessionToken == "" {
		return Session{}, fmt.Errorf("%w: session token required", ErrInvalidInput)
	}
	if in.ExpectedAmount == 0 {
		return Session{}, fmt.Errorf("%w: expectedAmount must be > 0", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byTok[in.SessionToken]; ok {
		return Session{}, ErrAlreadyExists
	}

	now := s.now().UTC()
	sess := Session{
		ID:                  in.SessionToken,
		SessionToken:        in.SessionToken,
		UserAddress:         in.UserAddress,
		ExpectedAmount:      in.ExpectedAmount,
		Status:              StatusAwaitingDeposit,
		NewAddress:          in.NewAddress,
		EncryptedKeyForUser: in.EncryptedKeyForUser,
		AttestationReport:   in.AttestationReport,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	s.byTok[in.SessionToken] = sess
	s.order = append(s.order, in.SessionToken)
	return sess, nil
}

func (s *MemoryStore) Get(_ context.Context, token string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byTok[token]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemoryStore) GetForStatus(ctx context.Context, token string) (Session, error) {
	sess, err := s.Get(ctx, token)
	if err != nil {
		return Session{}, err
	}
	sess.EncryptedKeyForUser = ""
	return sess, nil
}

func (s *MemoryStore) AdvanceToDepositDetected(_ context.Context, token string, txHash common.Hash, depositID uint64) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byTok[token]
	if !ok {
		return Session{}, ErrNotFound
	}
	if sess.Status != StatusAwaitingDeposit {
		return sess, fmt.Errorf("%w: session %s is %s, want awaiting_deposit", ErrInvalidTransition, token, sess.Status)
	}

	sess.Status = StatusDepositDetected
	sess.DepositTxHash = txHash
	sess.DepositID = depositID
	sess.UpdatedAt = s.now().UTC()
	s.byTok[token] = sess
	return sess, nil
}

func (s *MemoryStore) AdvanceToWithdrawalQueued(_ context.Context, token string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byTok[token]
	if !ok {
		return Session{}, ErrNotFound
	}
	if sess.Status != StatusDepositDetected {
		return sess, fmt.Errorf("%w: session %s is %s, want deposit_detected", ErrInvalidTransition, token, sess.Status)
	}

	sess.Status = StatusWithdrawalQueued
	sess.UpdatedAt = s.now().UTC()
	s.byTok[token] = sess
	return sess, nil
}

func (s *MemoryStore) AdvanceToCompleted(_ context.Context, token string, withdrawTxHash common.Hash) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byTok[token]
	if !ok {
		return Session{}, ErrNotFound
	}
	if sess.Status != StatusWithdrawalQueued {
		return sess, fmt.Errorf("%w: session %s is %s, want withdrawal_queued", ErrInvalidTransition, token, sess.Status)
	}

	sess.Status = StatusCompleted
	sess.WithdrawTxHash = withdrawTxHash
	sess.UpdatedAt = s.now().UTC()
	s.byTok[token] = sess
	return sess, nil
}

func (s *MemoryStore) AdvanceToFailed(_ context.Context, token string, reason error) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byTok[token]
	if !ok {
		return Session{}, ErrNotFound
	}
	if sess.Status == StatusCompleted || sess.Status == StatusFailed {
		return sess, fmt.Errorf("%w: session %s is %s, cannot fail", ErrInvalidTransition, token, sess.Status)
	}

	sess.Status = StatusFailed
	if reason != nil {
		sess.FailureReason = reason.Error()
	}
	sess.UpdatedAt = s.now().UTC()
	s.byTok[token] = sess
	return sess, nil
}

func (s *MemoryStore) ListAwaitingDeposit(_ context.Context) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Session, 0, len(s.order))
	for _, tok := range s.order {
		sess := s.byTok[tok]
		if sess.Status != StatusAwaitingDeposit {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}
