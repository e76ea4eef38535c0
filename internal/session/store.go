package session

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound          = errors.New("session: not found")
	ErrAlreadyExists     = errors.New("session: already exists")
	ErrInvalidInput      = errors.New("session: invalid input")
	ErrInvalidTransition = errors.New("session: invalid transition")
)

// Store is the C3 session table.
type Store interface {
	Create(ctx context.Context, in NewSessionInput) (Session, error)
	Get(ctx context.Context, token string) (Session, error)
	// GetForStatus returns the session with EncryptedKeyForUser redacted,
	// matching the status endpoint's contract (spec.md §4.1).
	GetForStatus(ctx context.Context, token string) (Session, error)

	AdvanceToDepositDetected(ctx context.Context, token string, txHash common.Hash, depositID uint64) (Session, error)
	AdvanceToWithdrawalQueued(ctx context.Context, token string) (Session, error)
	AdvanceToCompleted(ctx context.Context, token string, withdrawTxHash common.Hash) (Session, error)
	AdvanceToFailed(ctx context.Context, token string, reason error) (Session, error)

	// ListAwaitingDeposit returns every session currently in
	// StatusAwaitingDeposit, for the matcher's bounded linear scan.
	ListAwaitingDeposit(ctx context.Context) ([]Session, error)
}
