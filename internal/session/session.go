// Package session implements the in-memory session table (C3): the
// mapping from opaque session tokens to the state machine that tracks one
// user's funding-to-trading transfer.
package session

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the forward-only session state machine of spec.md §3.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusAwaitingDeposit
	StatusDepositDetected
	StatusWithdrawalQueued
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusAwaitingDeposit:
		return "awaiting_deposit"
	case StatusDepositDetected:
		return "deposit_detected"
	case StatusWithdrawalQueued:
		return "withdrawal_queued"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Session is the server-side record of one user's privacy-preserving
// transfer from a funding address to a fresh trading address.
type Session struct {
	ID           string
	SessionToken string

	UserAddress    common.Address
	ExpectedAmount uint64

	Status Status

	NewAddress          common.Address
	EncryptedKeyForUser string
	AttestationReport   string

	DepositTxHash  common.Hash
	DepositID      uint64
	WithdrawTxHash common.Hash

	FailureReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewSessionInput carries the immutable fields fixed at Create.
type NewSessionInput struct {
	SessionToken        string
	UserAddress         common.Address
	ExpectedAmount      uint64
	NewAddress          common.Address
	EncryptedKeyForUser string
	AttestationReport   string
}
