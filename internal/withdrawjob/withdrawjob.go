// Package withdrawjob implements the withdrawal job table (C3 jobs): the
// per-match records the batch processor (C8) drains against the external
// queue (internal/queue).
package withdrawjob

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// WithdrawalJob is one operator-side forwarding obligation created by the
// matcher on a successful deposit match.
type WithdrawalJob struct {
	ID               string
	SessionToken     string
	NewAddress       common.Address
	NormalizedAmount uint64
	DepositID        uint64
	ExecuteAfter     time.Time
	Status           Status

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewJobInput carries the immutable fields fixed at Create.
type NewJobInput struct {
	ID               string
	SessionToken     string
	NewAddress       common.Address
	NormalizedAmount uint64
	DepositID        uint64
	ExecuteAfter     time.Time
}
