// Package idempotency computes the deterministic on-chain job identifier
// used to guard operatorWithdraw against replay.
package idempotency

import (
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

const jobIDPrefixV1 = "obscura-unlinker-job-v1"

// JobID32V1 computes the bytes32 identifier the escrow contract uses to
// guard against replayed operatorWithdraw calls.
//
//	jobId = keccak256("obscura-unlinker-job-v1" || internalJobID)
//
// Retries of the same internal job id must call this with the same
// internalJobID so the on-chain jobUsed[jobId] guard actually protects the
// operator from double-spending a job.
func JobID32V1(internalJobID string) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(jobIDPrefixV1))
	_, _ = h.Write([]byte(internalJobID))
	return common.BytesToHash(h.Sum(nil))
}
