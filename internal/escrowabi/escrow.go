// Package escrowabi provides the ABI pack/unpack surface for the shared
// escrow contract (spec.md §4.8): `deposit`, `operatorWithdraw`, and the
// `Deposited`/`Withdrawn` events. No Solidity is authored here; the ABI and
// event-log decoding are the full extent of the contract shape this system
// treats as an external collaborator.
package escrowabi

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrInvalidInput = errors.New("escrowabi: invalid input")

// DepositedEvent mirrors Escrow.Deposited(address indexed from, uint256
// amount, uint256 depositId).
type DepositedEvent struct {
	From      common.Address
	Amount    *big.Int
	DepositID *big.Int
	TxHash    common.Hash
}

// WithdrawnEvent mirrors Escrow.Withdrawn(address indexed to, uint256
// amount, uint256 indexed depositId, bytes32 jobId).
type WithdrawnEvent struct {
	To        common.Address
	Amount    *big.Int
	DepositID *big.Int
	JobID     common.Hash
	TxHash    common.Hash
}

var (
	initOnce sync.Once
	initErr  error

	escrowABI      abi.ABI
	depositedTopic common.Hash
	withdrawnTopic common.Hash
)

func initABI() error {
	initOnce.Do(func() {
		var err error
		escrowABI, err = abi.JSON(strings.NewReader(escrowABIJSON))
		if err != nil {
			initErr = fmt.Errorf("escrowabi: parse ABI: %w", err)
			return
		}
		depositedTopic = escrowABI.Events["Deposited"].ID
		withdrawnTopic = escrowABI.Events["Withdrawn"].ID
	})
	return initErr
}

// DepositedTopic returns the log topic0 for Deposited, for use in
// SubscribeFilterLogs.
func DepositedTopic() (common.Hash, error) {
	if err := initABI(); err != nil {
		return common.Hash{}, err
	}
	return depositedTopic, nil
}

// WithdrawnTopic returns the log topic0 for Withdrawn.
func WithdrawnTopic() (common.Hash, error) {
	if err := initABI(); err != nil {
		return common.Hash{}, err
	}
	return withdrawnTopic, nil
}

// UnpackDeposited decodes a Deposited log into a DepositedEvent. from is
// carried in log.Topics[1] (indexed); amount and depositId are ABI-encoded
// in log.Data.
func UnpackDeposited(log types.Log) (DepositedEvent, error) {
	if err := initABI(); err != nil {
		return DepositedEvent{}, err
	}
	if len(log.Topics) < 2 {
		return DepositedEvent{}, fmt.Errorf("%w: Deposited log missing indexed topics", ErrInvalidInput)
	}

	var out struct {
		Amount    *big.Int
		DepositId *big.Int
	}
	if err := escrowABI.UnpackIntoInterface(&out, "Deposited", log.Data); err != nil {
		return DepositedEvent{}, fmt.Errorf("escrowabi: unpack Deposited: %w", err)
	}

	return DepositedEvent{
		From:      common.HexToAddress(log.Topics[1].Hex()),
		Amount:    out.Amount,
		DepositID: out.DepositId,
		TxHash:    log.TxHash,
	}, nil
}

// UnpackWithdrawn decodes a Withdrawn log into a WithdrawnEvent.
func UnpackWithdrawn(log types.Log) (WithdrawnEvent, error) {
	if err := initABI(); err != nil {
		return WithdrawnEvent{}, err
	}
	if len(log.Topics) < 3 {
		return WithdrawnEvent{}, fmt.Errorf("%w: Withdrawn log missing indexed topics", ErrInvalidInput)
	}

	var out struct {
		Amount *big.Int
		JobId  [32]byte
	}
	if err := escrowABI.UnpackIntoInterface(&out, "Withdrawn", log.Data); err != nil {
		return WithdrawnEvent{}, fmt.Errorf("escrowabi: unpack Withdrawn: %w", err)
	}

	return WithdrawnEvent{
		To:        common.HexToAddress(log.Topics[1].Hex()),
		Amount:    out.Amount,
		DepositID: new(big.Int).SetBytes(log.Topics[2].Bytes()),
		JobID:     common.BytesToHash(out.JobId[:]),
		TxHash:    log.TxHash,
	}, nil
}

// PackOperatorWithdraw builds calldata for
// operatorWithdraw(address to, uint256 amount, uint256 depositId, bytes32 jobId).
func PackOperatorWithdraw(to common.Address, amount *big.Int, depositID *big.Int, jobID common.Hash) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if (to == common.Address{}) {
		return nil, fmt.Errorf("%w: to must be non-zero", ErrInvalidInput)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	if depositID == nil || depositID.Sign() < 0 {
		return nil, fmt.Errorf("%w: depositId must be >= 0", ErrInvalidInput)
	}

	b, err := escrowABI.Pack("operatorWithdraw", to, amount, depositID, [32]byte(jobID))
	if err != nil {
		return nil, fmt.Errorf("escrowabi: pack operatorWithdraw: %w", err)
	}
	return b, nil
}

const escrowABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "from", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "depositId", "type": "uint256"}
    ],
    "name": "Deposited",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "to", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
      {"indexed": true, "internalType": "uint256", "name": "depositId", "type": "uint256"},
      {"indexed": false, "internalType": "bytes32", "name": "jobId", "type": "bytes32"}
    ],
    "name": "Withdrawn",
    "type": "event"
  },
  {
    "inputs": [
      {"internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "deposit",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "to", "type": "address"},
      {"internalType": "uint256", "name": "amount", "type": "uint256"},
      {"internalType": "uint256", "name": "depositId", "type": "uint256"},
      {"internalType": "bytes32", "name": "jobId", "type": "bytes32"}
    ],
    "name": "operatorWithdraw",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  }
]`
