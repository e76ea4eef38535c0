package escrowabi

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func TestPackOperatorWithdraw_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	to := common.HexToAddress("0x0000000000000000000000000000000000000001")

	if _, err := PackOperatorWithdraw(common.Address{}, big.NewInt(1), big.NewInt(1), common.Hash{}); err == nil {
		t.Fatalf("expected error for zero address")
	}
	if _, err := PackOperatorWithdraw(to, big.NewInt(0), big.NewInt(1), common.Hash{}); err == nil {
		t.Fatalf("expected error for zero amount")
	}
	if _, err := PackOperatorWithdraw(to, nil, big.NewInt(1), common.Hash{}); err == nil {
		t.Fatalf("expected error for nil amount")
	}
}

func TestPackOperatorWithdraw_Roundtrip(t *testing.T) {
	t.Parallel()

	to := common.HexToAddress("0x0000000000000000000000000000000000000002")
	amount := big.NewInt(12345)
	depositID := big.NewInt(7)
	var jobID common.Hash
	jobID[0] = 0xab

	data, err := PackOperatorWithdraw(to, amount, depositID, jobID)
	if err != nil {
		t.Fatalf("PackOperatorWithdraw: %v", err)
	}
	if len(data) < 4 {
		t.Fatalf("packed calldata too short: %d bytes", len(data))
	}

	if err := initABI(); err != nil {
		t.Fatalf("initABI: %v", err)
	}
	args, err := escrowABI.Methods["operatorWithdraw"].Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if got := args[0].(common.Address); got != to {
		t.Fatalf("to = %v, want %v", got, to)
	}
	if got := args[1].(*big.Int); got.Cmp(amount) != 0 {
		t.Fatalf("amount = %v, want %v", got, amount)
	}
}

func TestUnpackDeposited(t *testing.T) {
	t.Parallel()

	if err := initABI(); err != nil {
		t.Fatalf("initABI: %v", err)
	}

	from := common.HexToAddress("0x0000000000000000000000000000000000000003")
	amount := big.NewInt(999)
	depositID := big.NewInt(3)

	packed, err := abi.Arguments{
		{Name: "amount", Type: mustType("uint256")},
		{Name: "depositId", Type: mustType("uint256")},
	}.Pack(amount, depositID)
	if err != nil {
		t.Fatalf("pack data: %v", err)
	}

	log := types.Log{
		Topics: []common.Hash{depositedTopic, common.BytesToHash(from.Bytes())},
		Data:   packed,
		TxHash: common.HexToHash("0xdeadbeef"),
	}

	ev, err := UnpackDeposited(log)
	if err != nil {
		t.Fatalf("UnpackDeposited: %v", err)
	}
	if ev.From != from {
		t.Fatalf("From = %v, want %v", ev.From, from)
	}
	if ev.Amount.Cmp(amount) != 0 {
		t.Fatalf("Amount = %v, want %v", ev.Amount, amount)
	}
	if ev.DepositID.Cmp(depositID) != 0 {
		t.Fatalf("DepositID = %v, want %v", ev.DepositID, depositID)
	}
}

func TestUnpackDeposited_MissingTopics(t *testing.T) {
	t.Parallel()

	if _, err := UnpackDeposited(types.Log{}); err == nil {
		t.Fatalf("expected error for missing topics")
	}
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}
