package matcher

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/obscura-unlinker/unlinker/internal/chainclient"
	"github.com/obscura-unlinker/unlinker/internal/queue"
	"github.com/obscura-unlinker/unlinker/internal/session"
	"github.com/obscura-unlinker/unlinker/internal/withdrawjob"
)

type zeroJitterSource struct{}

func (zeroJitterSource) IntRange(lo, hi int) int { return 0 }
func (zeroJitterSource) Shuffle(int, func(i, j int)) {}

func newHarness(t *testing.T) (*Matcher, session.Store, withdrawjob.Store, queue.Queue) {
	t.Helper()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sessions := session.NewMemoryStore(func() time.Time { return fixed })
	jobs := withdrawjob.NewMemoryStore(func() time.Time { return fixed })
	q := queue.NewMemoryQueue()
	m := New(sessions, jobs, q, WithSource(zeroJitterSource{}), WithClock(func() time.Time { return fixed }))
	return m, sessions, jobs, q
}

func TestHandleEvent_MatchWithinToleranceAdvancesSession(t *testing.T) {
	t.Parallel()

	m, sessions, jobs, q := newHarness(t)
	ctx := context.Background()

	user := common.HexToAddress("0x0000000000000000000000000000000000000001")
	newAddr := common.HexToAddress("0x0000000000000000000000000000000000000002")
	sess, err := sessions.Create(ctx, session.NewSessionInput{
		SessionToken:        "tok1",
		UserAddress:         user,
		ExpectedAmount:      10_000_000_000,
		NewAddress:          newAddr,
		EncryptedKeyForUser: "enc",
		AttestationReport:   "report",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_ = sess

	ev := chainclient.DepositEvent{
		From:      user,
		Amount:    big.NewInt(10_000_999_999), // diff = 999_999, tolerance = 1_000_000
		DepositID: big.NewInt(7),
		TxHash:    common.HexToHash("0xabc"),
	}

	if err := m.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	got, err := sessions.Get(ctx, "tok1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != session.StatusWithdrawalQueued {
		t.Fatalf("status = %v, want withdrawal_queued", got.Status)
	}
	if got.DepositID != 7 {
		t.Fatalf("DepositID = %d, want 7", got.DepositID)
	}

	pending, err := jobs.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("len(pending) = %d, want 1", len(pending))
	}
	if pending[0].NewAddress != newAddr {
		t.Fatalf("job.NewAddress = %v, want %v", pending[0].NewAddress, newAddr)
	}

	ids, err := q.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(ids) != 1 || ids[0] != pending[0].ID {
		t.Fatalf("queue ids = %v, want [%s]", ids, pending[0].ID)
	}
}

func TestHandleEvent_OutsideToleranceDoesNotMatch(t *testing.T) {
	t.Parallel()

	m, sessions, _, _ := newHarness(t)
	ctx := context.Background()

	user := common.HexToAddress("0x0000000000000000000000000000000000000001")
	if _, err := sessions.Create(ctx, session.NewSessionInput{
		SessionToken:   "tok1",
		UserAddress:    user,
		ExpectedAmount: 10_000_000_000,
		NewAddress:     common.HexToAddress("0x0000000000000000000000000000000000000002"),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ev := chainclient.DepositEvent{
		From:      user,
		Amount:    big.NewInt(10_001_000_001), // diff = 1_000_001 > tolerance 1_000_000
		DepositID: big.NewInt(7),
	}

	if err := m.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	got, err := sessions.Get(ctx, "tok1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != session.StatusAwaitingDeposit {
		t.Fatalf("status = %v, want awaiting_deposit (unmatched)", got.Status)
	}
}

func TestHandleEvent_UnknownDepositorMutatesNoSession(t *testing.T) {
	t.Parallel()

	m, sessions, jobs, q := newHarness(t)
	ctx := context.Background()

	if _, err := sessions.Create(ctx, session.NewSessionInput{
		SessionToken:   "tok1",
		UserAddress:    common.HexToAddress("0x0000000000000000000000000000000000000001"),
		ExpectedAmount: 1000,
		NewAddress:     common.HexToAddress("0x0000000000000000000000000000000000000002"),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ev := chainclient.DepositEvent{
		From:      common.HexToAddress("0x00000000000000000000000000000000000BBB"),
		Amount:    big.NewInt(2000),
		DepositID: big.NewInt(8),
	}

	if err := m.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	pending, _ := jobs.ListPending(ctx)
	if len(pending) != 0 {
		t.Fatalf("expected no jobs created, got %d", len(pending))
	}
	ids, _ := q.Scan(ctx)
	if len(ids) != 0 {
		t.Fatalf("expected empty queue, got %v", ids)
	}
}

func TestHandleEvent_ReplayedEventIsIdempotent(t *testing.T) {
	t.Parallel()

	m, sessions, jobs, _ := newHarness(t)
	ctx := context.Background()

	user := common.HexToAddress("0x0000000000000000000000000000000000000001")
	if _, err := sessions.Create(ctx, session.NewSessionInput{
		SessionToken:   "tok1",
		UserAddress:    user,
		ExpectedAmount: 1000,
		NewAddress:     common.HexToAddress("0x0000000000000000000000000000000000000002"),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ev := chainclient.DepositEvent{From: user, Amount: big.NewInt(1000), DepositID: big.NewInt(1)}

	if err := m.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent (first): %v", err)
	}
	// Replay: the session is no longer awaiting_deposit, so the second
	// delivery of the same event must not create a second job.
	if err := m.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent (replay): %v", err)
	}

	pending, _ := jobs.ListPending(ctx)
	if len(pending) != 1 {
		t.Fatalf("len(pending) after replay = %d, want 1", len(pending))
	}
}

func TestHandleEvent_MultipleMatchingSessionsEachAdvance(t *testing.T) {
	t.Parallel()

	m, sessions, jobs, _ := newHarness(t)
	ctx := context.Background()

	user := common.HexToAddress("0x0000000000000000000000000000000000000001")
	for _, tok := range []string{"a", "b"} {
		if _, err := sessions.Create(ctx, session.NewSessionInput{
			SessionToken:   tok,
			UserAddress:    user,
			ExpectedAmount: 1000,
			NewAddress:     common.HexToAddress("0x0000000000000000000000000000000000000002"),
		}); err != nil {
			t.Fatalf("Create(%s): %v", tok, err)
		}
	}

	ev := chainclient.DepositEvent{From: user, Amount: big.NewInt(1000), DepositID: big.NewInt(1)}
	if err := m.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	for _, tok := range []string{"a", "b"} {
		got, err := sessions.Get(ctx, tok)
		if err != nil {
			t.Fatalf("Get(%s): %v", tok, err)
		}
		if got.Status != session.StatusWithdrawalQueued {
			t.Fatalf("session %s status = %v, want withdrawal_queued", tok, got.Status)
		}
	}

	pending, _ := jobs.ListPending(ctx)
	if len(pending) != 2 {
		t.Fatalf("len(pending) = %d, want 2 (over-triggering is documented behavior)", len(pending))
	}
}

func TestHandleEvent_RejectsInvalidEvent(t *testing.T) {
	t.Parallel()

	m, _, _, _ := newHarness(t)
	if err := m.HandleEvent(context.Background(), chainclient.DepositEvent{}); err == nil {
		t.Fatalf("expected error for event with nil amount/depositId")
	}
}
