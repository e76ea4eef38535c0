// Package matcher implements C5: correlating Deposited chain events against
// sessions awaiting a deposit and scheduling the resulting withdrawal job.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/obscura-unlinker/unlinker/internal/chainclient"
	"github.com/obscura-unlinker/unlinker/internal/jitter"
	"github.com/obscura-unlinker/unlinker/internal/queue"
	"github.com/obscura-unlinker/unlinker/internal/randsrc"
	"github.com/obscura-unlinker/unlinker/internal/session"
	"github.com/obscura-unlinker/unlinker/internal/withdrawjob"
)

// ErrInvalidEvent is returned for a structurally malformed DepositEvent;
// it never reaches here in practice since escrowabi.UnpackDeposited
// already validates the ABI shape, but HandleEvent guards it anyway.
var ErrInvalidEvent = errors.New("matcher: invalid deposit event")

const toleranceDivisor = 10_000

// Matcher consumes Deposited events and advances matching sessions.
type Matcher struct {
	sessions  session.Store
	jobs      withdrawjob.Store
	queue     queue.Queue
	src       randsrc.Source
	jitterCfg jitter.Config

	now func() time.Time
	log *slog.Logger
}

type Option func(*Matcher)

func WithSource(src randsrc.Source) Option { return func(m *Matcher) { m.src = src } }
func WithJitterConfig(cfg jitter.Config) Option { return func(m *Matcher) { m.jitterCfg = cfg } }
func WithClock(now func() time.Time) Option { return func(m *Matcher) { m.now = now } }
func WithLogger(log *slog.Logger) Option { return func(m *Matcher) { m.log = log } }

// New constructs a Matcher. sessions, jobs and q must be non-nil.
func New(sessions session.Store, jobs withdrawjob.Store, q queue.Queue, opts ...Option) *Matcher {
	m := &Matcher{
		sessions: sessions,
		jobs:     jobs,
		queue:    q,
		now:      time.Now,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.src == nil {
		m.src = randsrc.Default
	}
	return m
}

// HandleEvent scans sessions awaiting a deposit for one matching ev within
// tolerance (spec.md §4.2), advancing every match independently. A single
// candidate's advance failure is logged and skipped; it never aborts the
// rest of the scan or propagates to the caller, so the chain-event
// subscription loop never halts over one bad match.
func (m *Matcher) HandleEvent(ctx context.Context, ev chainclient.DepositEvent) error {
	if ev.Amount == nil || ev.DepositID == nil {
		return fmt.Errorf("%w: amount and depositId required", ErrInvalidEvent)
	}
	if !ev.DepositID.IsUint64() {
		return fmt.Errorf("%w: depositId overflows uint64", ErrInvalidEvent)
	}

	candidates, err := m.sessions.ListAwaitingDeposit(ctx)
	if err != nil {
		return fmt.Errorf("matcher: list awaiting deposit: %w", err)
	}

	from := strings.ToLower(ev.From.Hex())
	for _, sess := range candidates {
		if sess.UserAddress != ev.From {
			continue
		}

		tolerance := toleranceFor(sess.ExpectedAmount)
		diff := diffAmount(ev.Amount, sess.ExpectedAmount)
		if diff.Cmp(tolerance) > 0 {
			continue
		}

		if err := m.advance(ctx, sess, ev); err != nil {
			m.log.Error("matcher: failed to advance matched session", "sessionToken", sess.SessionToken, "from", from, "error", err)
			continue
		}
	}
	return nil
}

// advance moves a matched session from awaiting_deposit through
// deposit_detected to withdrawal_queued, creating the withdrawal job and
// pushing it onto the queue in between.
func (m *Matcher) advance(ctx context.Context, sess session.Session, ev chainclient.DepositEvent) error {
	depositID := ev.DepositID.Uint64()

	sess, err := m.sessions.AdvanceToDepositDetected(ctx, sess.SessionToken, ev.TxHash, depositID)
	if err != nil {
		return fmt.Errorf("advance to deposit_detected: %w", err)
	}

	result, err := jitter.Normalize(sess.ExpectedAmount, m.now(), m.src, m.jitterCfg)
	if err != nil {
		if _, failErr := m.sessions.AdvanceToFailed(ctx, sess.SessionToken, err); failErr != nil {
			return fmt.Errorf("normalize: %w (and failed to mark session failed: %v)", err, failErr)
		}
		return nil
	}

	jobID := internalJobID(sess.SessionToken, depositID)
	if _, err := m.jobs.Create(ctx, withdrawjob.NewJobInput{
		ID:               jobID,
		SessionToken:     sess.SessionToken,
		NewAddress:       sess.NewAddress,
		NormalizedAmount: result.NormalizedAmount,
		DepositID:        depositID,
		ExecuteAfter:     result.ExecuteAfter,
	}); err != nil {
		return fmt.Errorf("create withdraw job: %w", err)
	}

	if err := m.queue.Push(ctx, jobID); err != nil {
		return fmt.Errorf("push job to queue: %w", err)
	}

	if _, err := m.sessions.AdvanceToWithdrawalQueued(ctx, sess.SessionToken); err != nil {
		return fmt.Errorf("advance to withdrawal_queued: %w", err)
	}
	return nil
}

// toleranceFor computes max(1, expected/10_000), spec.md §4.2's 0.01% band.
func toleranceFor(expected uint64) *big.Int {
	tol := expected / toleranceDivisor
	if tol < 1 {
		tol = 1
	}
	return new(big.Int).SetUint64(tol)
}

func diffAmount(observed *big.Int, expected uint64) *big.Int {
	diff := new(big.Int).Sub(observed, new(big.Int).SetUint64(expected))
	return diff.Abs(diff)
}

func internalJobID(sessionToken string, depositID uint64) string {
	return fmt.Sprintf("%s:%d", sessionToken, depositID)
}
