// Package processor implements C8: the batch processor that drains the job
// queue and submits operator-signed withdrawals in shuffled order.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/obscura-unlinker/unlinker/internal/blobstore"
	"github.com/obscura-unlinker/unlinker/internal/eventbus"
	"github.com/obscura-unlinker/unlinker/internal/idempotency"
	"github.com/obscura-unlinker/unlinker/internal/queue"
	"github.com/obscura-unlinker/unlinker/internal/randsrc"
	"github.com/obscura-unlinker/unlinker/internal/session"
	"github.com/obscura-unlinker/unlinker/internal/withdrawjob"
)

var ErrInvalidConfig = errors.New("processor: invalid config")

const (
	minRescheduleSeconds = 30
	maxRescheduleSeconds = 120
)

// Submitter is the chain-facing surface a Processor drives; chainclient.Client
// satisfies it.
type Submitter interface {
	SubmitWithdrawal(ctx context.Context, to common.Address, amount *big.Int, depositID *big.Int, jobID common.Hash) (common.Hash, bool, error)
}

// Processor drains the queue each Tick, submitting withdrawals in an order
// decorrelated from match order.
type Processor struct {
	queue     queue.Queue
	jobs      withdrawjob.Store
	sessions  session.Store
	submitter Submitter

	src randsrc.Source
	now func() time.Time
	log *slog.Logger

	// Producer and blobs are optional side-channel observers; failures to
	// publish never affect the job/session state transitions they report.
	producer eventbus.Producer
	blobs    blobstore.Store

	inFlight atomic.Bool
}

type Option func(*Processor)

func WithSource(src randsrc.Source) Option { return func(p *Processor) { p.src = src } }
func WithClock(now func() time.Time) Option { return func(p *Processor) { p.now = now } }
func WithLogger(log *slog.Logger) Option { return func(p *Processor) { p.log = log } }
func WithProducer(producer eventbus.Producer) Option { return func(p *Processor) { p.producer = producer } }
func WithBlobStore(store blobstore.Store) Option { return func(p *Processor) { p.blobs = store } }

// New constructs a Processor. q, jobs, sessions and submitter must be non-nil.
func New(q queue.Queue, jobs withdrawjob.Store, sessions session.Store, submitter Submitter, opts ...Option) (*Processor, error) {
	if q == nil || jobs == nil || sessions == nil || submitter == nil {
		return nil, ErrInvalidConfig
	}
	p := &Processor{
		queue:     q,
		jobs:      jobs,
		sessions:  sessions,
		submitter: submitter,
		now:       time.Now,
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.src == nil {
		p.src = randsrc.Default
	}
	return p, nil
}

// Tick performs one processor iteration: scan the queue, drop ids that no
// longer correspond to a pending, eligible job, shuffle the remainder, and
// submit each sequentially (single operator nonce stream, no parallel
// submission). An overlapping call while a tick is already running returns
// immediately without error.
func (p *Processor) Tick(ctx context.Context) error {
	if !p.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	defer p.inFlight.Store(false)

	ids, err := p.queue.Scan(ctx)
	if err != nil {
		return fmt.Errorf("processor: scan queue: %w", err)
	}

	now := p.now()
	eligible := make([]withdrawjob.WithdrawalJob, 0, len(ids))
	for _, id := range ids {
		job, err := p.jobs.Get(ctx, id)
		if err != nil {
			if errors.Is(err, withdrawjob.ErrNotFound) {
				continue
			}
			return fmt.Errorf("processor: get job %s: %w", id, err)
		}
		if job.Status != withdrawjob.StatusPending {
			continue
		}
		if job.ExecuteAfter.After(now) {
			continue
		}
		eligible = append(eligible, job)
	}

	p.src.Shuffle(len(eligible), func(i, j int) { eligible[i], eligible[j] = eligible[j], eligible[i] })

	order := make([]string, 0, len(eligible))
	for _, job := range eligible {
		order = append(order, job.ID)
		p.executeOne(ctx, job)
	}
	p.publishManifest(ctx, order)

	return nil
}

func (p *Processor) executeOne(ctx context.Context, job withdrawjob.WithdrawalJob) {
	jobID32 := idempotency.JobID32V1(job.ID)
	amount := new(big.Int).SetUint64(job.NormalizedAmount)
	depositID := new(big.Int).SetUint64(job.DepositID)

	txHash, confirmedOk, err := p.submitter.SubmitWithdrawal(ctx, job.NewAddress, amount, depositID, jobID32)
	if err != nil || !confirmedOk {
		delay := time.Duration(p.src.IntRange(minRescheduleSeconds, maxRescheduleSeconds)) * time.Second
		if _, rescheduleErr := p.jobs.MarkFailedReschedule(ctx, job.ID, p.now().Add(delay)); rescheduleErr != nil {
			p.log.Error("processor: failed to reschedule job", "jobID", job.ID, "error", rescheduleErr)
		}
		p.log.Error("processor: withdrawal submission did not confirm, rescheduled", "jobID", job.ID, "confirmedOk", confirmedOk, "error", err)
		return
	}

	if _, err := p.jobs.MarkCompleted(ctx, job.ID); err != nil {
		p.log.Error("processor: failed to mark job completed", "jobID", job.ID, "error", err)
		return
	}
	if _, err := p.sessions.AdvanceToCompleted(ctx, job.SessionToken, txHash); err != nil {
		p.log.Error("processor: failed to advance session to completed", "sessionToken", job.SessionToken, "error", err)
	}
	if err := p.queue.Remove(ctx, job.ID); err != nil {
		p.log.Error("processor: failed to remove job from queue", "jobID", job.ID, "error", err)
	}

	p.publishCompletion(ctx, job, txHash)
}

type completionRecord struct {
	JobID        string    `json:"jobId"`
	SessionToken string    `json:"sessionToken"`
	TxHash       string    `json:"txHash"`
	CompletedAt  time.Time `json:"completedAt"`
}

// publishCompletion best-effort notifies downstream observers of a
// completed withdrawal; publish failures are logged only and never
// propagate, matching the "side effect" framing of spec.md's processor.
func (p *Processor) publishCompletion(ctx context.Context, job withdrawjob.WithdrawalJob, txHash common.Hash) {
	if p.producer == nil {
		return
	}
	payload, err := json.Marshal(completionRecord{
		JobID:        job.ID,
		SessionToken: job.SessionToken,
		TxHash:       txHash.Hex(),
		CompletedAt:  p.now().UTC(),
	})
	if err != nil {
		p.log.Error("processor: failed to marshal completion record", "jobID", job.ID, "error", err)
		return
	}
	if err := p.producer.Publish(ctx, eventbus.TopicWithdrawalsCompleted, payload); err != nil {
		p.log.Error("processor: failed to publish completion record", "jobID", job.ID, "error", err)
	}
}

// publishManifest best-effort persists the tick's shuffled execution order
// as an audit artifact; never required for correctness.
func (p *Processor) publishManifest(ctx context.Context, order []string) {
	if p.blobs == nil || len(order) == 0 {
		return
	}
	payload, err := json.Marshal(struct {
		ExecutedAt time.Time `json:"executedAt"`
		JobIDs     []string  `json:"jobIds"`
	}{ExecutedAt: p.now().UTC(), JobIDs: order})
	if err != nil {
		p.log.Error("processor: failed to marshal execution manifest", "error", err)
		return
	}
	key := fmt.Sprintf("processor/manifests/%d.json", p.now().UTC().UnixNano())
	if err := p.blobs.Put(ctx, key, payload, blobstore.PutOptions{ContentType: "application/json"}); err != nil {
		p.log.Error("processor: failed to persist execution manifest", "error", err)
	}
}
