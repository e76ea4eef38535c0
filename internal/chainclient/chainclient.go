// Package chainclient implements C4: subscribing to the escrow contract's
// Deposited events and submitting operator-signed withdrawals and gas
// funding transfers, built on internal/eth's relayer/signer/nonce-manager
// stack and internal/escrowabi's ABI surface.
package chainclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/obscura-unlinker/unlinker/internal/escrowabi"
	"github.com/obscura-unlinker/unlinker/internal/eth"
)

var ErrInvalidConfig = errors.New("chainclient: invalid config")

// DepositEvent is the ingested-not-owned deposit record of spec.md §3,
// driving matcher state changes only.
type DepositEvent struct {
	From      common.Address
	Amount    *big.Int
	DepositID *big.Int
	TxHash    common.Hash
}

// LogSubscriber is the subset of ethclient.Client used for log subscription,
// injectable for tests. Client calls only SubscribeFilterLogs; a resubscribe
// replays from the last seen block through the query's FromBlock, and
// FilterLogs is not called.
type LogSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Config configures a Client.
type Config struct {
	EscrowAddress common.Address

	// ReconnectBackoff bounds the delay between resubscribe attempts.
	ReconnectBackoff time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	Log *slog.Logger
}

// Client wraps a LogSubscriber and an eth.Relayer to implement C4.
type Client struct {
	sub     LogSubscriber
	relayer *eth.Relayer
	cfg     Config

	lastBlock uint64
}

// New constructs a chain client. relayer submits SubmitWithdrawal and
// SubmitGasFunding transactions; sub drives Subscribe.
func New(sub LogSubscriber, relayer *eth.Relayer, cfg Config) (*Client, error) {
	if sub == nil || relayer == nil {
		return nil, ErrInvalidConfig
	}
	if (cfg.EscrowAddress == common.Address{}) {
		return nil, ErrInvalidConfig
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{sub: sub, relayer: relayer, cfg: cfg}, nil
}

// Subscribe dials the escrow's Deposited topic and streams events on the
// returned channel. On subscription error or drop it backs off and
// resubscribes, replaying from the last-seen block so a reconnect may
// redeliver already-seen events; the matcher's awaiting_deposit guard
// absorbs the resulting at-least-once delivery (spec.md §4.2/§9).
func (c *Client) Subscribe(ctx context.Context) (<-chan DepositEvent, error) {
	topic, err := escrowabi.DepositedTopic()
	if err != nil {
		return nil, err
	}

	out := make(chan DepositEvent, 64)
	go c.run(ctx, topic, out)
	return out, nil
}

func (c *Client) run(ctx context.Context, topic common.Hash, out chan<- DepositEvent) {
	defer close(out)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.subscribeOnce(ctx, topic, out); err != nil {
			c.cfg.Log.Error("chainclient: subscription dropped, backing off", "error", err)
			if sleepErr := c.cfg.Sleep(ctx, c.cfg.ReconnectBackoff); sleepErr != nil {
				return
			}
		}
	}
}

func (c *Client) subscribeOnce(ctx context.Context, topic common.Hash, out chan<- DepositEvent) error {
	logCh := make(chan types.Log, 64)
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.cfg.EscrowAddress},
		Topics:    [][]common.Hash{{topic}},
	}
	if c.lastBlock > 0 {
		query.FromBlock = new(big.Int).SetUint64(c.lastBlock)
	}

	sub, err := c.sub.SubscribeFilterLogs(ctx, query, logCh)
	if err != nil {
		return fmt.Errorf("chainclient: subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case l := <-logCh:
			ev, err := escrowabi.UnpackDeposited(l)
			if err != nil {
				c.cfg.Log.Error("chainclient: skipping malformed Deposited log", "error", err)
				continue
			}
			if l.BlockNumber > c.lastBlock {
				c.lastBlock = l.BlockNumber
			}
			select {
			case out <- DepositEvent{From: ev.From, Amount: ev.Amount, DepositID: ev.DepositID, TxHash: ev.TxHash}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// SubmitWithdrawal builds operatorWithdraw calldata and submits it through
// the relayer, reporting confirmedOk = receipt.Status ==
// types.ReceiptStatusSuccessful. A non-1 receipt status is a submission
// failure per spec.md §4.6, never swallowed.
func (c *Client) SubmitWithdrawal(ctx context.Context, to common.Address, amount *big.Int, depositID *big.Int, jobID common.Hash) (common.Hash, bool, error) {
	data, err := escrowabi.PackOperatorWithdraw(to, amount, depositID, jobID)
	if err != nil {
		return common.Hash{}, false, err
	}

	res, err := c.relayer.SendAndWaitMined(ctx, eth.TxRequest{
		To:   c.cfg.EscrowAddress,
		Data: data,
	})
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("chainclient: submit withdrawal: %w", err)
	}

	confirmedOk := res.Receipt != nil && res.Receipt.Status == types.ReceiptStatusSuccessful
	return res.TxHash, confirmedOk, nil
}

// SubmitGasFunding sends a plain native-value transfer to to, used to
// pre-fund a fresh destination address so the user can pay for a future
// outbound trade (spec.md §4.1 step 5, §4.6).
func (c *Client) SubmitGasFunding(ctx context.Context, to common.Address, weiAmount *big.Int) (common.Hash, bool, error) {
	res, err := c.relayer.SendAndWaitMined(ctx, eth.TxRequest{
		To:    to,
		Value: weiAmount,
	})
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("chainclient: submit gas funding: %w", err)
	}

	confirmedOk := res.Receipt != nil && res.Receipt.Status == types.ReceiptStatusSuccessful
	return res.TxHash, confirmedOk, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Dial connects to an EVM JSON-RPC endpoint and returns a LogSubscriber
// backed by ethclient.Client.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chainclient: dial %s: %w", rpcURL, err)
	}
	return c, nil
}
