package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stakevrun/fee/internal/chain/blocktime"
	"github.com/stakevrun/fee/internal/chain/rpc"
	"github.com/stakevrun/fee/internal/domain/event"
	"github.com/stakevrun/fee/internal/domain/model"
	"github.com/stakevrun/fee/internal/metrics"
	"github.com/stakevrun/fee/internal/retry"
	"github.com/stakevrun/fee/internal/scanner"
	"github.com/stakevrun/fee/internal/state"
)

// DefaultInterval is how often a chain's finalized head is polled.
const DefaultInterval = 12 * time.Second

// Tracker drives one chain's scanning: it polls the finalized head,
// derives the finalized slot from its timestamp, advances the token and
// payment scanners to the finalized block, scans unfinalized payments to
// the chain tip, then prunes staging. One goroutine runs per chain, so
// passes never overlap; triggers landing mid-pass coalesce into at most
// one follow-up pass.
type Tracker struct {
	chain    *state.Chain
	times    *blocktime.Cache
	interval time.Duration
	logger   *slog.Logger

	tokens   *scanner.Scanner
	final    *scanner.Scanner
	unfinal  *scanner.Scanner
	notifyCh chan struct{}
}

func New(chain *state.Chain, times *blocktime.Cache, interval time.Duration, logger *slog.Logger) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		chain:    chain,
		times:    times,
		interval: interval,
		logger:   logger.With("component", "tracker", "chain", chain.ID.String()),
		notifyCh: make(chan struct{}, 1),
	}

	t.tokens = scanner.New(
		chain.ID, model.StreamTokens,
		chain.Reader, chain.FeeContract, event.SetTokenTopic,
		func(lg *rpc.Log) (event.Event, error) { return event.DecodeSetToken(lg) },
		func(_ context.Context, ev event.Event) error {
			t.chain.FoldSetToken(ev.(*event.SetToken))
			return nil
		},
		scanner.NewSet(), chain.DeployBlock, logger,
	)
	t.final = scanner.New(
		chain.ID, model.StreamPayments,
		chain.Reader, chain.FeeContract, event.PayTopic,
		func(lg *rpc.Log) (event.Event, error) { return event.DecodePay(lg) },
		func(ctx context.Context, ev event.Event) error {
			pay := ev.(*event.Pay)
			p, err := t.payment(ctx, pay)
			if err != nil {
				return err
			}
			t.chain.AppendFinalPayment(pay.Payer, p)
			return nil
		},
		scanner.NewSet(), chain.DeployBlock, logger,
	)
	t.unfinal = scanner.New(
		chain.ID, model.StreamPaymentsUnfinal,
		chain.Reader, chain.FeeContract, event.PayTopic,
		func(lg *rpc.Log) (event.Event, error) { return event.DecodePay(lg) },
		func(ctx context.Context, ev event.Event) error {
			pay := ev.(*event.Pay)
			p, err := t.payment(ctx, pay)
			if err != nil {
				return err
			}
			t.chain.StagePayment(pay.BlockNumber, pay.Payer, p)
			return nil
		},
		chain.StagingIncludeSet(), chain.DeployBlock, logger,
	)
	return t
}

// payment materializes a Pay event as a reader-facing payment entry,
// resolving the block timestamp through the memo cache.
func (t *Tracker) payment(ctx context.Context, pay *event.Pay) (model.Payment, error) {
	ts, err := t.times.Timestamp(ctx, pay.BlockNumber)
	if err != nil {
		return model.Payment{}, fmt.Errorf("payment block time: %w", err)
	}
	return model.Payment{
		Amount:    pay.Amount.String(),
		Token:     pay.Token,
		Timestamp: ts,
		TxHash:    pay.TxHash,
	}, nil
}

// Trigger requests a scan pass outside the regular poll cadence. It
// never blocks; a pass already pending absorbs the request.
func (t *Tracker) Trigger() {
	select {
	case t.notifyCh <- struct{}{}:
	default:
	}
}

// Run polls until the context ends. Transient failures are logged and
// retried on the next trigger; integrity failures are logged at error
// level but the loop keeps running so the HTTP surface stays up.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.Trigger()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Trigger()
		case <-t.notifyCh:
			if err := t.runOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				metrics.TrackerRunErrors.WithLabelValues(t.chain.ID.String()).Inc()
				decision := retry.Classify(err)
				if decision.IsTransient() {
					t.logger.Warn("scan pass failed, will retry", "error", err, "reason", decision.Reason)
				} else {
					t.logger.Error("scan pass failed", "error", err, "reason", decision.Reason)
				}
			}
		}
	}
}

func (t *Tracker) runOnce(ctx context.Context) error {
	metrics.TrackerRunsTotal.WithLabelValues(t.chain.ID.String()).Inc()

	finalized, finalizedTs, err := t.finalizedHead(ctx)
	if err != nil {
		return fmt.Errorf("resolve finalized head: %w", err)
	}

	slot := t.slotAt(finalizedTs)
	t.chain.SlotAdvanced(slot)
	t.chain.SetFinalized(finalized)
	metrics.TrackerFinalizedBlock.WithLabelValues(t.chain.ID.String()).Set(float64(finalized))
	metrics.TrackerFinalizedSlot.WithLabelValues(t.chain.ID.String()).Set(float64(slot))

	if err := t.tokens.ScanForward(ctx, finalized); err != nil {
		return fmt.Errorf("token stream: %w", err)
	}
	if err := t.final.ScanForward(ctx, finalized); err != nil {
		return fmt.Errorf("payment stream: %w", err)
	}

	tip, err := t.chain.Reader.GetBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("resolve chain tip: %w", err)
	}
	if err := t.unfinal.ScanForward(ctx, tip); err != nil {
		return fmt.Errorf("unfinalized payment stream: %w", err)
	}

	t.chain.PruneStaged(finalized)
	return nil
}

func (t *Tracker) finalizedHead(ctx context.Context) (uint64, uint64, error) {
	block, err := t.chain.Reader.GetBlockByTag(ctx, "finalized")
	if err != nil {
		return 0, 0, err
	}
	number, err := rpc.ParseHexUint64(block.Number)
	if err != nil {
		return 0, 0, fmt.Errorf("parse finalized block number: %w", err)
	}
	ts, err := rpc.ParseHexUint64(block.Timestamp)
	if err != nil {
		return 0, 0, fmt.Errorf("parse finalized block timestamp: %w", err)
	}
	return number, ts, nil
}

// slotAt derives the beacon slot containing a timestamp. Timestamps
// before genesis map to slot zero.
func (t *Tracker) slotAt(ts uint64) uint64 {
	if ts <= t.chain.GenesisTime || t.chain.SecondsPerSlot == 0 {
		return 0
	}
	return (ts - t.chain.GenesisTime) / t.chain.SecondsPerSlot
}
