package scanner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"

	"github.com/stakevrun/fee/internal/chain/rpc"
	"github.com/stakevrun/fee/internal/domain/event"
	"github.com/stakevrun/fee/internal/domain/model"
	"github.com/stakevrun/fee/internal/metrics"
	"github.com/stakevrun/fee/internal/tracing"
)

// MaxRange bounds the block span of a single eth_getLogs query, keeping
// provider query cost bounded.
const MaxRange = 10_000

// LogSource fetches logs for a bounded block range. Implementations must
// return logs in ascending (block, transaction index, log index) order;
// the scanner rejects out-of-order input instead of assuming it.
type LogSource interface {
	GetLogs(ctx context.Context, filter rpc.LogFilter) ([]*rpc.Log, error)
}

// Scanner walks one event stream of one chain forward in bounded chunks,
// folding each not-yet-included log through the configured reducer. The
// cursor advances only after a chunk has been fully folded, so a failure
// mid-chunk leaves the same range to be retried on the next trigger and
// the include set makes the retry a no-op for already-folded logs.
type Scanner struct {
	chain    model.ChainID
	stream   model.Stream
	source   LogSource
	contract common.Address
	topic    common.Hash
	decode   func(*rpc.Log) (event.Event, error)
	apply    func(context.Context, event.Event) error
	included IncludeSet
	next     uint64
	maxRange uint64
	logger   *slog.Logger
}

func New(
	chain model.ChainID,
	stream model.Stream,
	source LogSource,
	contract common.Address,
	topic common.Hash,
	decode func(*rpc.Log) (event.Event, error),
	apply func(context.Context, event.Event) error,
	included IncludeSet,
	startBlock uint64,
	logger *slog.Logger,
) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		chain:    chain,
		stream:   stream,
		source:   source,
		contract: contract,
		topic:    topic,
		decode:   decode,
		apply:    apply,
		included: included,
		next:     startBlock,
		maxRange: MaxRange,
		logger:   logger.With("component", "scanner", "chain", chain.String(), "stream", stream.String()),
	}
}

// Next returns the next unscanned block number.
func (s *Scanner) Next() uint64 {
	return s.next
}

// ScanForward advances the cursor toward target, one bounded chunk at a
// time. Errors abort the current chunk without advancing the cursor; the
// caller retries on its next trigger.
func (s *Scanner) ScanForward(ctx context.Context, target uint64) error {
	ctx, span := tracing.Tracer("scanner").Start(ctx, "scanner.ScanForward")
	defer span.End()
	span.SetAttributes(
		attribute.String("chain", s.chain.String()),
		attribute.String("stream", s.stream.String()),
		attribute.Int64("from", int64(s.next)),
		attribute.Int64("target", int64(target)),
	)

	for s.next < target {
		upper := s.next + s.maxRange
		if upper > target {
			upper = target
		}
		if err := s.scanChunk(ctx, s.next, upper); err != nil {
			metrics.ScanErrorsTotal.WithLabelValues(s.chain.String(), s.stream.String()).Inc()
			return err
		}
		s.next = upper
		metrics.ScanChunksTotal.WithLabelValues(s.chain.String(), s.stream.String()).Inc()
		metrics.ScanCursor.WithLabelValues(s.chain.String(), s.stream.String()).Set(float64(s.next))
	}
	return nil
}

func (s *Scanner) scanChunk(ctx context.Context, from, to uint64) error {
	logs, err := s.source.GetLogs(ctx, rpc.LogFilter{
		FromBlock: rpc.FormatHexUint64(from),
		ToBlock:   rpc.FormatHexUint64(to),
		Address:   s.contract.Hex(),
		Topics:    []any{s.topic.Hex()},
	})
	if err != nil {
		return fmt.Errorf("fetch logs [%d, %d]: %w", from, to, err)
	}

	var prev event.Meta
	havePrev := false
	applied := 0
	for _, lg := range logs {
		ev, err := s.decode(lg)
		if err != nil {
			return fmt.Errorf("decode log %s: %w", lg.TransactionHash, err)
		}
		meta := ev.EventMeta()
		if havePrev && !prev.Precedes(meta) {
			return model.Integrityf(
				"logs out of order in range [%d, %d]: (%d,%d,%d) not after (%d,%d,%d)",
				from, to,
				meta.BlockNumber, meta.TxIndex, meta.LogIndex,
				prev.BlockNumber, prev.TxIndex, prev.LogIndex,
			)
		}
		prev, havePrev = meta, true

		id := meta.ID()
		if s.included.Contains(id) {
			metrics.ScanLogsDeduped.WithLabelValues(s.chain.String(), s.stream.String()).Inc()
			continue
		}
		if err := s.apply(ctx, ev); err != nil {
			return fmt.Errorf("apply log %s: %w", lg.TransactionHash, err)
		}
		s.included.Add(id, meta.BlockNumber)
		applied++
	}

	if applied > 0 {
		metrics.ScanLogsApplied.WithLabelValues(s.chain.String(), s.stream.String()).Add(float64(applied))
		s.logger.Debug("chunk folded", "from", from, "to", to, "applied", applied, "fetched", len(logs))
	}
	return nil
}
