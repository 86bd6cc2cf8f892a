package charges

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stakevrun/fee/internal/beacon"
	"github.com/stakevrun/fee/internal/cache"
	"github.com/stakevrun/fee/internal/chain/blocktime"
	"github.com/stakevrun/fee/internal/chain/rpc"
	"github.com/stakevrun/fee/internal/domain/event"
	"github.com/stakevrun/fee/internal/domain/model"
	"github.com/stakevrun/fee/internal/state"
)

const historyCacheSize = 1024

// toggleRange bounds one eth_getLogs query while backfilling a node's
// SetEnabled history.
const toggleRange = 10_000

type historyKey struct {
	chain   model.ChainID
	account common.Address
}

type toggleHistory struct {
	events []*event.SetEnabled
	next   uint64 // next unscanned block
}

// Service answers charge-interval queries. Toggle history is read from
// the chain's SetEnabled logs per (chain, account) and extended
// incrementally as finalization advances; validator windows come from
// the beacon source via the slot-gated cache.
type Service struct {
	registry *state.Registry
	windows  *beacon.Windows
	times    map[model.ChainID]*blocktime.Cache
	history  *cache.LRU[historyKey, toggleHistory]
	logger   *slog.Logger
	nowFn    func() uint64
}

func NewService(
	registry *state.Registry,
	windows *beacon.Windows,
	times map[model.ChainID]*blocktime.Cache,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry: registry,
		windows:  windows,
		times:    times,
		history:  cache.NewLRU[historyKey, toggleHistory](historyCacheSize),
		logger:   logger.With("component", "charges"),
		nowFn:    func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// Charges computes the chargeable calendar-day intervals for one
// (account, pubkey) pair on one chain.
func (s *Service) Charges(ctx context.Context, chainID model.ChainID, account common.Address, pubkey []byte) ([]model.ChargeInterval, error) {
	chain, ok := s.registry.Get(chainID)
	if !ok {
		return nil, fmt.Errorf("unknown chain %s", chainID)
	}

	window, err := s.windows.Window(ctx, chainID, chain.Slot(), chain.GenesisTime, chain.SecondsPerSlot, "0x"+common.Bytes2Hex(pubkey))
	if err != nil {
		return nil, fmt.Errorf("validator window: %w", err)
	}
	if window == nil {
		// Not known to the beacon state yet: nothing chargeable.
		return []model.ChargeInterval{}, nil
	}

	events, err := s.toggleEvents(ctx, chain, account)
	if err != nil {
		return nil, err
	}

	toggles, err := s.togglesFor(ctx, chainID, events, pubkey)
	if err != nil {
		return nil, err
	}

	return Intervals(*window, toggles, s.nowFn())
}

// toggleEvents returns the account's SetEnabled history up to the
// chain's finalized block, extending the cached history with only the
// not-yet-scanned suffix.
func (s *Service) toggleEvents(ctx context.Context, chain *state.Chain, account common.Address) ([]*event.SetEnabled, error) {
	key := historyKey{chain: chain.ID, account: account}
	finalized := chain.Finalized()

	hist, ok := s.history.Get(key)
	if !ok {
		hist = toggleHistory{next: chain.DeployBlock}
	}
	if finalized < hist.next {
		return hist.events, nil
	}

	// The cached slice is shared with every reader that already got it;
	// extend a copy so concurrent refreshes never append into the same
	// backing array.
	events := append([]*event.SetEnabled(nil), hist.events...)

	from := hist.next
	for from <= finalized {
		to := from + toggleRange - 1
		if to > finalized {
			to = finalized
		}
		logs, err := chain.Reader.GetLogs(ctx, rpc.LogFilter{
			FromBlock: rpc.FormatHexUint64(from),
			ToBlock:   rpc.FormatHexUint64(to),
			Address:   chain.FeeContract.Hex(),
			Topics: []any{
				event.SetEnabledTopic.Hex(),
				common.BytesToHash(account.Bytes()).Hex(),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("fetch SetEnabled logs [%d, %d]: %w", from, to, err)
		}
		for _, lg := range logs {
			ev, err := event.DecodeSetEnabled(lg)
			if err != nil {
				return nil, fmt.Errorf("decode SetEnabled: %w", err)
			}
			if n := len(events); n > 0 && !events[n-1].Meta.Precedes(ev.Meta) {
				return nil, model.Integrityf("SetEnabled logs out of order at block %d", ev.BlockNumber)
			}
			events = append(events, ev)
		}
		from = to + 1
	}

	hist.events = events
	hist.next = finalized + 1
	s.history.Put(key, hist)
	return hist.events, nil
}

// togglesFor filters one pubkey's toggles out of the account history and
// resolves their block timestamps.
func (s *Service) togglesFor(ctx context.Context, chainID model.ChainID, events []*event.SetEnabled, pubkey []byte) ([]Toggle, error) {
	times := s.times[chainID]
	var toggles []Toggle
	for _, ev := range events {
		if !bytes.Equal(ev.Pubkey, pubkey) {
			continue
		}
		ts, err := times.Timestamp(ctx, ev.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("toggle block time: %w", err)
		}
		toggles = append(toggles, Toggle{Enabled: ev.Enabled, Timestamp: ts})
	}
	return toggles, nil
}
