package state

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stakevrun/fee/internal/domain/model"
)

// PaymentLedger is the finalized per-address payment history of one
// chain. Append-only; entries are never rewritten once added.
type PaymentLedger struct {
	byAddress map[common.Address][]model.Payment
}

func NewPaymentLedger() *PaymentLedger {
	return &PaymentLedger{byAddress: make(map[common.Address][]model.Payment)}
}

func (l *PaymentLedger) Append(payer common.Address, p model.Payment) {
	l.byAddress[payer] = append(l.byAddress[payer], p)
}

func (l *PaymentLedger) For(payer common.Address) []model.Payment {
	return l.byAddress[payer]
}

// Staging holds not-yet-finalized payments keyed by block number, each
// block with its own included-log set. A block's entries and identities
// are dropped together once that block number falls behind the finalized
// pointer; the finalized scan later re-observes the same log identities
// and records them in the finalized ledger instead.
type Staging struct {
	byBlock map[uint64]*stagedBlock
	// index maps a staged identity to its block so membership checks and
	// pruning stay O(1) per entry.
	index map[model.LogID]uint64
}

type stagedBlock struct {
	included  map[model.LogID]struct{}
	byAddress map[common.Address][]model.Payment
}

func NewStaging() *Staging {
	return &Staging{
		byBlock: make(map[uint64]*stagedBlock),
		index:   make(map[model.LogID]uint64),
	}
}

func (s *Staging) block(n uint64) *stagedBlock {
	b, ok := s.byBlock[n]
	if !ok {
		b = &stagedBlock{
			included:  make(map[model.LogID]struct{}),
			byAddress: make(map[common.Address][]model.Payment),
		}
		s.byBlock[n] = b
	}
	return b
}

func (s *Staging) contains(id model.LogID) bool {
	_, ok := s.index[id]
	return ok
}

func (s *Staging) add(id model.LogID, blockNumber uint64) {
	s.block(blockNumber).included[id] = struct{}{}
	s.index[id] = blockNumber
}

func (s *Staging) stage(blockNumber uint64, payer common.Address, p model.Payment) {
	b := s.block(blockNumber)
	b.byAddress[payer] = append(b.byAddress[payer], p)
}

// prune drops every staged block at or below the finalized block number.
func (s *Staging) prune(finalized uint64) {
	for n, b := range s.byBlock {
		if n > finalized {
			continue
		}
		for id := range b.included {
			delete(s.index, id)
		}
		delete(s.byBlock, n)
	}
}

// stagedFor returns still-staged payments for an address, ordered by
// block number.
func (s *Staging) stagedFor(payer common.Address) []model.Payment {
	blocks := make([]uint64, 0, len(s.byBlock))
	for n, b := range s.byBlock {
		if len(b.byAddress[payer]) > 0 {
			blocks = append(blocks, n)
		}
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })

	var out []model.Payment
	for _, n := range blocks {
		out = append(out, s.byBlock[n].byAddress[payer]...)
	}
	return out
}
