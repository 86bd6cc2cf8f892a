package state

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stakevrun/fee/internal/chain/rpc"
	"github.com/stakevrun/fee/internal/domain/event"
	"github.com/stakevrun/fee/internal/domain/model"
	"github.com/stakevrun/fee/internal/pricing"
	"github.com/stakevrun/fee/internal/scanner"
)

// ChainParams is the static, configured identity of one chain.
type ChainParams struct {
	ID             model.ChainID
	FeeContract    common.Address
	DeployBlock    uint64
	Receiver       common.Address
	BeaconURL      string
	GenesisTime    uint64
	SecondsPerSlot uint64
	DomainName     string
	DomainVersion  string
	InitialTokens  []common.Address
	Schedule       pricing.Schedule
}

// Chain owns all derived per-chain state. Mutation happens only through
// its methods; a single scanning task writes, HTTP readers read
// concurrently under the chain's read-write lock.
type Chain struct {
	ChainParams

	Reader rpc.ChainReader

	mu             sync.RWMutex
	tokens         *AcceptedTokens
	final          *PaymentLedger
	staging        *Staging
	finalizedBlock uint64
	slot           uint64
}

func NewChain(params ChainParams, reader rpc.ChainReader) *Chain {
	return &Chain{
		ChainParams: params,
		Reader:      reader,
		tokens:      NewAcceptedTokens(params.InitialTokens),
		final:       NewPaymentLedger(),
		staging:     NewStaging(),
	}
}

// SlotAdvanced updates the chain's finalized slot if it moved forward and
// reports whether it did. The slot gates beacon-window cache refresh.
func (c *Chain) SlotAdvanced(slot uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot <= c.slot {
		return false
	}
	c.slot = slot
	return true
}

func (c *Chain) Slot() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.slot
}

func (c *Chain) SetFinalized(block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if block > c.finalizedBlock {
		c.finalizedBlock = block
	}
}

func (c *Chain) Finalized() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.finalizedBlock
}

// CurrentTokens returns the currently accepted tokens, sorted.
func (c *Chain) CurrentTokens() []common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens.Current()
}

func (c *Chain) EverAccepted(addr common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens.EverAccepted(addr)
}

// PaymentsFor returns the merged reader view for an address: finalized
// entries first, then any still-staged unfinalized entries, grouped by
// the requested tokens. Every requested token gets a key, empty or not.
func (c *Chain) PaymentsFor(payer common.Address, tokens []common.Address) map[common.Address][]model.Payment {
	c.mu.RLock()
	defer c.mu.RUnlock()

	wanted := make(map[common.Address]struct{}, len(tokens))
	result := make(map[common.Address][]model.Payment, len(tokens))
	for _, t := range tokens {
		wanted[t] = struct{}{}
		result[t] = []model.Payment{}
	}

	finalized := make(map[model.Payment]int)
	for _, p := range c.final.For(payer) {
		if _, ok := wanted[p.Token]; ok {
			result[p.Token] = append(result[p.Token], p)
			finalized[p]++
		}
	}
	// The scanning task folds a block's payments into the finalized
	// ledger before pruning its staging entries; a staged copy already
	// present as final is suppressed so the merged view never double
	// counts across that window.
	for _, p := range c.staging.stagedFor(payer) {
		if _, ok := wanted[p.Token]; !ok {
			continue
		}
		if finalized[p] > 0 {
			finalized[p]--
			continue
		}
		result[p.Token] = append(result[p.Token], p)
	}
	return result
}

// Fold entry points used by the scanning task.

func (c *Chain) FoldSetToken(ev *event.SetToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens.Apply(ev)
}

func (c *Chain) AppendFinalPayment(payer common.Address, p model.Payment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.final.Append(payer, p)
}

func (c *Chain) StagePayment(blockNumber uint64, payer common.Address, p model.Payment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staging.stage(blockNumber, payer, p)
}

// PruneStaged drops staged blocks at or below the finalized pointer.
func (c *Chain) PruneStaged(finalized uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staging.prune(finalized)
}

// StagingIncludeSet exposes the staging area as the unfinalized
// scanner's dedup set.
func (c *Chain) StagingIncludeSet() scanner.IncludeSet {
	return stagingSet{c}
}

type stagingSet struct {
	c *Chain
}

func (s stagingSet) Contains(id model.LogID) bool {
	s.c.mu.RLock()
	defer s.c.mu.RUnlock()
	return s.c.staging.contains(id)
}

func (s stagingSet) Add(id model.LogID, blockNumber uint64) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.staging.add(id, blockNumber)
}

// Registry holds one owned Chain per configured chain id, constructed at
// startup. There is no ambient global state; all access goes through it.
type Registry struct {
	chains map[model.ChainID]*Chain
}

func NewRegistry() *Registry {
	return &Registry{chains: make(map[model.ChainID]*Chain)}
}

func (r *Registry) Add(c *Chain) {
	r.chains[c.ID] = c
}

func (r *Registry) Get(id model.ChainID) (*Chain, bool) {
	c, ok := r.chains[id]
	return c, ok
}

// All returns the registered chains in stable id order.
func (r *Registry) All() []*Chain {
	out := make([]*Chain, 0, len(r.chains))
	for _, c := range r.chains {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
