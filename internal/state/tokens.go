package state

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stakevrun/fee/internal/domain/event"
)

// AcceptedTokens is the derived accepted-payment-token state of one
// chain: the set currently accepted and the set ever accepted. It is
// built by folding SetToken events strictly in canonical chain order;
// current is always a subset of ever.
type AcceptedTokens struct {
	current map[common.Address]struct{}
	ever    map[common.Address]struct{}
}

func NewAcceptedTokens(seed []common.Address) *AcceptedTokens {
	t := &AcceptedTokens{
		current: make(map[common.Address]struct{}),
		ever:    make(map[common.Address]struct{}),
	}
	for _, addr := range seed {
		t.current[addr] = struct{}{}
		t.ever[addr] = struct{}{}
	}
	return t
}

// Apply folds one SetToken toggle. Accepting adds to both sets;
// revoking removes from current only.
func (t *AcceptedTokens) Apply(ev *event.SetToken) {
	if ev.Accepted {
		t.current[ev.Token] = struct{}{}
		t.ever[ev.Token] = struct{}{}
		return
	}
	delete(t.current, ev.Token)
}

func (t *AcceptedTokens) IsCurrent(addr common.Address) bool {
	_, ok := t.current[addr]
	return ok
}

func (t *AcceptedTokens) EverAccepted(addr common.Address) bool {
	_, ok := t.ever[addr]
	return ok
}

// Current returns the currently accepted tokens in stable (sorted) order.
func (t *AcceptedTokens) Current() []common.Address {
	out := make([]common.Address, 0, len(t.current))
	for addr := range t.current {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Hex() < out[j].Hex()
	})
	return out
}
