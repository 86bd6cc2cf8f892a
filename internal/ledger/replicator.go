package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stakevrun/fee/internal/domain/model"
	"github.com/stakevrun/fee/internal/metrics"
)

type accountKey struct {
	chain   model.ChainID
	account common.Address
}

type accountState struct {
	repliedLength uint64
	numDays       int64
	entries       []model.CreditEntry
}

// Replicator incrementally mirrors the external credit log per (chain,
// account). Each entry is folded into the day balance exactly once;
// entries below the replicated length are never re-applied.
type Replicator struct {
	client *Client
	logger *slog.Logger

	mu    sync.Mutex
	state map[accountKey]*accountState
}

func NewReplicator(client *Client, logger *slog.Logger) *Replicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replicator{
		client: client,
		logger: logger.With("component", "replicator"),
		state:  make(map[accountKey]*accountState),
	}
}

// Balance returns the folded day balance for an account, pulling any
// ledger suffix beyond the replicated length first.
func (r *Replicator) Balance(ctx context.Context, chain model.ChainID, account common.Address) (int64, error) {
	st, err := r.sync(ctx, chain, account)
	if err != nil {
		return 0, err
	}
	return st.numDays, nil
}

// Entries returns the replicated raw entry list for an account.
func (r *Replicator) Entries(ctx context.Context, chain model.ChainID, account common.Address) ([]model.CreditEntry, error) {
	st, err := r.sync(ctx, chain, account)
	if err != nil {
		return nil, err
	}
	out := make([]model.CreditEntry, len(st.entries))
	copy(out, st.entries)
	return out, nil
}

// sync pulls the missing ledger suffix and folds it. The ledger length
// is the sole staleness signal; nothing expires by wall clock.
func (r *Replicator) sync(ctx context.Context, chain model.ChainID, account common.Address) (*accountState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := accountKey{chain: chain, account: account}
	st, ok := r.state[key]
	if !ok {
		st = &accountState{}
		r.state[key] = st
	}

	length, err := r.client.Length(ctx, chain, account, CreditStream)
	if err != nil {
		return nil, fmt.Errorf("credit stream length: %w", err)
	}
	if length <= st.repliedLength {
		return st, nil
	}

	suffix, err := r.client.CreditEntries(ctx, chain, account, st.repliedLength)
	if err != nil {
		return nil, fmt.Errorf("credit stream suffix from %d: %w", st.repliedLength, err)
	}

	for _, e := range suffix {
		st.numDays += e.Delta()
	}
	st.entries = append(st.entries, suffix...)
	st.repliedLength += uint64(len(suffix))

	metrics.LedgerRepliedLength.WithLabelValues(chain.String()).Set(float64(st.repliedLength))
	r.logger.Debug("credit log replicated",
		"chain", chain, "account", account.Hex(),
		"replied_length", st.repliedLength, "balance_days", st.numDays,
	)
	return st, nil
}
