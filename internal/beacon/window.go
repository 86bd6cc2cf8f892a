package beacon

import (
	"context"
	"math"

	"github.com/stakevrun/fee/internal/cache"
	"github.com/stakevrun/fee/internal/domain/model"
	"github.com/stakevrun/fee/internal/metrics"
)

// Window is a validator's chargeable lifetime: the wall-clock span
// between activation and exit. ExitTime is math.MaxUint64 while no exit
// is scheduled.
type Window struct {
	ActivationTime uint64
	ExitTime       uint64
}

type windowKey struct {
	chain  model.ChainID
	pubkey string
}

type cachedWindow struct {
	window *Window // nil: validator unknown or not yet activated
	slot   uint64
}

const windowCacheSize = 4096

// Windows caches validator windows per (chain, pubkey). A cached entry
// is re-fetched only when the chain's finalized slot has advanced past
// the slot it was fetched at.
type Windows struct {
	client func(chain model.ChainID) *Client
	cache  *cache.LRU[windowKey, cachedWindow]
}

func NewWindows(client func(chain model.ChainID) *Client) *Windows {
	return &Windows{
		client: client,
		cache:  cache.NewLRU[windowKey, cachedWindow](windowCacheSize),
	}
}

// Window resolves a validator's window at the chain's current finalized
// slot. Returns (nil, nil) when the validator has no chargeable window
// yet (unknown to the beacon state, or activation still pending).
func (w *Windows) Window(ctx context.Context, chain model.ChainID, finalizedSlot, genesisTime, secondsPerSlot uint64, pubkey string) (*Window, error) {
	key := windowKey{chain: chain, pubkey: pubkey}
	if cached, ok := w.cache.Get(key); ok && finalizedSlot <= cached.slot {
		metrics.BeaconWindowLookups.WithLabelValues(chain.String(), "cache").Inc()
		return cached.window, nil
	}

	client := w.client(chain)
	info, err := client.Validator(ctx, finalizedSlot, pubkey)
	if err != nil {
		return nil, err
	}
	metrics.BeaconWindowLookups.WithLabelValues(chain.String(), "refresh").Inc()

	var window *Window
	if info != nil && info.ActivationEpoch != FarFutureEpoch {
		window = &Window{
			ActivationTime: EpochTime(genesisTime, secondsPerSlot, info.ActivationEpoch),
			ExitTime:       math.MaxUint64,
		}
		if info.ExitEpoch != FarFutureEpoch {
			window.ExitTime = EpochTime(genesisTime, secondsPerSlot, info.ExitEpoch)
		}
	}

	// Concurrent refreshes may race here; recomputation from the same
	// finalized state yields the same value, so the last write is fine.
	w.cache.Put(key, cachedWindow{window: window, slot: finalizedSlot})
	return window, nil
}
