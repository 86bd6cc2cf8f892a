package blocktime

import (
	"context"
	"fmt"

	"github.com/stakevrun/fee/internal/cache"
	"github.com/stakevrun/fee/internal/chain/rpc"
)

const cacheSize = 2048

// Cache memoizes block timestamps. Block timestamps are immutable once a
// block exists, so entries never go stale.
type Cache struct {
	reader rpc.ChainReader
	lru    *cache.LRU[uint64, uint64]
}

func New(reader rpc.ChainReader) *Cache {
	return &Cache{
		reader: reader,
		lru:    cache.NewLRU[uint64, uint64](cacheSize),
	}
}

// Timestamp returns the unix timestamp of the given block.
func (c *Cache) Timestamp(ctx context.Context, blockNumber uint64) (uint64, error) {
	if ts, ok := c.lru.Get(blockNumber); ok {
		return ts, nil
	}

	block, err := c.reader.GetBlockByNumber(ctx, blockNumber)
	if err != nil {
		return 0, err
	}
	if block == nil {
		return 0, fmt.Errorf("block %d not found", blockNumber)
	}
	ts, err := rpc.ParseHexUint64(block.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("parse block %d timestamp: %w", blockNumber, err)
	}

	c.lru.Put(blockNumber, ts)
	return ts, nil
}
