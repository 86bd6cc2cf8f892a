package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PricePeriod is one entry of a chain's time-ordered price schedule. Each
// entry is valid until ValidUntil (unix seconds); ValidUntil == 0 marks
// the open-ended entry valid "until now". Prices are per-day amounts in
// the token's smallest unit.
type PricePeriod struct {
	ValidUntil uint64
	Prices     map[common.Address]*big.Int
}

// Covers reports whether this period's validity boundary is at or after
// the given timestamp. The open-ended period covers everything.
func (p PricePeriod) Covers(ts uint64) bool {
	return p.ValidUntil == 0 || p.ValidUntil >= ts
}

// Price returns the per-day price for a token, if the period quotes one.
func (p PricePeriod) Price(token common.Address) (*big.Int, bool) {
	price, ok := p.Prices[token]
	return price, ok
}
