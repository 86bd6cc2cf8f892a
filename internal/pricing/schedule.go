package pricing

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stakevrun/fee/internal/domain/model"
)

// Schedule is a chain's time-ordered price schedule: closed periods in
// ascending ValidUntil order, optionally followed by one open-ended
// period (ValidUntil == 0) valid "until now".
type Schedule []model.PricePeriod

// Normalize sorts closed periods ascending and moves the open-ended
// period, if any, to the end.
func Normalize(periods []model.PricePeriod) Schedule {
	s := make(Schedule, len(periods))
	copy(s, periods)
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].ValidUntil == 0 {
			return false
		}
		if s[j].ValidUntil == 0 {
			return true
		}
		return s[i].ValidUntil < s[j].ValidUntil
	})
	return s
}

// Resolve selects the earliest period whose validity boundary is at or
// after the given timestamp.
func (s Schedule) Resolve(asOf uint64) (model.PricePeriod, bool) {
	for _, p := range s {
		if p.Covers(asOf) {
			return p, true
		}
	}
	return model.PricePeriod{}, false
}

// PriceAt resolves the per-day price for a token at a timestamp.
func (s Schedule) PriceAt(token common.Address, asOf uint64) (*big.Int, bool) {
	period, ok := s.Resolve(asOf)
	if !ok {
		return nil, false
	}
	return period.Price(token)
}
