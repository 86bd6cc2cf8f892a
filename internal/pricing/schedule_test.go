package pricing

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakevrun/fee/internal/domain/model"
)

var token = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func period(validUntil uint64, price int64) model.PricePeriod {
	return model.PricePeriod{
		ValidUntil: validUntil,
		Prices:     map[common.Address]*big.Int{token: big.NewInt(price)},
	}
}

func TestNormalizeOrdersClosedPeriodsAndOpenEndedLast(t *testing.T) {
	t.Parallel()

	s := Normalize([]model.PricePeriod{period(0, 3), period(2000, 2), period(1000, 1)})
	require.Len(t, s, 3)
	assert.Equal(t, uint64(1000), s[0].ValidUntil)
	assert.Equal(t, uint64(2000), s[1].ValidUntil)
	assert.Equal(t, uint64(0), s[2].ValidUntil)
}

func TestResolvePicksEarliestCoveringPeriod(t *testing.T) {
	t.Parallel()

	s := Normalize([]model.PricePeriod{period(1000, 1), period(2000, 2), period(0, 3)})

	p, ok := s.Resolve(500)
	require.True(t, ok)
	assert.Equal(t, uint64(1000), p.ValidUntil)

	p, ok = s.Resolve(1000)
	require.True(t, ok, "boundary timestamp is covered by the closing period")
	assert.Equal(t, uint64(1000), p.ValidUntil)

	p, ok = s.Resolve(1500)
	require.True(t, ok)
	assert.Equal(t, uint64(2000), p.ValidUntil)

	p, ok = s.Resolve(99_999)
	require.True(t, ok, "open-ended period covers everything later")
	assert.Equal(t, uint64(0), p.ValidUntil)
}

func TestResolveNoCoverageWithoutOpenEndedPeriod(t *testing.T) {
	t.Parallel()

	s := Normalize([]model.PricePeriod{period(1000, 1)})
	_, ok := s.Resolve(1001)
	assert.False(t, ok)
}

func TestPriceAt(t *testing.T) {
	t.Parallel()

	s := Normalize([]model.PricePeriod{period(1000, 7), period(0, 9)})

	price, ok := s.PriceAt(token, 100)
	require.True(t, ok)
	assert.Equal(t, int64(7), price.Int64())

	price, ok = s.PriceAt(token, 5000)
	require.True(t, ok)
	assert.Equal(t, int64(9), price.Int64())

	_, ok = s.PriceAt(common.HexToAddress("0xdead"), 100)
	assert.False(t, ok, "unquoted token has no price")
}
