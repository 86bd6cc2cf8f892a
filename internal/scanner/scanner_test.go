package scanner

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakevrun/fee/internal/chain/rpc"
	"github.com/stakevrun/fee/internal/domain/event"
	"github.com/stakevrun/fee/internal/domain/model"
)

var (
	testContract = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	testToken    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

type fakeSource struct {
	ranges [][2]uint64
	logs   func(from, to uint64) []*rpc.Log
	err    error
}

func (f *fakeSource) GetLogs(_ context.Context, filter rpc.LogFilter) ([]*rpc.Log, error) {
	from, err := rpc.ParseHexUint64(filter.FromBlock)
	if err != nil {
		return nil, err
	}
	to, err := rpc.ParseHexUint64(filter.ToBlock)
	if err != nil {
		return nil, err
	}
	f.ranges = append(f.ranges, [2]uint64{from, to})
	if f.err != nil {
		return nil, f.err
	}
	if f.logs == nil {
		return nil, nil
	}
	return f.logs(from, to), nil
}

func setTokenLog(block, txIndex, logIndex uint64, accepted bool) *rpc.Log {
	acceptedTopic := common.BigToHash(big.NewInt(0))
	if accepted {
		acceptedTopic = common.BigToHash(big.NewInt(1))
	}
	return &rpc.Log{
		Address: testContract.Hex(),
		Topics: []string{
			event.SetTokenTopic.Hex(),
			common.BytesToHash(testToken.Bytes()).Hex(),
			acceptedTopic.Hex(),
		},
		Data:             "0x",
		BlockNumber:      rpc.FormatHexUint64(block),
		TransactionHash:  common.BigToHash(big.NewInt(int64(block*1000 + txIndex))).Hex(),
		TransactionIndex: rpc.FormatHexUint64(txIndex),
		LogIndex:         rpc.FormatHexUint64(logIndex),
	}
}

func newTestScanner(source LogSource, included IncludeSet, apply func(context.Context, event.Event) error) *Scanner {
	return New(
		1, model.StreamTokens,
		source, testContract, event.SetTokenTopic,
		func(lg *rpc.Log) (event.Event, error) { return event.DecodeSetToken(lg) },
		apply,
		included, 0, nil,
	)
}

func TestScanForwardChunksBoundedRanges(t *testing.T) {
	t.Parallel()

	source := &fakeSource{}
	s := newTestScanner(source, NewSet(), func(context.Context, event.Event) error { return nil })

	require.NoError(t, s.ScanForward(context.Background(), 25_000))

	assert.Equal(t, [][2]uint64{{0, 10_000}, {10_000, 20_000}, {20_000, 25_000}}, source.ranges)
	assert.Equal(t, uint64(25_000), s.Next())
}

func TestScanForwardAppliesInOrder(t *testing.T) {
	t.Parallel()

	source := &fakeSource{logs: func(from, to uint64) []*rpc.Log {
		if from != 0 {
			return nil
		}
		return []*rpc.Log{
			setTokenLog(5, 0, 0, true),
			setTokenLog(5, 0, 1, false),
			setTokenLog(9, 2, 0, true),
		}
	}}

	var applied []event.Event
	s := newTestScanner(source, NewSet(), func(_ context.Context, ev event.Event) error {
		applied = append(applied, ev)
		return nil
	})

	require.NoError(t, s.ScanForward(context.Background(), 100))
	require.Len(t, applied, 3)
	assert.False(t, applied[0].(*event.SetToken).Accepted == applied[1].(*event.SetToken).Accepted)
}

func TestScanForwardBoundaryBlockAppliedOnce(t *testing.T) {
	t.Parallel()

	// The boundary block of a chunk is re-fetched by the next chunk;
	// only the include set keeps the fold idempotent.
	boundary := setTokenLog(10, 0, 0, true)
	source := &fakeSource{logs: func(from, to uint64) []*rpc.Log {
		if from <= 10 && 10 <= to {
			return []*rpc.Log{boundary}
		}
		return nil
	}}

	applied := 0
	s := newTestScanner(source, NewSet(), func(context.Context, event.Event) error {
		applied++
		return nil
	})

	require.NoError(t, s.ScanForward(context.Background(), 10))
	require.NoError(t, s.ScanForward(context.Background(), 20))

	assert.Equal(t, 2, len(source.ranges), "both chunks fetched")
	assert.Equal(t, 1, applied, "boundary log folded once")
}

func TestScanForwardOutOfOrderLogsFail(t *testing.T) {
	t.Parallel()

	source := &fakeSource{logs: func(from, to uint64) []*rpc.Log {
		return []*rpc.Log{
			setTokenLog(9, 0, 0, true),
			setTokenLog(5, 0, 0, false),
		}
	}}
	s := newTestScanner(source, NewSet(), func(context.Context, event.Event) error { return nil })

	err := s.ScanForward(context.Background(), 100)

	var integrity *model.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, uint64(0), s.Next(), "cursor must not advance past a bad chunk")
}

func TestScanForwardSourceErrorLeavesCursor(t *testing.T) {
	t.Parallel()

	source := &fakeSource{err: fmt.Errorf("rpc: connection refused")}
	s := newTestScanner(source, NewSet(), func(context.Context, event.Event) error { return nil })

	require.Error(t, s.ScanForward(context.Background(), 100))
	assert.Equal(t, uint64(0), s.Next())

	// Recovery: same range succeeds on the next trigger.
	source.err = nil
	require.NoError(t, s.ScanForward(context.Background(), 100))
	assert.Equal(t, uint64(100), s.Next())
}

func TestScanForwardEqualPositionsRejected(t *testing.T) {
	t.Parallel()

	dup := setTokenLog(5, 1, 1, true)
	source := &fakeSource{logs: func(from, to uint64) []*rpc.Log {
		return []*rpc.Log{dup, dup}
	}}
	s := newTestScanner(source, NewSet(), func(context.Context, event.Event) error { return nil })

	err := s.ScanForward(context.Background(), 100)

	var integrity *model.IntegrityError
	require.ErrorAs(t, err, &integrity)
}
