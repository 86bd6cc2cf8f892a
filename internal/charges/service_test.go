package charges

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/stakevrun/fee/internal/beacon"
	"github.com/stakevrun/fee/internal/chain/blocktime"
	"github.com/stakevrun/fee/internal/chain/rpc"
	"github.com/stakevrun/fee/internal/domain/event"
	"github.com/stakevrun/fee/internal/domain/model"
	"github.com/stakevrun/fee/internal/state"
)

var (
	feeContract = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	nodeAccount = common.HexToAddress("0x0000000000000000000000000000000000001234")
)

func testPubkey(seed byte) []byte {
	pk := make([]byte, 48)
	for i := range pk {
		pk[i] = seed
	}
	return pk
}

// fakeReader serves SetEnabled logs range-filtered and counts queries so
// tests can assert the incremental scan behavior.
type fakeReader struct {
	logs     []*rpc.Log
	logCalls atomic.Int64
}

func (f *fakeReader) GetBlockNumber(context.Context) (uint64, error) { return 0, nil }

func (f *fakeReader) GetBlockByTag(context.Context, string) (*rpc.Block, error) {
	return nil, fmt.Errorf("not used")
}

func (f *fakeReader) GetBlockByNumber(_ context.Context, n uint64) (*rpc.Block, error) {
	// One block per day keeps interval math easy to read.
	return &rpc.Block{
		Number:    rpc.FormatHexUint64(n),
		Timestamp: rpc.FormatHexUint64(n * secondsPerDay),
	}, nil
}

func (f *fakeReader) GetTransactionByHash(context.Context, string) (*rpc.Transaction, error) {
	return nil, nil
}

func (f *fakeReader) GetTransactionReceipt(context.Context, string) (*rpc.TransactionReceipt, error) {
	return nil, nil
}

func (f *fakeReader) GetLogs(_ context.Context, filter rpc.LogFilter) ([]*rpc.Log, error) {
	f.logCalls.Add(1)
	from, err := rpc.ParseHexUint64(filter.FromBlock)
	if err != nil {
		return nil, err
	}
	to, err := rpc.ParseHexUint64(filter.ToBlock)
	if err != nil {
		return nil, err
	}
	var out []*rpc.Log
	for _, lg := range f.logs {
		n, err := rpc.ParseHexUint64(lg.BlockNumber)
		if err != nil {
			return nil, err
		}
		if n >= from && n <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func dynamicBytes(payload []byte) string {
	out := append(common.BigToHash(big.NewInt(32)).Bytes(), common.BigToHash(big.NewInt(int64(len(payload)))).Bytes()...)
	out = append(out, payload...)
	if pad := len(payload) % 32; pad != 0 {
		out = append(out, make([]byte, 32-pad)...)
	}
	return "0x" + hex.EncodeToString(out)
}

func setEnabledLog(block uint64, pubkey []byte, enabled bool) *rpc.Log {
	enabledTopic := common.BigToHash(big.NewInt(0))
	if enabled {
		enabledTopic = common.BigToHash(big.NewInt(1))
	}
	return &rpc.Log{
		Address: feeContract.Hex(),
		Topics: []string{
			event.SetEnabledTopic.Hex(),
			common.BytesToHash(nodeAccount.Bytes()).Hex(),
			enabledTopic.Hex(),
		},
		Data:             dynamicBytes(pubkey),
		BlockNumber:      rpc.FormatHexUint64(block),
		TransactionHash:  common.BigToHash(big.NewInt(int64(block))).Hex(),
		TransactionIndex: "0x0",
		LogIndex:         "0x0",
	}
}

func activeValidatorServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"data":{"validator":{"activation_epoch":"0","exit_epoch":"18446744073709551615"}}}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(t *testing.T, reader *fakeReader, beaconURL string) (*Service, *state.Chain) {
	t.Helper()

	chain := state.NewChain(state.ChainParams{
		ID:             1,
		FeeContract:    feeContract,
		DeployBlock:    0,
		GenesisTime:    0,
		SecondsPerSlot: 12,
	}, reader)
	chain.SetFinalized(100)
	chain.SlotAdvanced(50)

	registry := state.NewRegistry()
	registry.Add(chain)

	client := beacon.NewClient(beaconURL, nil, nil)
	windows := beacon.NewWindows(func(model.ChainID) *beacon.Client { return client })
	times := map[model.ChainID]*blocktime.Cache{1: blocktime.New(reader)}

	svc := NewService(registry, windows, times, nil)
	svc.nowFn = func() uint64 { return 50 * secondsPerDay }
	return svc, chain
}

func TestChargesComputesIntervalsFromToggles(t *testing.T) {
	t.Parallel()

	pubkey := testPubkey(0xaa)
	reader := &fakeReader{logs: []*rpc.Log{
		setEnabledLog(10, pubkey, true),
		setEnabledLog(12, pubkey, false),
	}}
	svc, _ := newTestService(t, reader, activeValidatorServer(t).URL)

	intervals, err := svc.Charges(t.Context(), 1, nodeAccount, pubkey)
	require.NoError(t, err)
	require.Len(t, intervals, 1)
	assert.Equal(t, uint64(10*secondsPerDay), intervals[0].StartTime)
	assert.Equal(t, uint64(12*secondsPerDay), intervals[0].EndTime)
	assert.Equal(t, uint64(3), intervals[0].NumDays)
}

func TestChargesUnknownValidatorIsEmpty(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	pubkey := testPubkey(0xaa)
	reader := &fakeReader{logs: []*rpc.Log{setEnabledLog(10, pubkey, true)}}
	svc, _ := newTestService(t, reader, srv.URL)

	intervals, err := svc.Charges(t.Context(), 1, nodeAccount, pubkey)
	require.NoError(t, err)
	assert.Empty(t, intervals)
}

func TestChargesIgnoresOtherPubkeys(t *testing.T) {
	t.Parallel()

	mine := testPubkey(0xaa)
	theirs := testPubkey(0xbb)
	reader := &fakeReader{logs: []*rpc.Log{
		setEnabledLog(10, theirs, true),
		setEnabledLog(20, mine, true),
	}}
	svc, _ := newTestService(t, reader, activeValidatorServer(t).URL)

	intervals, err := svc.Charges(t.Context(), 1, nodeAccount, mine)
	require.NoError(t, err)
	require.Len(t, intervals, 1)
	assert.Equal(t, uint64(20*secondsPerDay), intervals[0].StartTime)
}

func TestChargesScansToggleHistoryIncrementally(t *testing.T) {
	t.Parallel()

	pubkey := testPubkey(0xaa)
	reader := &fakeReader{logs: []*rpc.Log{setEnabledLog(10, pubkey, true)}}
	svc, chain := newTestService(t, reader, activeValidatorServer(t).URL)

	_, err := svc.Charges(t.Context(), 1, nodeAccount, pubkey)
	require.NoError(t, err)
	first := reader.logCalls.Load()
	require.Positive(t, first)

	// No finalization progress: the cached history answers without
	// another log query.
	_, err = svc.Charges(t.Context(), 1, nodeAccount, pubkey)
	require.NoError(t, err)
	assert.Equal(t, first, reader.logCalls.Load())

	// Finalization advances: only the new suffix is scanned.
	chain.SetFinalized(150)
	_, err = svc.Charges(t.Context(), 1, nodeAccount, pubkey)
	require.NoError(t, err)
	assert.Equal(t, first+1, reader.logCalls.Load())
}

func TestChargesConcurrentRefreshIsSafe(t *testing.T) {
	t.Parallel()

	pubkey := testPubkey(0xaa)
	reader := &fakeReader{logs: []*rpc.Log{
		setEnabledLog(10, pubkey, true),
		setEnabledLog(12, pubkey, false),
	}}
	svc, chain := newTestService(t, reader, activeValidatorServer(t).URL)

	_, err := svc.Charges(t.Context(), 1, nodeAccount, pubkey)
	require.NoError(t, err)

	// All goroutines observe the advanced finalized block and race to
	// extend the same cached history.
	chain.SetFinalized(200)

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			intervals, err := svc.Charges(t.Context(), 1, nodeAccount, pubkey)
			if err != nil {
				return err
			}
			if len(intervals) != 1 || intervals[0].NumDays != 3 {
				return fmt.Errorf("unexpected intervals %+v", intervals)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
