package verify

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakevrun/fee/internal/chain/blocktime"
	"github.com/stakevrun/fee/internal/chain/rpc"
	"github.com/stakevrun/fee/internal/domain/event"
	"github.com/stakevrun/fee/internal/domain/model"
	"github.com/stakevrun/fee/internal/ledger"
	"github.com/stakevrun/fee/internal/pricing"
	"github.com/stakevrun/fee/internal/state"
)

var (
	tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	receiver  = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	txHash    = common.BigToHash(big.NewInt(777))
)

const (
	perDayPrice = 300_000
	claimDays   = 5
	paidAt      = uint64(100_000_000) // 0x5f5e100
)

type fakeReader struct {
	tx      *rpc.Transaction
	receipt *rpc.TransactionReceipt
}

func (f *fakeReader) GetBlockNumber(context.Context) (uint64, error) { return 0, nil }

func (f *fakeReader) GetBlockByTag(context.Context, string) (*rpc.Block, error) {
	return nil, fmt.Errorf("not used")
}

func (f *fakeReader) GetBlockByNumber(_ context.Context, n uint64) (*rpc.Block, error) {
	return &rpc.Block{Number: rpc.FormatHexUint64(n), Timestamp: rpc.FormatHexUint64(paidAt)}, nil
}

func (f *fakeReader) GetTransactionByHash(context.Context, string) (*rpc.Transaction, error) {
	return f.tx, nil
}

func (f *fakeReader) GetTransactionReceipt(context.Context, string) (*rpc.TransactionReceipt, error) {
	return f.receipt, nil
}

func (f *fakeReader) GetLogs(context.Context, rpc.LogFilter) ([]*rpc.Log, error) {
	return nil, nil
}

// fakeLedger accepts credit submissions and serves an (initially empty)
// credit stream for the duplicate check.
type fakeLedger struct {
	mu        sync.Mutex
	entries   []model.CreditEntry
	submitted []model.SignedCreditEntry
}

func (f *fakeLedger) serve(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /1/{account}/credit/length", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		fmt.Fprint(w, len(f.entries))
	})
	mux.HandleFunc("GET /1/{account}/credit/logs", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(f.entries)
	})
	mux.HandleFunc("POST /1/{account}/credit", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var entry model.SignedCreditEntry
		require.NoError(t, json.NewDecoder(r.Body).Decode(&entry))
		f.submitted = append(f.submitted, entry)
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type harness struct {
	verifier *Verifier
	reader   *fakeReader
	ledger   *fakeLedger
	key      *ecdsa.PrivateKey
	signer   common.Address
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	nodeKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	serviceKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	reader := &fakeReader{}
	chain := state.NewChain(state.ChainParams{
		ID:            1,
		Receiver:      receiver,
		DomainName:    "vrun fee",
		DomainVersion: "1",
		Schedule: pricing.Normalize([]model.PricePeriod{{
			ValidUntil: 0,
			Prices:     map[common.Address]*big.Int{tokenAddr: big.NewInt(perDayPrice)},
		}}),
	}, reader)
	registry := state.NewRegistry()
	registry.Add(chain)

	fake := &fakeLedger{}
	client := ledger.NewClient(fake.serve(t).URL, nil, nil)
	replicator := ledger.NewReplicator(client, nil)
	times := map[model.ChainID]*blocktime.Cache{1: blocktime.New(reader)}

	v := NewVerifier(registry, client, replicator, times, serviceKey, nil)
	v.nowFn = func() uint64 { return 1_700_000_000 }

	return &harness{
		verifier: v,
		reader:   reader,
		ledger:   fake,
		key:      nodeKey,
		signer:   ethcrypto.PubkeyToAddress(nodeKey.PublicKey),
	}
}

func (h *harness) claim(t *testing.T, numDays uint64) model.PaymentClaim {
	t.Helper()
	claim := model.PaymentClaim{
		NodeAccount:  h.signer,
		NumDays:      numDays,
		TokenChainID: 1,
		TokenAddress: tokenAddr,
		TxHash:       txHash,
	}
	domain := Domain("vrun fee", "1", 1)
	digest, err := claimDigest(domain, claim)
	require.NoError(t, err)
	sig, err := ethcrypto.Sign(digest, h.key)
	require.NoError(t, err)
	sig[ethcrypto.RecoveryIDOffset] += 27
	claim.Signature = hexutil.Encode(sig)
	return claim
}

func (h *harness) setTokenPayment(amount int64) {
	h.reader.tx = &rpc.Transaction{
		Hash:        txHash.Hex(),
		BlockNumber: "0x10",
		From:        h.signer.Hex(),
		To:          tokenAddr.Hex(),
		Value:       "0x0",
	}
	h.reader.receipt = &rpc.TransactionReceipt{
		TransactionHash: txHash.Hex(),
		Status:          "0x1",
		Logs: []*rpc.Log{{
			Address: tokenAddr.Hex(),
			Topics: []string{
				event.TransferTopic.Hex(),
				common.BytesToHash(h.signer.Bytes()).Hex(),
				common.BytesToHash(receiver.Bytes()).Hex(),
			},
			Data:             common.BigToHash(big.NewInt(amount)).Hex(),
			BlockNumber:      "0x10",
			TransactionHash:  txHash.Hex(),
			TransactionIndex: "0x0",
			LogIndex:         "0x0",
		}},
	}
}

func (h *harness) setNativePayment(amount int64) {
	h.reader.tx = &rpc.Transaction{
		Hash:        txHash.Hex(),
		BlockNumber: "0x10",
		From:        h.signer.Hex(),
		To:          receiver.Hex(),
		Value:       hexutil.EncodeBig(big.NewInt(amount)),
	}
	h.reader.receipt = &rpc.TransactionReceipt{
		TransactionHash: txHash.Hex(),
		Status:          "0x1",
	}
}

func refusalCode(t *testing.T, err error) Code {
	t.Helper()
	var vErr *Error
	require.ErrorAs(t, err, &vErr)
	return vErr.Code
}

func TestVerifyAndIssueTokenPayment(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.setTokenPayment(perDayPrice * claimDays)

	entry, err := h.verifier.VerifyAndIssue(t.Context(), 1, h.claim(t, claimDays))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, h.signer, entry.Account)
	assert.Equal(t, uint64(claimDays), entry.NumDays)
	assert.False(t, entry.DecreaseBalance)
	assert.Equal(t, txHash, entry.TxHash)

	require.Len(t, h.ledger.submitted, 1)
	submitted := h.ledger.submitted[0]
	assert.Equal(t, *entry, submitted.CreditEntry)
	assert.NotEmpty(t, submitted.Signature)
}

func TestVerifyAndIssueNativePayment(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.setNativePayment(perDayPrice * claimDays)

	entry, err := h.verifier.VerifyAndIssue(t.Context(), 1, h.claim(t, claimDays))
	require.NoError(t, err)
	assert.Equal(t, uint64(claimDays), entry.NumDays)
}

func TestVerifyRefusesPriceMismatch(t *testing.T) {
	t.Parallel()

	for _, amount := range []int64{perDayPrice*claimDays - 1, perDayPrice*claimDays + 1} {
		h := newHarness(t)
		h.setTokenPayment(amount)

		_, err := h.verifier.VerifyAndIssue(t.Context(), 1, h.claim(t, claimDays))
		assert.Equal(t, CodePriceMismatch, refusalCode(t, err), "amount %d", amount)
		assert.Empty(t, h.ledger.submitted)
	}
}

func TestVerifyRefusesZeroTransfer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.setNativePayment(0)

	_, err := h.verifier.VerifyAndIssue(t.Context(), 1, h.claim(t, claimDays))
	assert.Equal(t, CodeZeroTransfer, refusalCode(t, err))
}

func TestVerifyRefusesMissingTransaction(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	// reader.tx stays nil

	_, err := h.verifier.VerifyAndIssue(t.Context(), 1, h.claim(t, claimDays))
	assert.Equal(t, CodeTransactionNotFound, refusalCode(t, err))
}

func TestVerifyRefusesForeignSender(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.setTokenPayment(perDayPrice * claimDays)
	h.reader.tx.From = receiver.Hex() // someone else sent it

	_, err := h.verifier.VerifyAndIssue(t.Context(), 1, h.claim(t, claimDays))
	assert.Equal(t, CodeSignerMismatch, refusalCode(t, err))
}

func TestVerifyRefusesTamperedClaim(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.setTokenPayment(perDayPrice * claimDays)

	claim := h.claim(t, claimDays)
	claim.NumDays = claimDays + 1 // signature no longer covers the claim

	_, err := h.verifier.VerifyAndIssue(t.Context(), 1, claim)
	assert.Equal(t, CodeSignerMismatch, refusalCode(t, err),
		"tampering recovers a different signer than the node account")
}

func TestVerifyRefusesNonPayment(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.setTokenPayment(perDayPrice * claimDays)
	h.reader.receipt.Logs = nil // no transfer to the receiver

	_, err := h.verifier.VerifyAndIssue(t.Context(), 1, h.claim(t, claimDays))
	assert.Equal(t, CodeNotAPayment, refusalCode(t, err))
}

func TestVerifyRefusesUnquotedToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.setNativePayment(perDayPrice * claimDays)

	claim := h.claim(t, claimDays)
	// Re-sign a claim naming a token with no price schedule.
	other := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	claim.TokenAddress = other
	domain := Domain("vrun fee", "1", 1)
	digest, err := claimDigest(domain, claim)
	require.NoError(t, err)
	sig, err := ethcrypto.Sign(digest, h.key)
	require.NoError(t, err)
	sig[ethcrypto.RecoveryIDOffset] += 27
	claim.Signature = hexutil.Encode(sig)

	_, err = h.verifier.VerifyAndIssue(t.Context(), 1, claim)
	assert.Equal(t, CodeNoPriceSchedule, refusalCode(t, err))
}

func TestVerifyRefusesDuplicateCredit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.setTokenPayment(perDayPrice * claimDays)
	h.ledger.entries = append(h.ledger.entries, model.CreditEntry{
		Account:      h.signer,
		NumDays:      claimDays,
		TokenChainID: 1,
		TokenAddress: tokenAddr,
		TxHash:       txHash,
	})

	_, err := h.verifier.VerifyAndIssue(t.Context(), 1, h.claim(t, claimDays))
	assert.Equal(t, CodeDuplicateCredit, refusalCode(t, err))
	assert.Empty(t, h.ledger.submitted)
}

func TestVerifyDuplicateCheckMatchesFullTokenIdentity(t *testing.T) {
	t.Parallel()

	// Same transaction hash and chain but a different token: not a
	// duplicate, the claim is credited.
	h := newHarness(t)
	h.setTokenPayment(perDayPrice * claimDays)
	h.ledger.entries = append(h.ledger.entries, model.CreditEntry{
		Account:      h.signer,
		NumDays:      claimDays,
		TokenChainID: 1,
		TokenAddress: common.HexToAddress("0x00000000000000000000000000000000000000bb"),
		TxHash:       txHash,
	})

	entry, err := h.verifier.VerifyAndIssue(t.Context(), 1, h.claim(t, claimDays))
	require.NoError(t, err)
	assert.Equal(t, tokenAddr, entry.TokenAddress)
	assert.Len(t, h.ledger.submitted, 1)
}

func TestVerifySingleFlightPerTransaction(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.True(t, h.verifier.begin(txHash))
	assert.False(t, h.verifier.begin(txHash), "same hash is refused while in flight")
	h.verifier.end(txHash)
	assert.True(t, h.verifier.begin(txHash))
}

func TestSignCreditRoundTrip(t *testing.T) {
	t.Parallel()

	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	domain := Domain("vrun fee", "1", 1)
	entry := model.CreditEntry{
		Timestamp: 1_700_000_000,
		Account:   receiver,
		NumDays:   3,
		TxHash:    txHash,
		Comment:   "payment of 900000 on chain 1",
	}

	sigHex, err := SignCredit(domain, entry, key)
	require.NoError(t, err)

	digest, err := creditDigest(domain, entry)
	require.NoError(t, err)
	sig, err := hexutil.Decode(sigHex)
	require.NoError(t, err)
	sig[ethcrypto.RecoveryIDOffset] -= 27
	pub, err := ethcrypto.SigToPub(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.PubkeyToAddress(key.PublicKey), ethcrypto.PubkeyToAddress(*pub))
}
