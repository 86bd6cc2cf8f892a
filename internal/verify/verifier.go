package verify

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"

	"github.com/stakevrun/fee/internal/chain/blocktime"
	"github.com/stakevrun/fee/internal/chain/rpc"
	"github.com/stakevrun/fee/internal/domain/event"
	"github.com/stakevrun/fee/internal/domain/model"
	"github.com/stakevrun/fee/internal/ledger"
	"github.com/stakevrun/fee/internal/metrics"
	"github.com/stakevrun/fee/internal/state"
	"github.com/stakevrun/fee/internal/tracing"
)

// Code identifies why a payment claim was refused.
type Code string

const (
	CodeSignatureInvalid    Code = "SignatureInvalid"
	CodeTransactionNotFound Code = "TransactionNotFound"
	CodeSignerMismatch      Code = "SignerMismatch"
	CodeNotAPayment         Code = "NotAPayment"
	CodeZeroTransfer        Code = "ZeroTransfer"
	CodeNoPriceSchedule     Code = "NoPriceSchedule"
	CodePriceMismatch       Code = "PriceMismatch"
	CodeDuplicateCredit     Code = "DuplicateCredit"
)

// Error is a claim refusal with a stable machine-readable code.
type Error struct {
	Code   Code
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("claim refused (%s): %s", e.Code, e.Reason)
}

func refuse(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Verifier checks signed payment claims against on-chain transactions
// and, on success, signs and submits the matching credit entry to the
// ledger. Concurrent claims for the same transaction hash are serialized
// to one verification; the loser is refused as a duplicate.
type Verifier struct {
	registry   *state.Registry
	ledger     *ledger.Client
	replicator *ledger.Replicator
	times      map[model.ChainID]*blocktime.Cache
	key        *ecdsa.PrivateKey
	logger     *slog.Logger
	nowFn      func() uint64

	mu       sync.Mutex
	inflight map[common.Hash]struct{}
}

func NewVerifier(
	registry *state.Registry,
	ledgerClient *ledger.Client,
	replicator *ledger.Replicator,
	times map[model.ChainID]*blocktime.Cache,
	key *ecdsa.PrivateKey,
	logger *slog.Logger,
) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		registry:   registry,
		ledger:     ledgerClient,
		replicator: replicator,
		times:      times,
		key:        key,
		logger:     logger.With("component", "verifier"),
		nowFn:      func() uint64 { return uint64(time.Now().Unix()) },
		inflight:   make(map[common.Hash]struct{}),
	}
}

// VerifyAndIssue runs the full claim pipeline for one chain: recover the
// signer, check the referenced transaction pays the receiver exactly the
// scheduled price for the claimed days, refuse duplicates, then sign and
// submit the credit entry. The returned entry is the one accepted by the
// ledger.
func (v *Verifier) VerifyAndIssue(ctx context.Context, chainID model.ChainID, claim model.PaymentClaim) (*model.CreditEntry, error) {
	ctx, span := tracing.Tracer("verify").Start(ctx, "verify.VerifyAndIssue")
	defer span.End()
	span.SetAttributes(
		attribute.String("chain", chainID.String()),
		attribute.String("tx", claim.TxHash.Hex()),
	)

	chain, ok := v.registry.Get(chainID)
	if !ok {
		return nil, fmt.Errorf("unknown chain %s", chainID)
	}

	if !v.begin(claim.TxHash) {
		v.count(chainID, CodeDuplicateCredit)
		return nil, refuse(CodeDuplicateCredit, "transaction %s is already being verified", claim.TxHash.Hex())
	}
	defer v.end(claim.TxHash)

	entry, err := v.verify(ctx, chain, claim)
	if err != nil {
		if vErr, ok := err.(*Error); ok {
			v.count(chainID, vErr.Code)
			v.logger.Info("claim refused",
				"chain", chainID, "tx", claim.TxHash.Hex(),
				"code", string(vErr.Code), "reason", vErr.Reason,
			)
		} else {
			metrics.VerificationsTotal.WithLabelValues(chainID.String(), "error").Inc()
		}
		return nil, err
	}

	metrics.VerificationsTotal.WithLabelValues(chainID.String(), "ok").Inc()
	v.logger.Info("credit issued",
		"chain", chainID, "account", entry.Account.Hex(),
		"tx", claim.TxHash.Hex(), "num_days", entry.NumDays,
	)
	return entry, nil
}

func (v *Verifier) verify(ctx context.Context, chain *state.Chain, claim model.PaymentClaim) (*model.CreditEntry, error) {
	domain := Domain(chain.DomainName, chain.DomainVersion, uint64(chain.ID))

	signer, err := RecoverClaim(domain, claim)
	if err != nil {
		return nil, refuse(CodeSignatureInvalid, "%v", err)
	}
	if signer != claim.NodeAccount {
		return nil, refuse(CodeSignerMismatch, "claim signed by %s, not node account %s", signer.Hex(), claim.NodeAccount.Hex())
	}

	txChain, ok := v.registry.Get(model.ChainID(claim.TokenChainID))
	if !ok {
		return nil, refuse(CodeTransactionNotFound, "unknown token chain %d", claim.TokenChainID)
	}

	transferred, paidAt, err := v.resolvePayment(ctx, txChain, claim, signer)
	if err != nil {
		return nil, err
	}

	price, ok := txChain.Schedule.PriceAt(claim.TokenAddress, paidAt)
	if !ok {
		return nil, refuse(CodeNoPriceSchedule, "no price for token %s on chain %d at %d", claim.TokenAddress.Hex(), claim.TokenChainID, paidAt)
	}
	required := new(big.Int).Mul(price, new(big.Int).SetUint64(claim.NumDays))
	if required.Cmp(transferred) != 0 {
		return nil, refuse(CodePriceMismatch, "transferred %s, need exactly %s for %d days", transferred, required, claim.NumDays)
	}

	existing, err := v.replicator.Entries(ctx, chain.ID, claim.NodeAccount)
	if err != nil {
		return nil, fmt.Errorf("replicate credit log: %w", err)
	}
	for _, e := range existing {
		if e.TxHash == claim.TxHash && e.TokenChainID == claim.TokenChainID && e.TokenAddress == claim.TokenAddress {
			return nil, refuse(CodeDuplicateCredit, "transaction %s was already credited", claim.TxHash.Hex())
		}
	}

	entry := model.CreditEntry{
		Timestamp:       v.nowFn(),
		Account:         claim.NodeAccount,
		NumDays:         claim.NumDays,
		DecreaseBalance: false,
		TokenChainID:    claim.TokenChainID,
		TokenAddress:    claim.TokenAddress,
		TxHash:          claim.TxHash,
		Comment:         fmt.Sprintf("payment of %s on chain %d", transferred, claim.TokenChainID),
	}
	signature, err := SignCredit(domain, entry, v.key)
	if err != nil {
		return nil, fmt.Errorf("sign credit entry: %w", err)
	}

	signed := model.SignedCreditEntry{CreditEntry: entry, Signature: signature}
	if err := v.ledger.SubmitCredit(ctx, chain.ID, claim.NodeAccount, signed); err != nil {
		return nil, err
	}
	return &entry, nil
}

// resolvePayment fetches the claimed transaction on the token chain and
// returns the amount it transferred to the receiver plus the payment's
// block timestamp. A direct native transfer to the receiver counts by
// its value; otherwise the receipt's Transfer events for the claimed
// token are summed.
func (v *Verifier) resolvePayment(ctx context.Context, txChain *state.Chain, claim model.PaymentClaim, signer common.Address) (*big.Int, uint64, error) {
	tx, err := txChain.Reader.GetTransactionByHash(ctx, claim.TxHash.Hex())
	if err != nil {
		return nil, 0, fmt.Errorf("fetch transaction: %w", err)
	}
	if tx == nil || tx.BlockNumber == "" {
		return nil, 0, refuse(CodeTransactionNotFound, "transaction %s not found on chain %d", claim.TxHash.Hex(), claim.TokenChainID)
	}
	if common.HexToAddress(tx.From) != signer {
		return nil, 0, refuse(CodeSignerMismatch, "transaction sent by %s, claim signed by %s", tx.From, signer.Hex())
	}

	receipt, err := txChain.Reader.GetTransactionReceipt(ctx, claim.TxHash.Hex())
	if err != nil {
		return nil, 0, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil {
		return nil, 0, refuse(CodeTransactionNotFound, "transaction %s has no receipt yet", claim.TxHash.Hex())
	}
	if receipt.Status != "0x1" {
		return nil, 0, refuse(CodeNotAPayment, "transaction %s reverted", claim.TxHash.Hex())
	}

	blockNumber, err := rpc.ParseHexUint64(tx.BlockNumber)
	if err != nil {
		return nil, 0, fmt.Errorf("parse transaction block number: %w", err)
	}
	paidAt, err := v.times[txChain.ID].Timestamp(ctx, blockNumber)
	if err != nil {
		return nil, 0, fmt.Errorf("payment block time: %w", err)
	}

	// Direct native transfer to the receiver.
	if common.HexToAddress(tx.To) == txChain.Receiver {
		value, err := rpc.ParseHexBig(tx.Value)
		if err != nil {
			return nil, 0, fmt.Errorf("parse transaction value: %w", err)
		}
		if value.Sign() == 0 {
			return nil, 0, refuse(CodeZeroTransfer, "transaction %s transferred nothing", claim.TxHash.Hex())
		}
		return value, paidAt, nil
	}

	// Token payment: sum the claimed token's Transfer events into the
	// receiver.
	total := new(big.Int)
	matched := false
	for _, lg := range receipt.Logs {
		if common.HexToAddress(lg.Address) != claim.TokenAddress {
			continue
		}
		if len(lg.Topics) == 0 || common.HexToHash(lg.Topics[0]) != event.TransferTopic {
			continue
		}
		transfer, err := event.DecodeTransfer(lg)
		if err != nil {
			return nil, 0, fmt.Errorf("decode Transfer: %w", err)
		}
		if transfer.To != txChain.Receiver {
			continue
		}
		matched = true
		total.Add(total, transfer.Value)
	}
	if !matched {
		return nil, 0, refuse(CodeNotAPayment, "transaction %s pays neither natively nor in token %s", claim.TxHash.Hex(), claim.TokenAddress.Hex())
	}
	if total.Sign() == 0 {
		return nil, 0, refuse(CodeZeroTransfer, "transaction %s transferred nothing", claim.TxHash.Hex())
	}
	return total, paidAt, nil
}

func (v *Verifier) begin(tx common.Hash) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, busy := v.inflight[tx]; busy {
		return false
	}
	v.inflight[tx] = struct{}{}
	return true
}

func (v *Verifier) end(tx common.Hash) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.inflight, tx)
}

func (v *Verifier) count(chain model.ChainID, code Code) {
	metrics.VerificationsTotal.WithLabelValues(chain.String(), string(code)).Inc()
}
