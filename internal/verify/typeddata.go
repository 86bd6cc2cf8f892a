package verify

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/stakevrun/fee/internal/domain/model"
)

// Typed-data schemas binding off-chain claims and credit entries to a
// per-chain domain.

var claimTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
	},
	"PaymentClaim": {
		{Name: "nodeAccount", Type: "address"},
		{Name: "numDays", Type: "uint256"},
		{Name: "tokenChainId", Type: "uint256"},
		{Name: "tokenAddress", Type: "address"},
		{Name: "transactionHash", Type: "bytes32"},
	},
}

var creditTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
	},
	"CreditEntry": {
		{Name: "timestamp", Type: "uint256"},
		{Name: "account", Type: "address"},
		{Name: "numDays", Type: "uint256"},
		{Name: "decreaseBalance", Type: "bool"},
		{Name: "tokenChainId", Type: "uint256"},
		{Name: "tokenAddress", Type: "address"},
		{Name: "transactionHash", Type: "bytes32"},
		{Name: "comment", Type: "string"},
	},
}

// Domain builds the per-chain signing domain.
func Domain(name, version string, chainID uint64) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:    name,
		Version: version,
		ChainId: math.NewHexOrDecimal256(int64(chainID)),
	}
}

func claimDigest(domain apitypes.TypedDataDomain, claim model.PaymentClaim) ([]byte, error) {
	data := apitypes.TypedData{
		Types:       claimTypes,
		PrimaryType: "PaymentClaim",
		Domain:      domain,
		Message: apitypes.TypedDataMessage{
			"nodeAccount":     claim.NodeAccount.Hex(),
			"numDays":         new(big.Int).SetUint64(claim.NumDays),
			"tokenChainId":    new(big.Int).SetUint64(claim.TokenChainID),
			"tokenAddress":    claim.TokenAddress.Hex(),
			"transactionHash": claim.TxHash.Hex(),
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("hash claim: %w", err)
	}
	return digest, nil
}

func creditDigest(domain apitypes.TypedDataDomain, entry model.CreditEntry) ([]byte, error) {
	data := apitypes.TypedData{
		Types:       creditTypes,
		PrimaryType: "CreditEntry",
		Domain:      domain,
		Message: apitypes.TypedDataMessage{
			"timestamp":       new(big.Int).SetUint64(entry.Timestamp),
			"account":         entry.Account.Hex(),
			"numDays":         new(big.Int).SetUint64(entry.NumDays),
			"decreaseBalance": entry.DecreaseBalance,
			"tokenChainId":    new(big.Int).SetUint64(entry.TokenChainID),
			"tokenAddress":    entry.TokenAddress.Hex(),
			"transactionHash": entry.TxHash.Hex(),
			"comment":         entry.Comment,
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("hash credit entry: %w", err)
	}
	return digest, nil
}

// RecoverClaim recovers the address that signed a payment claim under
// the given domain.
func RecoverClaim(domain apitypes.TypedDataDomain, claim model.PaymentClaim) (common.Address, error) {
	digest, err := claimDigest(domain, claim)
	if err != nil {
		return common.Address{}, err
	}

	sig, err := hexutil.Decode(claim.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature length %d, want %d", len(sig), crypto.SignatureLength)
	}
	// Wallets emit V as 27/28; go-ethereum recovery wants 0/1.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig = append([]byte{}, sig...)
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignCredit signs a credit entry with the service key under the given
// domain and returns the hex signature with V as 27/28.
func SignCredit(domain apitypes.TypedDataDomain, entry model.CreditEntry, key *ecdsa.PrivateKey) (string, error) {
	digest, err := creditDigest(domain, entry)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return "", fmt.Errorf("sign credit entry: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}
