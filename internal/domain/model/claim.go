package model

import "github.com/ethereum/go-ethereum/common"

// PaymentClaim is the signed off-chain claim a node operator submits to
// convert an on-chain payment into ledger credit. The signature is a
// typed-data signature over the claim fields under the chain's domain.
type PaymentClaim struct {
	NodeAccount  common.Address `json:"nodeAccount"`
	NumDays      uint64         `json:"numDays"`
	TokenChainID uint64         `json:"tokenChainId"`
	TokenAddress common.Address `json:"tokenAddress"`
	TxHash       common.Hash    `json:"transactionHash"`
	Signature    string         `json:"signature"`
}
