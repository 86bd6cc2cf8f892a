package model

import "github.com/ethereum/go-ethereum/common"

// LogID uniquely identifies one on-chain event occurrence. It is stable
// across repeated fetches of the same range, which is what makes re-scans
// idempotent.
type LogID struct {
	TxHash   common.Hash
	LogIndex uint64
}

// Payment is one recorded fee payment. Amount is a decimal string so the
// full uint256 width survives JSON round-trips.
type Payment struct {
	Amount    string         `json:"amount"`
	Token     common.Address `json:"token"`
	Timestamp uint64         `json:"timestamp"`
	TxHash    common.Hash    `json:"tx"`
}
