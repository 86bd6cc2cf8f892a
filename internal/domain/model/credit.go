package model

import "github.com/ethereum/go-ethereum/common"

// CreditEntry is one row of the external append-only credit log. The
// ledger service is the sole durable source of truth for credit; this
// type mirrors its wire format exactly.
type CreditEntry struct {
	Timestamp       uint64         `json:"timestamp"`
	Account         common.Address `json:"account"`
	NumDays         uint64         `json:"numDays"`
	DecreaseBalance bool           `json:"decreaseBalance"`
	TokenChainID    uint64         `json:"tokenChainId"`
	TokenAddress    common.Address `json:"tokenAddress"`
	TxHash          common.Hash    `json:"transactionHash"`
	Comment         string         `json:"comment"`
}

// SignedCreditEntry is what gets POSTed to the ledger: the entry plus the
// service's typed-data signature over it.
type SignedCreditEntry struct {
	CreditEntry
	Signature string `json:"signature"`
}

// Delta returns the entry's contribution to a day balance.
func (e CreditEntry) Delta() int64 {
	if e.DecreaseBalance {
		return -int64(e.NumDays)
	}
	return int64(e.NumDays)
}
