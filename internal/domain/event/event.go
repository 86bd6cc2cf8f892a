package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/stakevrun/fee/internal/domain/model"
)

// Topic hashes of the event signatures the service subscribes to.
var (
	SetTokenTopic   = crypto.Keccak256Hash([]byte("SetToken(address,bool)"))
	PayTopic        = crypto.Keccak256Hash([]byte("Pay(address,address,uint256)"))
	SetEnabledTopic = crypto.Keccak256Hash([]byte("SetEnabled(address,bytes,bool)"))
	TransferTopic   = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

// Meta carries the canonical ordering key and identity of one event
// occurrence. Ordering within a chain is (block, transaction index, log
// index); dedup identity is (transaction hash, log index).
type Meta struct {
	BlockNumber uint64
	TxIndex     uint64
	LogIndex    uint64
	TxHash      common.Hash
}

// ID returns the event's dedup identity.
func (m Meta) ID() model.LogID {
	return model.LogID{TxHash: m.TxHash, LogIndex: m.LogIndex}
}

// Precedes reports whether m is strictly before other in canonical chain
// order. Equal positions do not precede each other.
func (m Meta) Precedes(other Meta) bool {
	if m.BlockNumber != other.BlockNumber {
		return m.BlockNumber < other.BlockNumber
	}
	if m.TxIndex != other.TxIndex {
		return m.TxIndex < other.TxIndex
	}
	return m.LogIndex < other.LogIndex
}

// Event is one decoded on-chain event occurrence.
type Event interface {
	EventMeta() Meta
}

// SetToken toggles a token's membership in the accepted-payment set.
type SetToken struct {
	Meta
	Token    common.Address
	Accepted bool
}

// Pay records a fee payment through the fee contract.
type Pay struct {
	Meta
	Payer  common.Address
	Token  common.Address
	Amount *big.Int
}

// SetEnabled toggles charging for one of a node's validators.
type SetEnabled struct {
	Meta
	Node    common.Address
	Pubkey  []byte
	Enabled bool
}

// Transfer is a standard ERC-20 transfer, consumed when verifying token
// payments out of a transaction receipt.
type Transfer struct {
	Meta
	From  common.Address
	To    common.Address
	Value *big.Int
}

func (e *SetToken) EventMeta() Meta   { return e.Meta }
func (e *Pay) EventMeta() Meta        { return e.Meta }
func (e *SetEnabled) EventMeta() Meta { return e.Meta }
func (e *Transfer) EventMeta() Meta   { return e.Meta }
