package event

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stakevrun/fee/internal/chain/rpc"
)

// DecodeSetToken decodes a SetToken(address indexed, bool indexed) log.
func DecodeSetToken(lg *rpc.Log) (*SetToken, error) {
	meta, err := decodeMeta(lg)
	if err != nil {
		return nil, err
	}
	if len(lg.Topics) != 3 {
		return nil, fmt.Errorf("SetToken: expected 3 topics, got %d", len(lg.Topics))
	}
	return &SetToken{
		Meta:     meta,
		Token:    topicAddress(lg.Topics[1]),
		Accepted: topicBool(lg.Topics[2]),
	}, nil
}

// DecodePay decodes a Pay(address indexed, address indexed, uint256
// indexed) log. All three arguments are indexed, so the data field is
// empty.
func DecodePay(lg *rpc.Log) (*Pay, error) {
	meta, err := decodeMeta(lg)
	if err != nil {
		return nil, err
	}
	if len(lg.Topics) != 4 {
		return nil, fmt.Errorf("Pay: expected 4 topics, got %d", len(lg.Topics))
	}
	amount, err := topicBig(lg.Topics[3])
	if err != nil {
		return nil, fmt.Errorf("Pay: %w", err)
	}
	return &Pay{
		Meta:   meta,
		Payer:  topicAddress(lg.Topics[1]),
		Token:  topicAddress(lg.Topics[2]),
		Amount: amount,
	}, nil
}

// DecodeSetEnabled decodes a SetEnabled(address indexed, bytes, bool
// indexed) log. The validator pubkey is the single dynamic argument in
// the data field.
func DecodeSetEnabled(lg *rpc.Log) (*SetEnabled, error) {
	meta, err := decodeMeta(lg)
	if err != nil {
		return nil, err
	}
	if len(lg.Topics) != 3 {
		return nil, fmt.Errorf("SetEnabled: expected 3 topics, got %d", len(lg.Topics))
	}
	pubkey, err := decodeDynamicBytes(lg.Data)
	if err != nil {
		return nil, fmt.Errorf("SetEnabled: %w", err)
	}
	return &SetEnabled{
		Meta:    meta,
		Node:    topicAddress(lg.Topics[1]),
		Pubkey:  pubkey,
		Enabled: topicBool(lg.Topics[2]),
	}, nil
}

// DecodeTransfer decodes a standard ERC-20 Transfer(address indexed,
// address indexed, uint256) log with the value in the data field.
func DecodeTransfer(lg *rpc.Log) (*Transfer, error) {
	meta, err := decodeMeta(lg)
	if err != nil {
		return nil, err
	}
	if len(lg.Topics) != 3 {
		return nil, fmt.Errorf("Transfer: expected 3 topics, got %d", len(lg.Topics))
	}
	value, err := rpc.ParseHexBig(lg.Data)
	if err != nil {
		return nil, fmt.Errorf("Transfer: %w", err)
	}
	return &Transfer{
		Meta:  meta,
		From:  topicAddress(lg.Topics[1]),
		To:    topicAddress(lg.Topics[2]),
		Value: value,
	}, nil
}

func decodeMeta(lg *rpc.Log) (Meta, error) {
	blockNumber, err := rpc.ParseHexUint64(lg.BlockNumber)
	if err != nil {
		return Meta{}, fmt.Errorf("log block number: %w", err)
	}
	txIndex, err := rpc.ParseHexUint64(lg.TransactionIndex)
	if err != nil {
		return Meta{}, fmt.Errorf("log transaction index: %w", err)
	}
	logIndex, err := rpc.ParseHexUint64(lg.LogIndex)
	if err != nil {
		return Meta{}, fmt.Errorf("log index: %w", err)
	}
	return Meta{
		BlockNumber: blockNumber,
		TxIndex:     txIndex,
		LogIndex:    logIndex,
		TxHash:      common.HexToHash(lg.TransactionHash),
	}, nil
}

func topicAddress(topic string) common.Address {
	return common.HexToAddress(topic)
}

func topicBool(topic string) bool {
	trimmed := strings.TrimLeft(strings.TrimPrefix(topic, "0x"), "0")
	return trimmed != ""
}

func topicBig(topic string) (*big.Int, error) {
	return rpc.ParseHexBig(topic)
}

// decodeDynamicBytes unpacks a single ABI-encoded dynamic bytes argument:
// a 32-byte offset, a 32-byte length, then the right-padded payload.
func decodeDynamicBytes(data string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(data, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	if len(raw) < 64 {
		return nil, fmt.Errorf("dynamic bytes: data too short (%d bytes)", len(raw))
	}
	length := new(big.Int).SetBytes(raw[32:64])
	if !length.IsUint64() || 64+length.Uint64() > uint64(len(raw)) {
		return nil, fmt.Errorf("dynamic bytes: length %s exceeds data", length)
	}
	out := make([]byte, length.Uint64())
	copy(out, raw[64:64+length.Uint64()])
	return out, nil
}
