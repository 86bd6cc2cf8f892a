package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

func (c *Client) GetBlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "eth_blockNumber", []interface{}{})
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}

	var hexNum string
	if err := json.Unmarshal(result, &hexNum); err != nil {
		return 0, fmt.Errorf("unmarshal block number: %w", err)
	}

	blockNumber, err := ParseHexUint64(hexNum)
	if err != nil {
		return 0, fmt.Errorf("parse block number: %w", err)
	}
	return blockNumber, nil
}

// GetBlockByTag resolves a block by tag ("finalized", "latest", "safe").
func (c *Client) GetBlockByTag(ctx context.Context, tag string) (*Block, error) {
	params := []interface{}{tag, false}
	result, err := c.call(ctx, "eth_getBlockByNumber", params)
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber(%s): %w", tag, err)
	}
	if string(result) == "null" {
		return nil, fmt.Errorf("block %q not available", tag)
	}

	var block Block
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, fmt.Errorf("unmarshal block: %w", err)
	}
	return &block, nil
}

func (c *Client) GetBlockByNumber(ctx context.Context, blockNumber uint64) (*Block, error) {
	params := []interface{}{FormatHexUint64(blockNumber), false}
	result, err := c.call(ctx, "eth_getBlockByNumber", params)
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber(%d): %w", blockNumber, err)
	}
	if string(result) == "null" {
		return nil, nil
	}

	var block Block
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, fmt.Errorf("unmarshal block: %w", err)
	}
	return &block, nil
}

func (c *Client) GetTransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	result, err := c.call(ctx, "eth_getTransactionByHash", []interface{}{hash})
	if err != nil {
		return nil, fmt.Errorf("eth_getTransactionByHash(%s): %w", hash, err)
	}
	if string(result) == "null" {
		return nil, nil
	}

	var tx Transaction
	if err := json.Unmarshal(result, &tx); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	return &tx, nil
}

func (c *Client) GetTransactionReceipt(ctx context.Context, hash string) (*TransactionReceipt, error) {
	result, err := c.call(ctx, "eth_getTransactionReceipt", []interface{}{hash})
	if err != nil {
		return nil, fmt.Errorf("eth_getTransactionReceipt(%s): %w", hash, err)
	}
	if string(result) == "null" {
		return nil, nil
	}

	var receipt TransactionReceipt
	if err := json.Unmarshal(result, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshal transaction receipt: %w", err)
	}
	return &receipt, nil
}

func (c *Client) GetLogs(ctx context.Context, filter LogFilter) ([]*Log, error) {
	result, err := c.call(ctx, "eth_getLogs", []interface{}{filter})
	if err != nil {
		return nil, fmt.Errorf("eth_getLogs: %w", err)
	}

	var logs []*Log
	if err := json.Unmarshal(result, &logs); err != nil {
		return nil, fmt.Errorf("unmarshal logs: %w", err)
	}
	return logs, nil
}

// ParseHexUint64 parses a 0x-prefixed hex quantity.
func ParseHexUint64(s string) (uint64, error) {
	trimmed := strings.TrimPrefix(s, "0x")
	if trimmed == "" {
		return 0, fmt.Errorf("empty hex quantity")
	}
	return strconv.ParseUint(trimmed, 16, 64)
}

// ParseHexBig parses a 0x-prefixed hex quantity of arbitrary width.
func ParseHexBig(s string) (*big.Int, error) {
	trimmed := strings.TrimPrefix(s, "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("empty hex quantity")
	}
	n, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity %q", s)
	}
	return n, nil
}

func FormatHexUint64(n uint64) string {
	return "0x" + strconv.FormatUint(n, 16)
}
