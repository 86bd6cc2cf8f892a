package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/stakevrun/fee/internal/chain/ratelimit"
	"github.com/stakevrun/fee/internal/metrics"
)

// ChainReader is the subset of the JSON-RPC surface the rest of the
// service consumes. Log order within a queried range follows the chain's
// canonical ordering: ascending (block, transaction index, log index).
type ChainReader interface {
	GetBlockNumber(ctx context.Context) (uint64, error)
	GetBlockByTag(ctx context.Context, tag string) (*Block, error)
	GetBlockByNumber(ctx context.Context, blockNumber uint64) (*Block, error)
	GetTransactionByHash(ctx context.Context, hash string) (*Transaction, error)
	GetTransactionReceipt(ctx context.Context, hash string) (*TransactionReceipt, error)
	GetLogs(ctx context.Context, filter LogFilter) ([]*Log, error)
}

type Client struct {
	httpClient *http.Client
	rpcURL     string
	chain      string
	requestID  atomic.Int64
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
}

func NewClient(rpcURL, chain string, limiter *ratelimit.Limiter, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		rpcURL:     rpcURL,
		chain:      chain,
		limiter:    limiter,
		logger:     logger.With("component", "rpc", "chain", chain),
	}
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	result, err := c.doCall(ctx, method, params)
	metrics.RPCCallsTotal.WithLabelValues(c.chain, method, callStatus(err)).Inc()
	return result, err
}

// callStatus buckets a call outcome for the per-method counter. The
// split is structural: a decoded JSON-RPC error means the node
// answered, anything else is transport trouble.
func callStatus(err error) string {
	if err == nil {
		return "ok"
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return "rpc_error"
	}
	return "transport_error"
}

func (c *Client) doCall(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	id := int(c.requestID.Add(1))
	req := Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}
