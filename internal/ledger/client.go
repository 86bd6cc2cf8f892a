package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stakevrun/fee/internal/circuitbreaker"
	"github.com/stakevrun/fee/internal/domain/model"
)

// CreditStream is the ledger stream holding credit entries.
const CreditStream = "credit"

// RejectionError is an upstream ledger rejection of a submitted entry.
// It is surfaced to the caller verbatim.
type RejectionError struct {
	Status int
	Body   string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("ledger rejected entry: status %d: %s", e.Status, e.Body)
}

// Client talks to the external authoritative ledger service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
}

func NewClient(baseURL string, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		breaker:    breaker,
		logger:     logger.With("component", "ledger"),
	}
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
	}
	body, err := c.doGet(ctx, url)
	if c.breaker != nil {
		if err != nil {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}
	}
	return body, err
}

func (c *Client) doGet(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ledger status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// Length returns the current length of a ledger stream.
func (c *Client) Length(ctx context.Context, chain model.ChainID, account common.Address, stream string) (uint64, error) {
	url := fmt.Sprintf("%s/%s/%s/%s/length", c.baseURL, chain, account.Hex(), stream)
	body, err := c.get(ctx, url)
	if err != nil {
		return 0, err
	}
	length, err := strconv.ParseUint(string(bytes.TrimSpace(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse stream length: %w", err)
	}
	return length, nil
}

// CreditEntries fetches the credit stream's entries from offset start.
func (c *Client) CreditEntries(ctx context.Context, chain model.ChainID, account common.Address, start uint64) ([]model.CreditEntry, error) {
	url := fmt.Sprintf("%s/%s/%s/%s/logs?start=%d", c.baseURL, chain, account.Hex(), CreditStream, start)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	var entries []model.CreditEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal credit entries: %w", err)
	}
	return entries, nil
}

// SubmitCredit POSTs a signed credit entry. Anything but 201 is an
// upstream rejection surfaced as-is.
func (c *Client) SubmitCredit(ctx context.Context, chain model.ChainID, account common.Address, entry model.SignedCreditEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal credit entry: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/credit", c.baseURL, chain, account.Hex())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return &RejectionError{Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}
