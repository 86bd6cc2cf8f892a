package beacon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/stakevrun/fee/internal/circuitbreaker"
)

// FarFutureEpoch is the beacon chain's sentinel for "not scheduled".
const FarFutureEpoch = ^uint64(0)

const slotsPerEpoch = 32

// ValidatorInfo is the slice of beacon validator state this service
// consumes.
type ValidatorInfo struct {
	ActivationEpoch uint64
	ExitEpoch       uint64
}

// Client queries a beacon node's state API.
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
		logger:     logger.With("component", "beacon"),
	}
}

type validatorResponse struct {
	Data struct {
		Validator struct {
			ActivationEpoch string `json:"activation_epoch"`
			ExitEpoch       string `json:"exit_epoch"`
		} `json:"validator"`
	} `json:"data"`
}

// Validator fetches a validator's activation/exit epochs at the given
// state slot. A 404 means the validator is unknown to the beacon state
// and returns (nil, nil), not an error.
func (c *Client) Validator(ctx context.Context, slot uint64, pubkey string) (*ValidatorInfo, error) {
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			return nil, fmt.Errorf("beacon: %w", err)
		}
	}

	info, err := c.fetchValidator(ctx, slot, pubkey)
	if c.breaker != nil {
		if err != nil {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}
	}
	return info, err
}

func (c *Client) fetchValidator(ctx context.Context, slot uint64, pubkey string) (*ValidatorInfo, error) {
	url := fmt.Sprintf("%s/eth/v1/beacon/states/%d/validators/%s", c.baseURL, slot, pubkey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("beacon request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("beacon status %d: %s", resp.StatusCode, string(body))
	}

	var parsed validatorResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal validator: %w", err)
	}

	activation, err := strconv.ParseUint(parsed.Data.Validator.ActivationEpoch, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse activation epoch: %w", err)
	}
	exit, err := strconv.ParseUint(parsed.Data.Validator.ExitEpoch, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse exit epoch: %w", err)
	}

	return &ValidatorInfo{ActivationEpoch: activation, ExitEpoch: exit}, nil
}

// EpochTime converts an epoch to the unix time of its first slot.
func EpochTime(genesisTime, secondsPerSlot, epoch uint64) uint64 {
	return genesisTime + epoch*slotsPerEpoch*secondsPerSlot
}
