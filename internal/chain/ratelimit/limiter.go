// Package ratelimit bounds outbound JSON-RPC traffic per chain.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/stakevrun/fee/internal/metrics"
)

// Limiter is a per-chain token bucket sitting in front of every RPC
// call, so one chain's backfill cannot burn through another provider's
// quota.
type Limiter struct {
	bucket *rate.Limiter
	chain  string
}

// NewLimiter allows rps calls per second with burst tokens of headroom.
func NewLimiter(rps float64, burst int, chain string) *Limiter {
	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(rps), burst),
		chain:  chain,
	}
}

// Wait consumes exactly one token, blocking while the bucket is empty.
// Waits are counted per chain so provider saturation shows up in
// metrics before it shows up as scan lag.
func (l *Limiter) Wait(ctx context.Context) error {
	reservation := l.bucket.Reserve()
	if !reservation.OK() {
		return fmt.Errorf("rate limiter for chain %s cannot satisfy a single call", l.chain)
	}
	delay := reservation.Delay()
	if delay == 0 {
		return nil
	}

	metrics.RPCRateLimitWaits.WithLabelValues(l.chain).Inc()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		reservation.Cancel()
		return ctx.Err()
	}
}
