package model

import "strconv"

// ChainID identifies a network. All per-chain state is keyed by it.
type ChainID uint64

func (c ChainID) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// ParseChainID parses a decimal chain id as it appears in URLs and config.
func ParseChainID(s string) (ChainID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ChainID(n), nil
}

// Stream names the event streams a chain is scanned for. Cursors and
// metrics are partitioned by (chain, stream).
type Stream string

const (
	StreamTokens             Stream = "tokens"
	StreamPayments           Stream = "payments"
	StreamPaymentsUnfinal    Stream = "payments_unfinalized"
)

func (s Stream) String() string {
	return string(s)
}
