// Package pricefeed resolves exchange rates used to price auctions when an
// order is submitted without a base rate.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ybbus/jsonrpc/v3"
)

var (
	ErrUnknownPair        = errors.New("unknown trading pair")
	ErrInvalidRate        = errors.New("rate must be positive")
	ErrInvalidStaticRates = errors.New("invalid static rates")
)

// Source resolves the current exchange rate for a trading pair such as "NEAR/ETH".
type Source interface {
	Rate(ctx context.Context, pair string) (float64, error)
}

type JSONRPCSource struct {
	client jsonrpc.RPCClient
}

func NewJSONRPCSource(url string) *JSONRPCSource {
	return &JSONRPCSource{
		client: jsonrpc.NewClient(url),
	}
}

func (s *JSONRPCSource) Rate(ctx context.Context, pair string) (float64, error) {
	exp := backoff.NewExponentialBackOff()
	exp.MaxInterval = time.Second
	exp.MaxElapsedTime = 4 * time.Second
	back := backoff.WithContext(exp, ctx)

	var rate float64
	err := backoff.Retry(func() error {
		return s.client.CallFor(ctx, &rate, "oracle_rate", pair)
	}, back)
	if err != nil {
		return 0, err
	}
	if rate <= 0 {
		return 0, ErrInvalidRate
	}
	return rate, nil
}

// StaticSource serves fixed rates for local development and tests.
type StaticSource struct {
	rates map[string]float64
}

// ParseStaticRates parses a "NEAR/ETH=0.0004;ETH/NEAR=2500" style string.
func ParseStaticRates(value string) (*StaticSource, error) {
	rates := make(map[string]float64)
	for _, entry := range strings.Split(value, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		pair, rawRate, found := strings.Cut(entry, "=")
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrInvalidStaticRates, entry)
		}
		rate, err := strconv.ParseFloat(strings.TrimSpace(rawRate), 64)
		if err != nil || rate <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidStaticRates, entry)
		}
		rates[strings.TrimSpace(pair)] = rate
	}
	return &StaticSource{rates: rates}, nil
}

func (s *StaticSource) Rate(ctx context.Context, pair string) (float64, error) {
	rate, ok := s.rates[pair]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPair, pair)
	}
	return rate, nil
}
