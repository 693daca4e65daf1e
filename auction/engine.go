package auction

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrInvalidAuctionConfig = errors.New("invalid auction config")
	ErrUnsupportedChainPair = errors.New("unsupported chain pair")
	ErrUnknownVolatility    = errors.New("unknown volatility")
)

// DefaultConfig returns the medium volatility decay curve.
// The returned config is a fresh copy, callers may mutate it.
func DefaultConfig() Config {
	return Config{
		Duration:        180,
		InitialRateBump: 50000,
		Points: []CurvePoint{
			{Delay: 30, Coefficient: 40000},
			{Delay: 60, Coefficient: 20000},
			{Delay: 90, Coefficient: 0},
		},
		GasBump:      0,
		GasPriceGwei: 30,
	}
}

// PresetConfig returns the decay curve preset for the given market volatility.
func PresetConfig(volatility string) (Config, error) {
	switch volatility {
	case "low":
		return Config{
			Duration:        300,
			InitialRateBump: 30000,
			Points: []CurvePoint{
				{Delay: 60, Coefficient: 24000},
				{Delay: 120, Coefficient: 12000},
				{Delay: 120, Coefficient: 0},
			},
			GasBump:      0,
			GasPriceGwei: 20,
		}, nil
	case "medium":
		return DefaultConfig(), nil
	case "high":
		return Config{
			Duration:        120,
			InitialRateBump: 80000,
			Points: []CurvePoint{
				{Delay: 20, Coefficient: 64000},
				{Delay: 40, Coefficient: 32000},
				{Delay: 60, Coefficient: 0},
			},
			GasBump:      0,
			GasPriceGwei: 50,
		}, nil
	default:
		return Config{}, fmt.Errorf("%w: %s", ErrUnknownVolatility, volatility)
	}
}

// withOverride merges the override into the config. The merge is shallow,
// a non-nil points slice replaces the default points wholesale.
func (c Config) withOverride(override *ConfigOverride) Config {
	if override == nil {
		return c
	}
	if override.Duration != nil {
		c.Duration = *override.Duration
	}
	if override.InitialRateBump != nil {
		c.InitialRateBump = *override.InitialRateBump
	}
	if override.Points != nil {
		c.Points = override.Points
	}
	if override.GasBump != nil {
		c.GasBump = *override.GasBump
	}
	if override.GasPriceGwei != nil {
		c.GasPriceGwei = *override.GasPriceGwei
	}
	return c
}

// Engine prices auctions. It keeps no per auction state, every call carries
// the full auction parameters.
type Engine struct {
	defaults Config
	now      func() int64
}

func NewEngine(defaults Config) *Engine {
	return &Engine{
		defaults: defaults,
		now:      func() int64 { return time.Now().Unix() },
	}
}

func validateAuction(params *AuctionParams, cfg Config) error {
	if params.OrderID == "" {
		return fmt.Errorf("%w: order id is empty", ErrInvalidAuctionConfig)
	}
	if len(params.OrderID) > MaxOrderIDLength {
		return fmt.Errorf("%w: order id is too long", ErrInvalidAuctionConfig)
	}
	if !params.SourceChain.Valid() || !params.DestChain.Valid() || params.SourceChain == params.DestChain {
		return fmt.Errorf("%w: %s -> %s", ErrUnsupportedChainPair, params.SourceChain, params.DestChain)
	}
	if params.SourceAmount == nil || params.SourceAmount.ToInt().Sign() < 0 {
		return fmt.Errorf("%w: source amount must not be negative", ErrInvalidAuctionConfig)
	}
	if math.IsNaN(params.BaseRate) || math.IsInf(params.BaseRate, 0) || params.BaseRate <= 0 {
		return fmt.Errorf("%w: base rate must be positive", ErrInvalidAuctionConfig)
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidAuctionConfig)
	}
	for _, point := range cfg.Points {
		if point.Delay < 0 {
			return fmt.Errorf("%w: point delay must not be negative", ErrInvalidAuctionConfig)
		}
	}
	return nil
}

// CreateAuction validates the auction and returns an opaque auction id.
// The engine stores nothing, the id is a correlation handle for logs and quotes.
func (e *Engine) CreateAuction(params *AuctionParams, override *ConfigOverride) (string, error) {
	cfg := e.defaults.withOverride(override)
	if err := validateAuction(params, cfg); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d", params.OrderID, e.now()), nil
}

// CurrentRate prices the auction at the current wall clock.
func (e *Engine) CurrentRate(params *AuctionParams, override *ConfigOverride) (*AuctionResult, error) {
	return e.RateAt(params, override, e.now())
}

// RateAt prices the auction at the given unix time.
func (e *Engine) RateAt(params *AuctionParams, override *ConfigOverride, now int64) (*AuctionResult, error) {
	cfg := e.defaults.withOverride(override)
	if err := validateAuction(params, cfg); err != nil {
		return nil, err
	}

	elapsed := now - params.StartTime
	if elapsed < 0 {
		elapsed = 0
	}

	expired := elapsed >= cfg.Duration
	var bump float64
	if expired {
		bump = float64(cfg.InitialRateBump)
		if len(cfg.Points) > 0 {
			bump = float64(cfg.Points[len(cfg.Points)-1].Coefficient)
		}
		bump += float64(cfg.GasBump)
	} else {
		bump = rateBumpAt(elapsed, cfg)
	}

	rate := params.BaseRate * (1 + bump/RateBumpBase)
	output, err := rebaseAmount(params.SourceAmount.ToInt(), rate, params.SourceChain, params.DestChain)
	if err != nil {
		return nil, err
	}
	fee := new(big.Int).Div(output, big.NewInt(FeeDivisor))
	total := new(big.Int).Add(output, fee)

	return &AuctionResult{
		Rate:             rate,
		OutputAmount:     (*hexutil.Big)(output),
		FeeAmount:        (*hexutil.Big)(fee),
		TotalCost:        (*hexutil.Big)(total),
		SecondsRemaining: cfg.Duration - elapsed,
		Expired:          expired,
	}, nil
}

// rateBumpAt walks the piecewise linear curve. Elapsed must not be negative.
// Points that were passed entirely pin the bump to their coefficient, the
// segment the elapsed time falls into is interpolated linearly.
func rateBumpAt(elapsed int64, cfg Config) float64 {
	bump := float64(cfg.InitialRateBump)
	acc := int64(0)
	for _, point := range cfg.Points {
		prev := bump
		acc += point.Delay
		if elapsed >= acc {
			bump = float64(point.Coefficient)
			continue
		}
		progress := float64(elapsed-(acc-point.Delay)) / float64(point.Delay)
		bump = prev + (float64(point.Coefficient)-prev)*progress
		break
	}
	return bump + float64(cfg.GasBump)
}

// rebaseAmount converts an amount between chain base units at the given rate.
// The rate is truncated to six decimal digits first. The two directions are
// intentionally not inverses of each other, callers must not round trip.
func rebaseAmount(amount *big.Int, rate float64, from, to Chain) (*big.Int, error) {
	multiplier := big.NewInt(int64(math.Floor(rate * RateMultiplierBase)))
	out := new(big.Int).Mul(amount, multiplier)
	switch {
	case from == ChainNEAR && to == ChainETH:
		return out.Div(out, big.NewInt(1000000000000)), nil
	case from == ChainETH && to == ChainNEAR:
		return out.Mul(out, big.NewInt(RateMultiplierBase)), nil
	default:
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnsupportedChainPair, from, to)
	}
}

// OptimalExecutionTime scans the default decay curve in ten second steps and
// returns the earliest time the profit over the base rate peaks. If the peak
// never reaches targetProfitBps (default DefaultTargetProfitBps) the auction
// start time is returned.
func (e *Engine) OptimalExecutionTime(params *AuctionParams, targetProfitBps *int64) (int64, error) {
	cfg := e.defaults
	if err := validateAuction(params, cfg); err != nil {
		return 0, err
	}
	target := float64(DefaultTargetProfitBps)
	if targetProfitBps != nil {
		target = float64(*targetProfitBps)
	}

	bestOffset := int64(0)
	bestProfit := math.Inf(-1)
	for t := int64(0); t <= cfg.Duration; t += OptimalTimeStepSeconds {
		bump := rateBumpAt(t, cfg)
		adjusted := params.BaseRate * (1 + bump/RateBumpBase)
		profit := (params.BaseRate - adjusted) / params.BaseRate * 10000
		if profit > bestProfit {
			bestProfit = profit
			bestOffset = t
		}
	}
	if bestProfit < target {
		return params.StartTime, nil
	}
	return params.StartTime + bestOffset, nil
}

// Deadline returns the unix time the auction stops decaying under the merged config.
func (e *Engine) Deadline(params *AuctionParams, override *ConfigOverride) int64 {
	cfg := e.defaults.withOverride(override)
	return params.StartTime + cfg.Duration
}
