package auction

import (
	"math"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

const testStartTime = int64(1700000000)

func newTestEngine(cfg Config) *Engine {
	engine := NewEngine(cfg)
	engine.now = func() int64 { return testStartTime }
	return engine
}

func bigFromString(t *testing.T, value string) *hexutil.Big {
	t.Helper()
	out, ok := new(big.Int).SetString(value, 10)
	require.True(t, ok)
	return (*hexutil.Big)(out)
}

func testAuctionParams(t *testing.T) *AuctionParams {
	return &AuctionParams{
		OrderID:      "order-1",
		SourceChain:  ChainNEAR,
		DestChain:    ChainETH,
		SourceAmount: bigFromString(t, "1000000000000000000000000"),
		BaseRate:     1.0,
		StartTime:    testStartTime,
	}
}

func TestCreateAuction(t *testing.T) {
	engine := newTestEngine(DefaultConfig())

	id, err := engine.CreateAuction(testAuctionParams(t), nil)
	require.NoError(t, err)
	require.Equal(t, "order-1-1700000000", id)

	longID := make([]byte, MaxOrderIDLength+1)
	for i := range longID {
		longID[i] = 'a'
	}

	cases := []struct {
		name   string
		mutate func(p *AuctionParams)
		err    error
	}{
		{
			name:   "empty order id",
			mutate: func(p *AuctionParams) { p.OrderID = "" },
			err:    ErrInvalidAuctionConfig,
		},
		{
			name:   "order id too long",
			mutate: func(p *AuctionParams) { p.OrderID = string(longID) },
			err:    ErrInvalidAuctionConfig,
		},
		{
			name:   "same chain",
			mutate: func(p *AuctionParams) { p.DestChain = ChainNEAR },
			err:    ErrUnsupportedChainPair,
		},
		{
			name:   "unknown chain",
			mutate: func(p *AuctionParams) { p.SourceChain = Chain("SOL") },
			err:    ErrUnsupportedChainPair,
		},
		{
			name:   "nil amount",
			mutate: func(p *AuctionParams) { p.SourceAmount = nil },
			err:    ErrInvalidAuctionConfig,
		},
		{
			name:   "negative amount",
			mutate: func(p *AuctionParams) { p.SourceAmount = (*hexutil.Big)(big.NewInt(-1)) },
			err:    ErrInvalidAuctionConfig,
		},
		{
			name:   "zero base rate",
			mutate: func(p *AuctionParams) { p.BaseRate = 0 },
			err:    ErrInvalidAuctionConfig,
		},
		{
			name:   "nan base rate",
			mutate: func(p *AuctionParams) { p.BaseRate = math.NaN() },
			err:    ErrInvalidAuctionConfig,
		},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			params := testAuctionParams(t)
			tt.mutate(params)
			_, err := engine.CreateAuction(params, nil)
			require.ErrorIs(t, err, tt.err)
		})
	}

	t.Run("non-positive duration", func(t *testing.T) {
		duration := int64(0)
		_, err := engine.CreateAuction(testAuctionParams(t), &ConfigOverride{Duration: &duration})
		require.ErrorIs(t, err, ErrInvalidAuctionConfig)
	})

	t.Run("negative point delay", func(t *testing.T) {
		override := &ConfigOverride{Points: []CurvePoint{{Delay: -1, Coefficient: 100}}}
		_, err := engine.CreateAuction(testAuctionParams(t), override)
		require.ErrorIs(t, err, ErrInvalidAuctionConfig)
	})
}

func TestRateInterpolation(t *testing.T) {
	engine := newTestEngine(DefaultConfig())
	override := &ConfigOverride{
		Points: []CurvePoint{{Delay: 30, Coefficient: 40000}},
	}

	// halfway into the single segment the bump is halfway between
	// the initial 50000 and the point coefficient 40000
	result, err := engine.RateAt(testAuctionParams(t), override, testStartTime+15)
	require.NoError(t, err)
	require.InDelta(t, 1.0045, result.Rate, 1e-12)
	require.False(t, result.Expired)

	// the rebased output pins the bump to exactly 45000 units
	require.Equal(t, bigFromString(t, "1004500000000000000"), result.OutputAmount)
	require.Equal(t, bigFromString(t, "10045000000000000"), result.FeeAmount)
	require.Equal(t, bigFromString(t, "1014545000000000000"), result.TotalCost)
	require.Equal(t, int64(165), result.SecondsRemaining)
}

func TestRateCurveWalk(t *testing.T) {
	engine := newTestEngine(DefaultConfig())

	cases := []struct {
		name    string
		elapsed int64
		rate    float64
	}{
		{name: "curve origin", elapsed: 0, rate: 1.005},
		{name: "first point boundary", elapsed: 30, rate: 1.004},
		{name: "second segment midpoint", elapsed: 60, rate: 1.003},
		{name: "second point boundary", elapsed: 90, rate: 1.002},
		{name: "last segment midpoint", elapsed: 135, rate: 1.001},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			result, err := engine.RateAt(testAuctionParams(t), nil, testStartTime+tt.elapsed)
			require.NoError(t, err)
			require.InDelta(t, tt.rate, result.Rate, 1e-9)
			require.False(t, result.Expired)
		})
	}
}

func TestRateMonotonicDecay(t *testing.T) {
	engine := newTestEngine(DefaultConfig())
	params := testAuctionParams(t)

	prev := math.Inf(1)
	for elapsed := int64(0); elapsed <= 180; elapsed++ {
		result, err := engine.RateAt(params, nil, testStartTime+elapsed)
		require.NoError(t, err)
		require.LessOrEqual(t, result.Rate, prev, "rate went up at %d", elapsed)
		prev = result.Rate
	}
}

func TestRateExpiry(t *testing.T) {
	engine := newTestEngine(DefaultConfig())
	params := testAuctionParams(t)

	result, err := engine.RateAt(params, nil, testStartTime+179)
	require.NoError(t, err)
	require.False(t, result.Expired)
	require.Equal(t, int64(1), result.SecondsRemaining)

	// at the boundary the bump pins to the last point coefficient
	result, err = engine.RateAt(params, nil, testStartTime+180)
	require.NoError(t, err)
	require.True(t, result.Expired)
	require.Equal(t, 1.0, result.Rate)
	require.Equal(t, int64(0), result.SecondsRemaining)

	result, err = engine.RateAt(params, nil, testStartTime+200)
	require.NoError(t, err)
	require.True(t, result.Expired)
	require.Equal(t, int64(-20), result.SecondsRemaining)

	// gas bump is still added after expiry
	gasBump := int64(7000)
	result, err = engine.RateAt(params, &ConfigOverride{GasBump: &gasBump}, testStartTime+300)
	require.NoError(t, err)
	require.InDelta(t, 1.0007, result.Rate, 1e-9)

	// with no points the expired bump falls back to the initial bump
	result, err = engine.RateAt(params, &ConfigOverride{Points: []CurvePoint{}}, testStartTime+300)
	require.NoError(t, err)
	require.True(t, result.Expired)
	require.InDelta(t, 1.005, result.Rate, 1e-9)
}

func TestRateStartTimeInFuture(t *testing.T) {
	engine := newTestEngine(DefaultConfig())
	params := testAuctionParams(t)

	early, err := engine.RateAt(params, nil, testStartTime-120)
	require.NoError(t, err)
	atStart, err := engine.RateAt(params, nil, testStartTime)
	require.NoError(t, err)

	require.Equal(t, atStart, early)
	require.Equal(t, int64(180), early.SecondsRemaining)
	require.False(t, early.Expired)
}

func TestRateFeeInvariant(t *testing.T) {
	engine := newTestEngine(DefaultConfig())

	amounts := []string{
		"1",
		"99",
		"12345678912345678912345678",
		"1000000000000000000000000",
		"333333333333333333333333333",
	}
	hundred := big.NewInt(100)
	for _, amount := range amounts {
		params := testAuctionParams(t)
		params.SourceAmount = bigFromString(t, amount)
		params.BaseRate = 0.000407
		for elapsed := int64(0); elapsed <= 200; elapsed += 7 {
			result, err := engine.RateAt(params, nil, testStartTime+elapsed)
			require.NoError(t, err)

			output := result.OutputAmount.ToInt()
			fee := result.FeeAmount.ToInt()
			total := result.TotalCost.ToInt()

			require.Equal(t, new(big.Int).Div(output, hundred), fee)
			require.Equal(t, new(big.Int).Add(output, fee), total)
		}
	}
}

func TestRebaseAmount(t *testing.T) {
	cases := []struct {
		name   string
		amount string
		rate   float64
		from   Chain
		to     Chain
		want   string
		err    error
	}{
		{
			name:   "one near at rate one",
			amount: "1000000000000000000000000",
			rate:   1.0,
			from:   ChainNEAR,
			to:     ChainETH,
			want:   "1000000000000000000",
		},
		{
			name:   "one eth at rate one",
			amount: "1000000000000000000",
			rate:   1.0,
			from:   ChainETH,
			to:     ChainNEAR,
			want:   "1000000000000000000000000000000",
		},
		{
			name:   "near to eth truncates the rate",
			amount: "1000000000000000000000000",
			rate:   0.0000017,
			from:   ChainNEAR,
			to:     ChainETH,
			want:   "1000000000000",
		},
		{
			name:   "same chain",
			amount: "1",
			rate:   1.0,
			from:   ChainETH,
			to:     ChainETH,
			err:    ErrUnsupportedChainPair,
		},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			amount, ok := new(big.Int).SetString(tt.amount, 10)
			require.True(t, ok)
			got, err := rebaseAmount(amount, tt.rate, tt.from, tt.to)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got.String())
		})
	}

	// the two directions are not inverses, a round trip changes the magnitude
	t.Run("round trip is asymmetric", func(t *testing.T) {
		start, ok := new(big.Int).SetString("1000000000000000000000000", 10)
		require.True(t, ok)
		out, err := rebaseAmount(start, 1.0, ChainNEAR, ChainETH)
		require.NoError(t, err)
		back, err := rebaseAmount(out, 1.0, ChainETH, ChainNEAR)
		require.NoError(t, err)
		require.NotEqual(t, start.String(), back.String())
		require.Equal(t, "1000000000000000000000000000000", back.String())
	})
}

func TestConfigOverrideMerge(t *testing.T) {
	duration := int64(60)
	initialBump := int64(100000)
	gasBump := int64(5000)
	gasPrice := 45.0

	cases := []struct {
		name     string
		override *ConfigOverride
		want     Config
	}{
		{
			name:     "nil override keeps defaults",
			override: nil,
			want:     DefaultConfig(),
		},
		{
			name:     "scalar overrides",
			override: &ConfigOverride{Duration: &duration, InitialRateBump: &initialBump, GasBump: &gasBump, GasPriceGwei: &gasPrice},
			want: Config{
				Duration:        60,
				InitialRateBump: 100000,
				Points:          DefaultConfig().Points,
				GasBump:         5000,
				GasPriceGwei:    45,
			},
		},
		{
			name:     "points replaced wholesale",
			override: &ConfigOverride{Points: []CurvePoint{{Delay: 10, Coefficient: 1}}},
			want: Config{
				Duration:        180,
				InitialRateBump: 50000,
				Points:          []CurvePoint{{Delay: 10, Coefficient: 1}},
				GasBump:         0,
				GasPriceGwei:    30,
			},
		},
		{
			name:     "empty points slice still replaces",
			override: &ConfigOverride{Points: []CurvePoint{}},
			want: Config{
				Duration:        180,
				InitialRateBump: 50000,
				Points:          []CurvePoint{},
				GasBump:         0,
				GasPriceGwei:    30,
			},
		},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got := DefaultConfig().withOverride(tt.override)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestPresetConfig(t *testing.T) {
	low, err := PresetConfig("low")
	require.NoError(t, err)
	require.Equal(t, int64(300), low.Duration)
	require.Equal(t, int64(30000), low.InitialRateBump)
	require.Equal(t, []CurvePoint{{Delay: 60, Coefficient: 24000}, {Delay: 120, Coefficient: 12000}, {Delay: 120, Coefficient: 0}}, low.Points)
	require.Equal(t, 20.0, low.GasPriceGwei)

	medium, err := PresetConfig("medium")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), medium)

	high, err := PresetConfig("high")
	require.NoError(t, err)
	require.Equal(t, int64(120), high.Duration)
	require.Equal(t, int64(80000), high.InitialRateBump)
	require.Equal(t, []CurvePoint{{Delay: 20, Coefficient: 64000}, {Delay: 40, Coefficient: 32000}, {Delay: 60, Coefficient: 0}}, high.Points)
	require.Equal(t, 50.0, high.GasPriceGwei)

	// point delays always sum to the duration
	for _, volatility := range []string{"low", "medium", "high"} {
		cfg, err := PresetConfig(volatility)
		require.NoError(t, err)
		sum := int64(0)
		for _, p := range cfg.Points {
			sum += p.Delay
		}
		require.Equal(t, cfg.Duration, sum)
	}

	_, err = PresetConfig("extreme")
	require.ErrorIs(t, err, ErrUnknownVolatility)
}

func TestOptimalExecutionTime(t *testing.T) {
	t.Run("premium only curve never meets the target", func(t *testing.T) {
		engine := newTestEngine(DefaultConfig())
		executeAt, err := engine.OptimalExecutionTime(testAuctionParams(t), nil)
		require.NoError(t, err)
		require.Equal(t, testStartTime, executeAt)
	})

	t.Run("discount curve peaks at the end", func(t *testing.T) {
		engine := newTestEngine(Config{
			Duration:        60,
			InitialRateBump: -20000,
			Points: []CurvePoint{
				{Delay: 30, Coefficient: -40000},
				{Delay: 30, Coefficient: -80000},
			},
		})
		executeAt, err := engine.OptimalExecutionTime(testAuctionParams(t), nil)
		require.NoError(t, err)
		require.Equal(t, testStartTime+60, executeAt)

		// deterministic
		again, err := engine.OptimalExecutionTime(testAuctionParams(t), nil)
		require.NoError(t, err)
		require.Equal(t, executeAt, again)

		// the offset is a step multiple
		require.Zero(t, (executeAt-testStartTime)%OptimalTimeStepSeconds)
	})

	t.Run("plateau keeps the earliest peak", func(t *testing.T) {
		engine := newTestEngine(Config{
			Duration:        30,
			InitialRateBump: -20000,
			Points: []CurvePoint{
				{Delay: 10, Coefficient: -60000},
				{Delay: 10, Coefficient: -60000},
				{Delay: 10, Coefficient: 0},
			},
		})
		executeAt, err := engine.OptimalExecutionTime(testAuctionParams(t), nil)
		require.NoError(t, err)
		require.Equal(t, testStartTime+10, executeAt)
	})

	t.Run("custom target above the peak", func(t *testing.T) {
		engine := newTestEngine(Config{
			Duration:        60,
			InitialRateBump: -20000,
			Points: []CurvePoint{
				{Delay: 30, Coefficient: -40000},
				{Delay: 30, Coefficient: -80000},
			},
		})
		target := int64(100)
		executeAt, err := engine.OptimalExecutionTime(testAuctionParams(t), &target)
		require.NoError(t, err)
		require.Equal(t, testStartTime, executeAt)
	})

	t.Run("invalid params", func(t *testing.T) {
		engine := newTestEngine(DefaultConfig())
		params := testAuctionParams(t)
		params.BaseRate = -1
		_, err := engine.OptimalExecutionTime(params, nil)
		require.ErrorIs(t, err, ErrInvalidAuctionConfig)
	})
}

func TestDeadline(t *testing.T) {
	engine := newTestEngine(DefaultConfig())
	params := testAuctionParams(t)
	require.Equal(t, testStartTime+180, engine.Deadline(params, nil))

	duration := int64(25)
	require.Equal(t, testStartTime+25, engine.Deadline(params, &ConfigOverride{Duration: &duration}))
}
