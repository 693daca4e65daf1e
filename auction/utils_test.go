package auction

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

func TestFormatUnits(t *testing.T) {
	tests := []struct {
		name  string
		value *big.Int
		unit  string
		want  string
	}{
		{
			name:  "eth",
			value: big.NewInt(1004500000000000000),
			unit:  "eth",
			want:  "1.0045",
		},
		{
			name:  "gwei",
			value: big.NewInt(5000000000),
			unit:  "gwei",
			want:  "5",
		},
		{
			name:  "near",
			value: mustBig(t, "2500000000000000000000000"),
			unit:  "near",
			want:  "2.5",
		},
		{
			name:  "unknown unit",
			value: big.NewInt(1),
			unit:  "wei",
			want:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, formatUnits(tt.value, tt.unit))
		})
	}
}

func mustBig(t *testing.T, value string) *big.Int {
	t.Helper()
	out, ok := new(big.Int).SetString(value, 10)
	require.True(t, ok)
	return out
}

func TestChainUnit(t *testing.T) {
	require.Equal(t, "near", chainUnit(ChainNEAR))
	require.Equal(t, "eth", chainUnit(ChainETH))
	require.Equal(t, "", chainUnit(Chain("SOL")))
}

func TestRoundUpWithPrecision(t *testing.T) {
	type args struct {
		number          *big.Int
		precisionDigits int
	}
	tests := []struct {
		name string
		args args
		want *big.Int
	}{
		{
			name: "round up 1",
			args: args{
				number:          big.NewInt(121000000),
				precisionDigits: 2,
			},
			want: big.NewInt(130000000),
		},
		{
			name: "round up 9",
			args: args{
				number:          big.NewInt(129000000),
				precisionDigits: 2,
			},
			want: big.NewInt(130000000),
		},
		{
			name: "round small",
			args: args{
				number:          big.NewInt(120000001),
				precisionDigits: 2,
			},
			want: big.NewInt(130000000),
		},
		{
			name: "no rounding needed",
			args: args{
				number:          big.NewInt(120000),
				precisionDigits: 2,
			},
			want: big.NewInt(120000),
		},
		{
			name: "exact digits",
			args: args{
				number:          big.NewInt(12),
				precisionDigits: 2,
			},
			want: big.NewInt(12),
		},
		{
			name: "small number",
			args: args{
				number:          big.NewInt(12),
				precisionDigits: 3,
			},
			want: big.NewInt(12),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundUpWithPrecision(tt.args.number, tt.args.precisionDigits)
			require.Equal(t, tt.want, got, "RoundUpWithPrecision() = %v, want %v", hexutil.EncodeBig(got), hexutil.EncodeBig(tt.want))
		})
	}
}
