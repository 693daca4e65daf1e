package auction

import (
	"math/big"

	"github.com/ethereum/go-ethereum/params"
)

var (
	ethDivisor   = new(big.Float).SetUint64(params.Ether)
	gweiDivisor  = new(big.Float).SetUint64(params.GWei)
	yoctoDivisor = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil))

	big1  = big.NewInt(1)
	big10 = big.NewInt(10)
)

// formatUnits renders a base unit amount in human units, used for logs.
func formatUnits(value *big.Int, unit string) string {
	float := new(big.Float).SetInt(value)
	switch unit {
	case "eth":
		return float.Quo(float, ethDivisor).String()
	case "gwei":
		return float.Quo(float, gweiDivisor).String()
	case "near":
		return float.Quo(float, yoctoDivisor).String()
	default:
		return ""
	}
}

// chainUnit returns the human unit name of the chain native asset.
func chainUnit(chain Chain) string {
	switch chain {
	case ChainNEAR:
		return "near"
	case ChainETH:
		return "eth"
	default:
		return ""
	}
}

// RoundUpWithPrecision rounds number up leaving only precisionDigits non-zero
// examples:
// RoundUpWithPrecision(123456, 2) = 130000
// RoundUpWithPrecision(111, 2) = 120
// RoundUpWithPrecision(199, 2) = 200
func RoundUpWithPrecision(number *big.Int, precisionDigits int) *big.Int {
	numDigits := len(number.String())

	if numDigits <= precisionDigits {
		return new(big.Int).Set(number)
	}

	// strip the extra digits, rounding up unless they were all zero
	power := big.NewInt(int64(numDigits - precisionDigits))
	power.Exp(big10, power, nil)

	div := new(big.Int).Div(number, power)
	if new(big.Int).Mul(div, power).Cmp(number) != 0 {
		div.Add(div, big1)
	}
	return div.Mul(div, power)
}
