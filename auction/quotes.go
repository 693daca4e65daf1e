package auction

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

var ErrCannotBuildQuote = errors.New("cannot build quote")

// BuildPublicQuote renders one auction iteration as the quote broadcast to
// makers. When shareExactAmounts is false the remaining and output amounts
// are rounded up before publishing and the fee and total cost are derived
// again from the rounded output, so totalCost always equals outputAmount
// plus feeAmount on the wire.
func BuildPublicQuote(order *Order, auctionID string, sequence uint64, result *AuctionResult, now uint64, shareExactAmounts bool) (*PublicQuote, error) {
	if order == nil || result == nil {
		return nil, ErrCannotBuildQuote
	}

	remaining := order.Remaining()
	output := result.OutputAmount.ToInt()
	fee := result.FeeAmount.ToInt()
	total := result.TotalCost.ToInt()
	if !shareExactAmounts {
		remaining = RoundUpWithPrecision(remaining, QuoteAmountPrecisionDigits)
		output = RoundUpWithPrecision(output, QuoteAmountPrecisionDigits)
		fee = new(big.Int).Div(output, big.NewInt(FeeDivisor))
		total = new(big.Int).Add(output, fee)
	}

	return &PublicQuote{
		OrderID:          order.ID,
		AuctionID:        auctionID,
		Sequence:         hexutil.Uint64(sequence),
		SourceChain:      order.SourceChain,
		DestChain:        order.DestChain,
		SourceToken:      order.SourceToken,
		DestToken:        order.DestToken,
		RemainingAmount:  (*hexutil.Big)(remaining),
		Rate:             result.Rate,
		OutputAmount:     (*hexutil.Big)(output),
		FeeAmount:        (*hexutil.Big)(fee),
		TotalCost:        (*hexutil.Big)(total),
		SecondsRemaining: result.SecondsRemaining,
		Timestamp:        hexutil.Uint64(now),
		MetaOrder:        order.MetaOrder(remaining, total),
	}, nil
}
