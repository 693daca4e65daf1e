package auction

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/sha3"
)

var (
	ErrOrderTerminal       = errors.New("order is in a terminal status")
	ErrInvalidFillAmount   = errors.New("invalid fill amount")
	ErrFillTooSmall        = errors.New("fill amount below the minimum fill")
	ErrFillTooLarge        = errors.New("fill amount exceeds the remaining amount")
	ErrPartialsNotAllowed  = errors.New("order does not allow partial fills")
	ErrMaxFillsReached     = errors.New("order reached its max fills")
	ErrInvalidSecret       = errors.New("secret does not match the hashlock")
	ErrSplitNotAllowed     = errors.New("order can not be split")
	ErrInvalidSplitAmounts = errors.New("invalid split amounts")
	ErrCancelNotAllowed    = errors.New("order can not be cancelled")
)

// ZeroAddress marks an unrestricted sender in meta orders.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// Order is a cross chain swap order. The node owns every field, clients only
// see orders through API responses.
type Order struct {
	ID                string          `json:"id"`
	SourceChain       Chain           `json:"sourceChain"`
	DestChain         Chain           `json:"destChain"`
	SourceToken       string          `json:"sourceToken"`
	DestToken         string          `json:"destToken"`
	SourceAmount      *hexutil.Big    `json:"sourceAmount"`
	DestAmount        *hexutil.Big    `json:"destAmount,omitempty"`
	SourceAddress     string          `json:"sourceAddress"`
	DestAddress       string          `json:"destAddress"`
	Hashlock          string          `json:"hashlock"`
	Timelock          hexutil.Uint64  `json:"timelock"`
	BaseRate          float64         `json:"baseRate"`
	Auction           *ConfigOverride `json:"auction,omitempty"`
	AllowPartialFills bool            `json:"allowPartialFills"`
	MaxFills          int             `json:"maxFills"`
	Status            OrderStatus     `json:"status"`
	FilledAmount      *hexutil.Big    `json:"filledAmount"`
	Fills             []Fill          `json:"fills,omitempty"`
	ParentID          string          `json:"parentId,omitempty"`
	StartTime         hexutil.Uint64  `json:"startTime"`
	CreatedAt         hexutil.Uint64  `json:"createdAt"`
	UpdatedAt         hexutil.Uint64  `json:"updatedAt"`
	Metadata          *OrderMetadata  `json:"metadata,omitempty"`
}

// NewOrder builds an order from validated submit args. The base rate must be
// resolved before the order is created.
func NewOrder(args *SubmitOrderArgs, now uint64) (*Order, error) {
	if args.BaseRate <= 0 {
		return nil, fmt.Errorf("%w: base rate is not resolved", ErrInvalidBaseRate)
	}
	destAmount, err := rebaseAmount(args.SourceAmount.ToInt(), args.BaseRate, args.SourceChain, args.DestChain)
	if err != nil {
		return nil, err
	}
	return &Order{
		ID:                args.ID,
		SourceChain:       args.SourceChain,
		DestChain:         args.DestChain,
		SourceToken:       args.SourceToken,
		DestToken:         args.DestToken,
		SourceAmount:      args.SourceAmount,
		DestAmount:        (*hexutil.Big)(destAmount),
		SourceAddress:     args.SourceAddress,
		DestAddress:       args.DestAddress,
		Hashlock:          args.Hashlock,
		Timelock:          args.Timelock,
		BaseRate:          args.BaseRate,
		Auction:           args.Auction,
		AllowPartialFills: args.AllowPartialFills,
		MaxFills:          args.MaxFills,
		Status:            OrderStatusCreated,
		FilledAmount:      (*hexutil.Big)(new(big.Int)),
		StartTime:         hexutil.Uint64(now),
		CreatedAt:         hexutil.Uint64(now),
		UpdatedAt:         hexutil.Uint64(now),
	}, nil
}

// AuctionParams returns engine params pricing the given amount of the order.
func (o *Order) AuctionParams(amount *big.Int) *AuctionParams {
	return &AuctionParams{
		OrderID:      o.ID,
		SourceChain:  o.SourceChain,
		DestChain:    o.DestChain,
		SourceAmount: (*hexutil.Big)(amount),
		BaseRate:     o.BaseRate,
		StartTime:    int64(o.StartTime),
	}
}

// Remaining returns the source amount not yet filled.
func (o *Order) Remaining() *big.Int {
	return new(big.Int).Sub(o.SourceAmount.ToInt(), o.FilledAmount.ToInt())
}

// MinFill returns the minimum fill amount, one percent of the source amount.
func (o *Order) MinFill() *big.Int {
	return new(big.Int).Div(o.SourceAmount.ToInt(), big.NewInt(MinFillDivisor))
}

// FillPercentage returns how much of the order is filled, in integer percent.
func (o *Order) FillPercentage() int64 {
	filled := new(big.Int).Mul(o.FilledAmount.ToInt(), big.NewInt(100))
	return filled.Div(filled, o.SourceAmount.ToInt()).Int64()
}

// ApplyFill applies a fill to the order and returns the fill record.
// Fills below the minimum fill are rejected even when they would close the
// order, a dust remainder is reclaimed through the refund path instead.
// Fills do not check auction expiry, late fills are governed by the escrow
// hashlock and timelock.
func (o *Order) ApplyFill(amount *big.Int, executor, txHash string, now uint64) (*Fill, error) {
	if o.Status.Terminal() {
		return nil, ErrOrderTerminal
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidFillAmount
	}
	remaining := o.Remaining()
	if amount.Cmp(remaining) > 0 {
		return nil, ErrFillTooLarge
	}
	if !o.AllowPartialFills && amount.Cmp(remaining) != 0 {
		return nil, ErrPartialsNotAllowed
	}
	if len(o.Fills) >= o.MaxFills {
		return nil, ErrMaxFillsReached
	}
	if amount.Cmp(o.MinFill()) < 0 {
		return nil, ErrFillTooSmall
	}

	fill := Fill{
		ID:       fmt.Sprintf("%s-fill-%d", o.ID, len(o.Fills)+1),
		Amount:   (*hexutil.Big)(new(big.Int).Set(amount)),
		Executor: executor,
		TxHash:   txHash,
		FilledAt: hexutil.Uint64(now),
	}
	o.Fills = append(o.Fills, fill)
	o.FilledAmount = (*hexutil.Big)(new(big.Int).Add(o.FilledAmount.ToInt(), amount))
	if o.Remaining().Sign() == 0 {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
	o.UpdatedAt = hexutil.Uint64(now)
	return &fill, nil
}

// Split splits an unfilled order into child orders. Child amounts must each
// reach the parent minimum fill and sum exactly to the parent amount.
// Children start fresh auctions and carry the parent id.
func (o *Order) Split(amounts []*big.Int, now uint64) ([]*Order, error) {
	if !o.AllowPartialFills {
		return nil, ErrSplitNotAllowed
	}
	if len(o.Fills) > 0 || (o.Status != OrderStatusCreated && o.Status != OrderStatusProcessing) {
		return nil, ErrSplitNotAllowed
	}
	if len(amounts) < 2 {
		return nil, ErrInvalidSplitAmounts
	}

	minFill := o.MinFill()
	sum := new(big.Int)
	for _, amount := range amounts {
		if amount == nil || amount.Sign() <= 0 {
			return nil, ErrInvalidSplitAmounts
		}
		if amount.Cmp(minFill) < 0 {
			return nil, fmt.Errorf("%w: child below the parent minimum fill", ErrInvalidSplitAmounts)
		}
		sum.Add(sum, amount)
	}
	if sum.Cmp(o.SourceAmount.ToInt()) != 0 {
		return nil, fmt.Errorf("%w: amounts must sum to the parent amount", ErrInvalidSplitAmounts)
	}

	children := make([]*Order, 0, len(amounts))
	for i, amount := range amounts {
		childID := fmt.Sprintf("%s-split-%d", o.ID, i+1)
		if len(childID) > MaxOrderIDLength {
			return nil, fmt.Errorf("%w: split id is too long", ErrInvalidOrderID)
		}
		destAmount, err := rebaseAmount(amount, o.BaseRate, o.SourceChain, o.DestChain)
		if err != nil {
			return nil, err
		}

		child := *o
		child.ID = childID
		child.ParentID = o.ID
		child.SourceAmount = (*hexutil.Big)(new(big.Int).Set(amount))
		child.DestAmount = (*hexutil.Big)(destAmount)
		child.FilledAmount = (*hexutil.Big)(new(big.Int))
		child.Fills = nil
		child.Status = OrderStatusCreated
		child.StartTime = hexutil.Uint64(now)
		child.CreatedAt = hexutil.Uint64(now)
		child.UpdatedAt = hexutil.Uint64(now)
		if o.Metadata != nil {
			metadata := *o.Metadata
			child.Metadata = &metadata
		}
		children = append(children, &child)
	}
	return children, nil
}

// VerifySecret reports whether the keccak256 of the secret matches the hashlock.
func (o *Order) VerifySecret(secret []byte) bool {
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(secret)
	return hex.EncodeToString(hasher.Sum(nil)) == o.Hashlock
}

// CanCancel reports whether the order can still be cancelled by its maker.
func (o *Order) CanCancel() bool {
	return o.Status == OrderStatusCreated || o.Status == OrderStatusProcessing
}

// NeedsRefund reports whether locked funds should be returned to the maker.
// Cancelled orders release funds through the cancellation path.
func (o *Order) NeedsRefund(now uint64) bool {
	if o.Status == OrderStatusFilled || o.Status == OrderStatusCancelled {
		return false
	}
	return now > uint64(o.Timelock) && o.Remaining().Sign() > 0
}

// RefundAmount returns the amount to return to the maker, zero when no
// refund is due.
func (o *Order) RefundAmount(now uint64) *big.Int {
	if !o.NeedsRefund(now) {
		return new(big.Int)
	}
	return o.Remaining()
}

// MetaOrder renders the maker side settlement order for the given amounts.
// The taking amount is the total cost of the quote, output plus fee.
func (o *Order) MetaOrder(makingAmount, takingAmount *big.Int) *MetaOrder {
	return &MetaOrder{
		MakerAsset:    o.SourceToken,
		TakerAsset:    o.DestToken,
		MakingAmount:  (*hexutil.Big)(makingAmount),
		TakingAmount:  (*hexutil.Big)(takingAmount),
		Maker:         o.SourceAddress,
		Receiver:      o.DestAddress,
		AllowedSender: ZeroAddress,
		Predicate:     o.Hashlock,
		Permit:        "0x",
		Interaction:   "0x",
	}
}
