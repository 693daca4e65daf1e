package auction

import (
	"encoding/json"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrInvalidChain     = errors.New("invalid chain")
	ErrNilOrderMetadata = errors.New("order metadata is nil")
)

const (
	SubmitOrderEndpointName          = "auction_submitOrder"
	GetQuoteEndpointName             = "auction_getQuote"
	OptimalExecutionTimeEndpointName = "auction_optimalExecutionTime"
	MarketConfigEndpointName         = "auction_marketConfig"
	OrderStatusEndpointName          = "auction_orderStatus"
	CancelOrderEndpointName          = "auction_cancelOrder"
	FillOrderEndpointName            = "auction_fillOrder"
)

// Chain is a supported settlement chain.
// It is marshalled as a string.
type Chain string

const (
	ChainNEAR Chain = "NEAR"
	ChainETH  Chain = "ETH"
)

// Decimals returns the base unit precision of the chain native asset.
func (c Chain) Decimals() int {
	switch c {
	case ChainNEAR:
		return 24
	case ChainETH:
		return 18
	default:
		return 0
	}
}

func (c Chain) Valid() bool {
	return c == ChainNEAR || c == ChainETH
}

func (c *Chain) UnmarshalJSON(data []byte) error {
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	chain := Chain(value)
	if !chain.Valid() {
		return ErrInvalidChain
	}
	*c = chain
	return nil
}

// CurvePoint is one segment of the decay curve. Delay is in seconds relative
// to the previous point, coefficient is in rate bump units.
type CurvePoint struct {
	Delay       int64 `json:"delay"`
	Coefficient int64 `json:"coefficient"`
}

// Config is a fully resolved auction curve.
type Config struct {
	Duration        int64        `json:"duration"`
	InitialRateBump int64        `json:"initialRateBump"`
	Points          []CurvePoint `json:"points"`
	GasBump         int64        `json:"gasBump"`
	GasPriceGwei    float64      `json:"gasPriceGwei"`
}

// ConfigOverride selectively replaces fields of the default Config.
// Nil fields keep the default, a non-nil Points slice replaces the default
// points wholesale.
type ConfigOverride struct {
	Duration        *int64       `json:"duration,omitempty"`
	InitialRateBump *int64       `json:"initialRateBump,omitempty"`
	Points          []CurvePoint `json:"points,omitempty"`
	GasBump         *int64       `json:"gasBump,omitempty"`
	GasPriceGwei    *float64     `json:"gasPriceGwei,omitempty"`
}

type AuctionParams struct {
	OrderID      string       `json:"orderId"`
	SourceChain  Chain        `json:"sourceChain"`
	DestChain    Chain        `json:"destChain"`
	SourceAmount *hexutil.Big `json:"sourceAmount"`
	// BaseRate is the destination units per source unit before the bump.
	BaseRate  float64 `json:"baseRate"`
	StartTime int64   `json:"startTime"`
}

type AuctionResult struct {
	Rate             float64      `json:"rate"`
	OutputAmount     *hexutil.Big `json:"outputAmount"`
	FeeAmount        *hexutil.Big `json:"feeAmount"`
	TotalCost        *hexutil.Big `json:"totalCost"`
	SecondsRemaining int64        `json:"secondsRemaining"`
	Expired          bool         `json:"expired"`
}

type OrderStatus string

const (
	OrderStatusCreated         OrderStatus = "created"
	OrderStatusProcessing      OrderStatus = "processing"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusFailed          OrderStatus = "failed"
)

// Terminal reports whether the status allows no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired, OrderStatusFailed:
		return true
	default:
		return false
	}
}

type SubmitOrderArgs struct {
	ID            string       `json:"id"`
	SourceChain   Chain        `json:"sourceChain"`
	DestChain     Chain        `json:"destChain"`
	SourceToken   string       `json:"sourceToken"`
	DestToken     string       `json:"destToken"`
	SourceAmount  *hexutil.Big `json:"sourceAmount"`
	SourceAddress string       `json:"sourceAddress"`
	DestAddress   string       `json:"destAddress"`
	// Hashlock is the keccak256 of the swap secret, 64 hex chars.
	Hashlock string         `json:"hashlock"`
	Timelock hexutil.Uint64 `json:"timelock"`
	// BaseRate of zero means the rate is fetched from the price feed.
	BaseRate          float64         `json:"baseRate,omitempty"`
	Auction           *ConfigOverride `json:"auction,omitempty"`
	AllowPartialFills bool            `json:"allowPartialFills,omitempty"`
	MaxFills          int             `json:"maxFills,omitempty"`
	Metadata          *OrderMetadata  `json:"metadata,omitempty"`
}

type OrderMetadata struct {
	Signer       common.Address `json:"signer,omitempty"`
	OriginID     string         `json:"originId,omitempty"`
	ReceivedAt   hexutil.Uint64 `json:"receivedAt,omitempty"`
	AuctionID    string         `json:"auctionId,omitempty"`
	HighPriority bool           `json:"highPriority,omitempty"`
}

type Fill struct {
	ID       string         `json:"id"`
	Amount   *hexutil.Big   `json:"amount"`
	Executor string         `json:"executor"`
	TxHash   string         `json:"txHash,omitempty"`
	FilledAt hexutil.Uint64 `json:"filledAt"`
}

type SubmitOrderResponse struct {
	OrderID   string         `json:"orderId"`
	AuctionID string         `json:"auctionId"`
	Status    OrderStatus    `json:"status"`
	ExecuteAt hexutil.Uint64 `json:"executeAt"`
}

type FillOrderArgs struct {
	OrderID  string        `json:"orderId"`
	Amount   *hexutil.Big  `json:"amount"`
	Executor string        `json:"executor"`
	Secret   hexutil.Bytes `json:"secret"`
	TxHash   string        `json:"txHash,omitempty"`
}

type FillOrderResponse struct {
	FillID          string       `json:"fillId"`
	Status          OrderStatus  `json:"status"`
	FilledAmount    *hexutil.Big `json:"filledAmount"`
	RemainingAmount *hexutil.Big `json:"remainingAmount"`
	FillPercentage  int64        `json:"fillPercentage"`
}

type OrderStatusResponse struct {
	Order        *Order         `json:"order"`
	CurrentQuote *AuctionResult `json:"currentQuote,omitempty"`
	NeedsRefund  bool           `json:"needsRefund"`
	RefundAmount *hexutil.Big   `json:"refundAmount,omitempty"`
}

type OptimalExecutionTimeResponse struct {
	ExecuteAt int64 `json:"executeAt"`
}

// MetaOrder is the maker side settlement order derived from a swap order.
type MetaOrder struct {
	MakerAsset    string       `json:"makerAsset"`
	TakerAsset    string       `json:"takerAsset"`
	MakingAmount  *hexutil.Big `json:"makingAmount"`
	TakingAmount  *hexutil.Big `json:"takingAmount"`
	Maker         string       `json:"maker"`
	Receiver      string       `json:"receiver"`
	AllowedSender string       `json:"allowedSender"`
	Predicate     string       `json:"predicate"`
	Permit        string       `json:"permit"`
	Interaction   string       `json:"interaction"`
}

// PublicQuote is the quote of one auction iteration broadcast to the makers.
type PublicQuote struct {
	OrderID          string         `json:"orderId"`
	AuctionID        string         `json:"auctionId,omitempty"`
	Sequence         hexutil.Uint64 `json:"sequence"`
	SourceChain      Chain          `json:"sourceChain"`
	DestChain        Chain          `json:"destChain"`
	SourceToken      string         `json:"sourceToken,omitempty"`
	DestToken        string         `json:"destToken,omitempty"`
	RemainingAmount  *hexutil.Big   `json:"remainingAmount"`
	Rate             float64        `json:"rate"`
	OutputAmount     *hexutil.Big   `json:"outputAmount"`
	FeeAmount        *hexutil.Big   `json:"feeAmount"`
	TotalCost        *hexutil.Big   `json:"totalCost"`
	SecondsRemaining int64          `json:"secondsRemaining"`
	Timestamp        hexutil.Uint64 `json:"timestamp"`
	MetaOrder        *MetaOrder     `json:"metaOrder,omitempty"`
}
