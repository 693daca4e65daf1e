package auction

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/crossfusion/auction-node/jsonrpcserver"
	"github.com/crossfusion/auction-node/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/lru"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrRateUnavailable = errors.New("base rate unavailable")

	ErrInternalServiceError = errors.New("auction service error")

	getQuoteTimeout    = 500 * time.Millisecond
	cancelOrderTimeout = 3 * time.Second
	orderCacheSize     = 1000
)

type SettlementScheduler interface {
	ScheduleSettlement(ctx context.Context, order *Order, executeAt, deadline uint64, highPriority bool) error
}

type OrderStorage interface {
	InsertOrder(ctx context.Context, order *Order) (bool, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	ApplyFill(ctx context.Context, orderID string, amount *big.Int, executor, txHash string, now uint64) (*Order, *Fill, error)
	CancelOrderByID(ctx context.Context, orderID string, signer common.Address) error
}

// RateSource resolves the base rate of a token pair when an order is
// submitted without one.
type RateSource interface {
	Rate(ctx context.Context, pair string) (float64, error)
}

type API struct {
	log *zap.Logger

	scheduler        SettlementScheduler
	store            OrderStorage
	engine           *Engine
	rates            RateSource
	events           EventBackend
	makers           *MakersBackend
	quoteRateLimiter *rate.Limiter

	knownOrderCache   *lru.Cache[string, SubmitOrderResponse]
	cancellationCache *RedisCancellationCache
}

func NewAPI(
	log *zap.Logger,
	scheduler SettlementScheduler, store OrderStorage, engine *Engine, rates RateSource,
	events EventBackend, makers *MakersBackend, quoteRateLimit rate.Limit, cancellationCache *RedisCancellationCache,
) *API {
	return &API{
		log: log,

		scheduler:         scheduler,
		store:             store,
		engine:            engine,
		rates:             rates,
		events:            events,
		makers:            makers,
		quoteRateLimiter:  rate.NewLimiter(quoteRateLimit, 1),
		knownOrderCache:   lru.NewCache[string, SubmitOrderResponse](orderCacheSize),
		cancellationCache: cancellationCache,
	}
}

func (m *API) SubmitOrder(ctx context.Context, args SubmitOrderArgs) (_ SubmitOrderResponse, err error) {
	logger := m.log
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(SubmitOrderEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(SubmitOrderEndpointName)
		}
	}()
	metrics.IncOrdersReceived()

	validateOrderTime := time.Now()
	now := uint64(time.Now().Unix())
	err = ValidateOrderArgs(&args, now)
	if err != nil {
		logger.Warn("failed to validate order", zap.Error(err))
		return SubmitOrderResponse{}, err
	}
	if cached, ok := m.knownOrderCache.Get(args.ID); ok {
		logger.Debug("order already known, ignoring", zap.String("order", args.ID))
		return cached, nil
	}

	if args.BaseRate == 0 {
		pair := args.SourceToken + "/" + args.DestToken
		baseRate, err := m.rates.Rate(ctx, pair)
		if err != nil {
			logger.Error("failed to fetch base rate", zap.Error(err), zap.String("pair", pair))
			return SubmitOrderResponse{}, ErrRateUnavailable
		}
		args.BaseRate = baseRate
	}

	order, err := NewOrder(&args, now)
	if err != nil {
		logger.Warn("failed to create order", zap.Error(err))
		return SubmitOrderResponse{}, err
	}
	order.Metadata = &OrderMetadata{
		Signer:       jsonrpcserver.GetSigner(ctx),
		OriginID:     jsonrpcserver.GetOrigin(ctx),
		ReceivedAt:   hexutil.Uint64(uint64(time.Now().UnixMicro())),
		HighPriority: jsonrpcserver.GetPriority(ctx),
	}

	auctionID, err := m.engine.CreateAuction(order.AuctionParams(order.Remaining()), order.Auction)
	if err != nil {
		logger.Warn("failed to create auction", zap.Error(err))
		return SubmitOrderResponse{}, err
	}
	order.Metadata.AuctionID = auctionID

	metrics.RecordOrderValidationDuration(time.Since(validateOrderTime).Milliseconds())

	known, err := m.store.InsertOrder(ctx, order)
	if err != nil {
		logger.Error("Failed to insert order", zap.Error(err))
		return SubmitOrderResponse{}, ErrInternalServiceError
	}
	if known {
		// resubmission of a stored order, serve the stored state
		stored, err := m.store.GetOrder(ctx, order.ID)
		if err != nil {
			logger.Error("Failed to fetch known order", zap.Error(err))
			return SubmitOrderResponse{}, ErrInternalServiceError
		}
		resp := SubmitOrderResponse{
			OrderID:   stored.ID,
			Status:    stored.Status,
			ExecuteAt: stored.StartTime,
		}
		if stored.Metadata != nil {
			resp.AuctionID = stored.Metadata.AuctionID
		}
		m.knownOrderCache.Add(stored.ID, resp)
		return resp, nil
	}
	metrics.IncOrdersReceivedValid()

	err = m.events.PublishEvent(ctx, &Event{
		Type:      EventOrderCreated,
		OrderID:   order.ID,
		Timestamp: order.CreatedAt,
		Data: OrderCreated{
			SourceChain:       order.SourceChain,
			DestChain:         order.DestChain,
			SourceToken:       order.SourceToken,
			DestToken:         order.DestToken,
			AllowPartialFills: order.AllowPartialFills,
			Timelock:          order.Timelock,
		},
	})
	if err != nil {
		logger.Error("Failed to publish order created event", zap.Error(err))
	}
	err = m.events.PublishEvent(ctx, &Event{
		Type:      EventFundsLocked,
		OrderID:   order.ID,
		Timestamp: order.CreatedAt,
		Data: FundsLocked{
			Chain:    order.SourceChain,
			Amount:   order.SourceAmount,
			Hashlock: order.Hashlock,
			Timelock: order.Timelock,
		},
	})
	if err != nil {
		logger.Error("Failed to publish funds locked event", zap.Error(err))
	}

	deadline := uint64(m.engine.Deadline(order.AuctionParams(order.Remaining()), order.Auction))
	if uint64(order.Timelock) < deadline {
		deadline = uint64(order.Timelock)
	}
	err = m.scheduler.ScheduleSettlement(ctx, order, uint64(order.StartTime), deadline, order.Metadata.HighPriority)
	if err != nil {
		logger.Error("Failed to schedule order settlement", zap.Error(err))
		return SubmitOrderResponse{}, ErrInternalServiceError
	}

	resp := SubmitOrderResponse{
		OrderID:   order.ID,
		AuctionID: auctionID,
		Status:    order.Status,
		ExecuteAt: order.StartTime,
	}
	m.knownOrderCache.Add(order.ID, resp)
	return resp, nil
}

func (m *API) GetQuote(ctx context.Context, params AuctionParams, override *ConfigOverride) (_ *AuctionResult, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(GetQuoteEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(GetQuoteEndpointName)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, getQuoteTimeout)
	defer cancel()

	err = m.quoteRateLimiter.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return m.engine.CurrentRate(&params, override)
}

func (m *API) OptimalExecutionTime(ctx context.Context, params AuctionParams, targetProfitBps *int64) (_ OptimalExecutionTimeResponse, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(OptimalExecutionTimeEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(OptimalExecutionTimeEndpointName)
		}
	}()

	executeAt, err := m.engine.OptimalExecutionTime(&params, targetProfitBps)
	if err != nil {
		return OptimalExecutionTimeResponse{}, err
	}
	return OptimalExecutionTimeResponse{ExecuteAt: executeAt}, nil
}

func (m *API) MarketConfig(ctx context.Context, volatility string) (_ Config, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(MarketConfigEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(MarketConfigEndpointName)
		}
	}()

	return PresetConfig(volatility)
}

func (m *API) OrderStatus(ctx context.Context, orderID string) (_ *OrderStatusResponse, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(OrderStatusEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(OrderStatusEndpointName)
		}
	}()
	logger := m.log.With(zap.String("order", orderID))

	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		logger.Error("Failed to fetch order", zap.Error(err))
		return nil, ErrInternalServiceError
	}

	now := uint64(time.Now().Unix())
	resp := &OrderStatusResponse{
		Order:       order,
		NeedsRefund: order.NeedsRefund(now),
	}
	if refund := order.RefundAmount(now); refund.Sign() > 0 {
		resp.RefundAmount = (*hexutil.Big)(refund)
	}
	if !order.Status.Terminal() {
		quote, err := m.engine.CurrentRate(order.AuctionParams(order.Remaining()), order.Auction)
		if err != nil {
			logger.Warn("Failed to quote order", zap.Error(err))
		} else {
			resp.CurrentQuote = quote
		}
	}
	return resp, nil
}

func (m *API) CancelOrder(ctx context.Context, orderID string) (err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(CancelOrderEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(CancelOrderEndpointName)
		}
	}()
	logger := m.log.With(zap.String("order", orderID))
	ctx, cancel := context.WithTimeout(ctx, cancelOrderTimeout)
	defer cancel()

	signer := jsonrpcserver.GetSigner(ctx)
	err = m.store.CancelOrderByID(ctx, orderID, signer)
	if err != nil {
		if !errors.Is(err, ErrOrderNotCancelled) {
			logger.Warn("Failed to cancel order", zap.Error(err))
		}
		return ErrOrderNotCancelled
	}

	err = m.cancellationCache.Add(ctx, orderID)
	if err != nil {
		logger.Error("Failed to add order to cancellation cache", zap.Error(err))
	}

	err = m.events.PublishEvent(ctx, &Event{
		Type:      EventOrderCancelled,
		OrderID:   orderID,
		Timestamp: hexutil.Uint64(uint64(time.Now().Unix())),
		Data:      StatusChange{Status: OrderStatusCancelled},
	})
	if err != nil {
		logger.Error("Failed to publish order cancelled event", zap.Error(err))
	}
	m.makers.CancelOrder(ctx, logger, orderID)

	logger.Info("Order cancelled")
	return nil
}

func (m *API) FillOrder(ctx context.Context, args FillOrderArgs) (_ FillOrderResponse, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(FillOrderEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(FillOrderEndpointName)
		}
	}()
	logger := m.log.With(zap.String("order", args.OrderID))

	if args.Amount == nil || args.Amount.ToInt().Sign() <= 0 {
		return FillOrderResponse{}, ErrInvalidFillAmount
	}

	order, err := m.store.GetOrder(ctx, args.OrderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return FillOrderResponse{}, ErrOrderNotFound
		}
		logger.Error("Failed to fetch order", zap.Error(err))
		return FillOrderResponse{}, ErrInternalServiceError
	}
	if !order.VerifySecret(args.Secret) {
		logger.Warn("Fill rejected, secret does not match the hashlock")
		return FillOrderResponse{}, ErrInvalidSecret
	}

	now := uint64(time.Now().Unix())
	updated, fill, err := m.store.ApplyFill(ctx, args.OrderID, args.Amount.ToInt(), args.Executor, args.TxHash, now)
	if err != nil {
		if isFillError(err) {
			logger.Warn("Fill rejected", zap.Error(err))
			return FillOrderResponse{}, err
		}
		logger.Error("Failed to apply fill", zap.Error(err))
		return FillOrderResponse{}, ErrInternalServiceError
	}

	logger.Info("Order fill applied",
		zap.String("fill", fill.ID),
		zap.String("amount", fill.Amount.ToInt().String()),
		zap.String("status", string(updated.Status)),
	)

	err = m.events.PublishEvent(ctx, &Event{
		Type:      EventFundsReleased,
		OrderID:   updated.ID,
		Timestamp: fill.FilledAt,
		Data: FundsReleased{
			Chain:    updated.SourceChain,
			Amount:   fill.Amount,
			FillID:   fill.ID,
			Executor: fill.Executor,
		},
	})
	if err != nil {
		logger.Error("Failed to publish funds released event", zap.Error(err))
	}
	if updated.Status != order.Status {
		err = m.events.PublishEvent(ctx, &Event{
			Type:      EventOrderStatusChanged,
			OrderID:   updated.ID,
			Timestamp: updated.UpdatedAt,
			Data:      StatusChange{Status: updated.Status},
		})
		if err != nil {
			logger.Error("Failed to publish order status event", zap.Error(err))
		}
	}

	return FillOrderResponse{
		FillID:          fill.ID,
		Status:          updated.Status,
		FilledAmount:    updated.FilledAmount,
		RemainingAmount: (*hexutil.Big)(updated.Remaining()),
		FillPercentage:  updated.FillPercentage(),
	}, nil
}

// isFillError reports whether the error is a fill rule violation the caller
// should see as is.
func isFillError(err error) bool {
	for _, fillErr := range []error{
		ErrOrderTerminal,
		ErrInvalidFillAmount,
		ErrFillTooSmall,
		ErrFillTooLarge,
		ErrPartialsNotAllowed,
		ErrMaxFillsReached,
	} {
		if errors.Is(err, fillErr) {
			return true
		}
	}
	return false
}
