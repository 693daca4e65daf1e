package auction

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
	"golang.org/x/time/rate"
)

type scheduledSettlement struct {
	orderID      string
	executeAt    uint64
	deadline     uint64
	highPriority bool
}

// apiTestBackend stands in for the storage, scheduler, event bus and rate
// source behind the API.
type apiTestBackend struct {
	orders    map[string]*Order
	inserted  []*Order
	known     bool
	scheduled []scheduledSettlement
	events    []*Event
	rate      float64
	rateErr   error
}

func newAPITestBackend() *apiTestBackend {
	return &apiTestBackend{orders: make(map[string]*Order)}
}

func (b *apiTestBackend) InsertOrder(ctx context.Context, order *Order) (bool, error) {
	if b.known {
		return true, nil
	}
	b.inserted = append(b.inserted, order)
	b.orders[order.ID] = order
	return false, nil
}

func (b *apiTestBackend) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	order, ok := b.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

func (b *apiTestBackend) ApplyFill(ctx context.Context, orderID string, amount *big.Int, executor, txHash string, now uint64) (*Order, *Fill, error) {
	order, ok := b.orders[orderID]
	if !ok {
		return nil, nil, ErrOrderNotFound
	}
	fill, err := order.ApplyFill(amount, executor, txHash, now)
	if err != nil {
		return nil, nil, err
	}
	return order, fill, nil
}

func (b *apiTestBackend) CancelOrderByID(ctx context.Context, orderID string, signer common.Address) error {
	order, ok := b.orders[orderID]
	if !ok || !order.CanCancel() {
		return ErrOrderNotCancelled
	}
	if order.Metadata == nil || order.Metadata.Signer != signer {
		return ErrOrderNotCancelled
	}
	order.Status = OrderStatusCancelled
	return nil
}

func (b *apiTestBackend) ScheduleSettlement(ctx context.Context, order *Order, executeAt, deadline uint64, highPriority bool) error {
	b.scheduled = append(b.scheduled, scheduledSettlement{order.ID, executeAt, deadline, highPriority})
	return nil
}

func (b *apiTestBackend) PublishEvent(ctx context.Context, event *Event) error {
	b.events = append(b.events, event)
	return nil
}

func (b *apiTestBackend) Rate(ctx context.Context, pair string) (float64, error) {
	if b.rateErr != nil {
		return 0, b.rateErr
	}
	return b.rate, nil
}

func newTestAPI(backend *apiTestBackend, cancelCache *RedisCancellationCache) *API {
	return NewAPI(
		zap.NewNop(),
		backend, backend, NewEngine(DefaultConfig()), backend,
		backend, &MakersBackend{}, rate.Inf, cancelCache,
	)
}

// futureOrderArgs returns submit args that validate against the wall clock.
// A non nil secret replaces the hashlock with the keccak256 of the secret.
func futureOrderArgs(t *testing.T, secret []byte) *SubmitOrderArgs {
	t.Helper()
	args := testOrderArgs(t)
	args.Timelock = hexutil.Uint64(uint64(time.Now().Unix()) + 3600)
	if secret != nil {
		hasher := sha3.NewLegacyKeccak256()
		hasher.Write(secret)
		args.Hashlock = hex.EncodeToString(hasher.Sum(nil))
	}
	return args
}

func TestAPISubmitOrder(t *testing.T) {
	t.Run("submit and schedule", func(t *testing.T) {
		backend := newAPITestBackend()
		api := newTestAPI(backend, nil)

		args := futureOrderArgs(t, nil)
		resp, err := api.SubmitOrder(context.Background(), *args)
		require.NoError(t, err)
		require.Equal(t, "order-1", resp.OrderID)
		require.True(t, strings.HasPrefix(resp.AuctionID, "order-1-"))
		require.Equal(t, OrderStatusCreated, resp.Status)
		require.NotZero(t, resp.ExecuteAt)

		require.Len(t, backend.inserted, 1)
		order := backend.inserted[0]
		require.Equal(t, 0.0004, order.BaseRate)
		require.NotNil(t, order.Metadata)
		require.Equal(t, resp.AuctionID, order.Metadata.AuctionID)

		// settlement starts at the auction start and ends with the shorter of
		// the auction deadline and the timelock
		require.Len(t, backend.scheduled, 1)
		scheduled := backend.scheduled[0]
		require.Equal(t, uint64(order.StartTime), scheduled.executeAt)
		require.Equal(t, uint64(order.StartTime)+uint64(DefaultConfig().Duration), scheduled.deadline)

		require.Len(t, backend.events, 2)
		require.Equal(t, EventOrderCreated, backend.events[0].Type)
		require.Equal(t, EventFundsLocked, backend.events[1].Type)
		locked, ok := backend.events[1].Data.(FundsLocked)
		require.True(t, ok)
		require.Equal(t, ChainNEAR, locked.Chain)
		require.Equal(t, args.SourceAmount, locked.Amount)

		// replay serves the cached response without touching storage
		replayed, err := api.SubmitOrder(context.Background(), *args)
		require.NoError(t, err)
		require.Equal(t, resp, replayed)
		require.Len(t, backend.inserted, 1)
		require.Len(t, backend.scheduled, 1)
	})

	t.Run("known order in storage", func(t *testing.T) {
		backend := newAPITestBackend()
		stored, err := NewOrder(futureOrderArgs(t, nil), uint64(time.Now().Unix())-60)
		require.NoError(t, err)
		stored.Status = OrderStatusProcessing
		stored.Metadata = &OrderMetadata{AuctionID: "order-1-123"}
		backend.orders[stored.ID] = stored
		backend.known = true

		api := newTestAPI(backend, nil)
		resp, err := api.SubmitOrder(context.Background(), *futureOrderArgs(t, nil))
		require.NoError(t, err)
		require.Equal(t, "order-1", resp.OrderID)
		require.Equal(t, "order-1-123", resp.AuctionID)
		require.Equal(t, OrderStatusProcessing, resp.Status)
		require.Equal(t, stored.StartTime, resp.ExecuteAt)
		require.Empty(t, backend.scheduled)
		require.Empty(t, backend.events)
	})

	t.Run("base rate from the price feed", func(t *testing.T) {
		backend := newAPITestBackend()
		backend.rate = 0.00042
		api := newTestAPI(backend, nil)

		args := futureOrderArgs(t, nil)
		args.BaseRate = 0
		_, err := api.SubmitOrder(context.Background(), *args)
		require.NoError(t, err)
		require.Len(t, backend.inserted, 1)
		require.Equal(t, 0.00042, backend.inserted[0].BaseRate)
	})

	t.Run("price feed down", func(t *testing.T) {
		backend := newAPITestBackend()
		backend.rateErr = errors.New("feed down")
		api := newTestAPI(backend, nil)

		args := futureOrderArgs(t, nil)
		args.BaseRate = 0
		_, err := api.SubmitOrder(context.Background(), *args)
		require.ErrorIs(t, err, ErrRateUnavailable)
	})

	t.Run("invalid order", func(t *testing.T) {
		api := newTestAPI(newAPITestBackend(), nil)

		// the timelock of the plain test args is long past
		_, err := api.SubmitOrder(context.Background(), *testOrderArgs(t))
		require.ErrorIs(t, err, ErrInvalidTimelock)
	})
}

func TestAPIFillOrder(t *testing.T) {
	secret := []byte("api-fill-secret")
	backend := newAPITestBackend()
	api := newTestAPI(backend, nil)

	_, err := api.SubmitOrder(context.Background(), *futureOrderArgs(t, secret))
	require.NoError(t, err)
	backend.events = nil

	oneNear := bigFromString(t, "1000000000000000000000000")

	t.Run("wrong secret", func(t *testing.T) {
		_, err := api.FillOrder(context.Background(), FillOrderArgs{
			OrderID:  "order-1",
			Amount:   oneNear,
			Executor: "0x2222222222222222222222222222222222222222",
			Secret:   hexutil.Bytes("not-the-secret"),
		})
		require.ErrorIs(t, err, ErrInvalidSecret)
		require.Empty(t, backend.events)
	})

	t.Run("missing order", func(t *testing.T) {
		_, err := api.FillOrder(context.Background(), FillOrderArgs{
			OrderID: "ghost",
			Amount:  oneNear,
			Secret:  hexutil.Bytes(secret),
		})
		require.ErrorIs(t, err, ErrOrderNotFound)
	})

	t.Run("missing amount", func(t *testing.T) {
		_, err := api.FillOrder(context.Background(), FillOrderArgs{
			OrderID: "order-1",
			Secret:  hexutil.Bytes(secret),
		})
		require.ErrorIs(t, err, ErrInvalidFillAmount)
	})

	t.Run("partial fill", func(t *testing.T) {
		resp, err := api.FillOrder(context.Background(), FillOrderArgs{
			OrderID:  "order-1",
			Amount:   oneNear,
			Executor: "0x2222222222222222222222222222222222222222",
			Secret:   hexutil.Bytes(secret),
			TxHash:   "0xaa",
		})
		require.NoError(t, err)
		require.Equal(t, "order-1-fill-1", resp.FillID)
		require.Equal(t, OrderStatusPartiallyFilled, resp.Status)
		require.Equal(t, oneNear, resp.FilledAmount)
		require.Equal(t, bigFromString(t, "4000000000000000000000000"), resp.RemainingAmount)
		require.Equal(t, int64(20), resp.FillPercentage)

		require.Len(t, backend.events, 2)
		require.Equal(t, EventFundsReleased, backend.events[0].Type)
		released, ok := backend.events[0].Data.(FundsReleased)
		require.True(t, ok)
		require.Equal(t, "order-1-fill-1", released.FillID)
		require.Equal(t, ChainNEAR, released.Chain)
		require.Equal(t, EventOrderStatusChanged, backend.events[1].Type)
	})

	t.Run("fill below the minimum", func(t *testing.T) {
		_, err := api.FillOrder(context.Background(), FillOrderArgs{
			OrderID: "order-1",
			Amount:  bigFromString(t, "1"),
			Secret:  hexutil.Bytes(secret),
		})
		require.ErrorIs(t, err, ErrFillTooSmall)
	})
}

func TestAPICancelOrder(t *testing.T) {
	red := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	cancelCache := NewRedisCancellationCache(red, time.Second*3, "test-api-cancel")
	defer func() {
		require.NoError(t, cancelCache.DeleteAll(context.Background()))
	}()

	backend := newAPITestBackend()
	api := newTestAPI(backend, cancelCache)

	order, err := NewOrder(futureOrderArgs(t, nil), uint64(time.Now().Unix()))
	require.NoError(t, err)
	// the test request carries no signature header, the signer is the zero address
	order.Metadata = &OrderMetadata{}
	backend.orders[order.ID] = order

	foreign, err := NewOrder(futureOrderArgs(t, nil), uint64(time.Now().Unix()))
	require.NoError(t, err)
	foreign.ID = "order-2"
	foreign.Metadata = &OrderMetadata{Signer: common.HexToAddress("0x1111111111111111111111111111111111111111")}
	backend.orders[foreign.ID] = foreign

	t.Run("cancel own order", func(t *testing.T) {
		require.NoError(t, api.CancelOrder(context.Background(), "order-1"))
		require.Equal(t, OrderStatusCancelled, backend.orders["order-1"].Status)

		cancelled, err := cancelCache.IsCancelled(context.Background(), []string{"order-1"})
		require.NoError(t, err)
		require.True(t, cancelled)

		require.Len(t, backend.events, 1)
		require.Equal(t, EventOrderCancelled, backend.events[0].Type)
	})

	t.Run("cancel twice", func(t *testing.T) {
		require.ErrorIs(t, api.CancelOrder(context.Background(), "order-1"), ErrOrderNotCancelled)
	})

	t.Run("cancel foreign order", func(t *testing.T) {
		require.ErrorIs(t, api.CancelOrder(context.Background(), "order-2"), ErrOrderNotCancelled)
	})

	t.Run("cancel missing order", func(t *testing.T) {
		require.ErrorIs(t, api.CancelOrder(context.Background(), "ghost"), ErrOrderNotCancelled)
	})
}

func TestAPIGetQuote(t *testing.T) {
	api := newTestAPI(newAPITestBackend(), nil)

	params := *testAuctionParams(t)
	params.StartTime = time.Now().Unix()
	result, err := api.GetQuote(context.Background(), params, nil)
	require.NoError(t, err)
	require.False(t, result.Expired)
	require.InDelta(t, 1.005, result.Rate, 0.001)
	require.Greater(t, result.SecondsRemaining, int64(0))

	params.BaseRate = 0
	_, err = api.GetQuote(context.Background(), params, nil)
	require.ErrorIs(t, err, ErrInvalidAuctionConfig)
}

func TestAPIOptimalExecutionTime(t *testing.T) {
	api := newTestAPI(newAPITestBackend(), nil)

	params := *testAuctionParams(t)
	resp, err := api.OptimalExecutionTime(context.Background(), params, nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, resp.ExecuteAt, params.StartTime)
	require.LessOrEqual(t, resp.ExecuteAt, params.StartTime+DefaultConfig().Duration)

	params.OrderID = ""
	_, err = api.OptimalExecutionTime(context.Background(), params, nil)
	require.ErrorIs(t, err, ErrInvalidAuctionConfig)
}

func TestAPIMarketConfig(t *testing.T) {
	api := newTestAPI(newAPITestBackend(), nil)

	cfg, err := api.MarketConfig(context.Background(), "high")
	require.NoError(t, err)
	require.Equal(t, int64(120), cfg.Duration)
	require.Equal(t, int64(80000), cfg.InitialRateBump)

	_, err = api.MarketConfig(context.Background(), "extreme")
	require.ErrorIs(t, err, ErrUnknownVolatility)
}

func TestAPIOrderStatus(t *testing.T) {
	backend := newAPITestBackend()
	api := newTestAPI(backend, nil)

	t.Run("missing order", func(t *testing.T) {
		_, err := api.OrderStatus(context.Background(), "ghost")
		require.ErrorIs(t, err, ErrOrderNotFound)
	})

	t.Run("live order quotes", func(t *testing.T) {
		order, err := NewOrder(futureOrderArgs(t, nil), uint64(time.Now().Unix()))
		require.NoError(t, err)
		backend.orders[order.ID] = order

		resp, err := api.OrderStatus(context.Background(), "order-1")
		require.NoError(t, err)
		require.Equal(t, "order-1", resp.Order.ID)
		require.False(t, resp.NeedsRefund)
		require.Nil(t, resp.RefundAmount)
		require.NotNil(t, resp.CurrentQuote)
		require.InDelta(t, 0.0004*1.005, resp.CurrentQuote.Rate, 0.0004*0.001)
	})

	t.Run("expired order needs a refund", func(t *testing.T) {
		args := futureOrderArgs(t, nil)
		args.ID = "order-refund"
		order, err := NewOrder(args, uint64(time.Now().Unix())-7200)
		require.NoError(t, err)
		order.Status = OrderStatusExpired
		order.Timelock = hexutil.Uint64(uint64(time.Now().Unix()) - 60)
		backend.orders[order.ID] = order

		resp, err := api.OrderStatus(context.Background(), "order-refund")
		require.NoError(t, err)
		require.True(t, resp.NeedsRefund)
		require.Equal(t, order.SourceAmount, resp.RefundAmount)
		require.Nil(t, resp.CurrentQuote)
	})
}

func BenchmarkOrderValidation(b *testing.B) {
	amount, ok := new(big.Int).SetString("5000000000000000000000000", 10)
	if !ok {
		b.Fatal("bad amount")
	}
	args := SubmitOrderArgs{
		ID:                "order-1",
		SourceChain:       ChainNEAR,
		DestChain:         ChainETH,
		SourceToken:       "NEAR",
		DestToken:         "ETH",
		SourceAmount:      (*hexutil.Big)(amount),
		SourceAddress:     "alice.near",
		DestAddress:       "0x1111111111111111111111111111111111111111",
		Hashlock:          "0xAEC070645FE53EE3B3763059376134F058CC337247C978ADD178B6CCDFB0019F",
		Timelock:          hexutil.Uint64(1700003600),
		BaseRate:          0.0004,
		AllowPartialFills: true,
	}
	now := uint64(1700000000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		copied := args
		if err := ValidateOrderArgs(&copied, now); err != nil {
			b.Fatal(err)
		}
	}
}
