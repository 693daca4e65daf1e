package auction

import (
	"context"
	"time"

	"github.com/crossfusion/auction-node/metrics"
	"github.com/crossfusion/auction-node/settlequeue"
	"go.uber.org/zap"
)

// SettlementResult is responsible for publishing auction iterations
// NOTE: An error should be returned only if the iteration should be retried, for example if redis is down
type SettlementResult interface {
	QuotedOrder(ctx context.Context, order *Order, result *AuctionResult, info settlequeue.QueueItemInfo) error
	ExpiredOrder(ctx context.Context, order *Order) error
}

// OrderStore is the database surface of the settlement pipeline.
type OrderStore interface {
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status OrderStatus, now uint64) (*Order, error)
	InsertQuote(ctx context.Context, quote *PublicQuote) error
}

// QuoteSequencer hands out the per order quote sequence numbers makers use
// to discard stale quotes.
type QuoteSequencer interface {
	NextSequence(ctx context.Context, orderID string) (uint64, error)
}

type SettlementResultBackend struct {
	log               *zap.Logger
	events            EventBackend
	makers            *MakersBackend
	store             OrderStore
	seq               QuoteSequencer
	shareExactAmounts bool
}

func NewSettlementResultBackend(log *zap.Logger, events EventBackend, makers *MakersBackend, store OrderStore, seq QuoteSequencer, shareExactAmounts bool) *SettlementResultBackend {
	return &SettlementResultBackend{
		log:               log,
		events:            events,
		makers:            makers,
		store:             store,
		seq:               seq,
		shareExactAmounts: shareExactAmounts,
	}
}

// QuotedOrder is called for every priced auction iteration. The quote is
// persisted, published on the event channel and fanned out to the makers.
func (s *SettlementResultBackend) QuotedOrder(ctx context.Context, order *Order, result *AuctionResult, queueInfo settlequeue.QueueItemInfo) error {
	logger := s.log.With(zap.String("order", order.ID))

	sequence, err := s.seq.NextSequence(ctx, order.ID)
	if err != nil {
		logger.Error("Failed to get quote sequence", zap.Error(err))
		return err
	}

	auctionID := ""
	if order.Metadata != nil {
		auctionID = order.Metadata.AuctionID
	}
	now := uint64(time.Now().Unix())
	quote, err := BuildPublicQuote(order, auctionID, sequence, result, now, s.shareExactAmounts)
	if err != nil {
		logger.Error("Failed to build public quote", zap.Error(err))
		return err
	}

	logger.Info("Publishing quote",
		zap.Uint64("sequence", sequence),
		zap.Float64("rate", quote.Rate),
		zap.Int64("seconds_remaining", quote.SecondsRemaining),
		zap.Int("retries", queueInfo.Retries),
	)

	err = s.store.InsertQuote(ctx, quote)
	if err != nil {
		logger.Error("Failed to insert quote", zap.Error(err))
	}

	err = s.events.PublishEvent(ctx, &Event{
		Type:      EventQuote,
		OrderID:   order.ID,
		Timestamp: quote.Timestamp,
		Data:      quote,
	})
	if err != nil {
		logger.Error("Failed to publish quote event", zap.Error(err))
	}

	s.makers.SendQuote(ctx, logger, quote)
	metrics.IncQuotesPublished()

	return nil
}

// ExpiredOrder is called once when an order runs out of auction time. Makers
// holding the order drop it, funds move through the refund path afterwards.
func (s *SettlementResultBackend) ExpiredOrder(ctx context.Context, order *Order) error {
	logger := s.log.With(zap.String("order", order.ID))

	err := s.events.PublishEvent(ctx, &Event{
		Type:      EventOrderStatusChanged,
		OrderID:   order.ID,
		Timestamp: order.UpdatedAt,
		Data:      StatusChange{Status: order.Status},
	})
	if err != nil {
		logger.Error("Failed to publish order expiry event", zap.Error(err))
	}

	s.makers.CancelOrder(ctx, logger, order.ID)

	return nil
}
