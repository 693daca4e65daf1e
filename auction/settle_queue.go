package auction

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/crossfusion/auction-node/metrics"
	"github.com/crossfusion/auction-node/settlequeue"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	consumeQuoteTimeout = 5 * time.Second
	cancelCacheTimeout  = 1 * time.Second

	// Queue items outlive the auction deadline by this much so the worker
	// still sees them once to mark the order expired before they are dropped.
	settlementDeadlineGrace = uint64(30)
)

// settlementTask is the queue payload of one order under auction. The order
// itself is reloaded from the database on every iteration, fills and
// cancellations between iterations must be visible to the worker.
type settlementTask struct {
	OrderID  string `json:"orderId"`
	ParentID string `json:"parentId,omitempty"`
	Deadline uint64 `json:"deadline"`
}

type SettleQueue struct {
	log            *zap.Logger
	queue          settlequeue.Queue
	worker         SettlementWorker
	workersPerNode int
}

func NewSettleQueue(
	log *zap.Logger, queue settlequeue.Queue, store OrderStore, engine *Engine, settleRes SettlementResult,
	workersPerNode int, backgroundWg *sync.WaitGroup, cancelCache *RedisCancellationCache,
) *SettleQueue {
	log = log.Named("settle")
	return &SettleQueue{
		log:   log,
		queue: queue,
		worker: SettlementWorker{
			log:          log.Named("worker"),
			store:        store,
			engine:       engine,
			settleRes:    settleRes,
			cancelCache:  cancelCache,
			backgroundWg: backgroundWg,
			now:          func() uint64 { return uint64(time.Now().Unix()) },
		},
		workersPerNode: workersPerNode,
	}
}

func (q *SettleQueue) Start(ctx context.Context) *sync.WaitGroup {
	process := []settlequeue.ProcessFunc{q.worker.Process}
	if q.workersPerNode > 1 {
		process = settlequeue.MultipleWorkers(q.worker.Process, q.workersPerNode, rate.Inf, 1)
	}
	_ = q.queue.UpdateClock(uint64(time.Now().Unix()))

	wg := q.queue.StartProcessLoop(ctx, process)

	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := q.queue.UpdateClock(uint64(time.Now().Unix()))
				if err != nil {
					q.log.Warn("Failed to update queue clock", zap.Error(err))
				}
			}
		}
	}()
	return wg
}

// ScheduleSettlement enqueues the auction iterations of an order. The order
// is quoted from executeAt on and the queue stops at the auction deadline.
func (q *SettleQueue) ScheduleSettlement(ctx context.Context, order *Order, executeAt, deadline uint64, highPriority bool) error {
	startAt := time.Now()
	defer func() {
		metrics.RecordOrderAddQueueDuration(time.Since(startAt).Milliseconds())
	}()
	task := settlementTask{
		OrderID:  order.ID,
		ParentID: order.ParentID,
		Deadline: deadline,
	}
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.queue.Push(ctx, data, highPriority, executeAt, deadline+settlementDeadlineGrace)
}

type SettlementWorker struct {
	log          *zap.Logger
	store        OrderStore
	engine       *Engine
	settleRes    SettlementResult
	cancelCache  *RedisCancellationCache
	backgroundWg *sync.WaitGroup
	now          func() uint64
}

func (w *SettlementWorker) Process(ctx context.Context, data []byte, info settlequeue.QueueItemInfo) (err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordOrderProcessDuration(time.Since(startAt).Milliseconds())
	}()
	var task settlementTask
	err = json.Unmarshal(data, &task)
	if err != nil {
		w.log.Error("Failed to unmarshal settlement task", zap.Error(err))
		return err
	}

	logger := w.log.With(zap.String("order", task.OrderID))

	// Check if the order was cancelled
	cancelled, err := w.isOrderCancelled(ctx, &task)
	if err != nil {
		// We don't return an error here, cancellations are "best effort" and the
		// database status below still catches committed cancels.
		logger.Error("Failed to check if order was cancelled", zap.Error(err))
	}
	if cancelled {
		logger.Info("Order is not quoted because it was cancelled")
		return settlequeue.ErrProcessUnrecoverable
	}

	order, err := w.store.GetOrder(ctx, task.OrderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			logger.Error("Order scheduled for settlement is gone", zap.Error(err))
			return settlequeue.ErrProcessUnrecoverable
		}
		return errors.Join(err, settlequeue.ErrProcessWorkerError)
	}

	if order.Status.Terminal() {
		logger.Info("Order settlement finished", zap.String("status", string(order.Status)))
		return nil
	}

	now := w.now()
	if now >= task.Deadline {
		order, err = w.store.UpdateOrderStatus(ctx, order.ID, OrderStatusExpired, now)
		if err != nil {
			if errors.Is(err, ErrOrderTerminal) {
				// a fill or cancel won the race
				return nil
			}
			return errors.Join(err, settlequeue.ErrProcessWorkerError)
		}
		logger.Info("Order expired without full settlement",
			zap.String("remaining", formatUnits(order.Remaining(), chainUnit(order.SourceChain))),
			zap.Int("fills", len(order.Fills)),
		)

		w.backgroundWg.Add(1)
		go func() {
			defer w.backgroundWg.Done()
			resCtx, cancel := context.WithTimeout(context.Background(), consumeQuoteTimeout)
			defer cancel()
			err := w.settleRes.ExpiredOrder(resCtx, order)
			if err != nil {
				w.log.Error("Failed to consume order expiry", zap.Error(err))
			}
		}()
		return nil
	}

	if order.Status == OrderStatusCreated {
		order, err = w.store.UpdateOrderStatus(ctx, order.ID, OrderStatusProcessing, now)
		if err != nil {
			return errors.Join(err, settlequeue.ErrProcessWorkerError)
		}
	}

	result, err := w.engine.CurrentRate(order.AuctionParams(order.Remaining()), order.Auction)
	if err != nil {
		logger.Error("Failed to price order under auction", zap.Error(err))
		return settlequeue.ErrProcessUnrecoverable
	}

	logger.Info("Quoted order",
		zap.Float64("rate", result.Rate),
		zap.String("dest_output", formatUnits(result.OutputAmount.ToInt(), chainUnit(order.DestChain))),
		zap.String("dest_fee", formatUnits(result.FeeAmount.ToInt(), chainUnit(order.DestChain))),
		zap.Int64("seconds_remaining", result.SecondsRemaining),
		zap.Bool("auction_expired", result.Expired),
		zap.Int("retries", info.Retries),
	)

	w.backgroundWg.Add(1)
	go func() {
		defer w.backgroundWg.Done()
		resCtx, cancel := context.WithTimeout(context.Background(), consumeQuoteTimeout)
		defer cancel()
		err := w.settleRes.QuotedOrder(resCtx, order, result, info)
		if err != nil {
			w.log.Error("Failed to consume order quote", zap.Error(err))
		}
	}()

	// keep iterating until the deadline passes
	return settlequeue.ErrProcessScheduleLater
}

func (w *SettlementWorker) isOrderCancelled(ctx context.Context, task *settlementTask) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, cancelCacheTimeout)
	defer cancel()
	ids := []string{task.OrderID}
	if task.ParentID != "" {
		ids = append(ids, task.ParentID)
	}
	res, err := w.cancelCache.IsCancelled(ctx, ids)
	if err != nil {
		return false, err
	}
	return res, nil
}
