// Package settlequeue is a schedule queue implementation that uses redis as a backend.
//
// Queue uses one sorted set in redis to store items. It implements a time ordered
// priority queue with the rules described below.
//
// Usage:
// 1. Create a new queue instance with `NewRedisQueue`.
// 2. Start processing loop with `StartProcessLoop`.
// 3. Push items to the queue with `Push`.
// 4. Queue needs to be fed the current wall clock regularly with `UpdateClock`.
// It does not read the clock itself.
//
// NOTE: Queue is not 100% reliable.
//
//	 There is a small chance that an item is lost when the worker who claimed the item
//		crashes or loses connection to the network.
//
//		The impact of this is reduced by the fact that workers don't hold more items than
//		they are processing. So the max number of items that can be lost in a catastrophic
//		event is equal to the number of workers.
//		See shutdown section below on how to avoid loss on normal shutdown.
//
// Queue submission:
// 1. Client pushes an item to the queue specifying:
//   - the unix time the item should be processed at and the deadline after which
//     it must not be processed anymore.
//   - whether the item is high priority or not.
//     2. The queue stores the item in a sorted set with the score being the execution time.
//     3. If the queue is full, the item is discarded and `ErrQueueFull` is returned.
//     There is a limit on the number of elements in the queue items.
//
// Queue processing:
//
//  1. The queue is processed in a loop by number of workers in parallel.
//     Amount of workers is determined by the number of `ProcessFunc` functions passed
//     to `StartProcessLoop`. Each worker is working on one item at a time.
//
//  2. The queue is processed in the following way:
//     * The worker pops the next item. Order of items is determined by the following rules:
//     * Items with an earlier execution time are processed first.
//     If the execution time is not reached yet, the item is put back.
//     If the execution time is the same, priority is determined lexicographically
//     in the following order:
//     + high priority
//     + number of retries while processing this item
//     + time of submission
//     + deadline
//     + payload data itself
//     * Items past their execution time but inside the deadline are processed
//     immediately, items past the deadline are dropped.
//     + The worker calls the `ProcessFunc` function with the payload data.
//
//     The `ProcessFunc` function is responsible for processing the item.
//     * It should return `nil` if the item was processed successfully.
//     If the item should be processed again after the retry delay, the
//     `ErrProcessScheduleLater` error should be returned.
//     If the item should be retried in the same slot (worker is faulty), the
//     `ErrProcessWorkerError` error should be returned.
//     If the item must be dropped without retries, the `ErrProcessUnrecoverable`
//     error should be returned.
//     * If the `ProcessFunc` function returns a retriable `ErrProcess*` error, the item
//     is rescheduled but up to `maxRetries` times and never past its deadline.
//     Rescheduling is needed so in case of a worker error (one of the nodes in the
//     cluster is down) the item is added back to the queue and processed by
//     (hopefully) another worker.
//     maxRetries is needed to prevent an infinite loop in case of a bug.
//     * There is an exponential backoff between retries for the worker so if the worker
//     is constantly failing to process items it will get less and less work.
//
// Queue shutdown:
// 1. Workers can be shutdown by cancelling the context passed to `StartProcessLoop`.
// 2. SyncGroup returned from `StartProcessLoop` can be used to wait for all workers
// to finish processing.
package settlequeue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrClockWentBackwards = errors.New("queue clock must not go backwards")
	ErrStaleItem          = errors.New("item deadline already passed")
	ErrQueueFull          = errors.New("queue is full")
	ErrMaxRetriesReached  = errors.New("max retries reached")
	ErrNoRetryBudget      = errors.New("failed to requeue item, no time left before the deadline")
	ErrRequeueFailed      = errors.New("item requeue failed")
)

const (
	DefaultMaxRetries             = uint16(30)
	DefaultMaxQueuedItemsLowPrio  = uint64(1024)
	DefaultMaxQueuedItemsHighPrio = uint64(2048)
	DefaultWorkerTimeout          = 4 * time.Second
	DefaultRetryDelay             = 10 * time.Second
)

// Errors returned by ProcessFunc.
var (
	// ErrProcessScheduleLater is returned by ProcessFunc if the item should be
	// processed again after the retry delay.
	ErrProcessScheduleLater = errors.New("schedule item to be processed later")
	// ErrProcessWorkerError is returned by ProcessFunc if the item should be retried
	// in the same slot by a different worker.
	ErrProcessWorkerError = errors.New("worker error, retry processing on another worker")
	// ErrProcessUnrecoverable is returned by ProcessFunc if the item must be dropped
	// without further retries.
	ErrProcessUnrecoverable = errors.New("unrecoverable error, drop the item")
)

// QueueItemInfo carries queue side details about the item being processed.
type QueueItemInfo struct {
	// Retries is how many times the item was requeued before this attempt.
	Retries int
}

type ProcessFunc func(ctx context.Context, data []byte, info QueueItemInfo) error

type Queue interface {
	UpdateClock(now uint64) error
	Push(ctx context.Context, data []byte, highPriority bool, executeAt, deadline uint64) error
	StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup
}

// Config tunes queue limits and retry behavior.
type Config struct {
	MaxRetries             uint16
	MaxQueuedItemsLowPrio  uint64
	MaxQueuedItemsHighPrio uint64
	WorkerTimeout          time.Duration
	RetryDelay             time.Duration
}

var DefaultConfig = Config{
	MaxRetries:             DefaultMaxRetries,
	MaxQueuedItemsLowPrio:  DefaultMaxQueuedItemsLowPrio,
	MaxQueuedItemsHighPrio: DefaultMaxQueuedItemsHighPrio,
	WorkerTimeout:          DefaultWorkerTimeout,
	RetryDelay:             DefaultRetryDelay,
}

type RedisQueue struct {
	log         *zap.Logger
	red         *redis.Client
	currentTime *uint64
	queueName   string

	Config Config
}

func NewRedisQueue(log *zap.Logger, red *redis.Client, queueName string) *RedisQueue {
	currentTime := uint64(0)
	log = log.With(zap.String("queue", queueName))
	return &RedisQueue{
		log:         log,
		red:         red,
		currentTime: &currentTime,
		queueName:   queueName,
		Config:      DefaultConfig,
	}
}

// UpdateClock feeds the scheduler clock, unix seconds. The clock only moves forward.
func (s *RedisQueue) UpdateClock(now uint64) error {
	current := atomic.LoadUint64(s.currentTime)
	if current == now {
		return nil
	}
	if current > now {
		return ErrClockWentBackwards
	}
	atomic.StoreUint64(s.currentTime, now)
	return nil
}

func (s *RedisQueue) Push(ctx context.Context, data []byte, highPriority bool, executeAt, deadline uint64) error {
	now := atomic.LoadUint64(s.currentTime)

	if deadline <= now {
		s.log.Debug("item deadline already passed, skipping", zap.Uint64("deadline", deadline), zap.Uint64("now", now))
		return ErrStaleItem
	}

	// the earliest slot anything can run in is the next tick
	if nextTick := now + 1; executeAt < nextTick {
		executeAt = nextTick
	}

	args := packArgs{
		data:         data,
		executeAt:    executeAt,
		deadline:     deadline,
		highPriority: highPriority,
		timestamp:    time.Now(),
		iteration:    0,
	}
	err := s.pushToQueue(ctx, args)
	if err != nil {
		return err
	}
	s.log.Debug("pushed to queue", zap.Uint64("execute_at", executeAt), zap.Uint64("deadline", deadline), zap.Bool("high_priority", highPriority))
	return nil
}

// returns number of items in the queue that should be eventually processed
func (s *RedisQueue) queuedItems(ctx context.Context) (uint64, error) {
	return s.red.ZCard(ctx, s.queueName).Uint64()
}

func (s *RedisQueue) pushToQueue(ctx context.Context, args packArgs) error {
	queued, err := s.queuedItems(ctx)
	if err != nil {
		s.log.Warn("failed to get queued items", zap.Error(err))
		return err
	}
	threshold := s.Config.MaxQueuedItemsLowPrio
	if args.highPriority {
		threshold = s.Config.MaxQueuedItemsHighPrio
	}
	if queued >= threshold {
		s.log.Error("too many unprocessed items in the queue", zap.Uint64("queued", queued), zap.Uint64("max_queued_items", threshold))
		return ErrQueueFull
	}

	score, redisData := packData(args)
	err = s.red.ZAdd(ctx, s.queueName, redis.Z{Score: score, Member: redisData}).Err()
	if err != nil {
		s.log.Debug("failed to push to queue", zap.Error(err))
	}
	return err
}

// popFromQueue pops an item from the queue
// it will block for up to 1 second waiting for an item if a queue is empty
func (s *RedisQueue) popFromQueue(ctx context.Context) (packArgs, error) {
	// 1 second is the minimal value for a timeout
	// we will block for up to 1 second waiting for an item
	value, err := s.red.BZPopMin(ctx, time.Second, s.queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return packArgs{}, err
		}
		s.log.Error("failed to pop from queue", zap.Error(err))
		return packArgs{}, err
	}

	redisData, ok := value.Member.(string)
	if !ok {
		s.log.Error("failed to pop from queue, invalid data type")
		return packArgs{}, errInvalidDataFormat
	}

	args, err := unpackData(value.Score, []byte(redisData))
	if err != nil {
		s.log.Error("failed to unpack data", zap.Error(err))
		return packArgs{}, err
	}
	return args, nil
}

func (s *RedisQueue) processNextItem(ctx context.Context, process ProcessFunc) error {
	// we use this backoff for requeuing items because it's important to not lose items
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = 4 * time.Second
	back := backoff.WithContext(exp, ctx)

	args, err := s.popFromQueue(ctx)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	nextTick := atomic.LoadUint64(s.currentTime) + 1

	// not due yet, put it back and wait out the head of the schedule
	if nextTick < args.executeAt {
		err := s.retryItem(ctx, args, false, false, back)
		if err != nil {
			return err
		}
		s.waitForSchedule(ctx, args.executeAt-nextTick)
		return nil
	}

	// past the deadline, drop
	if nextTick > args.deadline {
		s.log.Debug("skipping stale item",
			zap.Uint64("next_tick", nextTick),
			zap.Uint64("execute_at", args.executeAt),
			zap.Uint64("deadline", args.deadline))
		return nil
	}

	// process item
	workerCtx, workerCancel := context.WithTimeout(ctx, s.Config.WorkerTimeout)
	defer workerCancel()
	err = process(workerCtx, args.data, QueueItemInfo{Retries: int(args.iteration)})

	switch {
	case errors.Is(err, ErrProcessUnrecoverable):
		s.log.Debug("dropping unrecoverable item", zap.Error(err), zap.Uint16("iteration", args.iteration))
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProcessWorkerError):
		s.log.Warn("worker failed to process item, retrying", zap.Error(err), zap.Uint16("iteration", args.iteration))
		err := s.retryItem(ctx, args, true, false, back)
		if err != nil {
			return err
		}
	case errors.Is(err, ErrProcessScheduleLater):
		s.log.Debug("worker iteration done, scheduled for a later slot",
			zap.Error(err),
			zap.Uint64("next_tick", nextTick),
			zap.Uint64("execute_at", args.executeAt),
			zap.Uint64("deadline", args.deadline),
		)
		err := s.retryItem(ctx, args, true, true, back)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	}
	timeInQueue := time.Since(args.timestamp)
	s.log.Debug("processed queue item", zap.Uint16("iteration", args.iteration), zap.Duration("time_in_queue", timeInQueue))
	return nil
}

// waitForSchedule sleeps until the head of the schedule is due, at most one second,
// so not yet due items don't spin between pop and requeue.
func (s *RedisQueue) waitForSchedule(ctx context.Context, seconds uint64) {
	wait := time.Duration(seconds) * time.Second
	if wait > time.Second {
		wait = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

// StartProcessLoop starts a loop that will process items from the queue
// it will spawn a goroutine for each worker.
// ctx can be used to signal shutdown
// Wait group is returned to allow for graceful shutdown
func (s *RedisQueue) StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, process := range workers {
		wg.Add(1)
		go func(process ProcessFunc) {
			defer wg.Done()

			exp := backoff.NewExponentialBackOff()
			exp.MaxInterval = 30 * time.Second
			exp.MaxElapsedTime = 2 * time.Minute
			back := backoff.WithContext(exp, ctx)
			for {
				select {
				case <-ctx.Done():
					return
				default:
					err := backoff.Retry(func() error {
						return s.processNextItem(ctx, process)
					}, back)
					if err != nil && !errors.Is(err, context.Canceled) {
						s.log.Error("Processing next element failed", zap.Error(err))
					}
				}
			}
		}(process)
	}
	return &wg
}

func (s *RedisQueue) retryItem(ctx context.Context, args packArgs, incrIteration, deferLater bool, back backoff.BackOff) error {
	if args.iteration >= s.Config.MaxRetries {
		return ErrMaxRetriesReached
	}

	if incrIteration {
		args.iteration++
	}
	if deferLater {
		delay := uint64(s.Config.RetryDelay / time.Second)
		if delay == 0 {
			delay = 1
		}
		executeAt := args.executeAt
		if now := atomic.LoadUint64(s.currentTime); now > executeAt {
			executeAt = now
		}
		executeAt += delay
		if executeAt > args.deadline {
			return ErrNoRetryBudget
		}
		args.executeAt = executeAt
	}
	err := backoff.Retry(func() error {
		return s.pushToQueue(ctx, args)
	}, back)
	if err != nil {
		s.log.Error("failed to requeue item", zap.Error(err))
		return errors.Join(err, ErrRequeueFailed)
	}
	return nil
}

// CleanQueues cleans all data in redis associated with the given queue
// NOTE: slow and dangerous operation, should only be used for testing
func (s *RedisQueue) CleanQueues(ctx context.Context) error {
	return s.red.Del(ctx, s.queueName).Err()
}
