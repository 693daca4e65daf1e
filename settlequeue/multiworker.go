package settlequeue

import (
	"context"

	"golang.org/x/time/rate"
)

// MultipleWorkers replicates a ProcessFunc for a pool of workers sharing one rate limit.
// The result is meant to be passed to StartProcessLoop.
func MultipleWorkers(process ProcessFunc, workers int, limit rate.Limit, burst int) []ProcessFunc {
	limiter := rate.NewLimiter(limit, burst)
	result := make([]ProcessFunc, 0, workers)
	for i := 0; i < workers; i++ {
		result = append(result, func(ctx context.Context, data []byte, info QueueItemInfo) error {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			return process(ctx, data, info)
		})
	}
	return result
}
