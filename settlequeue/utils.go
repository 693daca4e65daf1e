package settlequeue

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/flashbots/go-utils/cli"
)

var errInvalidDataFormat = errors.New("invalid data format")

type packArgs struct {
	data         []byte
	executeAt    uint64
	deadline     uint64
	highPriority bool
	timestamp    time.Time
	iteration    uint16
}

// packData packs item into the redis sorted set score and member.
//
// Score is the execution time, unix seconds.
// Member is packed as follows:
// - first byte: 0 for high priority, 1 for low priority
// - 2 bytes: iteration, big endian
// - 8 bytes: submission timestamp, unix nano, big endian
// - 8 bytes: deadline, unix seconds, big endian
// - rest: payload data
func packData(args packArgs) (score float64, member []byte) {
	member = make([]byte, 19+len(args.data))
	if args.highPriority {
		member[0] = 0
	} else {
		member[0] = 1
	}
	binary.BigEndian.PutUint16(member[1:3], args.iteration)
	binary.BigEndian.PutUint64(member[3:11], uint64(args.timestamp.UnixNano()))
	binary.BigEndian.PutUint64(member[11:19], args.deadline)
	copy(member[19:], args.data)
	return float64(args.executeAt), member
}

func unpackData(score float64, member []byte) (packArgs, error) {
	if len(member) < 19 {
		return packArgs{}, errInvalidDataFormat
	}
	args := packArgs{
		data:         member[19:],
		executeAt:    uint64(score),
		deadline:     binary.BigEndian.Uint64(member[11:19]),
		highPriority: member[0] == 0,
		timestamp:    time.Unix(0, int64(binary.BigEndian.Uint64(member[3:11]))),
		iteration:    binary.BigEndian.Uint16(member[1:3]),
	}
	return args, nil
}

// ConfigFromEnv reads queue configuration from environment variables,
// falling back to DefaultConfig values.
//
// Variables:
// SETTLEQUEUE_MAX_RETRIES, SETTLEQUEUE_MAX_QUEUED_LOW_PRIO, SETTLEQUEUE_MAX_QUEUED_HIGH_PRIO,
// SETTLEQUEUE_WORKER_TIMEOUT_SEC, SETTLEQUEUE_RETRY_DELAY_SEC.
func ConfigFromEnv() Config {
	maxRetries := cli.GetEnvInt("SETTLEQUEUE_MAX_RETRIES", int(DefaultMaxRetries))
	maxLowPrio := cli.GetEnvInt("SETTLEQUEUE_MAX_QUEUED_LOW_PRIO", int(DefaultMaxQueuedItemsLowPrio))
	maxHighPrio := cli.GetEnvInt("SETTLEQUEUE_MAX_QUEUED_HIGH_PRIO", int(DefaultMaxQueuedItemsHighPrio))
	workerTimeout := cli.GetEnvInt("SETTLEQUEUE_WORKER_TIMEOUT_SEC", int(DefaultWorkerTimeout/time.Second))
	retryDelay := cli.GetEnvInt("SETTLEQUEUE_RETRY_DELAY_SEC", int(DefaultRetryDelay/time.Second))

	return Config{
		MaxRetries:             uint16(maxRetries),
		MaxQueuedItemsLowPrio:  uint64(maxLowPrio),
		MaxQueuedItemsHighPrio: uint64(maxHighPrio),
		WorkerTimeout:          time.Duration(workerTimeout) * time.Second,
		RetryDelay:             time.Duration(retryDelay) * time.Second,
	}
}
