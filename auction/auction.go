// Package auction implements a cross chain dutch auction node.
// Here is a full flow of data through the node:
//
// order-intake-api -> API sends:
//   - swap order
//   - quote request
//
// API -> SettleQueue schedules quoting of the order
// SettleQueue -> SettlementWorker calls with the next order to quote
//
//	SettlementWorker -> Engine prices the remaining amount of the order
//	SettlementWorker -> SettlementResultBackend is used to consume the quote
//
// SettlementResultBackend -> RedisEventBackend is used to publish quote events
// SettlementResultBackend -> MakersBackend is used to send public quotes to the makers
package auction

const (
	MaxOrderIDLength = 64

	// RateBumpBase is the number of rate bump units that make +100%.
	RateBumpBase = 10000000
	// RateMultiplierBase is the fixed decimal precision of the rate when
	// amounts are rebased between chains.
	RateMultiplierBase = 1000000

	FeeDivisor     = 100
	MinFillDivisor = 100

	DefaultMaxFills = 10

	DefaultTargetProfitBps = 50
	OptimalTimeStepSeconds = 10

	QuoteAmountPrecisionDigits = 3
)
