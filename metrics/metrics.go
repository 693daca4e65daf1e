// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	ordersReceived      = metrics.NewCounter("orders_received_total")
	ordersReceivedValid = metrics.NewCounter("orders_received_valid_total")
	quotesPublished     = metrics.NewCounter("quotes_published_total")

	orderValidationDuration = metrics.NewSummary("order_validation_duration_milliseconds")
	orderAddQueueDuration   = metrics.NewSummary("order_add_queue_duration_milliseconds")
	orderProcessDuration    = metrics.NewSummary("order_process_duration_milliseconds")
)

func IncOrdersReceived() {
	ordersReceived.Inc()
}

func IncOrdersReceivedValid() {
	ordersReceivedValid.Inc()
}

func IncQuotesPublished() {
	quotesPublished.Inc()
}

func RecordOrderValidationDuration(ms int64) {
	orderValidationDuration.Update(float64(ms))
}

func RecordOrderAddQueueDuration(ms int64) {
	orderAddQueueDuration.Update(float64(ms))
}

func RecordOrderProcessDuration(ms int64) {
	orderProcessDuration.Update(float64(ms))
}

func RecordRPCCallDuration(method string, ms int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(`rpc_call_duration_milliseconds{method=%q}`, method)).Update(float64(ms))
}

func IncRPCCallFailure(method string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`rpc_call_failure_total{method=%q}`, method)).Inc()
}
