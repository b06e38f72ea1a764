package metrics

const (
	DeleteScopeIds   = "ids"
	DeleteScopeQueue = "queue"
)

type Service interface {
	IncMessagesRelocatedTotalBy(count int64, queueName string)
	IncMessagesPeekedTotalBy(count int64, queueName string)
	IncMessagesSentTotalBy(count int64, destinationQueueName string)
	IncMessagesEditedTotal()
	IncDeleteOperationsTotal(scope string)
	SetRemoteQueueDepth(queueName string, depth int64)
	SetLocalQueueDepth(queueName string, depth int64)
	SetLiveViewers(count int)
}

func NewMetricsService(metricsEnabled bool) Service {
	if metricsEnabled {
		return newPrometheusMetricsService(nil)
	}
	return NewNoopMetricsService()
}
