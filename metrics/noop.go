package metrics

type NoopMetricsService struct {
}

func NewNoopMetricsService() *NoopMetricsService {
	return &NoopMetricsService{}
}

func (nms *NoopMetricsService) IncMessagesRelocatedTotalBy(count int64, queueName string) {
	// no-op
}

func (nms *NoopMetricsService) IncMessagesPeekedTotalBy(count int64, queueName string) {
	// no-op
}

func (nms *NoopMetricsService) IncMessagesSentTotalBy(count int64, destinationQueueName string) {
	// no-op
}

func (nms *NoopMetricsService) IncMessagesEditedTotal() {
	// no-op
}

func (nms *NoopMetricsService) IncDeleteOperationsTotal(scope string) {
	// no-op
}

func (nms *NoopMetricsService) SetRemoteQueueDepth(queueName string, depth int64) {
	// no-op
}

func (nms *NoopMetricsService) SetLocalQueueDepth(queueName string, depth int64) {
	// no-op
}

func (nms *NoopMetricsService) SetLiveViewers(count int) {
	// no-op
}
