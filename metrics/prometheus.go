package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type PrometheusMetricsService struct {
	messagesRelocatedTotal *prometheus.CounterVec
	messagesPeekedTotal    *prometheus.CounterVec
	messagesSentTotal      *prometheus.CounterVec
	messagesEditedTotal    prometheus.Counter
	deleteOperationsTotal  *prometheus.CounterVec
	remoteQueueDepth       *prometheus.GaugeVec
	localQueueDepth        *prometheus.GaugeVec
	liveViewers            prometheus.Gauge
}

// newPrometheusMetricsService registers the collectors with reg, or with the default registerer if reg is nil.
func newPrometheusMetricsService(reg prometheus.Registerer) *PrometheusMetricsService {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	srv := &PrometheusMetricsService{
		messagesRelocatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rmqtools_messages_relocated_total",
				Help: "Total number of messages fetched from RabbitMQ and stored locally",
			},
			[]string{"queue_name"},
		),

		messagesPeekedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rmqtools_messages_peeked_total",
				Help: "Total number of messages read from RabbitMQ without removing them",
			},
			[]string{"queue_name"},
		),

		// labelled by the destination, as the source is always the local store
		messagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rmqtools_messages_sent_total",
				Help: "Total number of locally stored messages published back to RabbitMQ",
			},
			[]string{"queue_name"},
		),

		messagesEditedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rmqtools_messages_edited_total",
				Help: "Total number of message payload edits",
			},
		),

		// no message count here: deleting a whole queue doesn't report how many rows went away
		deleteOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rmqtools_delete_operations_total",
				Help: "Total number of local delete operations",
			},
			[]string{"scope"},
		),

		remoteQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rmqtools_remote_queue_depth",
				Help: "Last known depth of the RabbitMQ queue, updated while live counters are watched",
			},
			[]string{"queue_name"},
		),

		localQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rmqtools_local_queue_depth",
				Help: "Number of messages relocated into the local store per queue",
			},
			[]string{"queue_name"},
		),

		liveViewers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rmqtools_live_viewers",
				Help: "Number of connected live counter viewers",
			},
		),
	}

	reg.MustRegister(srv.messagesRelocatedTotal)
	reg.MustRegister(srv.messagesPeekedTotal)
	reg.MustRegister(srv.messagesSentTotal)
	reg.MustRegister(srv.messagesEditedTotal)
	reg.MustRegister(srv.deleteOperationsTotal)
	reg.MustRegister(srv.remoteQueueDepth)
	reg.MustRegister(srv.localQueueDepth)
	reg.MustRegister(srv.liveViewers)

	return srv
}

func (pms *PrometheusMetricsService) IncMessagesRelocatedTotalBy(count int64, queueName string) {
	pms.messagesRelocatedTotal.WithLabelValues(queueName).Add(float64(count))
}

func (pms *PrometheusMetricsService) IncMessagesPeekedTotalBy(count int64, queueName string) {
	pms.messagesPeekedTotal.WithLabelValues(queueName).Add(float64(count))
}

func (pms *PrometheusMetricsService) IncMessagesSentTotalBy(count int64, destinationQueueName string) {
	pms.messagesSentTotal.WithLabelValues(destinationQueueName).Add(float64(count))
}

func (pms *PrometheusMetricsService) IncMessagesEditedTotal() {
	pms.messagesEditedTotal.Inc()
}

func (pms *PrometheusMetricsService) IncDeleteOperationsTotal(scope string) {
	pms.deleteOperationsTotal.WithLabelValues(scope).Inc()
}

func (pms *PrometheusMetricsService) SetRemoteQueueDepth(queueName string, depth int64) {
	pms.remoteQueueDepth.WithLabelValues(queueName).Set(float64(depth))
}

func (pms *PrometheusMetricsService) SetLocalQueueDepth(queueName string, depth int64) {
	pms.localQueueDepth.WithLabelValues(queueName).Set(float64(depth))
}

func (pms *PrometheusMetricsService) SetLiveViewers(count int) {
	pms.liveViewers.Set(float64(count))
}
