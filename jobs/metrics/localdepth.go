package metrics

import (
	"context"
	"time"

	"github.com/n0rdy/rmqtools/common"
	"github.com/n0rdy/rmqtools/metrics"

	"github.com/rs/zerolog/log"
)

type LocalQueuesLister interface {
	ListQueuesWithCounts(ctx context.Context) ([]common.LocalQueue, error)
}

// LocalDepthMetricsJob periodically exports how many relocated messages each local queue holds.
type LocalDepthMetricsJob struct {
	ticker *time.Ticker
	done   chan struct{}
}

func NewLocalDepthMetricsJob(metricsService metrics.Service, repo LocalQueuesLister, intervalMs int64) *LocalDepthMetricsJob {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				exportLocalDepths(metricsService, repo, time.Duration(intervalMs)*time.Millisecond)
			case <-done:
				return
			}
		}
	}()

	return &LocalDepthMetricsJob{
		ticker: ticker,
		done:   done,
	}
}

func (j *LocalDepthMetricsJob) Close() error {
	j.ticker.Stop()
	close(j.done)
	return nil
}

func exportLocalDepths(metricsService metrics.Service, repo LocalQueuesLister, timeout time.Duration) {
	ctx, cancelFunc := context.WithTimeout(context.Background(), timeout)
	defer cancelFunc()

	queues, err := repo.ListQueuesWithCounts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch local queues by LocalDepthMetricsJob")
		return
	}
	for _, q := range queues {
		metricsService.SetLocalQueueDepth(q.Name, q.MessageCount)
	}
}
