package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/n0rdy/rmqtools/common"
	"github.com/n0rdy/rmqtools/db"
	"github.com/n0rdy/rmqtools/metrics"

	"github.com/rs/zerolog/log"
)

// QueueClient is the part of the broker the relocation operations need.
type QueueClient interface {
	ListQueues(ctx context.Context) ([]common.RemoteQueue, error)
	FetchMessages(ctx context.Context, queueName string, count uint64, destructive bool) ([]common.RemoteMessage, error)
	Publish(ctx context.Context, queueName string, payload string, properties common.Headers) error
}

// RelocationService moves messages between RabbitMQ and the local store.
// All operations hold one lock for their whole duration, so no two of them ever interleave.
type RelocationService struct {
	mu             sync.Mutex
	repo           *db.RelocationRepo
	client         QueueClient
	connectionInfo common.ConnectionInfo
	metricsService metrics.Service
}

func NewRelocationService(repo *db.RelocationRepo, client QueueClient, connectionInfo common.ConnectionInfo, metricsService metrics.Service) *RelocationService {
	return &RelocationService{
		repo:           repo,
		client:         client,
		connectionInfo: connectionInfo,
		metricsService: metricsService,
	}
}

func (rs *RelocationService) ConnectionInfo() common.ConnectionInfo {
	return rs.connectionInfo
}

// Relocate drains the RabbitMQ queue into the local store and returns everything stored for it,
// old and new, ordered by id.
//
// The fetch is destructive: once it returns, the fetched messages exist only in memory until they are saved.
func (rs *RelocationService) Relocate(ctx context.Context, queueName string) (*common.RelocationResponse, error) {
	if queueName == "" {
		return nil, common.ErrMissingQueueName
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	queueId, err := rs.repo.FindOrCreateQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}

	remoteMessages, err := rs.fetchAll(ctx, queueName, true)
	if err != nil {
		return nil, err
	}

	if len(remoteMessages) > 0 {
		newMessages := make([]db.NewMessage, len(remoteMessages))
		for i, rm := range remoteMessages {
			newMessages[i] = db.NewMessage{
				Payload: rm.Payload,
				Headers: rm.Properties,
			}
		}
		if err := rs.repo.SaveMessages(ctx, queueId, newMessages); err != nil {
			log.Error().Err(err).Str("queue", queueName).Int("count", len(newMessages)).Msg("messages were removed from RabbitMQ but could not be stored locally")
			return nil, err
		}
		rs.metricsService.IncMessagesRelocatedTotalBy(int64(len(newMessages)), queueName)
		log.Info().Str("queue", queueName).Int64("queue_id", queueId).Int("count", len(newMessages)).Msg("messages relocated")
	}

	messages, err := rs.repo.GetMessages(ctx, common.AllInQueue(queueId))
	if err != nil {
		return nil, err
	}
	return &common.RelocationResponse{
		QueueId:  queueId,
		Messages: messages,
	}, nil
}

// Peek reads the queue without removing anything from RabbitMQ. The returned ids are positions, not store ids.
func (rs *RelocationService) Peek(ctx context.Context, queueName string) ([]common.Message, error) {
	if queueName == "" {
		return nil, common.ErrMissingQueueName
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	remoteMessages, err := rs.fetchAll(ctx, queueName, false)
	if err != nil {
		return nil, err
	}

	messages := make([]common.Message, len(remoteMessages))
	for i, rm := range remoteMessages {
		messages[i] = common.Message{
			Id:      common.MessageId(i + 1),
			Payload: rm.Payload,
			Headers: rm.Properties,
		}
	}
	rs.metricsService.IncMessagesPeekedTotalBy(int64(len(messages)), queueName)
	return messages, nil
}

// Send publishes the selected messages of the queue to destinationQueueName in id order and then deletes them locally.
// If a publish fails, the messages published before it stay both in RabbitMQ and in the local store.
func (rs *RelocationService) Send(ctx context.Context, queueId common.QueueId, selector common.MessageSelector, destinationQueueName string) error {
	if destinationQueueName == "" {
		return common.Wrap(common.ErrInvalidRequest, fmt.Errorf("destination queue name is empty"))
	}
	if err := validateSelector(selector); err != nil {
		return err
	}

	selector = selector.Within(queueId)

	rs.mu.Lock()
	defer rs.mu.Unlock()

	messages, err := rs.repo.GetMessages(ctx, selector)
	if err != nil {
		return err
	}

	sentIds := make([]common.MessageId, 0, len(messages))
	for _, msg := range messages {
		if err := rs.client.Publish(ctx, destinationQueueName, msg.Payload, msg.Headers); err != nil {
			log.Error().Err(err).
				Int64("queue_id", queueId).
				Int64("message_id", msg.Id).
				Str("destination", destinationQueueName).
				Int("sent", len(sentIds)).
				Int("total", len(messages)).
				Msg("failed to send message, already sent messages are kept locally")
			rs.metricsService.IncMessagesSentTotalBy(int64(len(sentIds)), destinationQueueName)
			return err
		}
		sentIds = append(sentIds, msg.Id)
	}
	rs.metricsService.IncMessagesSentTotalBy(int64(len(sentIds)), destinationQueueName)

	if len(sentIds) == 0 {
		return nil
	}
	if err := rs.repo.DeleteMessages(ctx, common.WithIds(sentIds...).Within(queueId)); err != nil {
		log.Error().Err(err).Int64("queue_id", queueId).Int("count", len(sentIds)).Msg("messages were sent but could not be deleted locally")
		return err
	}
	log.Info().Int64("queue_id", queueId).Str("destination", destinationQueueName).Int("count", len(sentIds)).Msg("messages sent")
	return nil
}

// Delete removes the selection from the local store only. Ids of other queues are left alone.
func (rs *RelocationService) Delete(ctx context.Context, queueId common.QueueId, selector common.MessageSelector) error {
	if err := validateSelector(selector); err != nil {
		return err
	}
	selector = selector.Within(queueId)

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if err := rs.repo.DeleteMessages(ctx, selector); err != nil {
		return err
	}

	scope := metrics.DeleteScopeIds
	if selector.IsAllInQueue() {
		scope = metrics.DeleteScopeQueue
	}
	rs.metricsService.IncDeleteOperationsTotal(scope)
	log.Info().Int64("queue_id", queueId).Str("scope", scope).Msg("messages deleted")
	return nil
}

func (rs *RelocationService) UpdatePayload(ctx context.Context, queueId common.QueueId, messageId common.MessageId, payload string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	changed, err := rs.repo.SetMessagePayload(ctx, queueId, messageId, payload)
	if err != nil {
		return err
	}
	if !changed {
		return common.ErrMessageNotFound
	}
	rs.metricsService.IncMessagesEditedTotal()
	return nil
}

// GetMessages reads the selection from the local store.
func (rs *RelocationService) GetMessages(ctx context.Context, selector common.MessageSelector) ([]common.Message, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	return rs.repo.GetMessages(ctx, selector)
}

// ListQueuesSummary joins the RabbitMQ queue listing with the local store by queue name.
func (rs *RelocationService) ListQueuesSummary(ctx context.Context) ([]common.QueueSummary, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	remoteQueues, err := rs.client.ListQueues(ctx)
	if err != nil {
		return nil, err
	}
	localQueues, err := rs.repo.ListQueuesWithCounts(ctx)
	if err != nil {
		return nil, err
	}

	localByName := make(map[string]common.LocalQueue, len(localQueues))
	for _, lq := range localQueues {
		localByName[lq.Name] = lq
	}

	summaries := make([]common.QueueSummary, 0, len(remoteQueues))
	for _, rq := range remoteQueues {
		summary := common.QueueSummary{
			Name:              rq.Name,
			Exclusive:         rq.Exclusive,
			MessageCountInRmq: rq.MessageCount,
		}
		if lq, ok := localByName[rq.Name]; ok {
			queueId := lq.Id
			count := lq.MessageCount
			summary.QueueId = &queueId
			summary.MessageCountInDb = &count
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// fetchAll fetches as many messages as RabbitMQ reports the queue to hold right now.
func (rs *RelocationService) fetchAll(ctx context.Context, queueName string, destructive bool) ([]common.RemoteMessage, error) {
	remoteQueues, err := rs.client.ListQueues(ctx)
	if err != nil {
		return nil, err
	}

	var target *common.RemoteQueue
	for i := range remoteQueues {
		if remoteQueues[i].Name == queueName {
			target = &remoteQueues[i]
			break
		}
	}
	if target == nil {
		log.Warn().Str("queue", queueName).Msg("queue does not exist in RabbitMQ")
		return nil, common.Wrap(common.ErrRemoteRejected, fmt.Errorf("queue %q does not exist", queueName))
	}
	if target.Exclusive {
		log.Warn().Str("queue", queueName).Msg("refusing to fetch from an exclusive queue")
		return nil, common.Wrap(common.ErrRemoteRejected, fmt.Errorf("queue %q is exclusive", queueName))
	}
	if target.MessageCount == 0 {
		return []common.RemoteMessage{}, nil
	}

	return rs.client.FetchMessages(ctx, queueName, target.MessageCount, destructive)
}

func validateSelector(selector common.MessageSelector) error {
	if !selector.IsAllInQueue() && len(selector.Ids()) == 0 {
		return common.ErrEmptySelection
	}
	return nil
}
