package services

import (
	"context"
	"sync"
	"time"

	"github.com/n0rdy/rmqtools/common"
	"github.com/n0rdy/rmqtools/configs"
	"github.com/n0rdy/rmqtools/metrics"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type QueueLister interface {
	ListQueues(ctx context.Context) ([]common.RemoteQueue, error)
}

// CountersService polls RabbitMQ queue depths and fans them out to live viewers.
//
// It is idle until the first Subscribe. While anyone is subscribed it polls every PollInterval;
// the first publish that finds no subscribers puts it back to idle, and only a new Subscribe wakes it up.
type CountersService struct {
	client         QueueLister
	metricsService metrics.Service
	pollInterval   time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration

	mu        sync.Mutex
	subs      map[*CountersSubscription]struct{}
	latest    []common.QueueCounters
	hasLatest bool
	active    bool

	wake      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// CountersSubscription receives every snapshot published after it was created,
// preceded by the latest snapshot known at subscription time, if any.
type CountersSubscription struct {
	Id      string
	c       chan []common.QueueCounters
	done    chan struct{}
	once    sync.Once
	service *CountersService
}

func NewCountersService(client QueueLister, countersConfig configs.CountersConfig, metricsService metrics.Service) *CountersService {
	ctx, cancel := context.WithCancel(context.Background())
	cs := &CountersService{
		client:         client,
		metricsService: metricsService,
		pollInterval:   countersConfig.PollInterval,
		backoffInitial: countersConfig.BackoffInitial,
		backoffMax:     countersConfig.BackoffMax,
		subs:           make(map[*CountersSubscription]struct{}),
		wake:           make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
	}
	if cs.pollInterval <= 0 {
		cs.pollInterval = common.DefaultCountersPollInterval
	}

	cs.wg.Add(1)
	go cs.run()

	return cs
}

func (cs *CountersService) Subscribe() *CountersSubscription {
	sub := &CountersSubscription{
		Id:      uuid.NewString(),
		c:       make(chan []common.QueueCounters, 1),
		done:    make(chan struct{}),
		service: cs,
	}

	cs.mu.Lock()
	if cs.hasLatest {
		sub.c <- cs.latest
	}
	cs.subs[sub] = struct{}{}
	viewers := len(cs.subs)
	wakeUp := !cs.active
	cs.active = true
	cs.mu.Unlock()

	cs.metricsService.SetLiveViewers(viewers)
	if wakeUp {
		log.Debug().Str("viewer", sub.Id).Msg("first viewer subscribed, starting counters polling")
		select {
		case cs.wake <- struct{}{}:
		default:
		}
	}
	return sub
}

// Latest returns the most recently published snapshot, or nil if nothing was published yet.
func (cs *CountersService) Latest() []common.QueueCounters {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.latest
}

func (cs *CountersService) IsActive() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.active
}

func (cs *CountersService) Close() error {
	cs.closeOnce.Do(func() {
		cs.cancel()
		cs.wg.Wait()
	})
	return nil
}

func (s *CountersSubscription) C() <-chan []common.QueueCounters {
	return s.c
}

// Done is closed once the subscription is closed.
func (s *CountersSubscription) Done() <-chan struct{} {
	return s.done
}

func (s *CountersSubscription) Close() {
	s.once.Do(func() {
		close(s.done)

		cs := s.service
		cs.mu.Lock()
		delete(cs.subs, s)
		viewers := len(cs.subs)
		cs.mu.Unlock()

		cs.metricsService.SetLiveViewers(viewers)
	})
}

func (cs *CountersService) run() {
	defer cs.wg.Done()

	for {
		select {
		case <-cs.wake:
			cs.pollWhileWatched()
		case <-cs.ctx.Done():
			return
		}
	}
}

func (cs *CountersService) pollWhileWatched() {
	bo := backoff.NewExponentialBackOff()
	if cs.backoffInitial > 0 {
		bo.InitialInterval = cs.backoffInitial
	}
	if cs.backoffMax > 0 {
		bo.MaxInterval = cs.backoffMax
	}
	bo.Reset()

	for {
		queues, err := cs.client.ListQueues(cs.ctx)

		var wait time.Duration
		if err != nil {
			if cs.ctx.Err() != nil {
				return
			}
			if cs.idleIfUnwatched() {
				log.Debug().Err(err).Msg("no viewers left while RabbitMQ is failing, counters polling stopped")
				return
			}
			wait = bo.NextBackOff()
			log.Warn().Err(err).Dur("retry_in", wait).Msg("failed to poll queue counters")
		} else {
			bo.Reset()
			if cs.publish(toCounters(queues)) == 0 {
				log.Debug().Msg("no viewers left, counters polling stopped")
				return
			}
			wait = cs.pollInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-cs.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// publish hands the snapshot to every current subscriber and returns how many there were.
// Zero subscribers switches the service to idle.
func (cs *CountersService) publish(counters []common.QueueCounters) int {
	cs.mu.Lock()
	cs.latest = counters
	cs.hasLatest = true
	subs := make([]*CountersSubscription, 0, len(cs.subs))
	for sub := range cs.subs {
		subs = append(subs, sub)
	}
	if len(subs) == 0 {
		cs.active = false
	}
	cs.mu.Unlock()

	for _, c := range counters {
		cs.metricsService.SetRemoteQueueDepth(c.QueueName, int64(c.Messages))
	}

	for _, sub := range subs {
		select {
		case sub.c <- counters:
		case <-sub.done:
		case <-cs.ctx.Done():
			return len(subs)
		}
	}
	return len(subs)
}

func (cs *CountersService) idleIfUnwatched() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.subs) == 0 {
		cs.active = false
		return true
	}
	return false
}

func toCounters(queues []common.RemoteQueue) []common.QueueCounters {
	counters := make([]common.QueueCounters, len(queues))
	for i, q := range queues {
		counters[i] = common.QueueCounters{
			QueueName: q.Name,
			Messages:  q.MessageCount,
		}
	}
	return counters
}
