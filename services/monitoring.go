package services

import (
	"context"

	"github.com/rs/zerolog/log"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// MonitoringService reports whether the local store is reachable.
// RabbitMQ being down does not make the tool unhealthy: the cached messages are still served.
type MonitoringService struct {
	store Pinger
}

func NewMonitoringService(store Pinger) *MonitoringService {
	return &MonitoringService{
		store: store,
	}
}

func (ms *MonitoringService) IsHealthy(ctx context.Context) bool {
	if err := ms.store.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("healthcheck failed: local store is not reachable")
		return false
	}
	return true
}
