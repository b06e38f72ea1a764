package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/n0rdy/rmqtools/common"
	"github.com/n0rdy/rmqtools/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Router struct {
	relocationService *services.RelocationService
	countersService   *services.CountersService
	monitoringService *services.MonitoringService
	metricsEnabled    bool
	importanceLevel   uint8
	viewerWriteWindow time.Duration
	upgrader          websocket.Upgrader
}

func NewRouter(
	relocationService *services.RelocationService,
	countersService *services.CountersService,
	monitoringService *services.MonitoringService,
	metricsEnabled bool,
	importanceLevel uint8,
	viewerWriteWindow time.Duration,
) *Router {
	return &Router{
		relocationService: relocationService,
		countersService:   countersService,
		monitoringService: monitoringService,
		metricsEnabled:    metricsEnabled,
		importanceLevel:   importanceLevel,
		viewerWriteWindow: viewerWriteWindow,
		upgrader: websocket.Upgrader{
			// the UI is served from a different origin during development
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (ar *Router) NewRouter() *chi.Mux {
	router := chi.NewRouter()
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	router.Get("/healthcheck", ar.healthcheck)
	if ar.metricsEnabled {
		router.Handle("/metrics", promhttp.Handler())
	}

	router.Route("/api", func(r chi.Router) {
		r.Get("/rmq_connection", ar.connectionInfo)
		r.Get("/env_info", ar.envInfo)
		r.Get("/queues", ar.listQueues)
		r.Get("/ws", ar.watchCounters)

		r.Route("/queue", func(r chi.Router) {
			r.Post("/load", ar.loadQueue)
			r.Get("/peek", ar.peekQueue)
		})

		r.Route("/queues/{queueId}/messages", func(r chi.Router) {
			r.Get("/", ar.getMessages)
			r.Delete("/", ar.deleteMessages)
			r.Post("/send", ar.sendMessages)
			r.Put("/{messageId}", ar.updateMessagePayload)
		})
	})

	return router
}

func (ar *Router) healthcheck(w http.ResponseWriter, req *http.Request) {
	if !ar.monitoringService.IsHealthy(req.Context()) {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	ar.sendNoContentEmptyResponse(w)
}

func (ar *Router) connectionInfo(w http.ResponseWriter, req *http.Request) {
	ar.sendJsonResponse(w, http.StatusOK, ar.relocationService.ConnectionInfo())
}

func (ar *Router) envInfo(w http.ResponseWriter, req *http.Request) {
	ar.sendJsonResponse(w, http.StatusOK, common.EnvInfo{
		RmqConnectionInfo: ar.relocationService.ConnectionInfo(),
		ImportanceLevel:   ar.importanceLevel,
	})
}

func (ar *Router) listQueues(w http.ResponseWriter, req *http.Request) {
	summaries, err := ar.relocationService.ListQueuesSummary(req.Context())
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}
	ar.sendJsonResponse(w, http.StatusOK, summaries)
}

func (ar *Router) loadQueue(w http.ResponseWriter, req *http.Request) {
	queueName := req.URL.Query().Get("queue_name")

	resp, err := ar.relocationService.Relocate(req.Context(), queueName)
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}
	ar.sendJsonResponse(w, http.StatusOK, resp)
}

func (ar *Router) peekQueue(w http.ResponseWriter, req *http.Request) {
	queueName := req.URL.Query().Get("queue_name")

	messages, err := ar.relocationService.Peek(req.Context(), queueName)
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}
	ar.sendJsonResponse(w, http.StatusOK, messages)
}

func (ar *Router) getMessages(w http.ResponseWriter, req *http.Request) {
	queueId, ok := ar.pathId(w, req, "queueId")
	if !ok {
		return
	}

	messages, err := ar.relocationService.GetMessages(req.Context(), common.AllInQueue(queueId))
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}
	ar.sendJsonResponse(w, http.StatusOK, messages)
}

func (ar *Router) deleteMessages(w http.ResponseWriter, req *http.Request) {
	queueId, ok := ar.pathId(w, req, "queueId")
	if !ok {
		return
	}

	var deleteReq common.DeleteMessagesRequest
	if err := json.NewDecoder(req.Body).Decode(&deleteReq); err != nil {
		log.Error().Err(err).Msg("Failed to decode request body")
		ar.sendErrorResponse(w, http.StatusBadRequest, common.ErrCodeBadRequestInvalidBody)
		return
	}

	err := ar.relocationService.Delete(req.Context(), queueId, toSelector(queueId, deleteReq.All, deleteReq.MessageIds))
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}
	ar.sendNoContentEmptyResponse(w)
}

func (ar *Router) sendMessages(w http.ResponseWriter, req *http.Request) {
	queueId, ok := ar.pathId(w, req, "queueId")
	if !ok {
		return
	}

	var sendReq common.SendMessagesRequest
	if err := json.NewDecoder(req.Body).Decode(&sendReq); err != nil {
		log.Error().Err(err).Msg("Failed to decode request body")
		ar.sendErrorResponse(w, http.StatusBadRequest, common.ErrCodeBadRequestInvalidBody)
		return
	}

	selector := toSelector(queueId, sendReq.All, sendReq.MessageIds)
	err := ar.relocationService.Send(req.Context(), queueId, selector, sendReq.DestinationQueueName)
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}
	ar.sendNoContentEmptyResponse(w)
}

func (ar *Router) updateMessagePayload(w http.ResponseWriter, req *http.Request) {
	queueId, ok := ar.pathId(w, req, "queueId")
	if !ok {
		return
	}
	messageId, ok := ar.pathId(w, req, "messageId")
	if !ok {
		return
	}

	payload, err := io.ReadAll(req.Body)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read request body")
		ar.sendErrorResponse(w, http.StatusBadRequest, common.ErrCodeBadRequestInvalidBody)
		return
	}

	err = ar.relocationService.UpdatePayload(req.Context(), queueId, messageId, string(payload))
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}
	ar.sendNoContentEmptyResponse(w)
}

func (ar *Router) pathId(w http.ResponseWriter, req *http.Request, param string) (int64, bool) {
	raw := chi.URLParam(req, param)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		log.Warn().Str(param, raw).Msg("Invalid id in path")
		ar.sendErrorResponse(w, http.StatusBadRequest, common.ErrCodeBadRequestInvalidId)
		return 0, false
	}
	return id, true
}

func toSelector(queueId common.QueueId, all bool, ids []common.MessageId) common.MessageSelector {
	if all {
		return common.AllInQueue(queueId)
	}
	return common.WithIds(ids...)
}

func (ar *Router) sendNoContentEmptyResponse(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func (ar *Router) sendJsonResponse(w http.ResponseWriter, httpCode int, payload interface{}) {
	respBody, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Error marshaling response body")
		ar.sendErrorResponse(w, http.StatusInternalServerError, common.ErrCodeInternal)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	w.Write(respBody)
}

func (ar *Router) sendErrorResponse(w http.ResponseWriter, httpCode int, errCode string) {
	ar.sendJsonResponse(w, httpCode, common.ErrorResponse{Code: errCode})
}

func (ar *Router) sendResponseFromError(w http.ResponseWriter, err error) {
	var ae *common.AppError
	if !errors.As(err, &ae) {
		ar.sendErrorResponse(w, http.StatusInternalServerError, common.ErrCodeInternal)
		return
	}

	switch {
	case errors.Is(err, common.ErrMessageNotFound):
		ar.sendErrorResponse(w, http.StatusNotFound, ae.Code)
	case errors.Is(err, common.ErrInvalidRequest):
		ar.sendErrorResponse(w, http.StatusBadRequest, ae.Code)
	default:
		ar.sendErrorResponse(w, http.StatusInternalServerError, ae.Code)
	}
}
