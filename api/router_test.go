package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/n0rdy/rmqtools/common"
	"github.com/n0rdy/rmqtools/configs"
	"github.com/n0rdy/rmqtools/db"
	"github.com/n0rdy/rmqtools/metrics"
	"github.com/n0rdy/rmqtools/rabbitmq"
	"github.com/n0rdy/rmqtools/rabbitmq/rabbitmqtest"
	"github.com/n0rdy/rmqtools/services"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	server *httptest.Server
	broker *rabbitmqtest.Broker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	broker := rabbitmqtest.NewBroker(t, "/")

	cfg := configs.NewAppConfig()
	cfg.Rmq.Url = broker.URL()
	cfg.Rmq.CallTimeout = 5 * time.Second
	cfg.Rmq.ServerName = "staging"
	client, err := rabbitmq.NewClient(cfg.Rmq)
	require.NoError(t, err)

	dbPath := filepath.Join(t.TempDir(), "rmqtools.db")
	require.NoError(t, db.RunMigrations(dbPath))
	repo, err := db.NewSQLiteRepo(dbPath, cfg.Rmq.Vhost)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	metricsService := metrics.NewNoopMetricsService()
	relocationService := services.NewRelocationService(repo, client, client.ConnectionInfo(), metricsService)
	countersService := services.NewCountersService(client, configs.CountersConfig{PollInterval: 10 * time.Millisecond}, metricsService)
	t.Cleanup(func() { countersService.Close() })
	monitoringService := services.NewMonitoringService(repo)

	router := NewRouter(relocationService, countersService, monitoringService, false, 2, time.Second)
	server := httptest.NewServer(router.NewRouter())
	t.Cleanup(server.Close)

	return &testEnv{server: server, broker: broker}
}

func (te *testEnv) do(t *testing.T, method string, path string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, te.server.URL+path, body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (te *testEnv) doJson(t *testing.T, method string, path string, reqBody any) *http.Response {
	t.Helper()
	data, err := json.Marshal(reqBody)
	require.NoError(t, err)
	return te.do(t, method, path, bytes.NewReader(data))
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func assertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	assert.Equal(t, status, resp.StatusCode)
	assert.Equal(t, code, decode[common.ErrorResponse](t, resp).Code)
}

func TestHealthcheck(t *testing.T) {
	te := newTestEnv(t)

	resp := te.do(t, http.MethodGet, "/healthcheck", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(requestIdHeader))
}

func TestConnectionInfo(t *testing.T) {
	te := newTestEnv(t)

	resp := te.do(t, http.MethodGet, "/api/rmq_connection", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[common.ConnectionInfo](t, resp)
	assert.Equal(t, "127.0.0.1", info.Domain)
	assert.Equal(t, "/", info.Vhost)
	require.NotNil(t, info.ServerName)
	assert.Equal(t, "staging", *info.ServerName)
}

func TestEnvInfo(t *testing.T) {
	te := newTestEnv(t)

	resp := te.do(t, http.MethodGet, "/api/env_info", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, map[string]any{
		"rmq_connection_info": map[string]any{
			"domain":      "127.0.0.1",
			"server_name": "staging",
			"vhost":       "/",
		},
		"importance_level": float64(2),
	}, body)
}

func TestRelocationFlow(t *testing.T) {
	te := newTestEnv(t)
	te.broker.AddQueue("orders", false,
		rabbitmqtest.Message{Payload: `{"order":1}`},
		rabbitmqtest.Message{Payload: `{"order":2}`},
		rabbitmqtest.Message{Payload: `{"order":3}`},
	)
	te.broker.AddQueue("orders.retry", false)

	resp := te.do(t, http.MethodPost, "/api/queue/load?queue_name=orders", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	loaded := decode[common.RelocationResponse](t, resp)
	require.Len(t, loaded.Messages, 3)
	assert.Empty(t, te.broker.Messages("orders"))
	queuePath := fmt.Sprintf("/api/queues/%d/messages", loaded.QueueId)

	resp = te.do(t, http.MethodGet, "/api/queues", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summaries := decode[[]common.QueueSummary](t, resp)
	require.Len(t, summaries, 2)
	require.NotNil(t, summaries[0].MessageCountInDb)
	assert.Equal(t, int64(3), *summaries[0].MessageCountInDb)
	assert.Nil(t, summaries[1].QueueId)

	first := loaded.Messages[0]
	resp = te.do(t, http.MethodPut, fmt.Sprintf("%s/%d", queuePath, first.Id), strings.NewReader(`{"order":1,"fixed":true}`))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = te.doJson(t, http.MethodPost, queuePath+"/send", common.SendMessagesRequest{
		DestinationQueueName: "orders.retry",
		MessageIds:           []common.MessageId{first.Id},
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	sent := te.broker.Messages("orders.retry")
	require.Len(t, sent, 1)
	assert.Equal(t, `{"order":1,"fixed":true}`, sent[0].Payload)

	resp = te.doJson(t, http.MethodDelete, queuePath, common.DeleteMessagesRequest{
		MessageIds: []common.MessageId{loaded.Messages[1].Id},
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = te.do(t, http.MethodGet, queuePath, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	left := decode[[]common.Message](t, resp)
	require.Len(t, left, 1)
	assert.Equal(t, `{"order":3}`, left[0].Payload)

	resp = te.doJson(t, http.MethodDelete, queuePath, common.DeleteMessagesRequest{All: true})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = te.do(t, http.MethodGet, queuePath, nil)
	assert.Empty(t, decode[[]common.Message](t, resp))
}

func TestPeekQueue(t *testing.T) {
	te := newTestEnv(t)
	te.broker.AddQueue("orders", false, rabbitmqtest.Message{Payload: "a"}, rabbitmqtest.Message{Payload: "b"})

	resp := te.do(t, http.MethodGet, "/api/queue/peek?queue_name=orders", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	peeked := decode[[]common.Message](t, resp)
	require.Len(t, peeked, 2)
	assert.Equal(t, common.MessageId(1), peeked[0].Id)
	assert.Len(t, te.broker.Messages("orders"), 2)
}

func TestSendAll(t *testing.T) {
	te := newTestEnv(t)
	te.broker.AddQueue("orders", false, rabbitmqtest.Message{Payload: "a"}, rabbitmqtest.Message{Payload: "b"})

	resp := te.do(t, http.MethodPost, "/api/queue/load?queue_name=orders", nil)
	loaded := decode[common.RelocationResponse](t, resp)

	resp = te.doJson(t, http.MethodPost, fmt.Sprintf("/api/queues/%d/messages/send", loaded.QueueId), common.SendMessagesRequest{
		DestinationQueueName: "orders",
		All:                  true,
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	remote := te.broker.Messages("orders")
	require.Len(t, remote, 2)
	assert.Equal(t, "a", remote[0].Payload)
	assert.Equal(t, "b", remote[1].Payload)
}

func TestDeleteIgnoresIdsOfAnotherQueue(t *testing.T) {
	te := newTestEnv(t)
	te.broker.AddQueue("orders", false, rabbitmqtest.Message{Payload: "a"})
	te.broker.AddQueue("invoices", false, rabbitmqtest.Message{Payload: "x"})

	orders := decode[common.RelocationResponse](t, te.do(t, http.MethodPost, "/api/queue/load?queue_name=orders", nil))
	invoices := decode[common.RelocationResponse](t, te.do(t, http.MethodPost, "/api/queue/load?queue_name=invoices", nil))

	resp := te.doJson(t, http.MethodDelete, fmt.Sprintf("/api/queues/%d/messages", orders.QueueId), common.DeleteMessagesRequest{
		MessageIds: []common.MessageId{invoices.Messages[0].Id},
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = te.do(t, http.MethodGet, fmt.Sprintf("/api/queues/%d/messages", invoices.QueueId), nil)
	left := decode[[]common.Message](t, resp)
	require.Len(t, left, 1)
	assert.Equal(t, "x", left[0].Payload)
}

func TestErrorResponses(t *testing.T) {
	te := newTestEnv(t)
	te.broker.AddQueue("private", true)

	t.Run("missing queue name", func(t *testing.T) {
		resp := te.do(t, http.MethodPost, "/api/queue/load", nil)
		assertErrorCode(t, resp, http.StatusBadRequest, common.ErrCodeBadRequestQueueName)
	})

	t.Run("exclusive queue", func(t *testing.T) {
		resp := te.do(t, http.MethodGet, "/api/queue/peek?queue_name=private", nil)
		assertErrorCode(t, resp, http.StatusInternalServerError, common.ErrCodeRemoteRejected)
	})

	t.Run("invalid queue id", func(t *testing.T) {
		resp := te.do(t, http.MethodGet, "/api/queues/abc/messages", nil)
		assertErrorCode(t, resp, http.StatusBadRequest, common.ErrCodeBadRequestInvalidId)
	})

	t.Run("empty selection", func(t *testing.T) {
		resp := te.doJson(t, http.MethodDelete, "/api/queues/1/messages", common.DeleteMessagesRequest{})
		assertErrorCode(t, resp, http.StatusBadRequest, common.ErrCodeBadRequestEmptySelection)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp := te.do(t, http.MethodPost, "/api/queues/1/messages/send", strings.NewReader("{"))
		assertErrorCode(t, resp, http.StatusBadRequest, common.ErrCodeBadRequestInvalidBody)
	})

	t.Run("unknown message", func(t *testing.T) {
		resp := te.do(t, http.MethodPut, "/api/queues/1/messages/42", strings.NewReader("x"))
		assertErrorCode(t, resp, http.StatusNotFound, common.ErrCodeNotFoundMessage)
	})

	t.Run("broker down", func(t *testing.T) {
		te.broker.SetDown(true)
		defer te.broker.SetDown(false)

		resp := te.do(t, http.MethodGet, "/api/queues", nil)
		assertErrorCode(t, resp, http.StatusInternalServerError, common.ErrCodeRemoteUnavailable)
	})
}

func TestWatchCounters(t *testing.T) {
	te := newTestEnv(t)
	te.broker.AddQueue("orders", false, rabbitmqtest.Message{Payload: "a"})

	// nobody is watching yet, so the poller stays parked
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, te.broker.ListCalls())

	wsURL := "ws" + strings.TrimPrefix(te.server.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for i := 0; i < 2; i++ {
		var counters []common.QueueCounters
		require.NoError(t, conn.ReadJSON(&counters))
		assert.Equal(t, []common.QueueCounters{{QueueName: "orders", Messages: 1}}, counters)
	}
}

func TestSendPartialFailureKeepsMessagesLocal(t *testing.T) {
	te := newTestEnv(t)
	te.broker.AddQueue("orders", false,
		rabbitmqtest.Message{Payload: "a"},
		rabbitmqtest.Message{Payload: "b"},
		rabbitmqtest.Message{Payload: "c"},
	)
	te.broker.AddQueue("archive", false)

	resp := te.do(t, http.MethodPost, "/api/queue/load?queue_name=orders", nil)
	loaded := decode[common.RelocationResponse](t, resp)
	queuePath := fmt.Sprintf("/api/queues/%d/messages", loaded.QueueId)

	te.broker.FailPublishCall(2)
	resp = te.doJson(t, http.MethodPost, queuePath+"/send", common.SendMessagesRequest{
		DestinationQueueName: "archive",
		All:                  true,
	})
	assertErrorCode(t, resp, http.StatusInternalServerError, common.ErrCodeRemoteUnavailable)

	archived := te.broker.Messages("archive")
	require.Len(t, archived, 1)
	assert.Equal(t, "a", archived[0].Payload)

	resp = te.do(t, http.MethodGet, queuePath, nil)
	assert.Len(t, decode[[]common.Message](t, resp), 3)
}
