package rabbitmq

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/n0rdy/rmqtools/common"
	"github.com/n0rdy/rmqtools/configs"

	rabbithole "github.com/michaelklishin/rabbit-hole/v2"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Client talks to the RabbitMQ management HTTP API of a single vhost.
// Every call goes through a circuit breaker; broker-side rejections do not count as failures.
type Client struct {
	hole        *rabbithole.Client
	httpClient  *http.Client
	apiURL      string
	username    string
	password    string
	vhost       string
	domain      string
	serverName  string
	callTimeout time.Duration
	breaker     *gobreaker.CircuitBreaker
}

// NewClient builds a client from a management API URL of the form
// http(s)://user:password@host:port/api.
func NewClient(cfg configs.RmqConfig) (*Client, error) {
	u, err := url.Parse(cfg.Url)
	if err != nil {
		return nil, fmt.Errorf("parse rabbitmq url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("rabbitmq url %q has no host", cfg.Url)
	}
	password, ok := u.User.Password()
	if !ok {
		return nil, fmt.Errorf("rabbitmq url has no password")
	}
	username := u.User.Username()

	apiPath := strings.TrimSuffix(u.Path, "/")
	if apiPath == "" {
		apiPath = "/api"
	}
	apiURL := fmt.Sprintf("%s://%s%s", u.Scheme, u.Host, apiPath)

	// rabbit-hole appends "/api/..." on its own
	hole, err := rabbithole.NewClient(strings.TrimSuffix(apiURL, "/api"), username, password)
	if err != nil {
		return nil, fmt.Errorf("create rabbit-hole client: %w", err)
	}
	hole.SetTimeout(cfg.CallTimeout)

	c := &Client{
		hole:        hole,
		httpClient:  &http.Client{},
		apiURL:      apiURL,
		username:    username,
		password:    password,
		vhost:       cfg.Vhost,
		domain:      u.Hostname(),
		serverName:  cfg.ServerName,
		callTimeout: cfg.CallTimeout,
	}

	threshold := cfg.BreakerFailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rabbitmq-" + u.Host,
		MaxRequests: 1,
		Timeout:     cfg.BreakerResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, common.ErrRemoteRejected)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("rabbitmq circuit breaker state changed")
		},
	})

	log.Info().Str("endpoint", apiURL).Str("vhost", cfg.Vhost).Msg("rabbitmq client configured")
	return c, nil
}

func (c *Client) ConnectionInfo() common.ConnectionInfo {
	info := common.ConnectionInfo{
		Domain: c.domain,
		Vhost:  c.vhost,
	}
	if c.serverName != "" {
		serverName := c.serverName
		info.ServerName = &serverName
	}
	return info
}

type listQueuesResult struct {
	queues []rabbithole.QueueInfo
	err    error
}

// ListQueues returns as soon as ctx is done, even though rabbit-hole itself only knows its own timeout.
// The abandoned call finishes in the background within CallTimeout.
func (c *Client) ListQueues(ctx context.Context) ([]common.RemoteQueue, error) {
	res, err := c.execute(ctx, func(ctx context.Context) (any, error) {
		resCh := make(chan listQueuesResult, 1)
		go func() {
			queues, err := c.hole.ListQueuesIn(c.vhost)
			resCh <- listQueuesResult{queues: queues, err: err}
		}()

		select {
		case res := <-resCh:
			if res.err != nil {
				return nil, common.Wrap(common.ErrRemoteUnavailable, res.err)
			}
			return res.queues, nil
		case <-ctx.Done():
			return nil, common.Wrap(common.ErrRemoteUnavailable, ctx.Err())
		}
	})
	if err != nil {
		log.Error().Err(err).Str("vhost", c.vhost).Msg("failed to list queues")
		return nil, err
	}

	infos := res.([]rabbithole.QueueInfo)
	queues := make([]common.RemoteQueue, 0, len(infos))
	for _, q := range infos {
		count := uint64(0)
		if q.Messages > 0 {
			count = uint64(q.Messages)
		}
		queues = append(queues, common.RemoteQueue{
			Name:         q.Name,
			MessageCount: count,
			Exclusive:    q.Exclusive,
		})
	}
	return queues, nil
}

// FetchMessages reads up to count messages from the queue. A destructive fetch removes them from the broker.
func (c *Client) FetchMessages(ctx context.Context, queueName string, count uint64, destructive bool) ([]common.RemoteMessage, error) {
	if count == 0 {
		return []common.RemoteMessage{}, nil
	}

	ackMode := common.AckModeRequeueTrue
	if destructive {
		ackMode = common.AckModeRequeueFalse
	}
	reqBody := getMessagesRequest{
		Count:    count,
		AckMode:  ackMode,
		Encoding: "auto",
	}
	path := fmt.Sprintf("/queues/%s/%s/get", url.PathEscape(c.vhost), url.PathEscape(queueName))

	res, err := c.execute(ctx, func(ctx context.Context) (any, error) {
		var fetched []fetchedMessage
		if err := c.post(ctx, path, reqBody, &fetched); err != nil {
			return nil, err
		}
		return fetched, nil
	})
	if err != nil {
		log.Error().Err(err).Str("queue", queueName).Bool("destructive", destructive).Msg("failed to fetch messages")
		return nil, err
	}

	fetched := res.([]fetchedMessage)
	messages := make([]common.RemoteMessage, 0, len(fetched))
	for _, fm := range fetched {
		payload := fm.Payload
		if fm.PayloadEncoding == payloadEncodingBase64 {
			decoded, err := base64.StdEncoding.DecodeString(fm.Payload)
			if err != nil {
				// the messages are already gone from the broker when destructive, keep the raw text
				log.Error().Err(err).Str("queue", queueName).Msg("failed to decode base64 payload, keeping it encoded")
			} else {
				payload = string(decoded)
			}
		}
		properties := fm.Properties
		if properties == nil {
			properties = common.Headers{}
		}
		messages = append(messages, common.RemoteMessage{
			Payload:    payload,
			Properties: properties,
		})
	}
	return messages, nil
}

// Publish sends the payload to the queue through the default exchange.
// The payload always travels base64-encoded, so binary payloads survive the round trip.
func (c *Client) Publish(ctx context.Context, queueName string, payload string, properties common.Headers) error {
	if properties == nil {
		properties = common.Headers{}
	}
	reqBody := publishRequest{
		Properties:      properties,
		RoutingKey:      queueName,
		Payload:         base64.StdEncoding.EncodeToString([]byte(payload)),
		PayloadEncoding: payloadEncodingBase64,
	}
	path := fmt.Sprintf("/exchanges/%s/%s/publish", url.PathEscape(c.vhost), common.DefaultExchange)

	_, err := c.execute(ctx, func(ctx context.Context) (any, error) {
		var resp publishResponse
		if err := c.post(ctx, path, reqBody, &resp); err != nil {
			return nil, err
		}
		if !resp.Routed {
			return nil, common.Wrap(common.ErrRemoteRejected, fmt.Errorf("message to %q was not routed", queueName))
		}
		return nil, nil
	})
	if err != nil {
		log.Error().Err(err).Str("queue", queueName).Msg("failed to publish message")
		return err
	}
	return nil
}

func (c *Client) execute(ctx context.Context, call func(ctx context.Context) (any, error)) (any, error) {
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return call(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, common.Wrap(common.ErrRemoteUnavailable, err)
	}
	return res, err
}

func (c *Client) post(ctx context.Context, path string, reqBody any, respBody any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return common.Wrap(common.ErrSerialization, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, bytes.NewReader(body))
	if err != nil {
		return common.Wrap(common.ErrRemoteUnavailable, err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return common.Wrap(common.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return common.Wrap(common.ErrRemoteUnavailable, err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return common.Wrap(common.ErrRemoteRejected, statusError(resp.StatusCode, data))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return common.Wrap(common.ErrRemoteUnavailable, statusError(resp.StatusCode, data))
	}

	if err := json.Unmarshal(data, respBody); err != nil {
		return common.Wrap(common.ErrSerialization, err)
	}
	return nil
}

func statusError(statusCode int, body []byte) error {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		return fmt.Errorf("status %d: %s: %s", statusCode, er.Error, er.Reason)
	}
	return fmt.Errorf("status %d", statusCode)
}
