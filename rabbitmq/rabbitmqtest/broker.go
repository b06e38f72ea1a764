// Package rabbitmqtest provides an in-process fake of the RabbitMQ management API endpoints the tool uses.
package rabbitmqtest

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	Username = "guest"
	Password = "guest"
)

type Message struct {
	Payload    string
	Properties map[string]any
}

type queue struct {
	exclusive bool
	messages  []Message
}

// Broker is a fake management API serving a single vhost.
type Broker struct {
	Server *httptest.Server

	vhost       string
	mu          sync.Mutex
	queues      map[string]*queue
	order       []string
	failPublish map[int]bool // 1-based publish call numbers that fail with 500
	publishes   int
	listCalls   atomic.Int64
	down        atomic.Bool
	delay       atomic.Int64 // nanoseconds every request waits before being served
}

func NewBroker(t *testing.T, vhost string) *Broker {
	t.Helper()
	b := &Broker{
		vhost:       vhost,
		queues:      make(map[string]*queue),
		failPublish: make(map[int]bool),
	}
	b.Server = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.Server.Close)
	return b
}

// URL returns the management API URL with credentials, as passed on the command line.
func (b *Broker) URL() string {
	u, _ := url.Parse(b.Server.URL)
	u.User = url.UserPassword(Username, Password)
	u.Path = "/api"
	return u.String()
}

func (b *Broker) AddQueue(name string, exclusive bool, messages ...Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.order = append(b.order, name)
	}
	b.queues[name] = &queue{exclusive: exclusive, messages: append([]Message{}, messages...)}
}

func (b *Broker) Messages(name string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	return append([]Message{}, q.messages...)
}

// FailPublishCall makes the n-th publish call (1-based, counted from now on) fail with HTTP 500.
func (b *Broker) FailPublishCall(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPublish[b.publishes+n] = true
}

// SetDown makes every endpoint answer 503.
func (b *Broker) SetDown(down bool) {
	b.down.Store(down)
}

// SetDelay makes every request wait d before it is served.
func (b *Broker) SetDelay(d time.Duration) {
	b.delay.Store(int64(d))
}

func (b *Broker) ListCalls() int64 {
	return b.listCalls.Load()
}

func (b *Broker) handle(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != Username || pass != Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not_authorised", "reason": "Login failed"})
		return
	}
	if d := time.Duration(b.delay.Load()); d > 0 {
		time.Sleep(d)
	}
	if b.down.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.EscapedPath(), "/api/"), "/")
	for i, p := range parts {
		parts[i], _ = url.PathUnescape(p)
	}

	switch {
	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "queues" && parts[1] == b.vhost:
		b.listCalls.Add(1)
		b.listQueues(w)
	case r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "queues" && parts[1] == b.vhost && parts[3] == "get":
		b.getMessages(w, r, parts[2])
	case r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "exchanges" && parts[1] == b.vhost && parts[2] == "amq.default" && parts[3] == "publish":
		b.publish(w, r)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Object Not Found", "reason": "Not Found"})
	}
}

func (b *Broker) listQueues(w http.ResponseWriter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]any, 0, len(b.order))
	for _, name := range b.order {
		q := b.queues[name]
		out = append(out, map[string]any{
			"name":      name,
			"vhost":     b.vhost,
			"durable":   true,
			"exclusive": q.exclusive,
			"messages":  len(q.messages),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *Broker) getMessages(w http.ResponseWriter, r *http.Request, name string) {
	var req struct {
		Count   int    `json:"count"`
		AckMode string `json:"ackmode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Object Not Found", "reason": "Not Found"})
		return
	}
	if q.exclusive {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "reason": "queue is exclusive"})
		return
	}

	n := req.Count
	if n > len(q.messages) {
		n = len(q.messages)
	}
	out := make([]map[string]any, 0, n)
	for _, m := range q.messages[:n] {
		props := m.Properties
		if props == nil {
			props = map[string]any{}
		}
		out = append(out, map[string]any{
			"payload":          m.Payload,
			"payload_encoding": "string",
			"properties":       props,
			"routing_key":      name,
			"redelivered":      false,
		})
	}
	if req.AckMode == "ack_requeue_false" {
		q.messages = append([]Message{}, q.messages[n:]...)
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *Broker) publish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Properties      map[string]any `json:"properties"`
		RoutingKey      string         `json:"routing_key"`
		Payload         string         `json:"payload"`
		PayloadEncoding string         `json:"payload_encoding"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishes++
	if b.failPublish[b.publishes] {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}

	payload := req.Payload
	if req.PayloadEncoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "reason": "invalid base64"})
			return
		}
		payload = string(decoded)
	}

	q, ok := b.queues[req.RoutingKey]
	if !ok {
		writeJSON(w, http.StatusOK, map[string]bool{"routed": false})
		return
	}
	q.messages = append(q.messages, Message{Payload: payload, Properties: req.Properties})
	writeJSON(w, http.StatusOK, map[string]bool{"routed": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
