package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/n0rdy/rmqtools/common"
	"github.com/n0rdy/rmqtools/db"

	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	name      string
	exclusive bool
	messages  []common.RemoteMessage
}

// fakeQueueClient is an in-memory broker. It also records whether two calls ever overlapped.
type fakeQueueClient struct {
	mu            sync.Mutex
	queues        []*fakeQueue
	listErr       error
	failPublishAt int // 1-based publish call that fails, 0 means never
	publishCalls  int
	fetchCalls    int
	callDelay     time.Duration

	inFlight   atomic.Int32
	overlapped atomic.Bool
}

func newFakeQueueClient() *fakeQueueClient {
	return &fakeQueueClient{}
}

func (f *fakeQueueClient) addQueue(name string, exclusive bool, payloads ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := &fakeQueue{name: name, exclusive: exclusive}
	for i, p := range payloads {
		q.messages = append(q.messages, common.RemoteMessage{
			Payload:    p,
			Properties: common.Headers{"headers": map[string]any{"seq": float64(i)}},
		})
	}
	f.queues = append(f.queues, q)
}

func (f *fakeQueueClient) queue(name string) *fakeQueue {
	for _, q := range f.queues {
		if q.name == name {
			return q
		}
	}
	return nil
}

func (f *fakeQueueClient) remotePayloads(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queue(name)
	if q == nil {
		return nil
	}
	payloads := make([]string, len(q.messages))
	for i, m := range q.messages {
		payloads[i] = m.Payload
	}
	return payloads
}

func (f *fakeQueueClient) enter() func() {
	if f.inFlight.Add(1) > 1 {
		f.overlapped.Store(true)
	}
	if f.callDelay > 0 {
		time.Sleep(f.callDelay)
	}
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeQueueClient) ListQueues(ctx context.Context) ([]common.RemoteQueue, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]common.RemoteQueue, len(f.queues))
	for i, q := range f.queues {
		out[i] = common.RemoteQueue{Name: q.name, MessageCount: uint64(len(q.messages)), Exclusive: q.exclusive}
	}
	return out, nil
}

func (f *fakeQueueClient) FetchMessages(ctx context.Context, queueName string, count uint64, destructive bool) ([]common.RemoteMessage, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	q := f.queue(queueName)
	if q == nil {
		return nil, common.Wrap(common.ErrRemoteRejected, fmt.Errorf("no queue %q", queueName))
	}
	n := int(count)
	if n > len(q.messages) {
		n = len(q.messages)
	}
	out := append([]common.RemoteMessage{}, q.messages[:n]...)
	if destructive {
		q.messages = append([]common.RemoteMessage{}, q.messages[n:]...)
	}
	return out, nil
}

func (f *fakeQueueClient) Publish(ctx context.Context, queueName string, payload string, properties common.Headers) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishCalls++
	if f.failPublishAt == f.publishCalls {
		return common.Wrap(common.ErrRemoteUnavailable, fmt.Errorf("connection reset"))
	}
	q := f.queue(queueName)
	if q == nil {
		q = &fakeQueue{name: queueName}
		f.queues = append(f.queues, q)
	}
	q.messages = append(q.messages, common.RemoteMessage{Payload: payload, Properties: properties})
	return nil
}

// fakeLister reports one queue whose depth equals the number of calls made so far.
type fakeLister struct {
	calls    atomic.Int64
	failing  atomic.Bool
	failures atomic.Int64 // remaining calls that fail, on top of failing
}

func (f *fakeLister) ListQueues(ctx context.Context) ([]common.RemoteQueue, error) {
	n := f.calls.Add(1)
	if f.failing.Load() {
		return nil, common.Wrap(common.ErrRemoteUnavailable, fmt.Errorf("broker down"))
	}
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return nil, common.Wrap(common.ErrRemoteUnavailable, fmt.Errorf("broker down"))
	}
	return []common.RemoteQueue{{Name: "orders", MessageCount: uint64(n)}}, nil
}

func newRepoForTest(t *testing.T) *db.RelocationRepo {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "rmqtools.db")
	require.NoError(t, db.RunMigrations(dbPath))

	repo, err := db.NewSQLiteRepo(dbPath, "/")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}
