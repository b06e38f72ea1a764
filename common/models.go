package common

type QueueId = int64
type MessageId = int64

// Headers holds the broker properties of a message. encoding/json writes map keys sorted,
// which keeps the stored text form stable.
type Headers map[string]any

type Message struct {
	Id      MessageId `json:"id"`
	QueueId QueueId   `json:"queue_id,omitempty"`
	Payload string    `json:"payload"`
	Headers Headers   `json:"headers"`
}

// MessageSelector is either "all messages of a queue" or "messages with these ids".
// An id selection may additionally be bound to a queue, see Within.
type MessageSelector struct {
	queueId QueueId
	ids     []MessageId
	all     bool
}

func AllInQueue(queueId QueueId) MessageSelector {
	return MessageSelector{queueId: queueId, all: true}
}

func WithIds(ids ...MessageId) MessageSelector {
	return MessageSelector{ids: ids}
}

// Within binds an id selection to queueId: ids of other queues no longer match.
// An AllInQueue selection is returned unchanged.
func (ms MessageSelector) Within(queueId QueueId) MessageSelector {
	if ms.all {
		return ms
	}
	ms.queueId = queueId
	return ms
}

func (ms MessageSelector) IsAllInQueue() bool {
	return ms.all
}

// QueueId is zero for an id selection that is not bound to a queue.
func (ms MessageSelector) QueueId() QueueId {
	return ms.queueId
}

func (ms MessageSelector) Ids() []MessageId {
	return ms.ids
}

// LocalQueue is a queue known to the local store together with its relocated message count.
type LocalQueue struct {
	Id           QueueId
	Name         string
	MessageCount int64
}

// RemoteQueue is a queue as reported by the broker.
type RemoteQueue struct {
	Name         string
	MessageCount uint64
	Exclusive    bool
}

// RemoteMessage is a message fetched from the broker.
type RemoteMessage struct {
	Payload    string
	Properties Headers
}

type QueueSummary struct {
	QueueId           *QueueId `json:"queue_id"`
	Name              string   `json:"name"`
	Exclusive         bool     `json:"exclusive"`
	MessageCountInRmq uint64   `json:"message_count_in_rmq"`
	MessageCountInDb  *int64   `json:"message_count_in_db"`
}

type QueueCounters struct {
	QueueName string `json:"queue_name"`
	Messages  uint64 `json:"messages"`
}

type ConnectionInfo struct {
	Domain     string  `json:"domain"`
	ServerName *string `json:"server_name"` // optional label of the RabbitMQ environment
	Vhost      string  `json:"vhost"`
}

// EnvInfo tells the UI which environment it is pointed at and how careful to be with it.
type EnvInfo struct {
	RmqConnectionInfo ConnectionInfo `json:"rmq_connection_info"`
	ImportanceLevel   uint8          `json:"importance_level"`
}
