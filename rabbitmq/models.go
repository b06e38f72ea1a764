package rabbitmq

import "github.com/n0rdy/rmqtools/common"

const (
	payloadEncodingString = "string"
	payloadEncodingBase64 = "base64"
)

type getMessagesRequest struct {
	Count    uint64 `json:"count"`
	AckMode  string `json:"ackmode"`
	Encoding string `json:"encoding"`
}

type fetchedMessage struct {
	Payload         string         `json:"payload"`
	PayloadEncoding string         `json:"payload_encoding"`
	Properties      common.Headers `json:"properties"`
	RoutingKey      string         `json:"routing_key"`
	Redelivered     bool           `json:"redelivered"`
}

type publishRequest struct {
	Properties      common.Headers `json:"properties"`
	RoutingKey      string         `json:"routing_key"`
	Payload         string         `json:"payload"`
	PayloadEncoding string         `json:"payload_encoding"`
}

type publishResponse struct {
	Routed bool `json:"routed"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}
