package common

type RelocationResponse struct {
	QueueId  QueueId   `json:"queue_id"`
	Messages []Message `json:"messages"`
}

type ErrorResponse struct {
	Code string `json:"code,omitempty"`
}
