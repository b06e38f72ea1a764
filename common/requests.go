package common

type DeleteMessagesRequest struct {
	MessageIds []MessageId `json:"message_ids"`
	All        bool        `json:"all"`
}

type SendMessagesRequest struct {
	DestinationQueueName string      `json:"destination_queue_name"`
	MessageIds           []MessageId `json:"message_ids"`
	All                  bool        `json:"all"`
}
