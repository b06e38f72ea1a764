package db

import "github.com/n0rdy/rmqtools/common"

// NewMessage is a message about to be persisted; the store assigns its id.
type NewMessage struct {
	Payload string
	Headers common.Headers
}
