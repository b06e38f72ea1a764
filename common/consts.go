package common

import "time"

const (
	// OS:
	WindowsOS = "windows"
	LinuxOS   = "linux"
	MacOS     = "darwin"

	// RabbitMQ management API ack modes:
	AckModeRequeueFalse = "ack_requeue_false" // destructive fetch
	AckModeRequeueTrue  = "ack_requeue_true"  // peek

	DefaultExchange = "amq.default"

	DefaultCountersPollInterval = 5 * time.Second
)
