// Package bus carries live updates (agent output, task changes) from
// services to subscribers such as the websocket bridge. An empty NATS
// URL selects the in-process implementation.
package bus

import (
	"github.com/taskpilot/taskpilot/internal/common/logger"
)

// Handler receives the subject a message arrived on and its JSON
// payload.
type Handler func(subject string, payload []byte)

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus publishes JSON-encoded payloads to subjects. Subjects use
// NATS-style dotted tokens; subscribe patterns may use * (one token)
// and > (rest).
type Bus interface {
	Publish(subject string, payload any) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	Connected() bool
}

// New selects the bus implementation: NATS when a URL is configured,
// otherwise in-memory.
func New(natsURL string, log *logger.Logger) (Bus, error) {
	if natsURL == "" {
		return NewMemory(log), nil
	}
	return NewNATS(natsURL, log)
}
