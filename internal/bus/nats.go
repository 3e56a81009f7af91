package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/internal/common/logger"
)

// NATS is the bus backed by a NATS server, for deployments where the
// API process and UI bridge run separately.
type NATS struct {
	conn   *nats.Conn
	logger *logger.Logger
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// NewNATS connects to a NATS server with reconnection enabled.
func NewNATS(url string, log *logger.Logger) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("taskpilot"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("connected to NATS", zap.String("url", url))
	return &NATS{conn: conn, logger: log}, nil
}

func (b *NATS) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func (b *NATS) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return &natsSub{sub: sub}, nil
}

func (b *NATS) Close() {
	b.conn.Close()
}

func (b *NATS) Connected() bool {
	return b.conn.IsConnected()
}
