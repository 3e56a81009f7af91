// Package notify delivers user-facing notifications through a pluggable
// provider (desktop, apprise, telegram).
package notify

import (
	"context"
	"fmt"

	"github.com/taskpilot/taskpilot/internal/common/config"
	"github.com/taskpilot/taskpilot/internal/common/logger"
)

// Provider is one notification transport.
type Provider interface {
	Name() string
	Available() bool
	Validate(cfg config.NotifySettings) error
	Send(ctx context.Context, cfg config.NotifySettings, title, body string) error
}

// Notifier selects a provider from settings and sends through it. It
// satisfies the workflow's Notifier interface.
type Notifier struct {
	cfg       config.NotifySettings
	providers map[string]Provider
	logger    *logger.Logger
}

// New builds a notifier over the standard provider set.
func New(cfg config.NotifySettings, log *logger.Logger) *Notifier {
	providers := map[string]Provider{}
	for _, p := range []Provider{NewSystem(), NewApprise(), NewTelegram()} {
		providers[p.Name()] = p
	}
	return &Notifier{cfg: cfg, providers: providers, logger: log}
}

// Send delivers through the configured provider. An unavailable provider
// is not an error; the notification is dropped with a debug log.
func (n *Notifier) Send(ctx context.Context, title, body string) error {
	p, ok := n.providers[n.cfg.Provider]
	if !ok {
		return fmt.Errorf("unknown notification provider %q", n.cfg.Provider)
	}
	if !p.Available() {
		n.logger.Debug("notification provider unavailable, dropping notification")
		return nil
	}
	if err := p.Validate(n.cfg); err != nil {
		return err
	}
	return p.Send(ctx, n.cfg, title, body)
}
