package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/taskpilot/taskpilot/internal/common/config"
)

// Apprise delivers through the apprise CLI, which fans out to whatever
// services its URLs name.
type Apprise struct{}

func NewApprise() *Apprise { return &Apprise{} }

func (p *Apprise) Name() string { return "apprise" }

func (p *Apprise) Available() bool {
	_, err := exec.LookPath("apprise")
	return err == nil
}

func (p *Apprise) Validate(cfg config.NotifySettings) error {
	if len(cfg.Apprise.URLs) == 0 {
		return fmt.Errorf("apprise urls not configured")
	}
	return nil
}

func (p *Apprise) Send(ctx context.Context, cfg config.NotifySettings, title, body string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	args := []string{"-t", title, "-b", body}
	args = append(args, cfg.Apprise.URLs...)
	output, err := exec.CommandContext(ctx, "apprise", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("apprise failed: %w (%s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}
