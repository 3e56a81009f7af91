package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/taskpilot/taskpilot/internal/common/config"
)

// System delivers desktop notifications via the platform's native tool:
// osascript on macOS, notify-send or zenity on Linux.
type System struct{}

func NewSystem() *System { return &System{} }

func (p *System) Name() string { return "system" }

func (p *System) Available() bool {
	switch runtime.GOOS {
	case "darwin":
		return true
	case "linux":
		if _, err := exec.LookPath("notify-send"); err == nil {
			return true
		}
		_, err := exec.LookPath("zenity")
		return err == nil
	default:
		return false
	}
}

func (p *System) Validate(config.NotifySettings) error { return nil }

func (p *System) Send(ctx context.Context, _ config.NotifySettings, title, body string) error {
	switch runtime.GOOS {
	case "darwin":
		return runNotifyCommand(ctx, "osascript", "-e", appleScript(title, body))
	case "linux":
		if _, err := exec.LookPath("notify-send"); err == nil {
			return runNotifyCommand(ctx, "notify-send", title, body)
		}
		if _, err := exec.LookPath("zenity"); err == nil {
			text := strings.TrimSpace(title + "\n" + body)
			return runNotifyCommand(ctx, "zenity", "--notification", "--text", text)
		}
		return fmt.Errorf("notify-send or zenity is required for system notifications")
	default:
		return fmt.Errorf("system notifications not supported on %s", runtime.GOOS)
	}
}

func appleScript(title, body string) string {
	escapedTitle := strings.ReplaceAll(title, `"`, `\"`)
	escapedBody := strings.ReplaceAll(body, `"`, `\"`)
	return fmt.Sprintf(`display notification "%s" with title "%s"`, escapedBody, escapedTitle)
}

func runNotifyCommand(ctx context.Context, name string, args ...string) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return exec.CommandContext(ctx, name, args...).Start()
}
