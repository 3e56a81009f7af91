package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Settings holds orchestration configuration resolved with the precedence
// built-in defaults < global (~/.taskpilot/config.yaml) < project
// (<projectPath>/.taskpilot/config.yaml). Later layers win per key.
type Settings struct {
	DefaultPipeline     string                   `mapstructure:"defaultPipeline"`
	AgentTimeout        int                      `mapstructure:"agentTimeout"` // seconds
	MaxConcurrentAgents int                      `mapstructure:"maxConcurrentAgents"`
	DefaultBranch       string                   `mapstructure:"defaultBranch"`
	WorktreesPath       string                   `mapstructure:"worktreesPath"`
	DefaultAgentType    string                   `mapstructure:"defaultAgentType"`
	Agents              map[string]AgentSettings `mapstructure:"agents"`
	AutoRun             map[string]string        `mapstructure:"autoRun"` // status -> mode
	Checks              ChecksSettings           `mapstructure:"checks"`
	Git                 GitSettings              `mapstructure:"git"`
	PullMainAfterMerge  bool                     `mapstructure:"pullMainAfterMerge"`
	Notify              NotifySettings           `mapstructure:"notify"`
}

// AgentSettings holds per-agent-type overrides.
type AgentSettings struct {
	Model    string `mapstructure:"model"`
	MaxTurns int    `mapstructure:"maxTurns"`
	Timeout  int    `mapstructure:"timeout"` // seconds, overrides AgentTimeout
}

// ChecksSettings holds the commands run by validation checks.
type ChecksSettings struct {
	Build string `mapstructure:"build"`
	Lint  string `mapstructure:"lint"`
	Test  string `mapstructure:"test"`
}

// GitSettings holds branch and PR conventions.
type GitSettings struct {
	BranchPrefix string `mapstructure:"branchPrefix"`
	PRDraft      bool   `mapstructure:"prDraft"`
	PRTemplate   string `mapstructure:"prTemplate"`
}

// NotifySettings selects the notification provider.
type NotifySettings struct {
	Provider string           `mapstructure:"provider"` // system, apprise, telegram
	Apprise  AppriseSettings  `mapstructure:"apprise"`
	Telegram TelegramSettings `mapstructure:"telegram"`
}

// AppriseSettings holds the apprise destination URLs.
type AppriseSettings struct {
	URLs []string `mapstructure:"urls"`
}

// TelegramSettings holds the telegram bot credentials.
type TelegramSettings struct {
	BotToken string `mapstructure:"botToken"`
	ChatID   string `mapstructure:"chatId"`
}

// AgentTimeoutFor returns the effective timeout for an agent type.
func (s *Settings) AgentTimeoutFor(agentType string) time.Duration {
	if a, ok := s.Agents[agentType]; ok && a.Timeout > 0 {
		return time.Duration(a.Timeout) * time.Second
	}
	return time.Duration(s.AgentTimeout) * time.Second
}

func setSettingsDefaults(v *viper.Viper) {
	v.SetDefault("defaultPipeline", "simple")
	v.SetDefault("agentTimeout", 3600)
	v.SetDefault("maxConcurrentAgents", 4)
	v.SetDefault("defaultBranch", "main")
	v.SetDefault("worktreesPath", ".agent-worktrees")
	v.SetDefault("defaultAgentType", "claude-code")
	v.SetDefault("git.branchPrefix", "agent/")
	v.SetDefault("git.prDraft", false)
	v.SetDefault("pullMainAfterMerge", false)
	v.SetDefault("notify.provider", "system")
}

// LoadSettings resolves orchestration settings for a project. An empty
// projectPath resolves globals only.
func LoadSettings(projectPath string) (*Settings, error) {
	v := viper.New()
	setSettingsDefaults(v)
	v.SetConfigType("yaml")

	if home, err := os.UserHomeDir(); err == nil {
		mergeSettingsFile(v, filepath.Join(home, ConfigDirName, "config.yaml"))
	}
	if projectPath != "" {
		mergeSettingsFile(v, filepath.Join(projectPath, ConfigDirName, "config.yaml"))
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("error unmarshaling settings: %w", err)
	}
	return &s, nil
}

// mergeSettingsFile merges a yaml overlay if it exists. Missing files are
// fine; unreadable files are not.
func mergeSettingsFile(v *viper.Viper, path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	v.SetConfigFile(path)
	_ = v.MergeInConfig()
}
