package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variable templates before stripping, since templates
	// live inside string values.
	expanded := expandEnvTemplates(string(data))

	standardized, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("standardize config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// Default returns a config with all defaults applied and no providers.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = OrcbotPath()
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18620
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}

	if cfg.Autonomy.HeartbeatInterval == 0 {
		cfg.Autonomy.HeartbeatInterval = Duration(30 * time.Minute)
	}
	if cfg.Autonomy.HeartbeatCooldown == 0 {
		cfg.Autonomy.HeartbeatCooldown = Duration(60 * time.Second)
	}
	if cfg.Autonomy.BackoffMaxMultiple == 0 {
		cfg.Autonomy.BackoffMaxMultiple = 8
	}

	g := &cfg.Guardrails
	if g.MaxSteps == 0 {
		g.MaxSteps = 25
	}
	if g.MaxMessages == 0 {
		g.MaxMessages = 5
	}
	if g.ComplexMinMessages == 0 {
		g.ComplexMinMessages = 8
	}
	if g.SendCooldownSteps == 0 {
		g.SendCooldownSteps = 15
	}
	if g.PatternWindow == 0 {
		g.PatternWindow = 6
	}
	if g.SkillCallCeiling == 0 {
		g.SkillCallCeiling = 5
	}
	if g.ResearchCallCeiling == 0 {
		g.ResearchCallCeiling = 15
	}
	if g.SilentRetryMax == 0 {
		g.SilentRetryMax = 3
	}
	if g.StatusUpdateSteps == 0 {
		g.StatusUpdateSteps = 8
	}
	if g.BrowserNudgeSteps == 0 {
		g.BrowserNudgeSteps = 2
	}
	if g.GenericNudgeSteps == 0 {
		g.GenericNudgeSteps = 4
	}
	if g.BonusSteps == 0 {
		g.BonusSteps = 5
	}
	if g.ConsecutiveFailLimit == 0 {
		g.ConsecutiveFailLimit = 3
	}
	if g.RedundantLoopLimit == 0 {
		g.RedundantLoopLimit = 3
	}
	if g.PlanningLoopLimit == 0 {
		g.PlanningLoopLimit = 5
	}

	t := &cfg.Timeouts
	if t.MaxActionRun == 0 {
		t.MaxActionRun = Duration(30 * time.Minute)
	}
	if t.MaxStaleAction == 0 {
		t.MaxStaleAction = Duration(45 * time.Minute)
	}
	if t.MaxStaleWaiting == 0 {
		t.MaxStaleWaiting = Duration(60 * time.Minute)
	}
	if t.LLMCall == 0 {
		t.LLMCall = Duration(90 * time.Second)
	}
	if t.LLMRetries == 0 {
		t.LLMRetries = 3
	}
	if t.ToolCall == 0 {
		t.ToolCall = Duration(5 * time.Minute)
	}
	if t.Command == 0 {
		t.Command = Duration(120 * time.Second)
	}
	if t.Retention == 0 {
		t.Retention = Duration(72 * time.Hour)
	}

	if len(cfg.Channels.CrossChannelExempt) == 0 {
		cfg.Channels.CrossChannelExempt = []string{"send_email"}
	}
	if cfg.Admin.Users == nil {
		cfg.Admin.Users = map[string][]string{}
	}
}
