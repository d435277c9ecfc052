// Package config defines the OrcBot configuration model and loader.
package config

import "time"

// Config is the root configuration for OrcBot.
type Config struct {
	DataDir    string           `json:"data_dir,omitempty"`
	Gateway    GatewayConfig    `json:"gateway"`
	Events     EventsConfig     `json:"events"`
	Models     ModelsConfig     `json:"models"`
	Autonomy   AutonomyConfig   `json:"autonomy"`
	Guardrails GuardrailsConfig `json:"guardrails"`
	Timeouts   TimeoutsConfig   `json:"timeouts"`
	Admin      AdminConfig      `json:"admin"`
	Channels   ChannelsConfig   `json:"channels"`
}

// GatewayConfig holds the status/control HTTP server settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int `json:"buffer_size"`
}

// ModelsConfig holds model provider configuration.
type ModelsConfig struct {
	Default   string                    `json:"default"`
	Review    string                    `json:"review,omitempty"` // provider for the review gate; default if empty
	Providers map[string]ProviderConfig `json:"providers"`
}

// ProviderConfig configures a single LLM provider.
type ProviderConfig struct {
	Driver        string         `json:"driver"` // "openai", "claude", "ollama"
	Model         string         `json:"model"`
	BaseURL       string         `json:"base_url,omitempty"`
	APIKey        string         `json:"api_key,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	ContextWindow int            `json:"context_window,omitempty"`
	Timeout       Duration       `json:"timeout,omitempty"`
	Options       map[string]any `json:"options,omitempty"`
}

// AutonomyConfig controls proactive heartbeat behavior.
type AutonomyConfig struct {
	Enabled            bool     `json:"enabled"`
	SudoMode           bool     `json:"sudo_mode"`
	HeartbeatInterval  Duration `json:"heartbeat_interval"`
	HeartbeatCooldown  Duration `json:"heartbeat_cooldown"`
	BackoffMaxMultiple int      `json:"backoff_max_multiple"`
}

// GuardrailsConfig exposes the decision-loop guardrail tunables.
type GuardrailsConfig struct {
	MaxSteps             int `json:"max_steps"`
	MaxMessages          int `json:"max_messages"`
	ComplexMinMessages   int `json:"complex_min_messages"`
	SendCooldownSteps    int `json:"send_cooldown_steps"`
	PatternWindow        int `json:"pattern_window"`
	SkillCallCeiling     int `json:"skill_call_ceiling"`
	ResearchCallCeiling  int `json:"research_call_ceiling"`
	SilentRetryMax       int `json:"silent_retry_max"`
	StatusUpdateSteps    int `json:"status_update_steps"`
	BrowserNudgeSteps    int `json:"browser_nudge_steps"`
	GenericNudgeSteps    int `json:"generic_nudge_steps"`
	BonusSteps           int `json:"bonus_steps"`
	ConsecutiveFailLimit int `json:"consecutive_fail_limit"`
	RedundantLoopLimit   int `json:"redundant_loop_limit"`
	PlanningLoopLimit    int `json:"planning_loop_limit"`

	// QuestionPatterns overrides the built-in question detector patterns.
	QuestionPatterns []string `json:"question_patterns,omitempty"`
}

// TimeoutsConfig bounds long-running operations.
type TimeoutsConfig struct {
	MaxActionRun    Duration `json:"max_action_run"`
	MaxStaleAction  Duration `json:"max_stale_action"`
	MaxStaleWaiting Duration `json:"max_stale_waiting"`
	LLMCall         Duration `json:"llm_call"`
	LLMRetries      int      `json:"llm_retries"`
	ToolCall        Duration `json:"tool_call"`
	Command         Duration `json:"command"`
	Retention       Duration `json:"retention"` // completed-action GC window
}

// AdminConfig maps channel names to admin user ids.
type AdminConfig struct {
	Users map[string][]string `json:"users"`
}

// ChannelsConfig lists configured channels and cross-channel send exemptions.
type ChannelsConfig struct {
	Active             []string `json:"active"`
	CrossChannelExempt []string `json:"cross_channel_exempt,omitempty"`
}

// Duration wraps time.Duration for JSON unmarshaling of "90s"-style values.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
