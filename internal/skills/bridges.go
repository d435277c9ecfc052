package skills

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Bridge function types. The core wires these to the channel registry,
// schedulers, orchestrator, and model client so the skills package stays
// free of those dependencies.
type (
	SendMessageFunc   func(ctx context.Context, channel, to, text string) error
	SendFileFunc      func(ctx context.Context, channel, to, path, caption string) error
	SendVoiceFunc     func(ctx context.Context, channel, to, path string) error
	ReactFunc         func(ctx context.Context, channel, to, messageID, emoji string) error
	ScheduleTaskFunc  func(ctx context.Context, schedule, task string, priority int) (string, error)
	DelegateTaskFunc  func(ctx context.Context, description string, priority int) (string, error)
	GenerateImageFunc func(ctx context.Context, prompt string) (string, error)
)

func stringArg(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := args[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// NewSendMessageSkill bridges send_message to a channel.
// The target channel defaults to the action's source channel.
func NewSendMessageSkill(channelName string, send SendMessageFunc) *Skill {
	name := "send_message"
	if channelName != "" {
		name = "send_" + channelName + "_message"
	}
	return &Skill{
		Name:        name,
		Description: "Send a text message to the user.",
		Usage:       name + `(to="<chat id>", text="...")`,
		Handler: func(ctx context.Context, args map[string]any, actx ActionContext) (any, error) {
			text := stringArg(args, "text", "message", "content")
			if text == "" {
				return nil, errors.New(name + ": missing text argument")
			}
			to := stringArg(args, "to", "chat_id")
			if to == "" {
				to = actx.SourceID
			}
			if to == "" {
				return nil, errors.New(name + ": no recipient")
			}
			// Sends stay on the originating channel. An explicit channel
			// argument only applies to internal actions with no origin.
			ch := channelName
			if ch == "" {
				ch = actx.Source
			}
			if ch == "" {
				ch = stringArg(args, "channel")
			}
			if err := send(ctx, ch, to, text); err != nil {
				return &Result{Success: false, Error: "send failed: " + err.Error()}, nil
			}
			return &Result{Success: true, Output: "Message sent"}, nil
		},
	}
}

// NewSendFileSkill bridges send_file / send_image to a channel.
func NewSendFileSkill(name string, send SendFileFunc) *Skill {
	return &Skill{
		Name:        name,
		Description: "Deliver a file to the user.",
		Usage:       name + `(to="<chat id>", path="/tmp/report.pdf", caption="...")`,
		Handler: func(ctx context.Context, args map[string]any, actx ActionContext) (any, error) {
			path := stringArg(args, "path", "file_path", "file")
			if path == "" {
				return nil, errors.New(name + ": missing path argument")
			}
			to := stringArg(args, "to", "chat_id")
			if to == "" {
				to = actx.SourceID
			}
			if to == "" {
				return nil, errors.New(name + ": no recipient")
			}
			ch := actx.Source
			if ch == "" {
				ch = stringArg(args, "channel")
			}
			if err := send(ctx, ch, to, path, stringArg(args, "caption")); err != nil {
				return &Result{Success: false, Error: "send failed: " + err.Error()}, nil
			}
			return &Result{Success: true, Output: "File delivered", FilePath: path}, nil
		},
	}
}

// NewSendVoiceSkill bridges send_voice to a channel.
func NewSendVoiceSkill(send SendVoiceFunc) *Skill {
	return &Skill{
		Name:        "send_voice",
		Description: "Send a voice note to the user.",
		Usage:       `send_voice(to="<chat id>", path="/tmp/note.ogg")`,
		Handler: func(ctx context.Context, args map[string]any, actx ActionContext) (any, error) {
			path := stringArg(args, "path", "file_path")
			if path == "" {
				return nil, errors.New("send_voice: missing path argument")
			}
			to := stringArg(args, "to", "chat_id")
			if to == "" {
				to = actx.SourceID
			}
			ch := actx.Source
			if ch == "" {
				ch = stringArg(args, "channel")
			}
			if err := send(ctx, ch, to, path); err != nil {
				return &Result{Success: false, Error: "send failed: " + err.Error()}, nil
			}
			return &Result{Success: true, Output: "Voice note sent", FilePath: path}, nil
		},
	}
}

// NewReactSkill bridges react to a channel.
func NewReactSkill(react ReactFunc) *Skill {
	return &Skill{
		Name:        "react",
		Description: "React to a message with an emoji.",
		Usage:       `react(message_id="m1", emoji="👍")`,
		Handler: func(ctx context.Context, args map[string]any, actx ActionContext) (any, error) {
			emoji := stringArg(args, "emoji")
			if emoji == "" {
				return nil, errors.New("react: missing emoji argument")
			}
			msgID := stringArg(args, "message_id")
			to := stringArg(args, "to", "chat_id")
			if to == "" {
				to = actx.SourceID
			}
			ch := actx.Source
			if ch == "" {
				ch = stringArg(args, "channel")
			}
			if err := react(ctx, ch, to, msgID, emoji); err != nil {
				return &Result{Success: false, Error: "react failed: " + err.Error()}, nil
			}
			return &Result{Success: true, Output: "Reacted"}, nil
		},
	}
}

// NewScheduleTaskSkill bridges schedule_task to the one-off scheduler.
func NewScheduleTaskSkill(schedule ScheduleTaskFunc) *Skill {
	return &Skill{
		Name:        "schedule_task",
		Description: "Schedule a task for later, once or on a cron expression.",
		Usage:       `schedule_task(schedule="in 20 minutes", task="check the build status")`,
		Handler: func(ctx context.Context, args map[string]any, _ ActionContext) (any, error) {
			spec := stringArg(args, "schedule", "when", "at")
			task := stringArg(args, "task", "description")
			if spec == "" || task == "" {
				return nil, errors.New("schedule_task: schedule and task arguments are required")
			}
			id, err := schedule(ctx, spec, task, intArg(args, "priority", 5))
			if err != nil {
				return &Result{Success: false, Error: "schedule failed: " + err.Error()}, nil
			}
			return &Result{Success: true, Output: fmt.Sprintf("Scheduled %s for %q", id, spec)}, nil
		},
	}
}

// NewCancelScheduleSkill bridges cancel_schedule to the schedulers.
func NewCancelScheduleSkill(cancel func(ctx context.Context, id string) error) *Skill {
	return &Skill{
		Name:        "cancel_schedule",
		Description: "Remove a scheduled task by its id.",
		Usage:       `cancel_schedule(id="sched_ab12cd34")`,
		Handler: func(ctx context.Context, args map[string]any, _ ActionContext) (any, error) {
			id := stringArg(args, "id", "schedule_id")
			if id == "" {
				return nil, errors.New("cancel_schedule: missing id argument")
			}
			if err := cancel(ctx, id); err != nil {
				return &Result{Success: false, Error: "cancel failed: " + err.Error()}, nil
			}
			return &Result{Success: true, Output: "Removed schedule " + id}, nil
		},
	}
}

// NewDelegateTaskSkill bridges delegate_task to the orchestrator.
func NewDelegateTaskSkill(delegate DelegateTaskFunc) *Skill {
	return &Skill{
		Name:        "delegate_task",
		Description: "Hand a task to a background worker agent.",
		Usage:       `delegate_task(description="summarize the inbox", priority=5)`,
		Handler: func(ctx context.Context, args map[string]any, _ ActionContext) (any, error) {
			description := stringArg(args, "description", "task")
			if description == "" {
				return nil, errors.New("delegate_task: missing description argument")
			}
			id, err := delegate(ctx, description, intArg(args, "priority", 5))
			if err != nil {
				return &Result{Success: false, Error: "delegate failed: " + err.Error()}, nil
			}
			return &Result{Success: true, Output: "Delegated as " + id}, nil
		},
	}
}

// NewGenerateImageSkill bridges generate_image to the model client.
func NewGenerateImageSkill(generate GenerateImageFunc) *Skill {
	return &Skill{
		Name:        "generate_image",
		Description: "Generate an image from a prompt and return its file path.",
		Usage:       `generate_image(prompt="a lighthouse at dusk")`,
		Handler: func(ctx context.Context, args map[string]any, _ ActionContext) (any, error) {
			prompt := stringArg(args, "prompt", "description")
			if prompt == "" {
				return nil, errors.New("generate_image: missing prompt argument")
			}
			path, err := generate(ctx, prompt)
			if err != nil {
				return &Result{Success: false, Error: "generate failed: " + err.Error()}, nil
			}
			return &Result{Success: true, Output: "Image generated at " + path, FilePath: path}, nil
		},
	}
}
