package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/orcbot-ai/orcbot/internal/contacts"
	"github.com/orcbot-ai/orcbot/internal/memory"
	"github.com/orcbot-ai/orcbot/internal/queue"
)

const (
	promptMemoryTail = 12
	promptQueueTail  = 8
	promptFileTail   = 1200
)

// PromptBuilder composes the autonomy prompt a heartbeat action deliberates
// on. It is rebuilt fresh every time a heartbeat executes.
type PromptBuilder struct {
	DataDir    string
	Memory     *memory.Store
	Queue      *queue.Queue
	Contacts   *contacts.Store
	Heartbeats *HeartbeatScheduler
	OneOff     *OneOffScheduler
	Emitter    *Emitter

	// ChannelNames lists the active channel adapters.
	ChannelNames func() []string
	// IdleWorkers reports how many delegation workers are idle.
	IdleWorkers func() int
}

// Build renders the full heartbeat prompt.
func (b *PromptBuilder) Build() string {
	now := time.Now()
	var sb strings.Builder

	sb.WriteString("## Autonomous heartbeat\n\n")
	sb.WriteString("No one asked you anything. This is your time. Two modes:\n")
	sb.WriteString("1. Reactive: finish or follow up on pending work below.\n")
	sb.WriteString("2. Creative initiative: if nothing is pending, do something genuinely useful for the user.\n")
	sb.WriteString("Prefer mode 1. If neither applies, conclude without sending anything.\n\n")

	fmt.Fprintf(&sb, "Now: %s (%s", now.Format("Mon 2006-01-02 15:04"), dayPart(now))
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		sb.WriteString(", weekend")
	}
	sb.WriteString(")\n")
	if b.Emitter != nil {
		fmt.Fprintf(&sb, "Idle severity: %s\n", b.Emitter.Tier(now))
	}
	if b.ChannelNames != nil {
		fmt.Fprintf(&sb, "Active channels: %s\n", strings.Join(b.ChannelNames(), ", "))
	}
	if b.IdleWorkers != nil {
		fmt.Fprintf(&sb, "Idle delegation workers: %d\n", b.IdleWorkers())
	}

	b.writeSchedules(&sb)
	b.writeQueueTail(&sb)
	b.writeMemory(&sb, now)
	b.writeFileTail(&sb, "User profile", "USER.md")
	b.writeFileTail(&sb, "Journal tail", "JOURNAL.md")
	b.writeFileTail(&sb, "Learning tail", "LEARNING.md")
	b.writeContacts(&sb)

	sb.WriteString("\nPriorities: failed work first, then pending follow-ups, then scheduled obligations, then initiative.\n")
	switch dayPart(now) {
	case "night":
		sb.WriteString("It is late; avoid messaging the user unless urgent.\n")
	case "morning":
		sb.WriteString("Morning is a good time for digests and day planning.\n")
	}
	return sb.String()
}

func (b *PromptBuilder) writeSchedules(sb *strings.Builder) {
	var lines []string
	if b.Heartbeats != nil {
		for _, e := range b.Heartbeats.List() {
			lines = append(lines, fmt.Sprintf("- [recurring %s] %s", e.Schedule, clip(e.Task, 120)))
		}
	}
	if b.OneOff != nil {
		for _, e := range b.OneOff.List() {
			lines = append(lines, fmt.Sprintf("- [once %s] %s", e.Schedule, clip(e.Task, 120)))
		}
	}
	if len(lines) == 0 {
		return
	}
	sb.WriteString("\n## Active schedules\n")
	sb.WriteString(strings.Join(lines, "\n"))
	sb.WriteString("\n")
}

func (b *PromptBuilder) writeQueueTail(sb *strings.Builder) {
	if b.Queue == nil {
		return
	}
	actions := b.Queue.Snapshot()
	if len(actions) > promptQueueTail {
		actions = actions[len(actions)-promptQueueTail:]
	}
	if len(actions) == 0 {
		return
	}
	sb.WriteString("\n## Recent task queue\n")
	for _, a := range actions {
		fmt.Fprintf(sb, "- [%s] %s\n", a.Status, clip(a.Payload.Description, 120))
	}
}

func (b *PromptBuilder) writeMemory(sb *strings.Builder, now time.Time) {
	if b.Memory == nil {
		return
	}
	entries := b.Memory.TailByType(memory.TypeEpisodic, promptMemoryTail)
	if len(entries) == 0 {
		return
	}
	sb.WriteString("\n## Recent memory\n")
	sb.WriteString(memory.FormatEntries(entries, now))
	sb.WriteString("\n")
}

func (b *PromptBuilder) writeFileTail(sb *strings.Builder, title, name string) {
	if b.DataDir == "" {
		return
	}
	data, err := os.ReadFile(filepath.Join(b.DataDir, name))
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		return
	}
	text := string(data)
	if len(text) > promptFileTail {
		text = "…" + text[len(text)-promptFileTail:]
	}
	fmt.Fprintf(sb, "\n## %s\n%s\n", title, strings.TrimSpace(text))
}

func (b *PromptBuilder) writeContacts(sb *strings.Builder) {
	if b.Contacts == nil {
		return
	}
	summary := b.Contacts.Summary(5)
	if summary == "" {
		return
	}
	sb.WriteString("\n## Known contacts\n")
	sb.WriteString(summary)
	sb.WriteString("\n")
}

func dayPart(t time.Time) string {
	switch h := t.Hour(); {
	case h < 6:
		return "night"
	case h < 12:
		return "morning"
	case h < 18:
		return "afternoon"
	case h < 23:
		return "evening"
	default:
		return "night"
	}
}

func clip(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
