// Package orchestrator manages forked delegation workers and routes tasks to
// them over newline-delimited JSON IPC.
package orchestrator

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the lifecycle state of a delegation worker.
type AgentStatus string

const (
	AgentIdle       AgentStatus = "idle"
	AgentWorking    AgentStatus = "working"
	AgentPaused     AgentStatus = "paused"
	AgentTerminated AgentStatus = "terminated"
)

// AgentInstance is a registered worker, persisted across restarts.
type AgentInstance struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Role         string      `json:"role,omitempty"`
	ParentID     string      `json:"parent_id,omitempty"`
	Capabilities []string    `json:"capabilities"`
	Status       AgentStatus `json:"status"`
	CurrentTask  string      `json:"current_task,omitempty"`
	DataDir      string      `json:"data_dir"`
	PID          int         `json:"pid,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// TaskStatus is the delegated-task state machine.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in-progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// DelegatedTask is one unit of work routed to a worker.
type DelegatedTask struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Priority    int        `json:"priority"`
	Status      TaskStatus `json:"status"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func newAgentID() string { return "agent_" + uuid.NewString()[:8] }
func newTaskID() string  { return "dtask_" + uuid.NewString()[:8] }

// NormalizeCapabilities lowercases, trims, and de-duplicates capability names.
// The literal "execute" is always present.
func NormalizeCapabilities(caps []string) []string {
	out := []string{"execute"}
	for _, c := range caps {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || slices.Contains(out, c) {
			continue
		}
		out = append(out, c)
	}
	return out
}
