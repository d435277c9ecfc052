// Package queue implements the persistent, lane-separated action queue.
package queue

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents an action's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Lane separates user-driven work from autonomous work.
type Lane string

const (
	LaneUser     Lane = "user"
	LaneAutonomy Lane = "autonomy"
)

// Payload carries the task description plus source metadata.
type Payload struct {
	Description          string     `json:"description"`
	Source               string     `json:"source,omitempty"`
	SourceID             string     `json:"source_id,omitempty"`
	UserID               string     `json:"user_id,omitempty"`
	ChatID               string     `json:"chat_id,omitempty"`
	MessageID            string     `json:"message_id,omitempty"`
	SenderName           string     `json:"sender_name,omitempty"`
	IsHeartbeat          bool       `json:"is_heartbeat,omitempty"`
	IsOwner              bool       `json:"is_owner,omitempty"`
	IsAdmin              bool       `json:"is_admin"`
	RequiresResponse     bool       `json:"requires_response,omitempty"`
	LastUserMessageText  string     `json:"last_user_message_text,omitempty"`
	ResumedFromWaitingAt *time.Time `json:"resumed_from_waiting_at,omitempty"`
}

// RetryState tracks dispatch attempts for an action.
type RetryState struct {
	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`
}

// Action is a unit of work in the queue.
type Action struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Priority  int         `json:"priority"`
	Lane      Lane        `json:"lane"`
	Status    Status      `json:"status"`
	Payload   Payload     `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
	UpdatedAt time.Time   `json:"updated_at"`
	Retry     *RetryState `json:"retry,omitempty"`
}

// NewAction creates a pending action with a fresh id.
func NewAction(description string, priority int, lane Lane, payload Payload) *Action {
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}
	if lane == "" {
		lane = LaneUser
	}
	payload.Description = strings.TrimSpace(description)
	now := time.Now()
	return &Action{
		ID:        "act_" + uuid.NewString()[:8],
		Type:      "TASK",
		Priority:  priority,
		Lane:      lane,
		Status:    StatusPending,
		Payload:   payload,
		Timestamp: now,
		UpdatedAt: now,
	}
}

func (a *Action) clone() *Action {
	cp := *a
	if a.Retry != nil {
		r := *a.Retry
		cp.Retry = &r
	}
	if a.Payload.ResumedFromWaitingAt != nil {
		t := *a.Payload.ResumedFromWaitingAt
		cp.Payload.ResumedFromWaitingAt = &t
	}
	return &cp
}
