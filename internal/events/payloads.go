package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// ACTION EVENTS
// =============================================================================

type ActionPushedPayload struct {
	ActionID    string `json:"action_id"`
	Lane        string `json:"lane"`
	Priority    int    `json:"priority"`
	Source      string `json:"source,omitempty"`
	IsHeartbeat bool   `json:"is_heartbeat,omitempty"`
}

func (ActionPushedPayload) EventType() EventType { return EventActionPushed }

type ActionResumedPayload struct {
	ActionID string `json:"action_id"`
	Source   string `json:"source,omitempty"`
	SourceID string `json:"source_id,omitempty"`
	Reason   string `json:"reason"` // "user-reply" or "stale-waiting"
}

func (ActionResumedPayload) EventType() EventType { return EventActionResumed }

type ActionWaitingPayload struct {
	ActionID string `json:"action_id"`
	Question string `json:"question,omitempty"`
}

func (ActionWaitingPayload) EventType() EventType { return EventActionWaiting }

type ActionCompletedPayload struct {
	ActionID string        `json:"action_id"`
	Steps    int           `json:"steps"`
	Messages int           `json:"messages"`
	Duration time.Duration `json:"duration"`
}

func (ActionCompletedPayload) EventType() EventType { return EventActionCompleted }

type ActionFailedPayload struct {
	ActionID string `json:"action_id"`
	Error    string `json:"error"`
}

func (ActionFailedPayload) EventType() EventType { return EventActionFailed }

// =============================================================================
// CHANNEL EVENTS
// =============================================================================

type MessageOutboundPayload struct {
	Channel  string `json:"channel"`
	To       string `json:"to"`
	Text     string `json:"text,omitempty"`
	FilePath string `json:"file_path,omitempty"`
	ActionID string `json:"action_id,omitempty"`
}

func (MessageOutboundPayload) EventType() EventType { return EventMessageOutbound }

// =============================================================================
// GUARDRAIL / REVIEW EVENTS
// =============================================================================

type GuardrailDeniedPayload struct {
	ActionID string `json:"action_id"`
	Skill    string `json:"skill"`
	Policy   string `json:"policy"`
	Reason   string `json:"reason,omitempty"`
}

func (GuardrailDeniedPayload) EventType() EventType { return EventGuardrailDenied }

type ReviewVerdictPayload struct {
	ActionID string `json:"action_id"`
	Trigger  string `json:"trigger"` // "max-steps", "message-budget", "skill-frequency"
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

func (ReviewVerdictPayload) EventType() EventType { return EventReviewVerdict }

// =============================================================================
// ORCHESTRATOR EVENTS
// =============================================================================

type WorkerReadyPayload struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
	PID     int    `json:"pid,omitempty"`
}

func (WorkerReadyPayload) EventType() EventType { return EventWorkerReady }

type WorkerExitedPayload struct {
	AgentID  string `json:"agent_id"`
	Name     string `json:"name"`
	ExitCode int    `json:"exit_code"`
	Requeued string `json:"requeued_task,omitempty"`
}

func (WorkerExitedPayload) EventType() EventType { return EventWorkerExited }

type TaskDelegatedPayload struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

func (TaskDelegatedPayload) EventType() EventType { return EventTaskDelegated }

type TaskCompletedPayload struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id,omitempty"`
	Result  string `json:"result,omitempty"`
}

func (TaskCompletedPayload) EventType() EventType { return EventTaskCompleted }

type TaskFailedPayload struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (TaskFailedPayload) EventType() EventType { return EventTaskFailed }

// =============================================================================
// SCHEDULER EVENTS
// =============================================================================

type ScheduleTriggerPayload struct {
	EntryID  string `json:"entry_id"`
	Kind     string `json:"kind"` // "oneoff", "heartbeat"
	Trigger  string `json:"trigger"`
	ActionID string `json:"action_id,omitempty"`
	Delayed  bool   `json:"delayed,omitempty"`
}

func (ScheduleTriggerPayload) EventType() EventType { return EventScheduleTrigger }

type HeartbeatEmittedPayload struct {
	ActionID  string `json:"action_id"`
	Delegated bool   `json:"delegated"`
	AgentID   string `json:"agent_id,omitempty"`
	IdleTier  string `json:"idle_tier,omitempty"`
}

func (HeartbeatEmittedPayload) EventType() EventType { return EventHeartbeatEmitted }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func NewTypedEventForAction(source EventSource, payload EventPayload, actionID string) Event {
	return Event{
		ID:        generateEventID(),
		ActionID:  actionID,
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// ExtractPayload converts an event's payload map back into its typed form.
func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}

func GetActionPushedPayload(e Event) (ActionPushedPayload, bool) {
	return ExtractPayload[ActionPushedPayload](e)
}

func GetActionResumedPayload(e Event) (ActionResumedPayload, bool) {
	return ExtractPayload[ActionResumedPayload](e)
}

func GetScheduleTriggerPayload(e Event) (ScheduleTriggerPayload, bool) {
	return ExtractPayload[ScheduleTriggerPayload](e)
}

func GetHeartbeatEmittedPayload(e Event) (HeartbeatEmittedPayload, bool) {
	return ExtractPayload[HeartbeatEmittedPayload](e)
}

func GetTaskCompletedPayload(e Event) (TaskCompletedPayload, bool) {
	return ExtractPayload[TaskCompletedPayload](e)
}

func GetWorkerExitedPayload(e Event) (WorkerExitedPayload, bool) {
	return ExtractPayload[WorkerExitedPayload](e)
}

func GetMessageOutboundPayload(e Event) (MessageOutboundPayload, bool) {
	return ExtractPayload[MessageOutboundPayload](e)
}
