package loop

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/orcbot-ai/orcbot/internal/channels"
	"github.com/orcbot-ai/orcbot/internal/config"
	"github.com/orcbot-ai/orcbot/internal/events"
	"github.com/orcbot-ai/orcbot/internal/guard"
	"github.com/orcbot-ai/orcbot/internal/memory"
	"github.com/orcbot-ai/orcbot/internal/models"
	"github.com/orcbot-ai/orcbot/internal/queue"
	"github.com/orcbot-ai/orcbot/internal/skills"
)

const memoryTailPerStep = 30

// Loop executes one action at a time through deliberate/guard/execute cycles.
type Loop struct {
	queue     *queue.Queue
	memory    *memory.Store
	skills    *skills.Registry
	channels  *channels.Registry
	guard     *guard.Engine
	questions *guard.QuestionDetector
	review    *ReviewGate
	client    models.CompletionClient
	bus       *events.Bus

	guardrails config.GuardrailsConfig
	timeouts   config.TimeoutsConfig

	// HeartbeatPrompt rebuilds a heartbeat description at execution time.
	HeartbeatPrompt func() string

	logger *slog.Logger
}

// New wires the loop. The review gate may use a different model client.
func New(
	q *queue.Queue,
	mem *memory.Store,
	reg *skills.Registry,
	chans *channels.Registry,
	g *guard.Engine,
	questions *guard.QuestionDetector,
	review *ReviewGate,
	client models.CompletionClient,
	bus *events.Bus,
	guardrails config.GuardrailsConfig,
	timeouts config.TimeoutsConfig,
	logger *slog.Logger,
) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		queue:      q,
		memory:     mem,
		skills:     reg,
		channels:   chans,
		guard:      g,
		questions:  questions,
		review:     review,
		client:     client,
		bus:        bus,
		guardrails: guardrails,
		timeouts:   timeouts,
		logger:     logger,
	}
}

// Run drives the action to a terminal state (or waiting). The action must
// already be marked in-progress by the dispatcher.
func (l *Loop) Run(ctx context.Context, a *queue.Action) {
	start := time.Now()
	logger := l.logger.With("action_id", a.ID)

	description := a.Payload.Description
	// Heartbeat prompts go stale in the queue; rebuild at execution time.
	if a.Payload.IsHeartbeat && l.HeartbeatPrompt != nil {
		description = l.HeartbeatPrompt()
		if err := l.queue.UpdatePayload(a.ID, func(p *queue.Payload) { p.Description = description }); err != nil {
			logger.Warn("loop: refresh heartbeat prompt", "error", err)
		}
	}

	l.memory.WriteForAction(a.ID, memory.TypeEpisodic, "task-start: "+truncate(description, 300), nil)

	complexity := l.classifyWithTimeout(ctx, description)
	profile := ProfileFor(complexity, l.guardrails)
	logger.Info("loop: action started", "complexity", complexity, "max_steps", profile.MaxSteps, "max_messages", profile.MaxMessages)

	if complexity == ComplexityStandard || complexity == ComplexityComplex {
		l.buildPlan(ctx, a, description)
	}

	state := guard.NewActionState()
	info := guard.ActionInfo{
		ActionID:    a.ID,
		Lane:        string(a.Lane),
		Source:      a.Payload.Source,
		SourceID:    a.Payload.SourceID,
		IsAdmin:     a.Payload.IsAdmin,
		Description: description,
	}

	var (
		noToolRetries int
		silentRetries int
		bonusGranted  bool
		waiting       bool
		exhausted     bool
		failErr       error
		prevBrowser   bool
	)
	maxSteps := profile.MaxSteps

	for {
		// Exhaustion: the review gate may grant one bonus allotment,
		// whatever path ended the previous iteration.
		if state.Step >= maxSteps {
			if bonusGranted {
				exhausted = true
				break
			}
			cont, reason := l.review.Review(ctx, description, string(guard.TriggerMaxSteps),
				fmt.Sprintf("step budget of %d exhausted", maxSteps), state.Step, l.memoryTail(a.ID))
			l.publishReview(a.ID, guard.TriggerMaxSteps, cont, reason)
			if !cont {
				exhausted = true
				break
			}
			bonusGranted = true
			maxSteps += l.guardrails.BonusSteps
			state.SuppressSends = true
			l.memory.WriteForAction(a.ID, memory.TypeShort,
				fmt.Sprintf("system: limit review passed. Wrap up NOW within %d steps.", l.guardrails.BonusSteps), nil)
		}

		if l.queue.CancelRequested(a.ID) {
			l.queue.ClearCancel(a.ID)
			logger.Info("loop: action cancelled")
			l.conclude(a, state, start, queue.StatusFailed, "cancelled")
			return
		}

		state.BeginStep(prevBrowser)
		prevBrowser = false

		l.maybeStatusUpdate(ctx, a, state, profile)

		decision, err := l.decide(ctx, a, description, state, profile)
		if err != nil {
			failErr = err
			break
		}

		verdict := l.guard.Evaluate(info, decision.Tools, state, profile)
		for _, m := range verdict.Inject {
			l.memory.WriteForAction(a.ID, memory.TypeShort, "system: "+m, nil)
		}
		if verdict.DenialNotice != "" && a.Payload.Source != "" {
			if err := l.sendToSource(ctx, a, verdict.DenialNotice); err == nil {
				state.RecordSend(verdict.DenialNotice)
			}
		}

		if verdict.Review != nil {
			if !l.consultReview(ctx, a, description, verdict.Review, state) {
				break
			}
		}
		if verdict.ForceBreak {
			logger.Info("loop: guardrail break", "reason", verdict.BreakReason)
			break
		}

		if len(verdict.Allowed) == 0 {
			cont, done := l.handleNoTools(a, decision, len(decision.Tools) > 0, state, &noToolRetries, &silentRetries)
			if done {
				break
			}
			if cont {
				continue
			}
		}

		brk, wait, execErr := l.executeBatch(ctx, a, verdict.Allowed, state, decision.Verification.GoalsMet, description, &prevBrowser)
		if execErr != nil {
			failErr = execErr
			break
		}
		if wait {
			waiting = true
			break
		}
		if brk || decision.Verification.GoalsMet {
			break
		}
	}

	switch {
	case failErr != nil:
		logger.Error("loop: action failed", "error", failErr)
		l.sendSOS(ctx, a, failErr)
		l.conclude(a, state, start, queue.StatusFailed, failErr.Error())
	case waiting:
		logger.Info("loop: action waiting on user")
		// Status already set; step-scoped memories are kept for the resume.
		l.memory.WriteForAction(a.ID, memory.TypeShort, "system: paused waiting for a user reply", nil)
	case exhausted:
		logger.Info("loop: step budget exhausted", "steps", state.Step)
		l.conclude(a, state, start, queue.StatusFailed, "step budget exhausted")
	default:
		l.conclude(a, state, start, queue.StatusCompleted, "completed")
	}
}

// handleNoTools applies the empty-batch retry regimes.
// cont=true retries the step; done=true exits the loop.
func (l *Loop) handleNoTools(a *queue.Action, d *Decision, filtered bool, state *guard.ActionState, noToolRetries, silentRetries *int) (cont, done bool) {
	if !d.Verification.GoalsMet {
		*noToolRetries++
		if *noToolRetries > l.guardrails.SilentRetryMax {
			return false, true
		}
		if filtered {
			l.memory.WriteForAction(a.ID, memory.TypeShort,
				"system: your tool calls were invalid or filtered. Choose different tools.", nil)
		} else {
			l.memory.WriteForAction(a.ID, memory.TypeShort,
				"system: you proposed no tools but the goals are not met. Decide a concrete next step.", nil)
		}
		return true, false
	}

	// Goals met with nothing executed: block silent termination on
	// channel-sourced actions until something was sent.
	if a.Payload.Source != "" && state.MessagesSent == 0 {
		*silentRetries++
		if *silentRetries <= l.guardrails.SilentRetryMax {
			l.memory.WriteForAction(a.ID, memory.TypeShort,
				"system: you must send the user a final message before finishing.", nil)
			return true, false
		}
		l.logger.Warn("loop: silent termination after retries", "action_id", a.ID)
	}
	return false, true
}

// executeBatch runs the allowed tools in order. Returns brk to finish the
// action, wait when the action parked itself in waiting.
func (l *Loop) executeBatch(ctx context.Context, a *queue.Action, tools []guard.ToolCall, state *guard.ActionState, goalsMet bool, description string, prevBrowser *bool) (brk, wait bool, err error) {
	actx := skills.ActionContext{
		ActionID: a.ID,
		Lane:     string(a.Lane),
		Source:   a.Payload.Source,
		SourceID: a.Payload.SourceID,
		UserID:   a.Payload.UserID,
		IsAdmin:  a.Payload.IsAdmin,
	}

	for _, t := range tools {
		sk, gerr := l.skills.Get(t.Name)
		if gerr != nil {
			l.memory.WriteForAction(a.ID, memory.TypeShort,
				fmt.Sprintf("system: skill %q does not exist. Use a listed skill.", t.Name), nil)
			state.RecordExecution(t, false, false)
			continue
		}

		tctx, cancel := context.WithTimeout(ctx, l.toolTimeout())
		value, herr := sk.Handler(tctx, t.Args, actx)
		cancel()

		out := skills.Classify(value, herr)
		state.RecordExecution(t, skills.IsDeep(t.Name), out.Success)
		if strings.HasPrefix(t.Name, "browser_") || strings.HasPrefix(t.Name, "computer_") {
			*prevBrowser = true
		}

		l.memory.WriteForAction(a.ID, memory.TypeShort,
			fmt.Sprintf("%s → %s", t.Name, truncate(out.Observation, 1500)),
			map[string]string{"tool": t.Name})

		if !out.Success {
			if state.ConsecutiveFails[t.Name] == l.guardrails.ConsecutiveFailLimit {
				l.memory.WriteForAction(a.ID, memory.TypeShort,
					fmt.Sprintf("system: %s failed %d times in a row. Stop using it and try another approach.",
						t.Name, l.guardrails.ConsecutiveFailLimit), nil)
			}
			if out.RetryAfter > 0 || DetectRateLimit(out.Observation) {
				l.memory.WriteForAction(a.ID, memory.TypeShort,
					"system: that service is rate limited. Consider schedule_task(in N minutes, <task>) and finishing for now.", nil)
			}
			continue
		}

		switch {
		case t.Name == "request_supporting_data":
			question := out.Observation
			if serr := l.sendToSource(ctx, a, question); serr != nil {
				l.memory.WriteForAction(a.ID, memory.TypeShort,
					"system: failed to deliver your question: "+serr.Error(), nil)
				continue
			}
			state.RecordSend(question)
			l.enterWaiting(a, question)
			return false, true, nil

		case skills.IsSend(t.Name):
			text := sendText(t)
			state.RecordSend(text)
			l.publishOutbound(a, t.Name, text, out.FilePath)

			if text != "" && !goalsMet && l.questions.IsQuestion(text) {
				l.enterWaiting(a, text)
				return false, true, nil
			}
			if state.ImageGenerated && (t.Name == "send_file" || t.Name == "send_image") {
				state.ImageDelivered = true
				return true, false, nil
			}
			if guard.FileDeliveryComplete(t.Name, description) {
				return true, false, nil
			}

		case t.Name == "schedule_task":
			// The scheduled task resumes the work autonomously.
			return true, false, nil

		case t.Name == "generate_image":
			state.ImageGenerated = true
			state.ImagePath = out.FilePath
		}
	}
	return false, false, nil
}

// decide asks the model for the next decision with bounded retries.
func (l *Loop) decide(ctx context.Context, a *queue.Action, description string, state *guard.ActionState, profile guard.Profile) (*Decision, error) {
	system := buildSystemPrompt(l.skills.Describe())
	memories := l.memory.ByAction(a.ID)
	if len(memories) > memoryTailPerStep {
		memories = memories[len(memories)-memoryTailPerStep:]
	}
	prompt := buildDecisionPrompt(a, description, memories, state.Step, profile.MaxSteps, state.MessagesSent, profile.MaxMessages)

	retries := l.timeouts.LLMRetries
	if retries < 1 {
		retries = 1
	}
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, l.llmTimeout())
		out, err := l.client.Complete(cctx, prompt, system)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		d, err := ParseDecision(out)
		if err != nil {
			lastErr = err
			continue
		}
		return d, nil
	}
	return nil, fmt.Errorf("decide step %d: %w", state.Step, lastErr)
}

// consultReview handles the mid-loop review triggers. Returns false to break.
func (l *Loop) consultReview(ctx context.Context, a *queue.Action, description string, req *guard.ReviewRequest, state *guard.ActionState) bool {
	details := ""
	switch req.Trigger {
	case guard.TriggerSkillFrequency:
		details = fmt.Sprintf("skill %q hit its per-action call ceiling", req.Skill)
	case guard.TriggerMessageBudget:
		details = "the message budget for this action is spent"
	}

	cont, reason := l.review.Review(ctx, description, string(req.Trigger), details, state.Step, l.memoryTail(a.ID))
	l.publishReview(a.ID, req.Trigger, cont, reason)
	if !cont {
		return false
	}

	switch req.Trigger {
	case guard.TriggerSkillFrequency:
		state.ResetSkillCount(req.Skill)
		l.memory.WriteForAction(a.ID, memory.TypeShort,
			fmt.Sprintf("system: stop hammering %s. Review allowed continuing; switch approach.", req.Skill), nil)
	case guard.TriggerMessageBudget:
		state.SuppressSends = true
		l.memory.WriteForAction(a.ID, memory.TypeShort,
			"system: message budget spent. Finish the work without further status messages.", nil)
	}
	return true
}

func (l *Loop) classifyWithTimeout(ctx context.Context, description string) Complexity {
	cctx, cancel := context.WithTimeout(ctx, l.llmTimeout())
	defer cancel()
	return classify(cctx, l.client, description)
}

func (l *Loop) buildPlan(ctx context.Context, a *queue.Action, description string) {
	cctx, cancel := context.WithTimeout(ctx, l.llmTimeout())
	defer cancel()
	plan, err := l.client.Complete(cctx, sprintfTrunc(planPrompt, description, 2000), "")
	if err != nil {
		l.logger.Debug("loop: plan generation failed", "action_id", a.ID, "error", err)
		return
	}
	l.memory.WriteForAction(a.ID, memory.TypeShort, "execution plan:\n"+truncate(plan, 1200), nil)
}

// maybeStatusUpdate emits a "still working" note on long silent stretches.
// Status notes spend the same message budget as regular sends.
func (l *Loop) maybeStatusUpdate(ctx context.Context, a *queue.Action, state *guard.ActionState, profile guard.Profile) {
	n := l.guardrails.StatusUpdateSteps
	if n <= 0 || state.SuppressSends || a.Payload.Source == "" {
		return
	}
	if state.MessagesSent >= profile.MaxMessages {
		return
	}
	if state.StepsSinceLastMessage == 0 || state.StepsSinceLastMessage%n != 0 {
		return
	}
	text := fmt.Sprintf("Still working on it — step %d.", state.Step)
	if err := l.sendToSource(ctx, a, text); err == nil {
		state.RecordSend(text)
	}
}

func (l *Loop) enterWaiting(a *queue.Action, question string) {
	if err := l.queue.UpdateStatus(a.ID, queue.StatusWaiting); err != nil {
		l.logger.Error("loop: enter waiting", "action_id", a.ID, "error", err)
		return
	}
	if l.bus != nil {
		l.bus.Publish(events.NewTypedEventForAction(events.SourceLoop, events.ActionWaitingPayload{
			ActionID: a.ID,
			Question: truncate(question, 300),
		}, a.ID))
	}
}

func (l *Loop) conclude(a *queue.Action, state *guard.ActionState, start time.Time, status queue.Status, note string) {
	l.memory.WriteForAction(a.ID, memory.TypeEpisodic,
		fmt.Sprintf("task-conclusion (%s after %d steps): %s", status, state.Step, truncate(note, 300)), nil)

	if err := l.queue.UpdateStatus(a.ID, status); err != nil {
		l.logger.Error("loop: conclude", "action_id", a.ID, "error", err)
	}
	l.memory.PurgeAction(a.ID)

	if l.bus == nil {
		return
	}
	if status == queue.StatusCompleted {
		l.bus.Publish(events.NewTypedEventForAction(events.SourceLoop, events.ActionCompletedPayload{
			ActionID: a.ID,
			Steps:    state.Step,
			Messages: state.MessagesSent,
			Duration: time.Since(start),
		}, a.ID))
	} else {
		l.bus.Publish(events.NewTypedEventForAction(events.SourceLoop, events.ActionFailedPayload{
			ActionID: a.ID,
			Error:    note,
		}, a.ID))
	}
}

func (l *Loop) sendToSource(ctx context.Context, a *queue.Action, text string) error {
	if a.Payload.Source == "" || a.Payload.SourceID == "" {
		return fmt.Errorf("action %s has no source channel", a.ID)
	}
	ch, err := l.channels.Get(a.Payload.Source)
	if err != nil {
		return err
	}
	return ch.SendMessage(ctx, a.Payload.SourceID, text)
}

func (l *Loop) sendSOS(ctx context.Context, a *queue.Action, failErr error) {
	if a.Payload.Source == "" {
		return
	}
	msg := "I hit an unrecoverable error while working on your request: " + truncate(failErr.Error(), 300)
	if err := l.sendToSource(ctx, a, msg); err != nil {
		l.logger.Warn("loop: SOS delivery failed", "action_id", a.ID, "error", err)
	}
}

func (l *Loop) publishOutbound(a *queue.Action, tool, text, filePath string) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(events.NewTypedEventForAction(events.SourceLoop, events.MessageOutboundPayload{
		Channel:  a.Payload.Source,
		To:       a.Payload.SourceID,
		Text:     truncate(text, 300),
		FilePath: filePath,
		ActionID: a.ID,
	}, a.ID))
}

func (l *Loop) publishReview(actionID string, trigger guard.ReviewTrigger, cont bool, reason string) {
	if l.bus == nil {
		return
	}
	decision := "terminate"
	if cont {
		decision = "continue"
	}
	l.bus.Publish(events.NewTypedEventForAction(events.SourceLoop, events.ReviewVerdictPayload{
		ActionID: actionID,
		Trigger:  string(trigger),
		Decision: decision,
		Reason:   reason,
	}, actionID))
}

func (l *Loop) memoryTail(actionID string) string {
	entries := l.memory.ByAction(actionID)
	if len(entries) > 15 {
		entries = entries[len(entries)-15:]
	}
	return memory.FormatEntries(entries, time.Now())
}

func (l *Loop) toolTimeout() time.Duration {
	if d := l.timeouts.ToolCall.Duration(); d > 0 {
		return d
	}
	return 5 * time.Minute
}

func (l *Loop) llmTimeout() time.Duration {
	if d := l.timeouts.LLMCall.Duration(); d > 0 {
		return d
	}
	return 90 * time.Second
}

// sendText extracts the outbound text from a send tool's arguments.
func sendText(t guard.ToolCall) string {
	for _, k := range []string{"text", "message", "content", "caption"} {
		if v, ok := t.Args[k].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
