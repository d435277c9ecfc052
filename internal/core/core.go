// Package core assembles every subsystem and drives the action dispatcher.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orcbot-ai/orcbot/internal/channels"
	"github.com/orcbot-ai/orcbot/internal/config"
	"github.com/orcbot-ai/orcbot/internal/contacts"
	"github.com/orcbot-ai/orcbot/internal/events"
	"github.com/orcbot-ai/orcbot/internal/gateway"
	"github.com/orcbot-ai/orcbot/internal/guard"
	"github.com/orcbot-ai/orcbot/internal/loop"
	"github.com/orcbot-ai/orcbot/internal/memory"
	"github.com/orcbot-ai/orcbot/internal/models"
	"github.com/orcbot-ai/orcbot/internal/orchestrator"
	"github.com/orcbot-ai/orcbot/internal/queue"
	"github.com/orcbot-ai/orcbot/internal/scheduler"
	"github.com/orcbot-ai/orcbot/internal/skills"
	"github.com/orcbot-ai/orcbot/internal/storage"
)

const (
	contactsFlushEvery   = time.Minute
	maxDelegationWorkers = 3
)

// Options configures a Core instance.
type Options struct {
	Config  *config.Config
	DataDir string
	Logger  *slog.Logger
	// Worker marks an orchestrator-forked process: it runs without the
	// instance lock, gateway, schedulers, and orchestrator of its own.
	Worker bool
}

// Core owns the queue, the decision loop, the schedulers, the orchestrator,
// and the gateway. One instance per process.
type Core struct {
	cfg     *config.Config
	dataDir string
	logger  *slog.Logger
	worker  bool

	bus      *events.Bus
	eventLog *storage.EventLog
	queue    *queue.Queue
	memory   *memory.Store
	contacts *contacts.Store
	skills   *skills.Registry
	channels *channels.Registry
	policy   *channels.Policy
	client   *models.Client
	loop     *loop.Loop
	orch     *orchestrator.Orchestrator

	emitter    *scheduler.Emitter
	oneoff     *scheduler.OneOffScheduler
	heartbeats *scheduler.HeartbeatScheduler
	ticker     *scheduler.Ticker
	prompts    *scheduler.PromptBuilder
	gateway    *gateway.Server

	runCtx context.Context
	cancel context.CancelFunc

	// busy guards the single-action dispatcher.
	busy        atomic.Bool
	heartbeatMu sync.Mutex

	// hbActions tracks queued heartbeat actions until they conclude, so the
	// emitter backoff can tell productive heartbeats from silent ones.
	hbMu      sync.Mutex
	hbActions map[string]bool
}

// New wires a core from configuration. Nothing starts running until Start.
func New(opts Options) (*Core, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	config.ApplyDefaults(cfg)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = cfg.DataDir
	}
	if dataDir == "" {
		dataDir = config.OrcbotPath()
	}
	if err := Bootstrap(dataDir); err != nil {
		return nil, err
	}

	c := &Core{
		cfg:       cfg,
		dataDir:   dataDir,
		logger:    logger,
		worker:    opts.Worker,
		hbActions: make(map[string]bool),
	}
	c.runCtx, c.cancel = context.WithCancel(context.Background())

	c.bus = events.NewBus(cfg.Events.BufferSize)

	eventLog, err := storage.NewEventLog(dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	c.eventLog = eventLog

	if c.queue, err = queue.New(filepath.Join(dataDir, "actions.json"), c.bus, logger); err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	if c.memory, err = memory.NewStore(filepath.Join(dataDir, "memory.json"), logger); err != nil {
		return nil, fmt.Errorf("open memory: %w", err)
	}
	if c.contacts, err = contacts.NewStore(filepath.Join(dataDir, "known_users.json"), contactsFlushEvery, logger); err != nil {
		return nil, fmt.Errorf("open contacts: %w", err)
	}

	c.channels = channels.NewRegistry()
	c.policy = &channels.Policy{
		AdminUsers:         cfg.Admin.Users,
		CrossChannelExempt: cfg.Channels.CrossChannelExempt,
		Registry:           c.channels,
	}

	modelReg := models.NewRegistry(cfg.Models)
	c.client = models.NewClient(modelReg, 1, logger)
	reviewClient := models.CompletionClient(c.client)
	if cfg.Models.Review != "" && cfg.Models.Review != cfg.Models.Default {
		reviewCfg := cfg.Models
		reviewCfg.Default = cfg.Models.Review
		reviewClient = models.NewClient(models.NewRegistry(reviewCfg), 1, logger)
	}

	if !opts.Worker {
		c.orch, err = orchestrator.New(orchestrator.Config{
			Dir:        filepath.Join(dataDir, "orchestrator"),
			WorkerRoot: filepath.Join(dataDir, "workers"),
			Bus:        c.bus,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init orchestrator: %w", err)
		}
	}

	c.emitter = scheduler.NewEmitter(dataDir, cfg.Autonomy, logger)
	c.oneoff = scheduler.NewOneOffScheduler(
		filepath.Join(dataDir, "scheduled-tasks.json"), c.pushScheduled, c.bus, logger)
	c.heartbeats = scheduler.NewHeartbeatScheduler(
		filepath.Join(dataDir, "heartbeat-schedules.json"), c.pushHeartbeatJob, c.heartbeatGate, c.bus, logger)

	c.prompts = &scheduler.PromptBuilder{
		DataDir:      dataDir,
		Memory:       c.memory,
		Queue:        c.queue,
		Contacts:     c.contacts,
		Heartbeats:   c.heartbeats,
		OneOff:       c.oneoff,
		Emitter:      c.emitter,
		ChannelNames: c.channels.Names,
		IdleWorkers:  c.idleWorkers,
	}

	c.skills = skills.NewRegistry(logger)
	c.registerSkills()
	// Operator manifests overlay descriptions and usage on registered skills.
	if manifests, merr := skills.LoadManifestDir(filepath.Join(dataDir, "skills")); merr != nil {
		logger.Warn("core: load skill manifests", "error", merr)
	} else {
		c.skills.ApplyManifests(manifests)
	}

	engine := guard.NewEngine(cfg.Guardrails, c.policy, cfg.Autonomy.SudoMode, c.bus, logger)
	questions := guard.NewQuestionDetector(cfg.Guardrails.QuestionPatterns, logger)
	review := loop.NewReviewGate(reviewClient, logger)

	c.loop = loop.New(c.queue, c.memory, c.skills, c.channels, engine, questions,
		review, c.client, c.bus, cfg.Guardrails, cfg.Timeouts, logger)
	c.loop.HeartbeatPrompt = c.prompts.Build

	c.ticker = scheduler.NewTicker(c.queue, cfg.Timeouts, c.oneoff, c.heartbeats, logger)
	c.ticker.Drain = c.dispatch
	c.ticker.EvaluateHeartbeat = c.evaluateHeartbeat

	if !opts.Worker {
		c.gateway = gateway.NewServer(gateway.Config{
			Host:      cfg.Gateway.Host,
			Port:      cfg.Gateway.Port,
			Bus:       c.bus,
			Queue:     c.queue,
			Logger:    logger,
			Agents:    c.orch.Agents,
			Tasks:     c.orch.Tasks,
			Schedules: c.listSchedules,
			PushTask: func(description string, priority int) (string, error) {
				a, _ := c.PushTask(description, priority, queue.Payload{Source: "", IsAdmin: true})
				return a.ID, nil
			},
			Cancel:     c.CancelAction,
			ClearQueue: c.ClearQueue,
			AddSchedule: func(schedule, task string, priority int) (string, error) {
				return c.scheduleTask(context.Background(), schedule, task, priority)
			},
			RemoveSchedule: func(id string) error {
				return c.cancelSchedule(context.Background(), id)
			},
		})
	}

	c.bus.Subscribe(c.onEvent,
		events.EventMessageOutbound, events.EventActionCompleted, events.EventActionFailed)

	return c, nil
}

// Start acquires the instance lock, recovers persisted state, and begins the
// tick loop and gateway. Worker processes skip the singleton machinery.
func (c *Core) Start() error {
	if !c.worker {
		if err := AcquireLock(filepath.Join(c.dataDir, "orcbot.lock")); err != nil {
			return err
		}
	}

	c.eventLog.Attach(c.bus)

	if n := c.queue.RecoverStale(c.cfg.Timeouts.MaxStaleAction.Duration()); n > 0 {
		c.logger.Info("core: recovered stale actions", "count", n)
	}

	if c.worker {
		c.logger.Info("core: worker started", "data_dir", c.dataDir)
		return nil
	}

	now := time.Now()
	if err := c.oneoff.Load(now); err != nil {
		c.logger.Warn("core: load one-off schedules", "error", err)
	}
	if err := c.heartbeats.Load(now); err != nil {
		c.logger.Warn("core: load heartbeat jobs", "error", err)
	}

	c.ticker.Start()
	go func() {
		if err := c.gateway.Start(); err != nil {
			c.logger.Error("core: gateway stopped", "error", err)
		}
	}()

	c.logger.Info("core: started", "data_dir", c.dataDir, "channels", c.channels.Names())
	c.dispatch()
	return nil
}

// Stop shuts everything down in reverse order and releases the lock.
func (c *Core) Stop() {
	if !c.worker {
		c.ticker.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.gateway.Shutdown(ctx); err != nil {
			c.logger.Warn("core: gateway shutdown", "error", err)
		}
		cancel()
		c.orch.Shutdown()
	}
	c.cancel()
	if err := c.contacts.Flush(); err != nil {
		c.logger.Warn("core: flush contacts", "error", err)
	}
	if err := c.eventLog.Close(); err != nil {
		c.logger.Warn("core: close event log", "error", err)
	}
	c.bus.Close()
	if !c.worker {
		ReleaseLock(filepath.Join(c.dataDir, "orcbot.lock"))
	}
	c.logger.Info("core: stopped")
}

// RegisterChannel adds an outbound channel adapter. Call before Start.
func (c *Core) RegisterChannel(ch channels.Channel) {
	c.channels.Register(ch)
}

// PushTask enqueues user-lane work. Channel adapters call this on every
// inbound message; duplicates dedup and waiting actions resume in the queue.
func (c *Core) PushTask(description string, priority int, payload queue.Payload) (*queue.Action, queue.PushOutcome) {
	if payload.Source != "" && payload.UserID != "" {
		payload.IsAdmin = c.policy.IsAdmin(payload.Source, payload.UserID)
		c.contacts.Touch(payload.Source, payload.UserID, payload.SenderName, "")
	}
	a, outcome := c.queue.Push(queue.NewAction(description, priority, queue.LaneUser, payload))
	c.dispatch()
	return a, outcome
}

// CancelAction requests a cooperative cancel of a queued or running action.
func (c *Core) CancelAction(id string) bool {
	return c.queue.RequestCancel(id)
}

// ClearQueue cancels every non-terminal action and returns the count.
func (c *Core) ClearQueue() int {
	return c.queue.CancelAll()
}

// Queue exposes the action queue for read-side callers.
func (c *Core) Queue() *queue.Queue { return c.queue }

// Bus exposes the event bus.
func (c *Core) Bus() *events.Bus { return c.bus }

// dispatch picks up the next pending action unless one is already running.
// It reschedules itself when the running action concludes.
func (c *Core) dispatch() {
	if c.busy.Swap(true) {
		return
	}
	a := c.queue.GetNext()
	if a == nil {
		c.busy.Store(false)
		return
	}
	if err := c.queue.UpdateStatus(a.ID, queue.StatusInProgress); err != nil {
		c.logger.Error("core: mark in-progress", "action_id", a.ID, "error", err)
		c.busy.Store(false)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(c.runCtx, c.maxActionRun())
		c.loop.Run(ctx, a)
		cancel()
		c.busy.Store(false)
		c.dispatch()
	}()
}

// evaluateHeartbeat runs once per tick. When the emitter agrees, the beat is
// delegated to an idle worker if one exists, otherwise queued locally.
func (c *Core) evaluateHeartbeat() {
	if !c.heartbeatMu.TryLock() {
		return
	}
	defer c.heartbeatMu.Unlock()

	now := time.Now()
	if !c.emitter.ShouldFire(now, c.busy.Load(), c.queue.HasPendingHeartbeat()) {
		return
	}
	c.emitter.RecordFire(now)
	tier := string(c.emitter.Tier(now))

	if c.orch != nil && c.orch.IdleWorkers() > 0 {
		taskID, err := c.orch.Delegate(c.prompts.Build(), 3)
		if err == nil {
			c.logger.Info("core: heartbeat delegated", "task_id", taskID, "idle_tier", tier)
			c.bus.Publish(events.NewTypedEvent(events.SourceCore, events.HeartbeatEmittedPayload{
				ActionID:  taskID,
				Delegated: true,
				IdleTier:  tier,
			}))
			return
		}
		c.logger.Warn("core: heartbeat delegation failed, queueing locally", "error", err)
	}

	a, _ := c.queue.Push(queue.NewAction("Autonomous heartbeat", 3, queue.LaneAutonomy,
		queue.Payload{IsHeartbeat: true, IsAdmin: true}))
	c.trackHeartbeat(a.ID)
	c.logger.Info("core: heartbeat queued", "action_id", a.ID, "idle_tier", tier)
	c.bus.Publish(events.NewTypedEventForAction(events.SourceCore, events.HeartbeatEmittedPayload{
		ActionID: a.ID,
		IdleTier: tier,
	}, a.ID))
	c.dispatch()
}

// heartbeatGate decides whether a recurring heartbeat job may fire now.
func (c *Core) heartbeatGate() bool {
	return !c.busy.Load() &&
		c.emitter.CooldownElapsed(time.Now()) &&
		!c.queue.HasPendingHeartbeat()
}

// pushScheduled is the one-off scheduler's push hook: autonomy-lane work.
func (c *Core) pushScheduled(task string, priority int) (string, error) {
	a, _ := c.queue.Push(queue.NewAction(task, priority, queue.LaneAutonomy,
		queue.Payload{IsAdmin: true}))
	return a.ID, nil
}

// pushHeartbeatJob is the recurring scheduler's push hook. The pushed action
// is a heartbeat so its prompt gets rebuilt at execution time.
func (c *Core) pushHeartbeatJob(task string, priority int) (string, error) {
	a, _ := c.queue.Push(queue.NewAction(task, priority, queue.LaneAutonomy,
		queue.Payload{IsHeartbeat: true, IsAdmin: true}))
	c.emitter.RecordFire(time.Now())
	c.trackHeartbeat(a.ID)
	return a.ID, nil
}

func (c *Core) trackHeartbeat(actionID string) {
	c.hbMu.Lock()
	c.hbActions[actionID] = false
	c.hbMu.Unlock()
}

// onEvent feeds heartbeat outcomes back into the emitter backoff. A heartbeat
// that sent the user something counts as productive.
func (c *Core) onEvent(e events.Event) {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()

	switch e.Type {
	case events.EventMessageOutbound:
		if _, ok := c.hbActions[e.ActionID]; ok {
			c.hbActions[e.ActionID] = true
		}
	case events.EventActionCompleted, events.EventActionFailed:
		productive, ok := c.hbActions[e.ActionID]
		if !ok {
			return
		}
		delete(c.hbActions, e.ActionID)
		c.emitter.RecordOutcome(productive && e.Type == events.EventActionCompleted)
	}
}

func (c *Core) idleWorkers() int {
	if c.orch == nil {
		return 0
	}
	return c.orch.IdleWorkers()
}

func (c *Core) listSchedules() []scheduler.Entry {
	entries := c.heartbeats.List()
	return append(entries, c.oneoff.List()...)
}

// scheduleTask routes schedule_task to the recurring or one-off scheduler.
func (c *Core) scheduleTask(_ context.Context, rawSchedule, task string, priority int) (string, error) {
	if scheduler.IsRecurring(rawSchedule, time.Now()) {
		e, err := c.heartbeats.Add(rawSchedule, task, priority)
		if err != nil {
			return "", err
		}
		return e.ID, nil
	}
	e, err := c.oneoff.Add(rawSchedule, task, priority)
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

// cancelSchedule removes a schedule from whichever scheduler holds it.
func (c *Core) cancelSchedule(_ context.Context, id string) error {
	if err := c.oneoff.Remove(id); err == nil {
		return nil
	}
	return c.heartbeats.Remove(id)
}

// registerSkills wires the native and bridge skills.
func (c *Core) registerSkills() {
	reg := c.skills

	reg.Register(skills.NewRunCommandSkill(c.cfg.Timeouts.Command.Duration(), c.dataDir))
	reg.Register(skills.NewRememberSkill(c.memory))
	reg.Register(skills.NewRecallMemorySkill(c.memory))
	reg.Register(skills.NewRequestSupportingDataSkill())
	reg.Register(skills.NewJournalSkill(func(entry string) error {
		return appendDated(c.dataDir, "JOURNAL.md", entry)
	}))
	reg.Register(skills.NewLearningSkill(func(lesson string) error {
		return appendDated(c.dataDir, "LEARNING.md", lesson)
	}))

	sendMessage := func(ctx context.Context, channel, to, text string) error {
		ch, err := c.channels.Get(channel)
		if err != nil {
			return err
		}
		return ch.SendMessage(ctx, to, text)
	}
	sendFile := func(ctx context.Context, channel, to, path, caption string) error {
		ch, err := c.channels.Get(channel)
		if err != nil {
			return err
		}
		return ch.SendFile(ctx, to, path, caption)
	}
	reg.Register(skills.NewSendMessageSkill("", sendMessage))
	reg.Register(skills.NewSendFileSkill("send_file", sendFile))
	reg.Register(skills.NewSendFileSkill("send_image", sendFile))
	reg.Register(skills.NewSendVoiceSkill(func(ctx context.Context, channel, to, path string) error {
		ch, err := c.channels.Get(channel)
		if err != nil {
			return err
		}
		return ch.SendVoiceNote(ctx, to, path)
	}))
	reg.Register(skills.NewReactSkill(func(ctx context.Context, channel, to, messageID, emoji string) error {
		ch, err := c.channels.Get(channel)
		if err != nil {
			return err
		}
		return ch.React(ctx, to, messageID, emoji)
	}))

	reg.Register(skills.NewScheduleTaskSkill(c.scheduleTask))
	reg.Register(skills.NewCancelScheduleSkill(c.cancelSchedule))

	if !c.worker {
		reg.Register(skills.NewDelegateTaskSkill(func(_ context.Context, description string, priority int) (string, error) {
			// Spawn lazily: workers are only forked when a task needs one.
			if c.orch.IdleWorkers() == 0 && len(c.orch.Agents()) < maxDelegationWorkers {
				name := fmt.Sprintf("worker-%d", len(c.orch.Agents())+1)
				if _, err := c.orch.SpawnAgent(name, "generalist", nil, false); err != nil {
					c.logger.Warn("core: spawn delegation worker", "error", err)
				}
			}
			return c.orch.Delegate(description, priority)
		}))
	}
}

func (c *Core) maxActionRun() time.Duration {
	if d := c.cfg.Timeouts.MaxActionRun.Duration(); d > 0 {
		return d
	}
	return 30 * time.Minute
}

// taskConclusion digs the conclusion note for a finished action out of
// episodic memory, for reporting delegated results back to the parent.
func (c *Core) taskConclusion(actionID string) string {
	for _, e := range c.memory.TailByType(memory.TypeEpisodic, 10) {
		if e.ActionID() == actionID && strings.HasPrefix(e.Content, "task-conclusion") {
			return e.Content
		}
	}
	return ""
}
