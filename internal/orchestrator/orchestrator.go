package orchestrator

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/orcbot-ai/orcbot/internal/events"
	"github.com/orcbot-ai/orcbot/internal/storage"
)

// shutdownGrace is how long a worker gets to exit after a shutdown frame.
const shutdownGrace = 5 * time.Second

// Config assembles an Orchestrator.
type Config struct {
	// Dir holds agents.json and tasks.json.
	Dir string
	// WorkerRoot is where per-worker data directories are created.
	WorkerRoot string
	// WorkerCommand is the argv used to fork a worker. The worker's data
	// directory is appended as "--data-dir <dir>".
	WorkerCommand []string
	Bus           *events.Bus
	Logger        *slog.Logger
}

type workerProcess struct {
	cmd *exec.Cmd
	in  *frameWriter
}

// Orchestrator tracks delegation workers and routes tasks to them.
type Orchestrator struct {
	dir        string
	workerRoot string
	workerCmd  []string
	bus        *events.Bus
	logger     *slog.Logger

	mu              sync.Mutex
	agents          map[string]*AgentInstance
	tasks           map[string]*DelegatedTask
	procs           map[string]*workerProcess
	ready           map[string]bool
	pendingDispatch map[string][]string // agent id → task ids queued before ready
	cancelled       map[string]string   // task id → cancel reason
}

// New loads persisted state and recovers from a crash: workers are gone after
// a restart, so working agents reset to idle and their tasks back to pending.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.WorkerCommand) == 0 {
		cfg.WorkerCommand = []string{os.Args[0], "run", "--worker"}
	}
	o := &Orchestrator{
		dir:             cfg.Dir,
		workerRoot:      cfg.WorkerRoot,
		workerCmd:       cfg.WorkerCommand,
		bus:             cfg.Bus,
		logger:          cfg.Logger,
		agents:          make(map[string]*AgentInstance),
		tasks:           make(map[string]*DelegatedTask),
		procs:           make(map[string]*workerProcess),
		ready:           make(map[string]bool),
		pendingDispatch: make(map[string][]string),
		cancelled:       make(map[string]string),
	}

	var agents []*AgentInstance
	if _, err := storage.LoadJSON(o.agentsPath(), &agents); err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	for _, a := range agents {
		if a.Status == AgentWorking {
			a.Status = AgentIdle
			a.CurrentTask = ""
		}
		a.PID = 0
		o.agents[a.ID] = a
	}

	var tasks []*DelegatedTask
	if _, err := storage.LoadJSON(o.tasksPath(), &tasks); err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	for _, t := range tasks {
		if t.Status == TaskAssigned || t.Status == TaskInProgress {
			t.Status = TaskPending
			t.AssignedTo = ""
		}
		o.tasks[t.ID] = t
	}

	o.logger.Info("orchestrator loaded", "agents", len(o.agents), "tasks", len(o.tasks))
	return o, nil
}

func (o *Orchestrator) agentsPath() string { return filepath.Join(o.dir, "agents.json") }
func (o *Orchestrator) tasksPath() string  { return filepath.Join(o.dir, "tasks.json") }

// SpawnAgent registers a worker, allocates its data directory, and forks the
// worker process when start is true.
func (o *Orchestrator) SpawnAgent(name, role string, capabilities []string, start bool) (*AgentInstance, error) {
	a := &AgentInstance{
		ID:           newAgentID(),
		Name:         name,
		Role:         role,
		ParentID:     "primary",
		Capabilities: NormalizeCapabilities(capabilities),
		Status:       AgentIdle,
		CreatedAt:    time.Now(),
	}
	a.DataDir = filepath.Join(o.workerRoot, a.ID)
	if err := os.MkdirAll(a.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create worker dir: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.agents[a.ID] = a
	o.persistLocked()

	if start {
		if err := o.startWorkerLocked(a); err != nil {
			delete(o.agents, a.ID)
			o.persistLocked()
			return nil, err
		}
	}
	o.logger.Info("orchestrator: agent spawned", "agent_id", a.ID, "name", name, "started", start)
	return a, nil
}

// startWorkerLocked forks the worker process and wires its pipes. Caller
// holds o.mu.
func (o *Orchestrator) startWorkerLocked(a *AgentInstance) error {
	args := append(append([]string(nil), o.workerCmd[1:]...), "--data-dir", a.DataDir)
	cmd := exec.Command(o.workerCmd[0], args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("worker stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	proc := &workerProcess{cmd: cmd, in: newFrameWriter(stdin)}
	o.procs[a.ID] = proc
	a.PID = cmd.Process.Pid

	agentID, name := a.ID, a.Name
	go func() {
		_ = readFrames(stdout, func(m Message) {
			o.handleMessage(agentID, m)
		}, func(line string) {
			o.logger.Info("worker stdout", "worker", name, "line", line)
		})
	}()
	go func() {
		_ = readFrames(stderr, func(m Message) {
			o.handleMessage(agentID, m)
		}, func(line string) {
			o.logger.Info("worker stderr", "worker", name, "line", line)
		})
	}()
	go func() {
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		o.onWorkerExit(agentID, code)
	}()

	if err := proc.in.Send(Message{Type: MsgInit, Init: &InitConfig{
		AgentID: a.ID,
		Name:    a.Name,
		DataDir: a.DataDir,
	}}); err != nil {
		_ = cmd.Process.Kill()
		return err
	}
	return nil
}

// Delegate creates a pending task and tries to place it on an idle worker.
func (o *Orchestrator) Delegate(description string, priority int) (string, error) {
	t := &DelegatedTask{
		ID:          newTaskID(),
		Description: description,
		Priority:    priority,
		Status:      TaskPending,
		CreatedAt:   time.Now(),
	}
	o.mu.Lock()
	o.tasks[t.ID] = t
	o.persistLocked()
	o.mu.Unlock()

	o.DistributeTasks()
	return t.ID, nil
}

// AssignTask routes a pending task to an idle agent. On any dispatch failure
// the assignment is reverted atomically.
func (o *Orchestrator) AssignTask(taskID, agentID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.assignLocked(taskID, agentID)
}

func (o *Orchestrator) assignLocked(taskID, agentID string) error {
	t, ok := o.tasks[taskID]
	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}
	a, ok := o.agents[agentID]
	if !ok {
		return fmt.Errorf("agent not found: %s", agentID)
	}
	if t.Status != TaskPending {
		return fmt.Errorf("task %s is %s, not pending", taskID, t.Status)
	}
	if a.Status != AgentIdle {
		return fmt.Errorf("agent %s is %s, not idle", agentID, a.Status)
	}

	t.Status = TaskAssigned
	t.AssignedTo = agentID
	a.Status = AgentWorking
	a.CurrentTask = taskID
	o.persistLocked()

	revert := func() {
		t.Status = TaskPending
		t.AssignedTo = ""
		a.Status = AgentIdle
		a.CurrentTask = ""
		o.persistLocked()
	}

	proc, running := o.procs[agentID]
	if !running {
		if err := o.startWorkerLocked(a); err != nil {
			revert()
			return fmt.Errorf("assign task %s: %w", taskID, err)
		}
		// Dispatch once the fresh worker reports ready.
		o.pendingDispatch[agentID] = append(o.pendingDispatch[agentID], taskID)
	} else if !o.ready[agentID] {
		o.pendingDispatch[agentID] = append(o.pendingDispatch[agentID], taskID)
	} else {
		if err := proc.in.Send(Message{Type: MsgTask, TaskID: taskID, Payload: t.Description}); err != nil {
			revert()
			return fmt.Errorf("assign task %s: %w", taskID, err)
		}
	}

	o.logger.Info("orchestrator: task assigned", "task_id", taskID, "agent_id", agentID)
	if o.bus != nil {
		o.bus.Publish(events.NewTypedEvent(events.SourceOrchestrator, events.TaskDelegatedPayload{
			TaskID:  taskID,
			AgentID: agentID,
		}))
	}
	return nil
}

// DistributeTasks places pending tasks on idle agents, highest priority and
// oldest first.
func (o *Orchestrator) DistributeTasks() {
	o.mu.Lock()
	defer o.mu.Unlock()

	var pending []*DelegatedTask
	for _, t := range o.tasks {
		if t.Status == TaskPending {
			pending = append(pending, t)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	for _, t := range pending {
		assigned := false
		for id, a := range o.agents {
			if a.Status != AgentIdle {
				continue
			}
			if err := o.assignLocked(t.ID, id); err == nil {
				assigned = true
				break
			}
		}
		if !assigned {
			return
		}
	}
}

// CancelTask fails the task, records the reason, and stops its worker. The
// worker-exit handler consults the reason map so cancelled tasks are not
// re-queued.
func (o *Orchestrator) CancelTask(taskID, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[taskID]
	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}
	if t.Status == TaskCompleted || t.Status == TaskFailed {
		return fmt.Errorf("task %s already %s", taskID, t.Status)
	}

	o.cancelled[taskID] = reason
	now := time.Now()
	t.Status = TaskFailed
	t.Error = reason
	t.CompletedAt = &now

	agentID := t.AssignedTo
	t.AssignedTo = ""
	if a, ok := o.agents[agentID]; ok {
		a.Status = AgentIdle
		a.CurrentTask = ""
		o.stopWorkerLocked(agentID)
	}
	o.persistLocked()
	o.logger.Info("orchestrator: task cancelled", "task_id", taskID, "reason", reason)
	return nil
}

// handleMessage processes one worker→parent IPC frame.
func (o *Orchestrator) handleMessage(agentID string, m Message) {
	o.mu.Lock()
	a, ok := o.agents[agentID]
	if !ok {
		o.mu.Unlock()
		return
	}

	switch m.Type {
	case MsgReady:
		o.ready[agentID] = true
		queued := o.pendingDispatch[agentID]
		delete(o.pendingDispatch, agentID)
		proc := o.procs[agentID]
		for _, taskID := range queued {
			t, ok := o.tasks[taskID]
			if !ok || t.Status != TaskAssigned || t.AssignedTo != agentID {
				continue
			}
			if err := proc.in.Send(Message{Type: MsgTask, TaskID: taskID, Payload: t.Description}); err != nil {
				o.logger.Error("orchestrator: flush queued task", "task_id", taskID, "error", err)
				t.Status = TaskPending
				t.AssignedTo = ""
				a.Status = AgentIdle
				a.CurrentTask = ""
			}
		}
		o.persistLocked()
		o.mu.Unlock()
		o.logger.Info("orchestrator: worker ready", "agent_id", agentID, "name", a.Name)
		if o.bus != nil {
			o.bus.Publish(events.NewTypedEvent(events.SourceOrchestrator, events.WorkerReadyPayload{
				AgentID: agentID,
				Name:    a.Name,
				PID:     a.PID,
			}))
		}

	case MsgTaskStarted:
		if t, ok := o.tasks[m.TaskID]; ok && t.Status == TaskAssigned {
			t.Status = TaskInProgress
			o.persistLocked()
		}
		o.mu.Unlock()

	case MsgTaskCompleted:
		o.finishTaskLocked(a, m.TaskID, m.Result, "")
		o.mu.Unlock()
		o.DistributeTasks()

	case MsgTaskFailed:
		o.finishTaskLocked(a, m.TaskID, "", m.Error)
		o.mu.Unlock()
		o.DistributeTasks()

	case MsgLog:
		o.mu.Unlock()
		o.logger.Info("worker log", "worker", a.Name, "message", m.Payload)

	case MsgError:
		o.mu.Unlock()
		o.logger.Error("worker error", "worker", a.Name, "error", m.Error)

	default: // pong, status
		o.mu.Unlock()
		o.logger.Debug("orchestrator: worker frame", "agent_id", agentID, "type", m.Type)
	}
}

// finishTaskLocked settles a completed or failed task. Caller holds o.mu.
func (o *Orchestrator) finishTaskLocked(a *AgentInstance, taskID, result, taskErr string) {
	t, ok := o.tasks[taskID]
	if !ok {
		return
	}
	now := time.Now()
	t.AssignedTo = ""
	t.CompletedAt = &now
	if taskErr != "" {
		t.Status = TaskFailed
		t.Error = taskErr
	} else {
		t.Status = TaskCompleted
		t.Result = result
	}
	a.Status = AgentIdle
	a.CurrentTask = ""
	o.persistLocked()

	if o.bus == nil {
		return
	}
	if taskErr != "" {
		o.bus.Publish(events.NewTypedEvent(events.SourceOrchestrator, events.TaskFailedPayload{
			TaskID:  taskID,
			AgentID: a.ID,
			Error:   taskErr,
		}))
	} else {
		o.bus.Publish(events.NewTypedEvent(events.SourceOrchestrator, events.TaskCompletedPayload{
			TaskID:  taskID,
			AgentID: a.ID,
			Result:  result,
		}))
	}
}

// onWorkerExit handles a worker process ending for any reason.
func (o *Orchestrator) onWorkerExit(agentID string, exitCode int) {
	o.mu.Lock()
	delete(o.procs, agentID)
	delete(o.ready, agentID)
	delete(o.pendingDispatch, agentID)

	a, ok := o.agents[agentID]
	if !ok {
		o.mu.Unlock()
		return
	}
	a.PID = 0
	if a.Status != AgentTerminated {
		a.Status = AgentIdle
	}

	requeued := ""
	for _, t := range o.tasks {
		if t.AssignedTo != agentID || (t.Status != TaskAssigned && t.Status != TaskInProgress) {
			continue
		}
		if _, wasCancelled := o.cancelled[t.ID]; wasCancelled {
			continue
		}
		t.Status = TaskPending
		t.AssignedTo = ""
		t.Error = fmt.Sprintf("worker %s exited unexpectedly with code %d", a.Name, exitCode)
		requeued = t.ID
	}
	a.CurrentTask = ""
	name := a.Name
	o.persistLocked()
	o.mu.Unlock()

	o.logger.Warn("orchestrator: worker exited", "agent_id", agentID, "exit_code", exitCode, "requeued", requeued)
	if o.bus != nil {
		o.bus.Publish(events.NewTypedEvent(events.SourceOrchestrator, events.WorkerExitedPayload{
			AgentID:  agentID,
			Name:     name,
			ExitCode: exitCode,
			Requeued: requeued,
		}))
	}
	if requeued != "" {
		o.DistributeTasks()
	}
}

// StopAgent asks a worker to shut down and kills it after a grace period.
func (o *Orchestrator) StopAgent(agentID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.agents[agentID]
	if !ok {
		return fmt.Errorf("agent not found: %s", agentID)
	}
	a.Status = AgentTerminated
	o.stopWorkerLocked(agentID)
	o.persistLocked()
	return nil
}

// stopWorkerLocked sends shutdown and schedules a hard kill. Caller holds o.mu.
func (o *Orchestrator) stopWorkerLocked(agentID string) {
	proc, ok := o.procs[agentID]
	if !ok {
		return
	}
	_ = proc.in.Send(Message{Type: MsgShutdown})
	cmd := proc.cmd
	go func() {
		time.Sleep(shutdownGrace)
		o.mu.Lock()
		_, stillRunning := o.procs[agentID]
		o.mu.Unlock()
		if stillRunning && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}()
}

// Shutdown stops every running worker.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.procs))
	for id := range o.procs {
		ids = append(ids, id)
	}
	for _, id := range ids {
		o.stopWorkerLocked(id)
	}
	o.mu.Unlock()
}

// IdleWorkers counts agents that are idle with a live, ready process.
func (o *Orchestrator) IdleWorkers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for id, a := range o.agents {
		if a.Status == AgentIdle && o.ready[id] {
			n++
		}
	}
	return n
}

// Agents returns a snapshot of registered agents.
func (o *Orchestrator) Agents() []AgentInstance {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]AgentInstance, 0, len(o.agents))
	for _, a := range o.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Tasks returns a snapshot of delegated tasks.
func (o *Orchestrator) Tasks() []DelegatedTask {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]DelegatedTask, 0, len(o.tasks))
	for _, t := range o.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Task returns one delegated task by id.
func (o *Orchestrator) Task(id string) (DelegatedTask, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return DelegatedTask{}, false
	}
	return *t, true
}

func (o *Orchestrator) persistLocked() {
	agents := make([]*AgentInstance, 0, len(o.agents))
	for _, a := range o.agents {
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].CreatedAt.Before(agents[j].CreatedAt) })
	if err := storage.SaveJSON(o.agentsPath(), agents); err != nil {
		o.logger.Error("orchestrator: persist agents", "error", err)
	}

	tasks := make([]*DelegatedTask, 0, len(o.tasks))
	for _, t := range o.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	if err := storage.SaveJSON(o.tasksPath(), tasks); err != nil {
		o.logger.Error("orchestrator: persist tasks", "error", err)
	}
}
