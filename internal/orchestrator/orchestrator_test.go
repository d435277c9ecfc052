package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"
)

func testOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	dir := t.TempDir()
	o, err := New(Config{
		Dir:           dir,
		WorkerRoot:    dir,
		WorkerCommand: []string{"/nonexistent/orcbot-worker"},
		Logger:        slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

// injectWorker fakes a live, ready worker process writing frames to a buffer.
func injectWorker(o *Orchestrator, agentID string) *bytes.Buffer {
	buf := &bytes.Buffer{}
	o.mu.Lock()
	o.procs[agentID] = &workerProcess{in: newFrameWriter(buf)}
	o.ready[agentID] = true
	o.mu.Unlock()
	return buf
}

func TestNormalizeCapabilities(t *testing.T) {
	got := NormalizeCapabilities([]string{" Research ", "code", "", "CODE", "execute"})
	want := []string{"execute", "research", "code"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("NormalizeCapabilities = %v, want %v", got, want)
	}
	if got := NormalizeCapabilities(nil); !reflect.DeepEqual(got, []string{"execute"}) {
		t.Fatalf("empty input = %v, want [execute]", got)
	}
}

func TestAssignTaskDispatchesToReadyWorker(t *testing.T) {
	o := testOrchestrator(t)
	a, err := o.SpawnAgent("scout", "research", []string{"research"}, false)
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}
	buf := injectWorker(o, a.ID)

	taskID, err := o.Delegate("summarize the inbox", 5)
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}

	task, _ := o.Task(taskID)
	if task.Status != TaskAssigned || task.AssignedTo != a.ID {
		t.Fatalf("task = %+v, want assigned to %s", task, a.ID)
	}
	if got := o.Agents()[0]; got.Status != AgentWorking || got.CurrentTask != taskID {
		t.Fatalf("agent = %+v, want working on %s", got, taskID)
	}
	if !strings.Contains(buf.String(), `"type":"task"`) || !strings.Contains(buf.String(), taskID) {
		t.Fatalf("task frame not sent: %s", buf.String())
	}
}

func TestAssignTaskRevertsOnSendFailure(t *testing.T) {
	o := testOrchestrator(t)
	a, err := o.SpawnAgent("scout", "", nil, false)
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}

	// A closed pipe makes every send fail.
	r, w := io.Pipe()
	r.Close()
	w.Close()
	o.mu.Lock()
	o.procs[a.ID] = &workerProcess{in: newFrameWriter(w)}
	o.ready[a.ID] = true
	taskID := "dtask_revert"
	o.tasks[taskID] = &DelegatedTask{ID: taskID, Description: "doomed", Status: TaskPending, CreatedAt: time.Now()}
	o.mu.Unlock()

	if err := o.AssignTask(taskID, a.ID); err == nil {
		t.Fatal("AssignTask succeeded over a dead pipe")
	}

	task, _ := o.Task(taskID)
	if task.Status != TaskPending || task.AssignedTo != "" {
		t.Fatalf("task not reverted: %+v", task)
	}
	if got := o.Agents()[0]; got.Status != AgentIdle || got.CurrentTask != "" {
		t.Fatalf("agent not reverted: %+v", got)
	}
}

func TestPendingDispatchFlushedOnReady(t *testing.T) {
	o := testOrchestrator(t)
	a, err := o.SpawnAgent("scout", "", nil, false)
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}

	// Worker running but not yet ready.
	buf := &bytes.Buffer{}
	o.mu.Lock()
	o.procs[a.ID] = &workerProcess{in: newFrameWriter(buf)}
	o.mu.Unlock()

	taskID, err := o.Delegate("while booting", 5)
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("frame sent before ready: %s", buf.String())
	}

	o.handleMessage(a.ID, Message{Type: MsgReady})

	if !strings.Contains(buf.String(), taskID) {
		t.Fatalf("queued task not flushed on ready: %s", buf.String())
	}
}

func TestWorkerExitRequeuesUnlessCancelled(t *testing.T) {
	o := testOrchestrator(t)
	a, err := o.SpawnAgent("scout", "", nil, false)
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}
	injectWorker(o, a.ID)

	taskID, err := o.Delegate("interrupted work", 5)
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	o.handleMessage(a.ID, Message{Type: MsgTaskStarted, TaskID: taskID})

	o.onWorkerExit(a.ID, 137)

	task, _ := o.Task(taskID)
	if task.Status != TaskPending || task.AssignedTo != "" {
		t.Fatalf("task not requeued: %+v", task)
	}
	if !strings.Contains(task.Error, "exited unexpectedly with code 137") {
		t.Fatalf("task error = %q", task.Error)
	}

	// Cancelled tasks stay failed through a worker exit.
	injectWorker(o, a.ID)
	task2, err := o.Delegate("to be cancelled", 5)
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if err := o.CancelTask(task2, "user request"); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	o.onWorkerExit(a.ID, 1)

	got, _ := o.Task(task2)
	if got.Status != TaskFailed || got.Error != "user request" {
		t.Fatalf("cancelled task mutated by worker exit: %+v", got)
	}
}

func TestRestartRecoversOrphanedState(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.DiscardHandler)

	o, err := New(Config{Dir: dir, WorkerRoot: dir, WorkerCommand: []string{"/nonexistent/orcbot-worker"}, Logger: logger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, err := o.SpawnAgent("scout", "", nil, false)
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}
	injectWorker(o, a.ID)
	taskID, err := o.Delegate("survives restart", 5)
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}

	o2, err := New(Config{Dir: dir, WorkerRoot: dir, WorkerCommand: []string{"/nonexistent/orcbot-worker"}, Logger: logger})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	task, ok := o2.Task(taskID)
	if !ok || task.Status != TaskPending || task.AssignedTo != "" {
		t.Fatalf("task after restart = %+v, want pending unassigned", task)
	}
	agent := o2.Agents()[0]
	if agent.Status != AgentIdle || agent.PID != 0 {
		t.Fatalf("agent after restart = %+v, want idle with no pid", agent)
	}
}

func TestWorkerProtocol(t *testing.T) {
	parentOut, workerIn := io.Pipe()
	workerOut, parentIn := io.Pipe()

	w := NewWorker(parentIn, slog.New(slog.DiscardHandler))
	w.Setup = func(ctx context.Context, init InitConfig) (TaskExecutor, error) {
		if init.AgentID != "agent_t1" {
			return nil, errors.New("wrong init")
		}
		return func(ctx context.Context, description string) (string, error) {
			if description == "boom" {
				return "", errors.New("task exploded")
			}
			return "done: " + description, nil
		}, nil
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background(), parentOut) }()

	replies := make(chan Message, 16)
	go func() {
		_ = readFrames(workerOut, func(m Message) { replies <- m }, nil)
	}()

	next := func() Message {
		select {
		case m := <-replies:
			return m
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for worker frame")
			return Message{}
		}
	}

	out := newFrameWriter(workerIn)
	if err := out.Send(Message{Type: MsgInit, Init: &InitConfig{AgentID: "agent_t1", Name: "t1", DataDir: t.TempDir()}}); err != nil {
		t.Fatalf("send init: %v", err)
	}
	if m := next(); m.Type != MsgReady {
		t.Fatalf("after init got %s, want ready", m.Type)
	}

	if err := out.Send(Message{Type: MsgTask, TaskID: "dtask_1", Payload: "write the report"}); err != nil {
		t.Fatalf("send task: %v", err)
	}
	if m := next(); m.Type != MsgTaskStarted || m.TaskID != "dtask_1" {
		t.Fatalf("got %+v, want task-started", m)
	}
	if m := next(); m.Type != MsgTaskCompleted || m.Result != "done: write the report" {
		t.Fatalf("got %+v, want task-completed", m)
	}

	if err := out.Send(Message{Type: MsgTask, TaskID: "dtask_2", Payload: "boom"}); err != nil {
		t.Fatalf("send task: %v", err)
	}
	if m := next(); m.Type != MsgTaskStarted {
		t.Fatalf("got %+v, want task-started", m)
	}
	if m := next(); m.Type != MsgTaskFailed || m.Error != "task exploded" {
		t.Fatalf("got %+v, want task-failed", m)
	}

	if err := out.Send(Message{Type: MsgPing}); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	if m := next(); m.Type != MsgPong {
		t.Fatalf("got %s, want pong", m.Type)
	}

	if err := out.Send(Message{Type: MsgShutdown}); err != nil {
		t.Fatalf("send shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not shut down")
	}
}
