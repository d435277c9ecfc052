package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// TaskExecutor runs one delegated task inside a worker process and returns
// its result text.
type TaskExecutor func(ctx context.Context, description string) (string, error)

// Worker is the child-process side of the IPC protocol. It reads frames from
// the parent on stdin and reports on stdout.
type Worker struct {
	out    *frameWriter
	logger *slog.Logger

	// Setup is called with the init config before ready is sent. It builds
	// the worker's own core in its private data directory.
	Setup func(ctx context.Context, init InitConfig) (TaskExecutor, error)
}

// NewWorker creates the worker shell. Output frames go to w (the pipe to the
// parent); never write anything else to it.
func NewWorker(w io.Writer, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{out: newFrameWriter(w), logger: logger}
}

// Run processes parent frames until shutdown or EOF. Tasks execute
// sequentially; a worker holds at most one in-progress task.
func (w *Worker) Run(ctx context.Context, in io.Reader) error {
	frames := make(chan Message, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- readFrames(in, func(m Message) { frames <- m }, nil)
		close(frames)
	}()

	var exec TaskExecutor
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-frames:
			if !ok {
				return <-errCh
			}
			switch m.Type {
			case MsgInit:
				if m.Init == nil {
					_ = w.out.Send(Message{Type: MsgError, Error: "init frame missing config"})
					continue
				}
				var err error
				if w.Setup != nil {
					exec, err = w.Setup(ctx, *m.Init)
				}
				if err != nil {
					_ = w.out.Send(Message{Type: MsgError, Error: fmt.Sprintf("worker setup: %v", err)})
					return err
				}
				w.logger.Info("worker initialized", "agent_id", m.Init.AgentID, "data_dir", m.Init.DataDir)
				_ = w.out.Send(Message{Type: MsgReady})

			case MsgTask:
				w.runTask(ctx, exec, m)

			case MsgPing:
				_ = w.out.Send(Message{Type: MsgPong})

			case MsgStatusRequest:
				_ = w.out.Send(Message{Type: MsgStatus, Status: "idle"})

			case MsgShutdown:
				w.logger.Info("worker shutting down")
				return nil

			case MsgCommand:
				w.logger.Info("worker command", "action", m.Action)

			default:
				w.logger.Warn("worker: unknown frame", "type", m.Type)
			}
		}
	}
}

func (w *Worker) runTask(ctx context.Context, exec TaskExecutor, m Message) {
	_ = w.out.Send(Message{Type: MsgTaskStarted, TaskID: m.TaskID})
	if exec == nil {
		_ = w.out.Send(Message{Type: MsgTaskFailed, TaskID: m.TaskID, Error: "worker has no task executor"})
		return
	}
	result, err := exec(ctx, m.Payload)
	if err != nil {
		_ = w.out.Send(Message{Type: MsgTaskFailed, TaskID: m.TaskID, Error: err.Error()})
		return
	}
	_ = w.out.Send(Message{Type: MsgTaskCompleted, TaskID: m.TaskID, Result: result})
}
