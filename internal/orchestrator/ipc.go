package orchestrator

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// MessageType tags one IPC frame.
type MessageType string

// Parent → worker.
const (
	MsgInit          MessageType = "init"
	MsgTask          MessageType = "task"
	MsgCommand       MessageType = "command"
	MsgPing          MessageType = "ping"
	MsgStatusRequest MessageType = "status-request"
	MsgShutdown      MessageType = "shutdown"
)

// Worker → parent.
const (
	MsgReady         MessageType = "ready"
	MsgTaskStarted   MessageType = "task-started"
	MsgTaskCompleted MessageType = "task-completed"
	MsgTaskFailed    MessageType = "task-failed"
	MsgStatus        MessageType = "status"
	MsgPong          MessageType = "pong"
	MsgLog           MessageType = "log"
	MsgError         MessageType = "error"
)

// InitConfig is carried by the single init message a worker receives.
type InitConfig struct {
	AgentID    string `json:"agent_id"`
	Name       string `json:"name"`
	DataDir    string `json:"data_dir"`
	ConfigPath string `json:"config_path,omitempty"`
}

// Message is one newline-delimited JSON IPC frame.
type Message struct {
	Type    MessageType `json:"type"`
	TaskID  string      `json:"task_id,omitempty"`
	Payload string      `json:"payload,omitempty"`
	Result  string      `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
	Status  string      `json:"status,omitempty"`
	Action  string      `json:"action,omitempty"`
	Init    *InitConfig `json:"init,omitempty"`
}

// frameWriter serializes messages onto a pipe, one JSON object per line.
type frameWriter struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: w, enc: json.NewEncoder(w)}
}

// Send writes one frame. json.Encoder terminates each value with a newline.
func (f *frameWriter) Send(m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enc.Encode(m); err != nil {
		return fmt.Errorf("send %s frame: %w", m.Type, err)
	}
	return nil
}

// readFrames scans a pipe line by line. JSON lines become messages; anything
// else is handed to onRaw (worker stdout noise forwarded to logs).
func readFrames(r io.Reader, onMsg func(Message), onRaw func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var m Message
		if strings.HasPrefix(line, "{") && json.Unmarshal([]byte(line), &m) == nil && m.Type != "" {
			onMsg(m)
			continue
		}
		if onRaw != nil {
			onRaw(line)
		}
	}
	return sc.Err()
}
