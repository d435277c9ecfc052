package core

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/orcbot-ai/orcbot/internal/storage"
)

// LockInfo is the JSON record stored in the instance lockfile.
type LockInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Host      string    `json:"host"`
	Cwd       string    `json:"cwd"`
}

// AcquireLock refuses to start when another live instance holds the lock.
// A lockfile left by a dead process is treated as stale and overwritten.
func AcquireLock(path string) error {
	var existing LockInfo
	found, err := storage.LoadJSON(path, &existing)
	if err != nil {
		return fmt.Errorf("read instance lock: %w", err)
	}
	if found && existing.PID != 0 && pidAlive(existing.PID) {
		return fmt.Errorf("another instance is running (pid %d, started %s)",
			existing.PID, existing.StartedAt.Format(time.RFC3339))
	}

	host, _ := os.Hostname()
	cwd, _ := os.Getwd()
	info := LockInfo{
		PID:       os.Getpid(),
		StartedAt: time.Now(),
		Host:      host,
		Cwd:       cwd,
	}
	if err := storage.SaveJSON(path, info); err != nil {
		return fmt.Errorf("write instance lock: %w", err)
	}
	return nil
}

// ReleaseLock removes the lockfile. Missing file is fine.
func ReleaseLock(path string) {
	_ = os.Remove(path)
}

// pidAlive probes a pid with signal 0. EPERM still means the process exists.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
