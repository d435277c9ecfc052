package scheduler

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/orcbot-ai/orcbot/internal/config"
	"github.com/orcbot-ai/orcbot/internal/storage"
)

// IdleTier buckets how long the instance has been without productive work.
type IdleTier string

const (
	IdleLow      IdleTier = "low"
	IdleModerate IdleTier = "moderate"
	IdleHigh     IdleTier = "high"
)

// Emitter decides when the interval heartbeat may fire. Unproductive
// heartbeats double the effective interval up to a cap; a productive outcome
// resets it.
type Emitter struct {
	enabled    bool
	interval   time.Duration
	cooldown   time.Duration
	backoffMax int
	logger     *slog.Logger

	lastPath     string
	autonomyPath string

	mu             sync.Mutex
	multiplier     int
	lastFire       time.Time
	lastProductive time.Time
}

// NewEmitter loads the last-fire timestamps from dataDir.
func NewEmitter(dataDir string, cfg config.AutonomyConfig, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		enabled:      cfg.Enabled,
		interval:     cfg.HeartbeatInterval.Duration(),
		cooldown:     cfg.HeartbeatCooldown.Duration(),
		backoffMax:   cfg.BackoffMaxMultiple,
		logger:       logger,
		lastPath:     filepath.Join(dataDir, "last_heartbeat"),
		autonomyPath: filepath.Join(dataDir, "last_heartbeat_autonomy"),
		multiplier:   1,
	}
	if e.backoffMax < 1 {
		e.backoffMax = 1
	}
	e.lastFire = storage.ReadTimestamp(e.lastPath)
	e.lastProductive = storage.ReadTimestamp(e.autonomyPath)
	return e
}

// ShouldFire applies the emission rules: autonomy enabled, dispatcher idle,
// no heartbeat already queued, cooldown elapsed, and backoff satisfied.
func (e *Emitter) ShouldFire(now time.Time, busy, pendingHeartbeat bool) bool {
	if !e.enabled || busy || pendingHeartbeat {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	since := now.Sub(e.lastFire)
	if since < e.cooldown {
		return false
	}
	return since >= e.interval*time.Duration(e.multiplier)
}

// CooldownElapsed reports whether the cross-heartbeat cooldown has passed.
// Recurring heartbeat jobs share this cooldown with the interval emitter.
func (e *Emitter) CooldownElapsed(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return now.Sub(e.lastFire) >= e.cooldown
}

// RecordFire persists the fire instant.
func (e *Emitter) RecordFire(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastFire = now
	if err := storage.WriteTimestamp(e.lastPath, now); err != nil {
		e.logger.Warn("emitter: persist last heartbeat", "error", err)
	}
}

// RecordOutcome adjusts the idle backoff after a heartbeat action finishes.
func (e *Emitter) RecordOutcome(productive bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if productive {
		e.multiplier = 1
		e.lastProductive = time.Now()
		if err := storage.WriteTimestamp(e.autonomyPath, e.lastProductive); err != nil {
			e.logger.Warn("emitter: persist productive heartbeat", "error", err)
		}
		return
	}
	if e.multiplier*2 <= e.backoffMax {
		e.multiplier *= 2
	}
	e.logger.Debug("emitter: unproductive heartbeat", "multiplier", e.multiplier)
}

// Multiplier returns the current backoff multiplier.
func (e *Emitter) Multiplier() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.multiplier
}

// Tier reports the idle severity from the time since productive work.
func (e *Emitter) Tier(now time.Time) IdleTier {
	e.mu.Lock()
	last := e.lastProductive
	if e.lastFire.After(last) {
		last = e.lastFire
	}
	e.mu.Unlock()

	if last.IsZero() {
		return IdleLow
	}
	idle := now.Sub(last)
	switch {
	case idle < 3*e.interval:
		return IdleLow
	case idle < 12*e.interval:
		return IdleModerate
	default:
		return IdleHigh
	}
}
