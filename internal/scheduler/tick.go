package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/orcbot-ai/orcbot/internal/config"
	"github.com/orcbot-ai/orcbot/internal/queue"
)

// DefaultTickInterval drives queue drain and schedule checks.
const DefaultTickInterval = 10 * time.Second

// gcEvery spaces queue GC at a coarser cadence than the tick.
const gcEvery = 30

// Ticker is the periodic driver: it drains the queue through the dispatcher
// callback, recovers stalled and stale-waiting actions, checks both schedule
// stores, and evaluates heartbeat emission.
type Ticker struct {
	interval time.Duration
	queue    *queue.Queue
	timeouts config.TimeoutsConfig
	logger   *slog.Logger

	// Drain asks the dispatcher to pick up the next pending action.
	Drain func()
	// EvaluateHeartbeat runs the interval heartbeat emission check.
	EvaluateHeartbeat func()

	oneoff     *OneOffScheduler
	heartbeats *HeartbeatScheduler

	ticks    int
	done     chan struct{}
	stopOnce sync.Once
}

// NewTicker assembles the tick loop. Callbacks may be nil.
func NewTicker(q *queue.Queue, timeouts config.TimeoutsConfig, oneoff *OneOffScheduler, heartbeats *HeartbeatScheduler, logger *slog.Logger) *Ticker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ticker{
		interval:   DefaultTickInterval,
		queue:      q,
		timeouts:   timeouts,
		logger:     logger,
		oneoff:     oneoff,
		heartbeats: heartbeats,
		done:       make(chan struct{}),
	}
}

// Start begins ticking in a goroutine.
func (t *Ticker) Start() {
	t.logger.Info("ticker started", "interval", t.interval)
	go t.loop()
}

// Stop halts the loop.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *Ticker) loop() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			t.Tick(now)
		}
	}
}

// Tick runs one maintenance pass. Exposed for the dispatcher to call eagerly
// after a push.
func (t *Ticker) Tick(now time.Time) {
	if n := t.queue.FailStalled(t.timeouts.MaxActionRun.Duration()); n > 0 {
		t.logger.Warn("ticker: failed stalled actions", "count", n)
	}
	if n := t.queue.ResumeStaleWaiting(t.timeouts.MaxStaleWaiting.Duration()); n > 0 {
		t.logger.Info("ticker: resumed stale waiting actions", "count", n)
	}

	t.ticks++
	if t.ticks%gcEvery == 0 {
		if n := t.queue.GC(t.timeouts.Retention.Duration()); n > 0 {
			t.logger.Debug("ticker: collected terminal actions", "count", n)
		}
	}

	if t.oneoff != nil {
		t.oneoff.Check(now)
	}
	if t.heartbeats != nil {
		t.heartbeats.Check(now)
	}

	if t.Drain != nil {
		t.Drain()
	}
	if t.EvaluateHeartbeat != nil {
		t.EvaluateHeartbeat()
	}
}
