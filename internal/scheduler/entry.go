// Package scheduler runs the tick loop, recurring heartbeat jobs, and
// persistent one-off tasks.
package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Kind distinguishes the two persisted schedule families.
type Kind string

const (
	KindOneOff    Kind = "oneoff"
	KindHeartbeat Kind = "heartbeat"
)

// Entry is a persisted schedule record. Schedule is either a 5-field cron
// spec or an RFC 3339 instant (one-off only).
type Entry struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Schedule  string    `json:"schedule"`
	Task      string    `json:"task"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	RawInput  string    `json:"raw_input,omitempty"`
}

func newEntryID() string {
	return "sched_" + uuid.NewString()[:8]
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var (
	everyPattern = regexp.MustCompile(`(?i)^every\s+(\d+)\s*(minutes?|mins?|m|hours?|hrs?|h)$`)
	dailyPattern = regexp.MustCompile(`(?i)^daily\s+at\s+(\d{1,2}):(\d{2})$`)
	inPattern    = regexp.MustCompile(`(?i)^in\s+(\d+)\s*(minutes?|mins?|m|hours?|hrs?|h|seconds?|secs?|s)$`)
)

// NormalizeSchedule maps a handful of human-readable forms onto cron specs or
// absolute instants. Anything else is returned unchanged.
func NormalizeSchedule(raw string, now time.Time) string {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "hourly":
		return "0 * * * *"
	case "daily":
		return "0 9 * * *"
	case "weekly":
		return "0 9 * * 1"
	}
	if m := everyPattern.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n < 1 {
			n = 1
		}
		if strings.HasPrefix(strings.ToLower(m[2]), "h") {
			return fmt.Sprintf("0 */%d * * *", n)
		}
		return fmt.Sprintf("*/%d * * * *", n)
	}
	if m := dailyPattern.FindStringSubmatch(s); m != nil {
		return fmt.Sprintf("%s %s * * *", m[2], m[1])
	}
	if m := inPattern.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		var d time.Duration
		switch strings.ToLower(m[2])[0] {
		case 'h':
			d = time.Duration(n) * time.Hour
		case 's':
			d = time.Duration(n) * time.Second
		default:
			d = time.Duration(n) * time.Minute
		}
		return now.Add(d).Format(time.RFC3339)
	}
	return s
}

// IsRecurring reports whether a raw schedule resolves to a cron spec rather
// than a single instant. Used to route schedule_task to the right scheduler.
func IsRecurring(raw string, now time.Time) bool {
	sched, _, err := parseSchedule(NormalizeSchedule(raw, now))
	return err == nil && sched != nil
}

// parseSchedule resolves an entry's schedule into either a cron schedule or
// an absolute instant.
func parseSchedule(spec string) (cron.Schedule, *time.Time, error) {
	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return nil, &t, nil
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return sched, nil, nil
}
