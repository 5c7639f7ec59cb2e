package cron

import (
	"time"

	"github.com/google/uuid"
)

// ReminderJob is one scheduled review nudge. Jobs are persisted as JSON so
// reminders survive a gateway restart.
type ReminderJob struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Enabled  bool     `json:"enabled"`
	Payload  Payload  `json:"payload"`
	Schedule Schedule `json:"schedule"`
	State    JobState `json:"state"`
}

// Payload says where the reminder goes and which deck it checks.
type Payload struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chatId"`
	Deck    string `json:"deck"`
	Message string `json:"message,omitempty"`
}

// Schedule supports cron expressions (with seconds field) and fixed
// intervals.
type Schedule struct {
	Kind    string `json:"kind"` // "cron" | "every"
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

func NewReminderJob(name string, schedule Schedule, payload Payload) ReminderJob {
	return ReminderJob{
		ID:       uuid.NewString(),
		Name:     name,
		Enabled:  true,
		Payload:  payload,
		Schedule: schedule,
		State:    JobState{LastRunAtMs: time.Now().UnixMilli()},
	}
}
