package webhook

import (
	"fmt"
	"time"

	"github.com/kylemclaren/claude-routines/internal/db"
)

// Message is the channel-neutral content of a completion notification
type Message struct {
	Name        string
	ExecutionID int64
	Status      db.ExecutionStatus
	Trigger     db.TriggerType
	StartedAt   *time.Time
	Duration    string
	Cost        string
	Summary     string
	Error       string
}

// NewMessage describes a terminal execution of the routine or agent called name
func NewMessage(name string, e *db.Execution, summary string) Message {
	m := Message{
		Name:        name,
		ExecutionID: e.ID,
		Status:      e.Status,
		Trigger:     e.TriggerType,
		StartedAt:   e.StartedAt,
		Duration:    "n/a",
		Cost:        "n/a",
		Summary:     summary,
	}
	if e.DurationMs != nil {
		m.Duration = (time.Duration(*e.DurationMs) * time.Millisecond).Round(time.Second).String()
	}
	if e.CostUSD != nil {
		m.Cost = fmt.Sprintf("$%.4f", *e.CostUSD)
	}
	if e.ErrorMessage != nil {
		m.Error = *e.ErrorMessage
	}
	return m
}

func truncate(s string, n int, suffix string) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + suffix
}
