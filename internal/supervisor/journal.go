package supervisor

import (
	"time"

	"github.com/proxypal/proxypal/internal/status"
)

// EventType names a lifecycle transition worth keeping.
type EventType string

const (
	EventStarted     EventType = "started"
	EventStartFailed EventType = "start_failed"
	EventStopped     EventType = "stopped"
	EventForceKilled EventType = "force_killed"
	EventCrashed     EventType = "crashed"
)

// Event is one lifecycle transition of a supervised process.
type Event struct {
	Kind   status.Kind `json:"kind"`
	Type   EventType   `json:"type"`
	PID    int         `json:"pid,omitempty"`
	Port   int         `json:"port,omitempty"`
	Reason string      `json:"reason,omitempty"`
	At     time.Time   `json:"at"`
}

// Journal receives lifecycle events. Record is called without any
// supervisor lock held and must not call back into the supervisor.
type Journal interface {
	Record(Event)
}

type nopJournal struct{}

func (nopJournal) Record(Event) {}

// JournalFunc adapts a function to Journal.
type JournalFunc func(Event)

func (f JournalFunc) Record(ev Event) { f(ev) }
