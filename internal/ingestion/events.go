package ingestion

import (
	"time"

	"github.com/ajitpratap0/feedstream/pkg/models"
)

// EventKind enumerates the supervisor's outward notifications.
type EventKind int

const (
	// EventIngested is emitted after a record was validated and published.
	EventIngested EventKind = iota + 1
	// EventFailed is emitted for every connector error signal.
	EventFailed
	// EventDeadLettered is emitted after a dead-letter entry was written.
	EventDeadLettered
	// EventRestarted is emitted after a supervisor-initiated restart succeeded.
	EventRestarted
)

func (k EventKind) String() string {
	switch k {
	case EventIngested:
		return "ingested"
	case EventFailed:
		return "failed"
	case EventDeadLettered:
		return "dead_lettered"
	case EventRestarted:
		return "restarted"
	default:
		return "unknown"
	}
}

// Event is one supervisor notification. MessageID is the ingestion message id
// for EventIngested; Reason names the dead-letter cause for EventDeadLettered.
type Event struct {
	Kind      EventKind
	Connector string
	MessageID string
	Record    *models.EnrichedRecord
	Reason    string
	Err       error
	At        time.Time
}

// EventListener receives events synchronously on the goroutine that caused
// them.
type EventListener func(Event)
