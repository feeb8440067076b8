package execution

import "time"

// EventType names one lifecycle event in the execution event stream.
// Observers receive these through their typed callbacks; the constants are
// the stable names used by logging and test assertions.
type EventType string

const (
	EventMissionStart    EventType = "mission.start"
	EventMissionComplete EventType = "mission.complete"
	EventMissionFailed   EventType = "mission.failed"

	EventStageStart    EventType = "stage.start"
	EventStageComplete EventType = "stage.complete"

	EventStepStart    EventType = "step.start"
	EventStepComplete EventType = "step.complete"

	EventFetchStart    EventType = "fetch.start"
	EventFetchComplete EventType = "fetch.complete"
	EventFetchError    EventType = "fetch.error"

	EventSyncCheckpoint EventType = "sync.checkpoint"
)

// Event is one journaled lifecycle event. The journal is an audit trail;
// replaying it is not part of resume, which works from persisted state.
type Event struct {
	ExecutionID string    `json:"executionId"`
	Mission     string    `json:"mission"`
	Type        EventType `json:"type"`
	// Stage is the pipeline stage index, or -1 for events outside a stage.
	Stage  int       `json:"stage"`
	Action string    `json:"action,omitempty"`
	Step   string    `json:"step,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}
