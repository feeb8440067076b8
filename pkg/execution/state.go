package execution

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of one execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusPaused is reachable only by external intervention: a caller
	// persists the state and stops. Execution never self-transitions here.
	StatusPaused Status = "paused"
)

// StageStatus is the lifecycle state of one pipeline stage.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	// StageSkipped marks a stage whose guard evaluated false. Skipped counts
	// as progress, not failure.
	StageSkipped StageStatus = "skipped"
)

// State is the durable record of one execution's progress. It is created
// (or loaded, for a resume) at mission start, mutated after every stage and
// step transition, and persisted synchronously after each mutation.
type State struct {
	ID      string `json:"id"`
	Mission string `json:"mission"`
	Status  Status `json:"status"`

	// Stages holds one entry per pipeline stage, in pipeline order.
	Stages []StageState `json:"stages"`

	// Checkpoint is an optional fine-grained resume point for resuming
	// mid-action. When absent, resume falls back to stage granularity.
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`

	// Errors is an append-only log. Control-flow signals never land here.
	Errors []ErrorEntry `json:"errors"`

	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

// StageState tracks one pipeline stage inside a State.
//
// CompletedAt is set iff the status is completed or failed; a skipped stage
// records neither timestamp.
type StageState struct {
	Action      string      `json:"action"`
	Status      StageStatus `json:"status"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	Error       string      `json:"error,omitempty"`
	Attempt     int         `json:"attempt"`
}

// Checkpoint is a fine-grained resume marker: the stage and step being
// executed, the loop item reached, and the variables needed to rebuild the
// action scope. Only JSON-serializable variables survive a round trip.
type Checkpoint struct {
	StageIndex int            `json:"stageIndex"`
	StepIndex  int            `json:"stepIndex"`
	ItemIndex  int            `json:"itemIndex"`
	Variables  map[string]any `json:"variables,omitempty"`
}

// ErrorEntry is one record in the execution's append-only error log.
type ErrorEntry struct {
	StageIndex int       `json:"stageIndex"`
	Action     string    `json:"action"`
	Step       string    `json:"step"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	Attempt    int       `json:"attempt"`
}

// SyncCheckpoint records the last synced timestamp for one incremental
// fetch key, independent of execution resumability. The key is derived from
// source and operation/path, or supplied explicitly by the fetch step.
type SyncCheckpoint struct {
	Key          string    `json:"key"`
	Source       string    `json:"source"`
	Operation    string    `json:"operation,omitempty"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
	RecordCount  int       `json:"recordCount"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// NewID generates an execution id of the form
// exec_<timestamp-base36>_<random>. IDs sort roughly by creation time.
func NewID() string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("exec_%s_%s", ts, random)
}

// NewState builds a fresh pending State with one pending StageState per
// pipeline stage label.
func NewState(missionName string, stageLabels []string) *State {
	st := &State{
		ID:        NewID(),
		Mission:   missionName,
		Status:    StatusPending,
		Stages:    make([]StageState, len(stageLabels)),
		Errors:    []ErrorEntry{},
		StartedAt: time.Now().UTC(),
	}
	for i, label := range stageLabels {
		st.Stages[i] = StageState{Action: label, Status: StagePending}
	}
	return st
}

// FindResumePoint returns the stage index execution should (re)start from:
// the checkpoint's stage if one exists, otherwise the first stage whose
// status is neither completed nor skipped, otherwise -1 when every stage is
// already done.
func (s *State) FindResumePoint() int {
	if s.Checkpoint != nil {
		return s.Checkpoint.StageIndex
	}
	for i, st := range s.Stages {
		if st.Status != StageCompleted && st.Status != StageSkipped {
			return i
		}
	}
	return -1
}

// CanResume reports whether the execution is in a resumable status.
func (s *State) CanResume() bool {
	return s.Status == StatusFailed || s.Status == StatusPaused
}

// Progress returns completion as a whole percentage: completed and skipped
// stages over the total, or 100 for a pipeline with no stages.
func (s *State) Progress() int {
	if len(s.Stages) == 0 {
		return 100
	}
	done := 0
	for _, st := range s.Stages {
		if st.Status == StageCompleted || st.Status == StageSkipped {
			done++
		}
	}
	return int(math.Round(100 * float64(done) / float64(len(s.Stages))))
}

// AppendError appends a timestamped entry to the error log.
func (s *State) AppendError(stageIndex int, action, step, message string, attempt int) {
	s.Errors = append(s.Errors, ErrorEntry{
		StageIndex: stageIndex,
		Action:     action,
		Step:       step,
		Message:    message,
		Timestamp:  time.Now().UTC(),
		Attempt:    attempt,
	})
}

// Summary renders a one-line human description of the execution.
func (s *State) Summary() string {
	var completed, failed, pending int
	for _, st := range s.Stages {
		switch st.Status {
		case StageCompleted, StageSkipped:
			completed++
		case StageFailed:
			failed++
		default:
			pending++
		}
	}
	line := fmt.Sprintf("%s %s: %s, %d%% (%d completed, %d failed, %d pending)",
		s.Mission, s.ID, s.Status, s.Progress(), completed, failed, pending)
	if s.Duration > 0 {
		line += fmt.Sprintf(", %.1fs", s.Duration.Seconds())
	}
	return line
}
