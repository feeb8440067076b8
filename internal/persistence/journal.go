package persistence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mcclowes/reqon/pkg/execution"
)

// JournalObserver records one execution's lifecycle events into an
// EventStore. Journal write failures are logged and swallowed; an audit
// trail must never fail the run it is auditing.
type JournalObserver struct {
	store       EventStore
	executionID string
	mission     string
	logger      *zap.Logger
}

var _ execution.Observer = (*JournalObserver)(nil)

// NewJournalObserver builds a journal observer for one execution.
// executionID may be empty: a fresh run's id does not exist before the
// engine creates its state, so the journal adopts it from the mission
// start event. A nil logger is replaced with a no-op logger.
func NewJournalObserver(store EventStore, executionID, mission string, logger *zap.Logger) *JournalObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JournalObserver{
		store:       store,
		executionID: executionID,
		mission:     mission,
		logger:      logger,
	}
}

func (j *JournalObserver) append(ctx context.Context, ev execution.Event) {
	ev.ExecutionID = j.executionID
	ev.Mission = j.mission
	ev.At = time.Now().UTC()
	if err := j.store.AppendEvent(ctx, ev); err != nil {
		j.logger.Warn("journal append failed",
			zap.String("execution", j.executionID),
			zap.String("event", string(ev.Type)),
			zap.Error(err))
	}
}

func (j *JournalObserver) OnMissionStart(ctx context.Context, st *execution.State) {
	// The state's id is authoritative. Mission start happens before any
	// parallel stage spawns, so the write is visible to every later hook.
	j.executionID = st.ID
	j.append(ctx, execution.Event{Type: execution.EventMissionStart, Stage: -1})
}

func (j *JournalObserver) OnMissionCompleted(ctx context.Context, st *execution.State, res *execution.Result) {
	j.append(ctx, execution.Event{Type: execution.EventMissionComplete, Stage: -1})
}

func (j *JournalObserver) OnMissionFailed(ctx context.Context, st *execution.State, err error) {
	j.append(ctx, execution.Event{Type: execution.EventMissionFailed, Stage: -1, Detail: errDetail(err)})
}

func (j *JournalObserver) OnStageStart(ctx context.Context, st *execution.State, index int, label string) {
	j.append(ctx, execution.Event{Type: execution.EventStageStart, Stage: index, Action: label})
}

func (j *JournalObserver) OnStageCompleted(ctx context.Context, st *execution.State, index int, label string, err error, d time.Duration) {
	j.append(ctx, execution.Event{Type: execution.EventStageComplete, Stage: index, Action: label, Detail: errDetail(err)})
}

func (j *JournalObserver) OnStepStart(ctx context.Context, st *execution.State, action, step string) {
	j.append(ctx, execution.Event{Type: execution.EventStepStart, Stage: -1, Action: action, Step: step})
}

func (j *JournalObserver) OnStepCompleted(ctx context.Context, st *execution.State, action, step string, err error, d time.Duration) {
	j.append(ctx, execution.Event{Type: execution.EventStepComplete, Stage: -1, Action: action, Step: step, Detail: errDetail(err)})
}

func (j *JournalObserver) OnFetchStart(ctx context.Context, source, endpoint string) {
	j.append(ctx, execution.Event{Type: execution.EventFetchStart, Stage: -1, Detail: source + " " + endpoint})
}

func (j *JournalObserver) OnFetchCompleted(ctx context.Context, source, endpoint string, pages, items int, err error, d time.Duration) {
	typ := execution.EventFetchComplete
	detail := fmt.Sprintf("%s %s pages=%d items=%d", source, endpoint, pages, items)
	if err != nil {
		typ = execution.EventFetchError
		detail = source + " " + endpoint + ": " + err.Error()
	}
	j.append(ctx, execution.Event{Type: typ, Stage: -1, Detail: detail})
}

func (j *JournalObserver) OnSyncCheckpoint(ctx context.Context, cp execution.SyncCheckpoint) {
	j.append(ctx, execution.Event{
		Type:   execution.EventSyncCheckpoint,
		Stage:  -1,
		Detail: fmt.Sprintf("%s records=%d", cp.Key, cp.RecordCount),
	})
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
