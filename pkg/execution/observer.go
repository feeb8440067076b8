package execution

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Observer receives the execution engine's typed event stream. Consumers
// may log, trace, count or ignore events.
//
// Implementations should be fast and non-blocking; heavy work belongs on a
// goroutine so it does not delay execution.
type Observer interface {
	// OnMissionStart fires once per Execute call, after the execution state
	// has been created or loaded and before the first stage runs.
	OnMissionStart(ctx context.Context, st *State)

	// OnMissionCompleted fires when the execution reaches StatusCompleted.
	OnMissionCompleted(ctx context.Context, st *State, res *Result)

	// OnMissionFailed fires when the execution transitions to StatusFailed.
	OnMissionFailed(ctx context.Context, st *State, err error)

	// OnStageStart fires before a stage's actions run. index is the stage's
	// pipeline position.
	OnStageStart(ctx context.Context, st *State, index int, label string)

	// OnStageCompleted fires after a stage finishes, for successes,
	// failures (err != nil) and skips alike.
	OnStageCompleted(ctx context.Context, st *State, index int, label string, err error, d time.Duration)

	// OnStepStart fires before each step inside an action.
	OnStepStart(ctx context.Context, st *State, action, step string)

	// OnStepCompleted fires after each step, for successes and failures.
	// Control-flow signals are not failures and arrive with err == nil.
	OnStepCompleted(ctx context.Context, st *State, action, step string, err error, d time.Duration)

	// OnFetchStart fires before the fetch orchestrator issues the first
	// request of a fetch step.
	OnFetchStart(ctx context.Context, source, endpoint string)

	// OnFetchCompleted fires after a fetch step finishes all pages.
	OnFetchCompleted(ctx context.Context, source, endpoint string, pages, items int, err error, d time.Duration)

	// OnSyncCheckpoint fires after an incremental-fetch checkpoint is
	// advanced.
	OnSyncCheckpoint(ctx context.Context, cp SyncCheckpoint)
}

// NoopObserver is an Observer that does nothing. It is the default when no
// observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnMissionStart(context.Context, *State)                  {}
func (NoopObserver) OnMissionCompleted(context.Context, *State, *Result)    {}
func (NoopObserver) OnMissionFailed(context.Context, *State, error)         {}
func (NoopObserver) OnStageStart(context.Context, *State, int, string)      {}
func (NoopObserver) OnStageCompleted(context.Context, *State, int, string, error, time.Duration) {
}
func (NoopObserver) OnStepStart(context.Context, *State, string, string) {}
func (NoopObserver) OnStepCompleted(context.Context, *State, string, string, error, time.Duration) {
}
func (NoopObserver) OnFetchStart(context.Context, string, string) {}
func (NoopObserver) OnFetchCompleted(context.Context, string, string, int, int, error, time.Duration) {
}
func (NoopObserver) OnSyncCheckpoint(context.Context, SyncCheckpoint) {}

// CompositeObserver fans events out to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards every event to
// each non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnMissionStart(ctx context.Context, st *State) {
	for _, o := range c.observers {
		o.OnMissionStart(ctx, st)
	}
}

func (c *CompositeObserver) OnMissionCompleted(ctx context.Context, st *State, res *Result) {
	for _, o := range c.observers {
		o.OnMissionCompleted(ctx, st, res)
	}
}

func (c *CompositeObserver) OnMissionFailed(ctx context.Context, st *State, err error) {
	for _, o := range c.observers {
		o.OnMissionFailed(ctx, st, err)
	}
}

func (c *CompositeObserver) OnStageStart(ctx context.Context, st *State, index int, label string) {
	for _, o := range c.observers {
		o.OnStageStart(ctx, st, index, label)
	}
}

func (c *CompositeObserver) OnStageCompleted(ctx context.Context, st *State, index int, label string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStageCompleted(ctx, st, index, label, err, d)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, st *State, action, step string) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, st, action, step)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, st *State, action, step string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, st, action, step, err, d)
	}
}

func (c *CompositeObserver) OnFetchStart(ctx context.Context, source, endpoint string) {
	for _, o := range c.observers {
		o.OnFetchStart(ctx, source, endpoint)
	}
}

func (c *CompositeObserver) OnFetchCompleted(ctx context.Context, source, endpoint string, pages, items int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnFetchCompleted(ctx, source, endpoint, pages, items, err, d)
	}
}

func (c *CompositeObserver) OnSyncCheckpoint(ctx context.Context, cp SyncCheckpoint) {
	for _, o := range c.observers {
		o.OnSyncCheckpoint(ctx, cp)
	}
}

// LoggingObserver renders lifecycle events as structured zap logs, one log
// event per stream event, named by the EventType constants.
type LoggingObserver struct {
	logger *zap.Logger
}

// NewLoggingObserver creates an Observer that logs the event stream through
// the given logger. A nil logger discards everything.
func NewLoggingObserver(logger *zap.Logger) Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingObserver{logger: logger}
}

func (o *LoggingObserver) OnMissionStart(ctx context.Context, st *State) {
	o.logger.Info(string(EventMissionStart),
		zap.String("mission", st.Mission),
		zap.String("execution_id", st.ID),
		zap.Int("stages", len(st.Stages)),
	)
}

func (o *LoggingObserver) OnMissionCompleted(ctx context.Context, st *State, res *Result) {
	o.logger.Info(string(EventMissionComplete),
		zap.String("mission", st.Mission),
		zap.String("execution_id", st.ID),
		zap.Duration("duration", res.Duration),
	)
}

func (o *LoggingObserver) OnMissionFailed(ctx context.Context, st *State, err error) {
	o.logger.Error(string(EventMissionFailed),
		zap.String("mission", st.Mission),
		zap.String("execution_id", st.ID),
		zap.Error(err),
	)
}

func (o *LoggingObserver) OnStageStart(ctx context.Context, st *State, index int, label string) {
	o.logger.Info(string(EventStageStart),
		zap.String("execution_id", st.ID),
		zap.Int("stage", index),
		zap.String("label", label),
	)
}

func (o *LoggingObserver) OnStageCompleted(ctx context.Context, st *State, index int, label string, err error, d time.Duration) {
	if err != nil {
		o.logger.Error(string(EventStageComplete),
			zap.String("execution_id", st.ID),
			zap.Int("stage", index),
			zap.String("label", label),
			zap.Duration("duration", d),
			zap.Error(err),
		)
		return
	}
	o.logger.Info(string(EventStageComplete),
		zap.String("execution_id", st.ID),
		zap.Int("stage", index),
		zap.String("label", label),
		zap.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, st *State, action, step string) {
	o.logger.Debug(string(EventStepStart),
		zap.String("execution_id", st.ID),
		zap.String("action", action),
		zap.String("step", step),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, st *State, action, step string, err error, d time.Duration) {
	if err != nil {
		o.logger.Error(string(EventStepComplete),
			zap.String("execution_id", st.ID),
			zap.String("action", action),
			zap.String("step", step),
			zap.Duration("duration", d),
			zap.Error(err),
		)
		return
	}
	o.logger.Debug(string(EventStepComplete),
		zap.String("execution_id", st.ID),
		zap.String("action", action),
		zap.String("step", step),
		zap.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnFetchStart(ctx context.Context, source, endpoint string) {
	o.logger.Debug(string(EventFetchStart),
		zap.String("source", source),
		zap.String("endpoint", endpoint),
	)
}

func (o *LoggingObserver) OnFetchCompleted(ctx context.Context, source, endpoint string, pages, items int, err error, d time.Duration) {
	if err != nil {
		o.logger.Error(string(EventFetchError),
			zap.String("source", source),
			zap.String("endpoint", endpoint),
			zap.Int("pages", pages),
			zap.Duration("duration", d),
			zap.Error(err),
		)
		return
	}
	o.logger.Info(string(EventFetchComplete),
		zap.String("source", source),
		zap.String("endpoint", endpoint),
		zap.Int("pages", pages),
		zap.Int("items", items),
		zap.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnSyncCheckpoint(ctx context.Context, cp SyncCheckpoint) {
	o.logger.Info(string(EventSyncCheckpoint),
		zap.String("key", cp.Key),
		zap.String("source", cp.Source),
		zap.Time("last_synced_at", cp.LastSyncedAt),
		zap.Int("records", cp.RecordCount),
	)
}

// Metrics collects counters over the event stream. It implements Observer
// and can be combined with a LoggingObserver via NewCompositeObserver.
type Metrics struct {
	NoopObserver

	missionsStarted   atomic.Int64
	missionsCompleted atomic.Int64
	missionsFailed    atomic.Int64
	stagesCompleted   atomic.Int64
	stagesFailed      atomic.Int64
	stepsCompleted    atomic.Int64
	fetchPages        atomic.Int64
	fetchItems        atomic.Int64
	totalStepTime     atomic.Int64 // nanoseconds
}

// MetricsSnapshot is an immutable copy of Metrics counters.
type MetricsSnapshot struct {
	MissionsStarted   int64
	MissionsCompleted int64
	MissionsFailed    int64
	StagesCompleted   int64
	StagesFailed      int64
	StepsCompleted    int64
	FetchPages        int64
	FetchItems        int64
	AvgStepDuration   time.Duration
}

func (m *Metrics) OnMissionStart(ctx context.Context, st *State) {
	m.missionsStarted.Add(1)
}

func (m *Metrics) OnMissionCompleted(ctx context.Context, st *State, res *Result) {
	m.missionsCompleted.Add(1)
}

func (m *Metrics) OnMissionFailed(ctx context.Context, st *State, err error) {
	m.missionsFailed.Add(1)
}

func (m *Metrics) OnStageCompleted(ctx context.Context, st *State, index int, label string, err error, d time.Duration) {
	if err != nil {
		m.stagesFailed.Add(1)
		return
	}
	m.stagesCompleted.Add(1)
}

func (m *Metrics) OnStepCompleted(ctx context.Context, st *State, action, step string, err error, d time.Duration) {
	// Failed steps are excluded from the duration average.
	if err == nil {
		m.stepsCompleted.Add(1)
		m.totalStepTime.Add(d.Nanoseconds())
	}
}

func (m *Metrics) OnFetchCompleted(ctx context.Context, source, endpoint string, pages, items int, err error, d time.Duration) {
	m.fetchPages.Add(int64(pages))
	m.fetchItems.Add(int64(items))
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	steps := m.stepsCompleted.Load()
	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(m.totalStepTime.Load() / steps)
	}
	return MetricsSnapshot{
		MissionsStarted:   m.missionsStarted.Load(),
		MissionsCompleted: m.missionsCompleted.Load(),
		MissionsFailed:    m.missionsFailed.Load(),
		StagesCompleted:   m.stagesCompleted.Load(),
		StagesFailed:      m.stagesFailed.Load(),
		StepsCompleted:    steps,
		FetchPages:        m.fetchPages.Load(),
		FetchItems:        m.fetchItems.Load(),
		AvgStepDuration:   avg,
	}
}
