package reqon

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mcclowes/reqon/internal/deadletter"
	"github.com/mcclowes/reqon/internal/engine"
	"github.com/mcclowes/reqon/internal/persistence"
	"github.com/mcclowes/reqon/internal/webhook"
	"github.com/mcclowes/reqon/pkg/execution"
	"github.com/mcclowes/reqon/pkg/mission"
)

// Re-export the definition and execution types so users don't need to dig
// into pkg/mission and pkg/execution.

type (
	Mission        = mission.Mission
	Action         = mission.Action
	Stage          = mission.Stage
	Source         = mission.Source
	Auth           = mission.Auth
	Pagination     = mission.Pagination
	RateLimit      = mission.RateLimit
	CircuitBreaker = mission.CircuitBreaker
	StoreDef       = mission.StoreDef
	Schema         = mission.Schema
	Field          = mission.Field
	Transform      = mission.Transform
	FieldMapping   = mission.FieldMapping
	Expr           = mission.Expr
	FlowDirective  = mission.FlowDirective

	Step         = mission.Step
	FetchStep    = mission.FetchStep
	ForStep      = mission.ForStep
	MapStep      = mission.MapStep
	ValidateStep = mission.ValidateStep
	StoreStep    = mission.StoreStep
	MatchStep    = mission.MatchStep
	MatchCase    = mission.MatchCase
	LetStep      = mission.LetStep
	ApplyStep    = mission.ApplyStep
	WaitStep     = mission.WaitStep
	Rule         = mission.Rule

	FieldType = mission.FieldType
	StoreKind = mission.StoreKind
	StoreMode = mission.StoreMode
	Severity  = mission.Severity

	State           = execution.State
	StageState      = execution.StageState
	Checkpoint      = execution.Checkpoint
	ErrorEntry      = execution.ErrorEntry
	SyncCheckpoint  = execution.SyncCheckpoint
	Status          = execution.Status
	StageStatus     = execution.StageStatus
	Result          = execution.Result
	Options         = execution.Options
	RetryPolicy     = execution.RetryPolicy
	Event           = execution.Event
	EventType       = execution.EventType
	Observer        = execution.Observer
	NoopObserver    = execution.NoopObserver
	LoggingObserver = execution.LoggingObserver
	Metrics         = execution.Metrics
	MetricsSnapshot = execution.MetricsSnapshot
)

// Re-export status values for convenience.

const (
	StatusPending   = execution.StatusPending
	StatusRunning   = execution.StatusRunning
	StatusCompleted = execution.StatusCompleted
	StatusFailed    = execution.StatusFailed
	StatusPaused    = execution.StatusPaused

	StagePending   = execution.StagePending
	StageRunning   = execution.StageRunning
	StageCompleted = execution.StageCompleted
	StageFailed    = execution.StageFailed
	StageSkipped   = execution.StageSkipped
)

// Schema field types.

const (
	FieldString  = mission.FieldString
	FieldInt     = mission.FieldInt
	FieldDecimal = mission.FieldDecimal
	FieldBool    = mission.FieldBool
	FieldDate    = mission.FieldDate
	FieldArray   = mission.FieldArray
	FieldAny     = mission.FieldAny
)

// Destination store kinds.

const (
	StoreMemory = mission.StoreMemory
	StoreFile   = mission.StoreFile
	StoreSQLite = mission.StoreSQLite
	StoreS3     = mission.StoreS3
)

// Event types in the journaled lifecycle stream.

const (
	EventMissionStart    = execution.EventMissionStart
	EventMissionComplete = execution.EventMissionComplete
	EventMissionFailed   = execution.EventMissionFailed
	EventStageStart      = execution.EventStageStart
	EventStageComplete   = execution.EventStageComplete
	EventStepStart       = execution.EventStepStart
	EventStepComplete    = execution.EventStepComplete
	EventFetchStart      = execution.EventFetchStart
	EventFetchComplete   = execution.EventFetchComplete
	EventFetchError      = execution.EventFetchError
	EventSyncCheckpoint  = execution.EventSyncCheckpoint
)

// ErrExecutionNotFound is returned when an execution id is not in the
// engine's store.
var ErrExecutionNotFound = persistence.ErrExecutionNotFound

// Re-export common helpers.

var (
	// LoadMission reads and converts a mission YAML document.
	LoadMission = mission.LoadFile
	// ParseMission converts mission YAML bytes.
	ParseMission = mission.Parse
	// ValidateMission returns every problem that makes a mission unrunnable.
	ValidateMission = mission.Validate

	// ParseExpr parses the compact expression syntax used in guards,
	// mappings, rules and keys.
	ParseExpr = mission.ParseExpr
	// MustExpr is ParseExpr for known-good literals; it panics on a parse
	// error.
	MustExpr = mission.MustParseExpr

	NewLoggingObserver   = execution.NewLoggingObserver
	NewCompositeObserver = execution.NewCompositeObserver
)

// DeadLetter is one value a queue flow directive routed out of a pipeline.
type DeadLetter struct {
	ID          string
	ExecutionID string
	Mission     string
	Action      string
	Target      string
	Value       any
	Reason      string
	EnqueuedAt  time.Time
}

// Engine binds a persistence backend, a shared webhook registry and a
// dead-letter queue to mission execution. One Engine serves many missions.
// Configure it with the With* methods before the first Execute.
type Engine struct {
	stores  persistence.Persistence
	letters deadletter.Queue

	observer execution.Observer
	logger   *zap.Logger
	retry    execution.RetryPolicy

	webhookOnce sync.Once
	webhooks    *webhook.Registry
}

func newEngine(p persistence.Persistence, letters deadletter.Queue) *Engine {
	if letters == nil {
		letters = deadletter.NewMemoryQueue()
	}
	return &Engine{
		stores:  p.Defaulted(),
		letters: letters,
		logger:  zap.NewNop(),
	}
}

// New returns an Engine backed entirely by in-memory stores. State does
// not survive the process; use a durable backend for resumable deployments.
func New() *Engine {
	mem := persistence.NewInMemoryStore()
	return newEngine(persistence.Persistence{
		Executions:  mem,
		Checkpoints: mem,
		Events:      persistence.NewInMemoryEventStore(),
	}, nil)
}

// NewWithObserver returns an in-memory Engine with the given Observer.
func NewWithObserver(obs Observer) *Engine {
	return New().WithObserver(obs)
}

// NewFileEngine returns an Engine that persists execution state as JSON
// documents under dir.
func NewFileEngine(dir string) (*Engine, error) {
	store, err := persistence.NewFileStore(dir)
	if err != nil {
		return nil, err
	}
	return newEngine(persistence.Persistence{
		Executions:  store,
		Checkpoints: store,
	}, nil), nil
}

// NewSQLiteEngine returns an Engine that persists execution state, the
// event journal and the dead-letter queue in one SQLite database. The
// caller imports the driver:
//
//	import _ "modernc.org/sqlite"
//
//	db, _ := sql.Open("sqlite", "file:reqon.db?_journal=WAL")
//	eng, err := reqon.NewSQLiteEngine(db)
func NewSQLiteEngine(db *sql.DB) (*Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		return nil, err
	}
	letters, err := deadletter.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return newEngine(persistence.Persistence{
		Executions:  store,
		Checkpoints: store,
		Events:      events,
	}, letters), nil
}

// NewPostgresEngine returns an Engine that persists execution state in
// PostgreSQL. The caller imports a database/sql driver such as
// github.com/jackc/pgx/v5/stdlib.
func NewPostgresEngine(db *sql.DB) (*Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return newEngine(persistence.Persistence{
		Executions:  store,
		Checkpoints: store,
	}, nil), nil
}

// NewRedisEngine returns an Engine that persists execution state in Redis.
// All keys live under prefix; empty defaults to "reqon".
func NewRedisEngine(client *redis.Client, prefix string) *Engine {
	store := persistence.NewRedisStore(client, prefix)
	return newEngine(persistence.Persistence{
		Executions:  store,
		Checkpoints: store,
	}, nil)
}

// WithObserver sets the Observer every execution reports to.
func (e *Engine) WithObserver(obs Observer) *Engine {
	e.observer = obs
	return e
}

// WithLogger sets the logger used by the engine and its components.
func (e *Engine) WithLogger(logger *zap.Logger) *Engine {
	if logger != nil {
		e.logger = logger
	}
	return e
}

// WithRetry sets the default fetch retry policy. Zero fields fall back to
// the built-in defaults.
func (e *Engine) WithRetry(p RetryPolicy) *Engine {
	e.retry = p
	return e
}

// webhookRegistry builds the shared registry on first use, so WithLogger
// applies to it.
func (e *Engine) webhookRegistry() *webhook.Registry {
	e.webhookOnce.Do(func() {
		e.webhooks = webhook.NewRegistry(e.logger)
	})
	return e.webhooks
}

// observerFor attaches the event journal to the configured observer.
func (e *Engine) observerFor(m *Mission, executionID string) execution.Observer {
	obs := e.observer
	if obs == nil {
		obs = execution.NoopObserver{}
	}
	if e.stores.Events == nil {
		return obs
	}
	if _, noop := e.stores.Events.(persistence.NoopEventStore); noop {
		return obs
	}
	journal := persistence.NewJournalObserver(e.stores.Events, executionID, m.Name, e.logger)
	return execution.NewCompositeObserver(obs, journal)
}

// Execute runs a mission to completion or failure. The error covers
// assembly problems only, an invalid mission above all; run failures are
// reported through the Result and the persisted execution state.
func (e *Engine) Execute(ctx context.Context, m *Mission, opts Options) (*Result, error) {
	if m == nil {
		return nil, fmt.Errorf("reqon: mission is required")
	}
	ex, err := engine.New(engine.Config{
		Mission:     m,
		States:      e.stores.Executions,
		Checkpoints: e.stores.Checkpoints,
		DeadLetters: e.letters,
		Webhooks:    e.webhookRegistry(),
		Observer:    e.observerFor(m, opts.ResumeFrom),
		Logger:      e.logger,
		Retry:       e.retry,
	})
	if err != nil {
		return nil, err
	}
	res := ex.Execute(ctx, opts)
	if err := ex.Stores().Close(); err != nil {
		e.logger.Warn("closing destination stores", zap.Error(err))
	}
	return res, nil
}

// Resume continues a failed or paused execution of m from its resume
// point. Completed stages are not re-run.
func (e *Engine) Resume(ctx context.Context, m *Mission, executionID string) (*Result, error) {
	if m == nil {
		return nil, fmt.Errorf("reqon: mission is required")
	}
	st, err := e.stores.Executions.Load(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", executionID, err)
	}
	if st.Mission != m.Name {
		return nil, fmt.Errorf("execution %s belongs to mission %q, not %q", executionID, st.Mission, m.Name)
	}
	if !st.CanResume() {
		return nil, fmt.Errorf("execution %s is %s; only failed or paused executions resume", executionID, st.Status)
	}
	return e.Execute(ctx, m, Options{ResumeFrom: executionID})
}

// ResumeLatest resumes the most recent resumable execution of m.
func (e *Engine) ResumeLatest(ctx context.Context, m *Mission) (*Result, error) {
	if m == nil {
		return nil, fmt.Errorf("reqon: mission is required")
	}
	states, err := e.stores.Executions.FindResumable(ctx, m.Name)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, fmt.Errorf("mission %q has no resumable execution", m.Name)
	}
	return e.Resume(ctx, m, states[0].ID)
}

// GetExecution fetches one execution's state by id.
func (e *Engine) GetExecution(ctx context.Context, id string) (*State, error) {
	return e.stores.Executions.Load(ctx, id)
}

// ListExecutions lists the named mission's executions, newest first.
func (e *Engine) ListExecutions(ctx context.Context, missionName string) ([]*State, error) {
	return e.stores.Executions.ListByMission(ctx, missionName)
}

// ListRecent lists the most recent executions across missions. A
// non-positive limit applies the store default.
func (e *Engine) ListRecent(ctx context.Context, limit int) ([]*State, error) {
	return e.stores.Executions.ListRecent(ctx, limit)
}

// DeleteExecution removes one execution's state.
func (e *Engine) DeleteExecution(ctx context.Context, id string) error {
	return e.stores.Executions.Delete(ctx, id)
}

// ExecutionEvents returns the journaled lifecycle events of one execution,
// oldest first. Backends without an event journal return nothing.
func (e *Engine) ExecutionEvents(ctx context.Context, id string) ([]Event, error) {
	if e.stores.Events == nil {
		return nil, nil
	}
	return e.stores.Events.ListEvents(ctx, id)
}

// Pause marks a pending or running execution paused so it can be resumed
// later. The running Execute loop is not interrupted; Pause is external
// intervention, for fencing an id before operator work or after a
// controlled shutdown.
func (e *Engine) Pause(ctx context.Context, id string) error {
	st, err := e.stores.Executions.Load(ctx, id)
	if err != nil {
		return err
	}
	if st.Status != StatusPending && st.Status != StatusRunning {
		return fmt.Errorf("execution %s is %s; only pending or running executions pause", id, st.Status)
	}
	st.Status = StatusPaused
	return e.stores.Executions.Save(ctx, st)
}

// recoverScanLimit bounds the RecoverStuck scan. Leftovers older than the
// most recent window predate any plausible crash of this process.
const recoverScanLimit = 500

// RecoverStuck scans recent executions for leftovers still marked running,
// for example after a process crash, and marks them failed so they become
// resumable. Call it on startup before executing or resuming anything, so
// that nothing is legitimately running during the scan. It returns the
// number of executions it updated.
func (e *Engine) RecoverStuck(ctx context.Context) (int, error) {
	states, err := e.stores.Executions.ListRecent(ctx, recoverScanLimit)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, st := range states {
		if st.Status != StatusRunning {
			continue
		}
		st.Status = StatusFailed
		for i := range st.Stages {
			if st.Stages[i].Status == StageRunning {
				st.Stages[i].Status = StageFailed
				st.Stages[i].Error = "interrupted: still marked running at startup"
			}
		}
		st.AppendError(-1, "recover", "startup", "execution was still marked running at startup", 1)
		if err := e.stores.Executions.Save(ctx, st); err != nil {
			return count, fmt.Errorf("recover execution %s: %w", st.ID, err)
		}
		e.logger.Warn("recovered stuck execution",
			zap.String("execution_id", st.ID),
			zap.String("mission", st.Mission))
		count++
	}
	return count, nil
}

// WebhookHandler returns the HTTP handler that feeds wait steps. secret
// enables HMAC-SHA256 body signature checks; empty accepts unsigned
// deliveries. Deliveries match wait steps by full request path, so mount
// the handler where the mission's wait paths expect it:
//
//	go http.ListenAndServe(":8199", eng.WebhookHandler(secret))
func (e *Engine) WebhookHandler(secret string) http.Handler {
	return e.webhookRegistry().Handler(secret)
}

// DeliverWebhook injects one webhook event the way the HTTP handler
// would, and reports how many pending waits accepted it.
func (e *Engine) DeliverWebhook(path string, payload map[string]any) int {
	return e.webhookRegistry().Deliver(path, payload)
}

// DrainDeadLetters removes and returns up to max queued dead letters,
// oldest first. max <= 0 drains everything.
func (e *Engine) DrainDeadLetters(ctx context.Context, max int) ([]DeadLetter, error) {
	entries, err := e.letters.Drain(ctx, max)
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, len(entries))
	for i, entry := range entries {
		out[i] = DeadLetter(entry)
	}
	return out, nil
}

// DeadLetterCount reports how many dead letters are queued.
func (e *Engine) DeadLetterCount(ctx context.Context) (int, error) {
	return e.letters.Len(ctx)
}
