// Package engine walks a mission's pipeline: it runs stages sequentially or
// in parallel, dispatches each action's steps, persists execution state
// after every stage transition, and emits the lifecycle event stream.
//
// Execute never raises for mission failures. A failing step fails its
// action, a failing action fails its stage, a failing stage aborts the
// remaining pipeline, and all of it is reported through the returned
// Result and the durable execution state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcclowes/reqon/internal/deadletter"
	"github.com/mcclowes/reqon/internal/eval"
	"github.com/mcclowes/reqon/internal/fetch"
	"github.com/mcclowes/reqon/internal/persistence"
	"github.com/mcclowes/reqon/internal/recordstore"
	"github.com/mcclowes/reqon/internal/webhook"
	"github.com/mcclowes/reqon/pkg/execution"
	"github.com/mcclowes/reqon/pkg/mission"
)

const (
	// defaultMaxActionRetries bounds retry flow directives per action run.
	defaultMaxActionRetries = 3
	// maxJumpDepth bounds chained jump directives so two actions jumping at
	// each other cannot recurse forever.
	maxJumpDepth = 5
)

// Config assembles an Executor. Mission and States are required; every
// other field gets a working default.
type Config struct {
	Mission     *mission.Mission
	States      persistence.ExecutionStore
	Checkpoints persistence.SyncCheckpointStore

	// Fetcher executes fetch steps. Nil builds one from the mission's
	// sources.
	Fetcher *fetch.Orchestrator
	// Stores holds the destination store adapters. Nil builds them from
	// the mission's store definitions.
	Stores *recordstore.Registry
	// DeadLetters receives values routed by queue flow directives. Nil
	// means an in-memory queue.
	DeadLetters deadletter.Queue
	// Webhooks serves wait steps. Nil means a fresh registry.
	Webhooks *webhook.Registry

	Observer execution.Observer
	Logger   *zap.Logger
	Retry    execution.RetryPolicy
}

// Executor runs one mission. It is safe to Execute repeatedly, but two
// concurrent Execute calls must not share a ResumeFrom id.
type Executor struct {
	mission     *mission.Mission
	states      persistence.ExecutionStore
	fetcher     *fetch.Orchestrator
	stores      *recordstore.Registry
	deadLetters deadletter.Queue
	webhooks    *webhook.Registry
	observer    execution.Observer
	logger      *zap.Logger

	// mu guards State mutation from parallel-stage goroutines.
	mu sync.Mutex
}

// New builds an Executor for one mission, validating it first.
func New(cfg Config) (*Executor, error) {
	if cfg.Mission == nil {
		return nil, errors.New("engine: mission is required")
	}
	if cfg.States == nil {
		return nil, errors.New("engine: execution store is required")
	}
	if errs := mission.Validate(cfg.Mission); len(errs) > 0 {
		return nil, fmt.Errorf("mission %q is not runnable: %w", cfg.Mission.Name, errors.Join(errs...))
	}
	if cfg.Observer == nil {
		cfg.Observer = execution.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Stores == nil {
		reg, err := recordstore.NewRegistry(context.Background(), cfg.Mission.Stores, cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("build destination stores: %w", err)
		}
		cfg.Stores = reg
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = fetch.NewOrchestrator(fetch.Config{
			Mission:     cfg.Mission,
			Checkpoints: cfg.Checkpoints,
			Observer:    cfg.Observer,
			Logger:      cfg.Logger,
			Retry:       cfg.Retry,
		})
	}
	if cfg.DeadLetters == nil {
		cfg.DeadLetters = deadletter.NewMemoryQueue()
	}
	if cfg.Webhooks == nil {
		cfg.Webhooks = webhook.NewRegistry(cfg.Logger)
	}
	return &Executor{
		mission:     cfg.Mission,
		states:      cfg.States,
		fetcher:     cfg.Fetcher,
		stores:      cfg.Stores,
		deadLetters: cfg.DeadLetters,
		webhooks:    cfg.Webhooks,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
	}, nil
}

// Stores exposes the destination store registry, for callers inspecting
// results after a run.
func (e *Executor) Stores() *recordstore.Registry { return e.stores }

// DeadLetters exposes the dead-letter queue.
func (e *Executor) DeadLetters() deadletter.Queue { return e.deadLetters }

// Webhooks exposes the webhook registry backing wait steps.
func (e *Executor) Webhooks() *webhook.Registry { return e.webhooks }

// Execute runs the mission to completion or failure. It never returns an
// error: failures are reported in the Result and reflected in the
// persisted execution state.
func (e *Executor) Execute(ctx context.Context, opts execution.Options) *execution.Result {
	start := time.Now()

	st, err := e.prepareState(ctx, opts)
	if err != nil {
		e.logger.Error("execution could not start", zap.String("mission", e.mission.Name), zap.Error(err))
		return &execution.Result{
			Mission:  e.mission.Name,
			Success:  false,
			Duration: time.Since(start),
			Errors: []execution.ErrorEntry{{
				Action:    "start",
				Step:      "persist",
				Message:   err.Error(),
				Timestamp: time.Now().UTC(),
				Attempt:   1,
			}},
		}
	}
	errorsBefore := len(st.Errors)

	e.observer.OnMissionStart(ctx, st)

	if err := e.fetcher.LoadSpecs(ctx); err != nil {
		e.appendError(st, -1, "start", "spec", err.Error(), 1)
		return e.finish(ctx, st, start, errorsBefore, err)
	}

	root := eval.NewScope()
	root.SetAll(opts.Variables)

	cp := st.Checkpoint
	resume := st.FindResumePoint()

	var execErr error
	if resume >= 0 {
		for i := resume; i < len(e.mission.Pipeline); i++ {
			stageCp := cp
			if stageCp != nil && stageCp.StageIndex != i {
				stageCp = nil
			}
			if err := e.runStage(ctx, st, i, e.mission.Pipeline[i], root, stageCp, opts); err != nil {
				execErr = err
				break
			}
			cp = nil
		}
	}

	return e.finish(ctx, st, start, errorsBefore, execErr)
}

// prepareState loads the resumed execution or creates a fresh one, marks it
// running and persists it. Stages already completed or skipped keep their
// status; a failed or running stage is re-run from its start.
func (e *Executor) prepareState(ctx context.Context, opts execution.Options) (*execution.State, error) {
	var st *execution.State
	if opts.ResumeFrom != "" {
		loaded, err := e.states.Load(ctx, opts.ResumeFrom)
		if err == nil {
			st = loaded
			e.logger.Info("resuming execution",
				zap.String("mission", st.Mission),
				zap.String("execution_id", st.ID),
				zap.Int("resume_point", st.FindResumePoint()))
		} else {
			e.logger.Warn("resume state not loadable, starting fresh",
				zap.String("execution_id", opts.ResumeFrom),
				zap.Error(err))
		}
	}
	if st == nil {
		labels := make([]string, len(e.mission.Pipeline))
		for i, stage := range e.mission.Pipeline {
			labels[i] = stage.Label()
		}
		st = execution.NewState(e.mission.Name, labels)
	}

	st.Status = execution.StatusRunning
	st.CompletedAt = nil
	st.Duration = 0
	if err := e.states.Save(ctx, st); err != nil {
		return nil, fmt.Errorf("persist execution state: %w", err)
	}
	return st, nil
}

// finish stamps the terminal status, persists it and builds the Result.
// Success reflects this call only: errors inherited from a previous
// failed run do not taint a clean resume.
func (e *Executor) finish(ctx context.Context, st *execution.State, start time.Time, errorsBefore int, execErr error) *execution.Result {
	now := time.Now().UTC()
	st.Duration = time.Since(start)
	st.CompletedAt = &now
	if execErr != nil {
		st.Status = execution.StatusFailed
	} else {
		st.Status = execution.StatusCompleted
	}
	if err := e.states.Save(ctx, st); err != nil {
		e.logger.Error("persist terminal state failed",
			zap.String("execution_id", st.ID),
			zap.Error(err))
		if execErr == nil {
			execErr = fmt.Errorf("persist execution state: %w", err)
			st.Status = execution.StatusFailed
		}
	}

	res := &execution.Result{
		ExecutionID: st.ID,
		Mission:     st.Mission,
		Success:     execErr == nil,
		Duration:    st.Duration,
		Errors:      append([]execution.ErrorEntry(nil), st.Errors[errorsBefore:]...),
		Stores:      e.stores.Counts(ctx),
	}

	if execErr != nil {
		e.observer.OnMissionFailed(ctx, st, execErr)
	} else {
		e.observer.OnMissionCompleted(ctx, st, res)
	}
	return res
}

// runStage executes pipeline stage i: guard, transition to running, the
// stage's actions, and the terminal transition. Every status change is
// persisted before the next stage may begin.
func (e *Executor) runStage(ctx context.Context, st *execution.State, i int, stage mission.Stage, root *eval.Scope, cp *execution.Checkpoint, opts execution.Options) error {
	label := stage.Label()
	stageState := &st.Stages[i]

	if stage.When != nil {
		v, _ := eval.Evaluate(stage.When, root)
		if !eval.Truthy(v) {
			stageState.Status = execution.StageSkipped
			stageState.Error = ""
			if err := e.states.Save(ctx, st); err != nil {
				return fmt.Errorf("persist execution state: %w", err)
			}
			e.logger.Debug("stage skipped by guard", zap.String("execution_id", st.ID), zap.String("stage", label))
			e.observer.OnStageCompleted(ctx, st, i, label, nil, 0)
			return nil
		}
	}

	now := time.Now().UTC()
	stageState.Status = execution.StageRunning
	if stageState.StartedAt == nil {
		stageState.StartedAt = &now
	}
	if err := e.states.Save(ctx, st); err != nil {
		return fmt.Errorf("persist execution state: %w", err)
	}
	e.observer.OnStageStart(ctx, st, i, label)
	stageStart := time.Now()

	var err error
	if stage.IsParallel() {
		err = e.runParallel(ctx, st, i, stage.Parallel, root, opts)
	} else {
		// Only sequential stages checkpoint loop progress; concurrent
		// actions would race over the single marker.
		err = e.runActionWithRetries(ctx, st, i, stage.Action, root, cp, opts, 0, true)
	}

	d := time.Since(stageStart)
	end := time.Now().UTC()
	stageState = &st.Stages[i]
	stageState.CompletedAt = &end
	if err != nil {
		stageState.Status = execution.StageFailed
		stageState.Error = err.Error()
		if saveErr := e.states.Save(ctx, st); saveErr != nil {
			e.logger.Error("persist failed stage", zap.String("execution_id", st.ID), zap.Error(saveErr))
		}
		e.observer.OnStageCompleted(ctx, st, i, label, err, d)
		return fmt.Errorf("stage %d (%s): %w", i, label, err)
	}

	stageState.Status = execution.StageCompleted
	// A resumed stage may carry the previous run's failure text.
	stageState.Error = ""
	// The stage is durably done; a fine-grained marker inside it would only
	// drag a later resume backwards.
	st.Checkpoint = nil
	if err := e.states.Save(ctx, st); err != nil {
		return fmt.Errorf("persist execution state: %w", err)
	}
	e.observer.OnStageCompleted(ctx, st, i, label, nil, d)
	return nil
}

// runParallel runs each action concurrently in its own child scope and
// waits for all of them. Failures do not cancel siblings; they are
// collected and aggregated into one combined error naming every failed
// action.
func (e *Executor) runParallel(ctx context.Context, st *execution.State, stageIdx int, actions []string, root *eval.Scope, opts execution.Options) error {
	errs := make([]error, len(actions))
	var wg sync.WaitGroup
	for idx, name := range actions {
		wg.Add(1)
		go func(idx int, name string) {
			defer wg.Done()
			errs[idx] = e.runActionWithRetries(ctx, st, stageIdx, name, root, nil, opts, 0, false)
		}(idx, name)
	}
	wg.Wait()

	var parts []string
	for idx, name := range actions {
		if errs[idx] != nil {
			parts = append(parts, fmt.Sprintf("%s: %v", name, errs[idx]))
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d parallel actions failed: %s", len(parts), len(actions), strings.Join(parts, "; "))
}

// appendError records a step failure in the execution's append-only log.
// Safe to call from parallel-stage goroutines.
func (e *Executor) appendError(st *execution.State, stageIdx int, action, step, message string, attempt int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st.AppendError(stageIdx, action, step, message, attempt)
}

// setStageAttempt records the highest attempt number any action reached in
// this stage.
func (e *Executor) setStageAttempt(st *execution.State, stageIdx, attempt int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if attempt > st.Stages[stageIdx].Attempt {
		st.Stages[stageIdx].Attempt = attempt
	}
}
