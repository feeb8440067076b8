package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mcclowes/reqon/internal/eval"
	"github.com/mcclowes/reqon/pkg/execution"
	"github.com/mcclowes/reqon/pkg/mission"
)

// stepFlow is the explicit control-flow result of one step: the directive
// it emitted, the kind of step that emitted it, and human context for logs
// and dead-letter entries. It is a value, not an error; genuine step
// failures travel on the error return instead.
type stepFlow struct {
	dir    mission.FlowDirective
	step   string
	reason string

	// value pins what a queue directive routes: the value the emitting step
	// examined. Without it the scope's current value is queued.
	value    any
	hasValue bool
}

func flowContinue() stepFlow { return stepFlow{dir: mission.Continue()} }

// recorded wraps an error already written to the execution error log so
// outer step lists do not log it twice.
type recorded struct{ err error }

func (r *recorded) Error() string { return r.err.Error() }
func (r *recorded) Unwrap() error { return r.err }

// runActionWithRetries runs one action until it settles: a success, a
// failure, or an exhausted retry budget. Retry directives re-run the
// action from its first step; jump directives run another action first,
// bounded by maxJumpDepth. checkpointed enables fine-grained loop
// checkpoints, which only sequential stages support.
func (e *Executor) runActionWithRetries(ctx context.Context, st *execution.State, stageIdx int, name string, parent *eval.Scope, cp *execution.Checkpoint, opts execution.Options, depth int, checkpointed bool) error {
	action, ok := e.mission.Actions[name]
	if !ok {
		return fmt.Errorf("unknown action %q", name)
	}
	maxRetries := opts.MaxActionRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxActionRetries
	}

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		e.setStageAttempt(st, stageIdx, attempt)
		flow, err := e.runAction(ctx, st, stageIdx, action, parent, cp, attempt, checkpointed)
		cp = nil
		if err != nil {
			return err
		}

		retry := false
		var backoff time.Duration
		switch flow.dir.Kind {
		case mission.FlowRetry:
			retry = true
			backoff = flow.dir.Backoff

		case mission.FlowJump:
			if depth >= maxJumpDepth {
				err := fmt.Errorf("action %q: jump depth %d exceeded", name, maxJumpDepth)
				e.appendError(st, stageIdx, name, flow.step, err.Error(), attempt)
				return err
			}
			e.logger.Info("jumping to action",
				zap.String("from", name),
				zap.String("to", flow.dir.Action),
				zap.String("then", string(flow.dir.Then)),
				zap.String("reason", flow.reason))
			if err := e.runActionWithRetries(ctx, st, stageIdx, flow.dir.Action, parent, nil, opts, depth+1, false); err != nil {
				return fmt.Errorf("jump to %q: %w", flow.dir.Action, err)
			}
			retry = flow.dir.Then == mission.FlowRetry

		default:
			// Continue and skip both settle the action successfully.
			return nil
		}

		if !retry {
			return nil
		}
		if attempt > maxRetries {
			err := fmt.Errorf("action %q exhausted %d retries", name, maxRetries)
			e.appendError(st, stageIdx, name, flow.step, err.Error(), attempt)
			return err
		}
		e.logger.Info("retrying action",
			zap.String("action", name),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.String("reason", flow.reason))
		// A re-run starts from the action's first step; a stale mid-loop
		// marker must not survive into it.
		if checkpointed && st.Checkpoint != nil {
			st.Checkpoint = nil
			if err := e.states.Save(ctx, st); err != nil {
				return fmt.Errorf("persist execution state: %w", err)
			}
		}
		if backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
}

// runAction executes one attempt of an action inside a fresh child scope.
// A checkpoint positions the attempt mid-action: scope variables are
// restored and steps before the marker are not re-run.
func (e *Executor) runAction(ctx context.Context, st *execution.State, stageIdx int, action mission.Action, parent *eval.Scope, cp *execution.Checkpoint, attempt int, checkpointed bool) (stepFlow, error) {
	scope := parent.Child()
	startStep, startItem := 0, 0
	if cp != nil {
		startStep = cp.StepIndex
		startItem = cp.ItemIndex
		scope.SetAll(cp.Variables)
		if startStep >= len(action.Steps) {
			return flowContinue(), nil
		}
	}
	r := &runner{
		ex:           e,
		st:           st,
		stageIdx:     stageIdx,
		action:       action,
		attempt:      attempt,
		checkpointed: checkpointed,
	}
	return r.steps(ctx, action.Steps, scope, true, startStep, startItem)
}

// runner carries one action attempt's execution context through the step
// tree.
type runner struct {
	ex           *Executor
	st           *execution.State
	stageIdx     int
	action       mission.Action
	attempt      int
	checkpointed bool
}

// steps dispatches a step list in order. topLevel marks the action's own
// list, where loop progress is checkpointed; nested lists (for-loop
// bodies) are not. startStep and startItem position a resumed action
// mid-list.
//
// Non-continue directives propagate up immediately: a skip emitted deep
// inside a loop body still abandons the whole action. Queue and abort are
// resolved here, while the scope still holds the value they refer to.
func (r *runner) steps(ctx context.Context, steps []mission.Step, scope *eval.Scope, topLevel bool, startStep, startItem int) (stepFlow, error) {
	for idx := startStep; idx < len(steps); idx++ {
		select {
		case <-ctx.Done():
			return stepFlow{}, ctx.Err()
		default:
		}

		step := steps[idx]
		itemStart := 0
		if idx == startStep {
			itemStart = startItem
		}

		r.ex.observer.OnStepStart(ctx, r.st, r.action.Name, step.Kind())
		start := time.Now()
		flow, err := r.step(ctx, step, scope, topLevel, idx, itemStart)
		r.ex.observer.OnStepCompleted(ctx, r.st, r.action.Name, step.Kind(), err, time.Since(start))

		if err != nil {
			var already *recorded
			if errors.As(err, &already) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return stepFlow{}, err
			}
			r.ex.appendError(r.st, r.stageIdx, r.action.Name, step.Kind(), err.Error(), r.attempt)
			return stepFlow{}, &recorded{err: fmt.Errorf("%s step: %w", step.Kind(), err)}
		}

		switch flow.dir.Kind {
		case mission.FlowContinue, "":
			continue

		case mission.FlowSkip:
			r.ex.logger.Debug("action skipped remaining steps",
				zap.String("action", r.action.Name),
				zap.String("reason", flow.reason))
			return flow, nil

		case mission.FlowQueue:
			value := flow.value
			if !flow.hasValue {
				value, _ = scope.Current()
			}
			if err := r.queue(ctx, flow.dir.Target, flow.reason, value); err != nil {
				r.ex.appendError(r.st, r.stageIdx, r.action.Name, flow.step, err.Error(), r.attempt)
				return stepFlow{}, &recorded{err: err}
			}
			return stepFlow{dir: mission.Skip(), step: flow.step, reason: flow.reason}, nil

		case mission.FlowAbort:
			msg := flow.dir.Message
			if msg == "" {
				msg = "aborted"
			}
			r.ex.appendError(r.st, r.stageIdx, r.action.Name, flow.step, msg, r.attempt)
			return stepFlow{}, &recorded{err: errors.New(msg)}

		default:
			// Retry and jump settle above the step loop.
			return flow, nil
		}
	}
	return flowContinue(), nil
}

// checkpoint records loop progress durably so a resume re-enters the
// action mid-loop instead of re-running completed items.
func (r *runner) checkpoint(ctx context.Context, stepIdx, itemIdx int, scope *eval.Scope) error {
	r.st.Checkpoint = &execution.Checkpoint{
		StageIndex: r.stageIdx,
		StepIndex:  stepIdx,
		ItemIndex:  itemIdx,
		Variables:  scope.Vars(),
	}
	if err := r.ex.states.Save(ctx, r.st); err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	return nil
}
