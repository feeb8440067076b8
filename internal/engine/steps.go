package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/mcclowes/reqon/internal/deadletter"
	"github.com/mcclowes/reqon/internal/eval"
	"github.com/mcclowes/reqon/internal/fetch"
	"github.com/mcclowes/reqon/internal/recordstore"
	"github.com/mcclowes/reqon/internal/webhook"
	"github.com/mcclowes/reqon/pkg/mission"
)

// step executes one step. The step type set is closed; this switch is the
// single dispatch point, so a new step kind fails to compile until it is
// handled here.
func (r *runner) step(ctx context.Context, step mission.Step, scope *eval.Scope, topLevel bool, stepIdx, itemStart int) (stepFlow, error) {
	switch s := step.(type) {
	case mission.FetchStep:
		return r.fetchStep(ctx, s, scope)
	case mission.ForStep:
		return r.forStep(ctx, s, scope, topLevel, stepIdx, itemStart)
	case mission.MapStep:
		return r.mapStep(s, scope)
	case mission.ValidateStep:
		return r.validateStep(s, scope)
	case mission.StoreStep:
		return r.storeStep(ctx, s, scope)
	case mission.MatchStep:
		return r.matchStep(s, scope)
	case mission.LetStep:
		return r.letStep(s, scope)
	case mission.ApplyStep:
		return r.applyStep(s, scope)
	case mission.WaitStep:
		return r.waitStep(ctx, s, scope)
	}
	return stepFlow{}, fmt.Errorf("unhandled step kind %q", step.Kind())
}

// fetchStep delegates to the fetch orchestrator. The fetched items (or the
// decoded body when no items were found) become the current value, and the
// last page's body becomes the response for fallthrough lookups.
func (r *runner) fetchStep(ctx context.Context, s mission.FetchStep, scope *eval.Scope) (stepFlow, error) {
	req := fetch.Request{
		Source:        s.Source,
		Operation:     s.Operation,
		Method:        s.Method,
		Path:          s.Path,
		Pagination:    s.Pagination,
		CheckpointKey: s.CheckpointKey,
		SinceParam:    s.SinceParam,
	}
	if len(s.Query) > 0 {
		req.Query = make(map[string]string, len(s.Query))
		for name, expr := range s.Query {
			v, ok := eval.Evaluate(expr, scope)
			if !ok {
				r.ex.logger.Debug("fetch query parameter is undefined, omitting",
					zap.String("source", s.Source),
					zap.String("param", name))
				continue
			}
			req.Query[name] = cast.ToString(v)
		}
	}
	if s.Body != nil {
		if v, ok := eval.Evaluate(s.Body, scope); ok {
			req.Body = v
		}
	}

	res, err := r.ex.fetcher.Fetch(ctx, req)
	if err != nil {
		return stepFlow{}, err
	}

	var value any = res.Response
	if res.Items != nil {
		value = res.Items
	}
	scope.SetResponse(res.Response)
	scope.SetCurrent(value)
	if s.Into != "" {
		scope.Set(s.Into, value)
	}
	return flowContinue(), nil
}

// forStep iterates a collection, binding the loop variable in a nested
// child scope per item. At the action's top level, loop progress is
// checkpointed before each item so a resumed execution re-enters the loop
// instead of re-doing completed items.
func (r *runner) forStep(ctx context.Context, s mission.ForStep, scope *eval.Scope, topLevel bool, stepIdx, itemStart int) (stepFlow, error) {
	items, err := r.collection(ctx, s, scope)
	if err != nil {
		return stepFlow{}, err
	}
	if itemStart > 0 {
		r.ex.logger.Info("resuming loop mid-collection",
			zap.String("action", r.action.Name),
			zap.String("var", s.Var),
			zap.Int("item", itemStart),
			zap.Int("total", len(items)))
	}

	for i := itemStart; i < len(items); i++ {
		select {
		case <-ctx.Done():
			return stepFlow{}, ctx.Err()
		default:
		}
		if topLevel && r.checkpointed {
			if err := r.checkpoint(ctx, stepIdx, i, scope); err != nil {
				return stepFlow{}, err
			}
		}

		item := items[i]
		child := scope.Child()
		child.Set(s.Var, item)
		child.SetCurrent(item)

		if s.Where != nil {
			if cond, _ := eval.Evaluate(s.Where, child); !eval.Truthy(cond) {
				continue
			}
		}

		flow, err := r.steps(ctx, s.Steps, child, false, 0, 0)
		if err != nil {
			return stepFlow{}, err
		}
		if flow.dir.Kind != mission.FlowContinue && flow.dir.Kind != "" {
			return flow, nil
		}
	}

	// The loop is done; move the marker past it so a later failure in this
	// action does not resume into a completed loop.
	if topLevel && r.checkpointed && len(items) > itemStart {
		if err := r.checkpoint(ctx, stepIdx+1, 0, scope); err != nil {
			return stepFlow{}, err
		}
	}
	return flowContinue(), nil
}

// collection resolves the loop's input: a destination store listing, or an
// evaluated expression.
func (r *runner) collection(ctx context.Context, s mission.ForStep, scope *eval.Scope) ([]any, error) {
	if s.Store != "" {
		store, err := r.ex.stores.Store(s.Store)
		if err != nil {
			return nil, err
		}
		items, err := store.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list store %q: %w", s.Store, err)
		}
		return items, nil
	}
	v, ok := eval.Evaluate(s.In, scope)
	if !ok {
		return nil, fmt.Errorf("loop collection for %q is undefined", s.Var)
	}
	items, ok := eval.AsSlice(v)
	if !ok {
		return nil, fmt.Errorf("loop collection for %q is not a collection (got %T)", s.Var, v)
	}
	return items, nil
}

// mapStep builds a new object from field:expression pairs; the result
// becomes the new current value. Undefined fields are omitted rather than
// written as nulls.
func (r *runner) mapStep(s mission.MapStep, scope *eval.Scope) (stepFlow, error) {
	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		v, ok := eval.Evaluate(f.Expr, scope)
		if !ok {
			r.ex.logger.Debug("map field is undefined, omitting",
				zap.String("action", r.action.Name),
				zap.String("field", f.Field))
			continue
		}
		out[f.Field] = v
	}
	scope.SetCurrent(out)
	return flowContinue(), nil
}

// validateStep checks rules strictly in declaration order. The first
// failing error-severity rule decides the thrown message; warning-severity
// failures are logged and execution continues.
func (r *runner) validateStep(s mission.ValidateStep, scope *eval.Scope) (stepFlow, error) {
	target := r.target(s.Target, scope)
	checked := scope.Child()
	checked.SetCurrent(target)

	for _, rule := range s.Rules {
		v, _ := eval.Evaluate(rule.When, checked)
		if eval.Truthy(v) {
			continue
		}
		msg := rule.Message
		if msg == "" {
			msg = fmt.Sprintf("validation rule %q failed", rule.Name)
		}
		if rule.Severity == mission.SeverityWarning {
			r.ex.logger.Warn("validation warning",
				zap.String("action", r.action.Name),
				zap.String("rule", rule.Name),
				zap.String("message", msg))
			continue
		}
		return stepFlow{}, fmt.Errorf("validation failed: %s", msg)
	}
	return flowContinue(), nil
}

// storeStep writes the value (or each element of a collection value) to a
// destination store. Delivery is at-least-once; idempotency rests on the
// destination's key-based upsert.
func (r *runner) storeStep(ctx context.Context, s mission.StoreStep, scope *eval.Scope) (stepFlow, error) {
	store, err := r.ex.stores.Store(s.Store)
	if err != nil {
		return stepFlow{}, err
	}
	value := r.target(s.Value, scope)
	if value == nil {
		return stepFlow{}, fmt.Errorf("store %q: nothing to store", s.Store)
	}

	records, ok := eval.AsSlice(value)
	if !ok {
		records = []any{value}
	}
	for _, record := range records {
		key := r.recordKey(s.Key, record, scope)
		if err := r.write(ctx, store, s, key, record); err != nil {
			return stepFlow{}, err
		}
	}
	r.ex.logger.Debug("records stored",
		zap.String("action", r.action.Name),
		zap.String("store", s.Store),
		zap.Int("count", len(records)))
	return flowContinue(), nil
}

func (r *runner) write(ctx context.Context, store recordstore.Store, s mission.StoreStep, key string, record any) error {
	if s.Mode == mission.StoreInsert {
		_, err := store.Get(ctx, key)
		if err == nil {
			return fmt.Errorf("insert into %q: record %q already exists", s.Store, key)
		}
		if !errors.Is(err, recordstore.ErrRecordNotFound) {
			return fmt.Errorf("store %q: %w", s.Store, err)
		}
	}
	if err := store.Set(ctx, key, record); err != nil {
		return fmt.Errorf("store %q: %w", s.Store, err)
	}
	return nil
}

// recordKey derives the key a record is written under: the explicit key
// expression evaluated against the record, else the record's id field, else
// a random key.
func (r *runner) recordKey(keyExpr mission.Expr, record any, scope *eval.Scope) string {
	if keyExpr != nil {
		child := scope.Child()
		child.SetCurrent(record)
		if v, ok := eval.Evaluate(keyExpr, child); ok {
			if key := cast.ToString(v); key != "" {
				return key
			}
		}
	}
	if m, ok := record.(map[string]any); ok {
		if id, ok := m["id"]; ok {
			if key := cast.ToString(id); key != "" {
				return key
			}
		}
	}
	return uuid.NewString()
}

// matchStep finds the first declared schema the input satisfies and emits
// that case's flow directive. The wildcard "_" case applies only when no
// named schema matched; with no match at all, execution falls through.
func (r *runner) matchStep(s mission.MatchStep, scope *eval.Scope) (stepFlow, error) {
	input := r.target(s.Input, scope)

	order := make([]string, len(s.Cases))
	for i, c := range s.Cases {
		order[i] = c.Schema
	}
	name, ok := eval.FindMatchingSchema(r.ex.mission.Schemas, order, input)
	if !ok {
		r.ex.logger.Debug("match step found no matching schema",
			zap.String("action", r.action.Name))
		return flowContinue(), nil
	}
	for _, c := range s.Cases {
		if c.Schema == name {
			return stepFlow{
				dir:      c.Directive,
				step:     "match",
				reason:   fmt.Sprintf("matched schema %q", name),
				value:    input,
				hasValue: true,
			}, nil
		}
	}
	return flowContinue(), nil
}

// letStep binds a variable in the current scope. An undefined value binds
// nil so later conditions on the variable evaluate falsy.
func (r *runner) letStep(s mission.LetStep, scope *eval.Scope) (stepFlow, error) {
	v, ok := eval.Evaluate(s.Value, scope)
	if !ok {
		r.ex.logger.Debug("let value is undefined, binding nil",
			zap.String("action", r.action.Name),
			zap.String("var", s.Var))
	}
	scope.Set(s.Var, v)
	return flowContinue(), nil
}

// applyStep runs a registered transform; the transformed record becomes the
// new current value.
func (r *runner) applyStep(s mission.ApplyStep, scope *eval.Scope) (stepFlow, error) {
	t, ok := r.ex.mission.Transforms[s.Transform]
	if !ok {
		return stepFlow{}, fmt.Errorf("unknown transform %q", s.Transform)
	}
	input := r.target(s.Target, scope)
	child := scope.Child()
	child.SetCurrent(input)

	out := make(map[string]any, len(t.Fields))
	for _, f := range t.Fields {
		v, ok := eval.Evaluate(f.Expr, child)
		if !ok {
			continue
		}
		out[f.Field] = v
	}
	scope.SetCurrent(out)
	return flowContinue(), nil
}

// waitStep blocks until the expected webhook events arrive or the timeout
// elapses. The timeout is the only deadline in the engine; expiry is a
// deterministic step failure, never a hang.
func (r *runner) waitStep(ctx context.Context, s mission.WaitStep, scope *eval.Scope) (stepFlow, error) {
	pending := r.ex.webhooks.Register(webhook.Registration{
		ExecutionID:    r.st.ID,
		Path:           s.Path,
		Timeout:        s.Timeout,
		ExpectedEvents: s.ExpectedEvents,
	})
	r.ex.logger.Info("waiting for webhook events",
		zap.String("action", r.action.Name),
		zap.String("path", pending.Path()),
		zap.Int("expected", s.ExpectedEvents))

	events, err := pending.Wait(ctx)
	if err != nil {
		return stepFlow{}, err
	}

	payloads := make([]any, len(events))
	for i, e := range events {
		payloads[i] = any(e.Payload)
	}
	if len(payloads) == 1 {
		scope.SetCurrent(payloads[0])
	} else {
		scope.SetCurrent(payloads)
	}
	return flowContinue(), nil
}

// queue routes a value to the dead-letter queue. Queued values are
// intentional rerouting, not failures.
func (r *runner) queue(ctx context.Context, target, reason string, value any) error {
	entry := deadletter.Entry{
		ExecutionID: r.st.ID,
		Mission:     r.st.Mission,
		Action:      r.action.Name,
		Target:      target,
		Value:       value,
		Reason:      reason,
	}
	if err := r.ex.deadLetters.Enqueue(ctx, entry); err != nil {
		return fmt.Errorf("dead-letter value: %w", err)
	}
	r.ex.logger.Info("value routed to dead-letter queue",
		zap.String("action", r.action.Name),
		zap.String("target", target),
		zap.String("reason", reason))
	return nil
}

// target evaluates an optional expression, defaulting to the scope's
// current value.
func (r *runner) target(e mission.Expr, scope *eval.Scope) any {
	if e == nil {
		v, _ := scope.Current()
		return v
	}
	v, _ := eval.Evaluate(e, scope)
	return v
}
