package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcclowes/reqon/internal/persistence"
	"github.com/mcclowes/reqon/pkg/execution"
	"github.com/mcclowes/reqon/pkg/mission"
)

// newExecutor builds an Executor over shared in-memory state for a mission.
func newExecutor(t *testing.T, m *mission.Mission) (*Executor, *persistence.InMemoryStore) {
	t.Helper()
	states := persistence.NewInMemoryStore()
	ex, err := New(Config{
		Mission:     m,
		States:      states,
		Checkpoints: states,
	})
	require.NoError(t, err)
	return ex, states
}

func loadState(t *testing.T, states *persistence.InMemoryStore, id string) *execution.State {
	t.Helper()
	st, err := states.Load(context.Background(), id)
	require.NoError(t, err)
	return st
}

func storeItems(t *testing.T, ex *Executor, name string) []any {
	t.Helper()
	store, err := ex.Stores().Store(name)
	require.NoError(t, err)
	items, err := store.List(context.Background())
	require.NoError(t, err)
	return items
}

func storeGet(t *testing.T, ex *Executor, name, key string) map[string]any {
	t.Helper()
	store, err := ex.Stores().Store(name)
	require.NoError(t, err)
	v, err := store.Get(context.Background(), key)
	require.NoError(t, err, "record %s/%s", name, key)
	record, ok := v.(map[string]any)
	require.True(t, ok, "record %s/%s is %T, not an object", name, key, v)
	return record
}

func memStores(names ...string) map[string]mission.StoreDef {
	defs := make(map[string]mission.StoreDef, len(names))
	for _, name := range names {
		defs[name] = mission.StoreDef{Name: name, Kind: mission.StoreMemory}
	}
	return defs
}

func TestExecuteRunsPipelineToCompletion(t *testing.T) {
	m := &mission.Mission{
		Name:   "crm-sync",
		Stores: memStores("contacts", "summary"),
		Actions: map[string]mission.Action{
			"ingest": {Name: "ingest", Steps: []mission.Step{
				mission.ForStep{Var: "c", In: mission.MustParseExpr("contact_batch"), Steps: []mission.Step{
					mission.MapStep{Fields: []mission.FieldMapping{
						{Field: "id", Expr: mission.MustParseExpr("c.id")},
						{Field: "name", Expr: mission.MustParseExpr("c.name")},
					}},
					mission.StoreStep{Store: "contacts", Mode: mission.StoreUpsert},
				}},
			}},
			"summarize": {Name: "summarize", Steps: []mission.Step{
				mission.MapStep{Fields: []mission.FieldMapping{
					{Field: "id", Expr: mission.MustParseExpr(`"latest"`)},
					{Field: "total", Expr: mission.MustParseExpr("length(contact_batch)")},
				}},
				mission.StoreStep{Store: "summary", Mode: mission.StoreUpsert},
			}},
		},
		Pipeline: []mission.Stage{{Action: "ingest"}, {Action: "summarize"}},
	}

	ex, states := newExecutor(t, m)
	res := ex.Execute(context.Background(), execution.Options{Variables: map[string]any{
		"contact_batch": []any{
			map[string]any{"id": "c1", "name": "Ada"},
			map[string]any{"id": "c2", "name": "Grace"},
			map[string]any{"id": "c3", "name": "Edsger"},
		},
	}})

	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.NotEmpty(t, res.ExecutionID)
	assert.Equal(t, "crm-sync", res.Mission)
	assert.Empty(t, res.Errors)
	assert.Equal(t, map[string]int{"contacts": 3, "summary": 1}, res.Stores)

	st := loadState(t, states, res.ExecutionID)
	assert.Equal(t, execution.StatusCompleted, st.Status)
	assert.Equal(t, 100, st.Progress())
	require.NotNil(t, st.CompletedAt)
	assert.Nil(t, st.Checkpoint)
	require.Len(t, st.Stages, 2)
	for _, stage := range st.Stages {
		assert.Equal(t, execution.StageCompleted, stage.Status)
	}

	assert.Equal(t, "Grace", storeGet(t, ex, "contacts", "c2")["name"])
	assert.EqualValues(t, 3, storeGet(t, ex, "summary", "latest")["total"])
}

func TestExecuteStageGuard(t *testing.T) {
	build := func() *mission.Mission {
		return &mission.Mission{
			Name:   "guarded",
			Stores: memStores("out"),
			Actions: map[string]mission.Action{
				"write": {Name: "write", Steps: []mission.Step{
					mission.MapStep{Fields: []mission.FieldMapping{
						{Field: "id", Expr: mission.MustParseExpr(`"r1"`)},
					}},
					mission.StoreStep{Store: "out", Mode: mission.StoreUpsert},
				}},
			},
			Pipeline: []mission.Stage{{Action: "write", When: mission.MustParseExpr("full_sync")}},
		}
	}

	t.Run("false guard skips the stage", func(t *testing.T) {
		ex, states := newExecutor(t, build())
		res := ex.Execute(context.Background(), execution.Options{Variables: map[string]any{"full_sync": false}})

		require.True(t, res.Success)
		st := loadState(t, states, res.ExecutionID)
		assert.Equal(t, execution.StatusCompleted, st.Status)
		assert.Equal(t, execution.StageSkipped, st.Stages[0].Status)
		assert.Equal(t, 100, st.Progress())
		assert.Empty(t, storeItems(t, ex, "out"))
	})

	t.Run("true guard runs the stage", func(t *testing.T) {
		ex, _ := newExecutor(t, build())
		res := ex.Execute(context.Background(), execution.Options{Variables: map[string]any{"full_sync": true}})

		require.True(t, res.Success)
		assert.Len(t, storeItems(t, ex, "out"), 1)
	})

	t.Run("undefined guard skips the stage", func(t *testing.T) {
		ex, states := newExecutor(t, build())
		res := ex.Execute(context.Background(), execution.Options{})

		require.True(t, res.Success)
		st := loadState(t, states, res.ExecutionID)
		assert.Equal(t, execution.StageSkipped, st.Stages[0].Status)
	})
}

func TestExecuteFailingStageAbortsPipeline(t *testing.T) {
	writeRecord := func(id string) []mission.Step {
		return []mission.Step{
			mission.MapStep{Fields: []mission.FieldMapping{
				{Field: "id", Expr: mission.MustParseExpr(`"` + id + `"`)},
			}},
			mission.StoreStep{Store: "out", Mode: mission.StoreUpsert},
		}
	}
	m := &mission.Mission{
		Name:   "abort-chain",
		Stores: memStores("out"),
		Actions: map[string]mission.Action{
			"first": {Name: "first", Steps: writeRecord("a")},
			"broken": {Name: "broken", Steps: []mission.Step{
				mission.ValidateStep{
					Target: mission.MustParseExpr("payload"),
					Rules: []mission.Rule{{
						Name:     "has-id",
						When:     mission.MustParseExpr("payload.id"),
						Severity: mission.SeverityError,
						Message:  "payload has no id",
					}},
				},
			}},
			"after": {Name: "after", Steps: writeRecord("z")},
		},
		Pipeline: []mission.Stage{{Action: "first"}, {Action: "broken"}, {Action: "after"}},
	}

	ex, states := newExecutor(t, m)
	res := ex.Execute(context.Background(), execution.Options{Variables: map[string]any{
		"payload": map[string]any{"name": "missing the id"},
	}})

	require.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "broken", res.Errors[0].Action)
	assert.Equal(t, "validate", res.Errors[0].Step)
	assert.Equal(t, "validation failed: payload has no id", res.Errors[0].Message)
	assert.Equal(t, 1, res.Errors[0].StageIndex)

	st := loadState(t, states, res.ExecutionID)
	assert.Equal(t, execution.StatusFailed, st.Status)
	assert.Equal(t, execution.StageCompleted, st.Stages[0].Status)
	assert.Equal(t, execution.StageFailed, st.Stages[1].Status)
	assert.Contains(t, st.Stages[1].Error, "payload has no id")
	assert.Equal(t, execution.StagePending, st.Stages[2].Status)

	// Only the stage before the failure wrote anything.
	assert.Len(t, storeItems(t, ex, "out"), 1)
}

func TestExecuteParallelStageAggregatesFailures(t *testing.T) {
	reject := func(name, msg string) mission.Action {
		return mission.Action{Name: name, Steps: []mission.Step{
			mission.ValidateStep{Rules: []mission.Rule{{
				Name:     "always-fails",
				When:     mission.MustParseExpr("false"),
				Severity: mission.SeverityError,
				Message:  msg,
			}}},
		}}
	}
	m := &mission.Mission{
		Name:   "fan-out",
		Stores: memStores("out"),
		Actions: map[string]mission.Action{
			"writer": {Name: "writer", Steps: []mission.Step{
				mission.MapStep{Fields: []mission.FieldMapping{
					{Field: "id", Expr: mission.MustParseExpr(`"from-writer"`)},
				}},
				mission.StoreStep{Store: "out", Mode: mission.StoreUpsert},
			}},
			"bad_contacts": reject("bad_contacts", "contacts rejected"),
			"bad_invoices": reject("bad_invoices", "invoices rejected"),
		},
		Pipeline: []mission.Stage{{Parallel: []string{"writer", "bad_contacts", "bad_invoices"}}},
	}

	ex, states := newExecutor(t, m)
	res := ex.Execute(context.Background(), execution.Options{})

	require.False(t, res.Success)
	st := loadState(t, states, res.ExecutionID)
	require.Equal(t, execution.StageFailed, st.Stages[0].Status)
	assert.Contains(t, st.Stages[0].Error, "2 of 3 parallel actions failed")
	assert.Contains(t, st.Stages[0].Error, "bad_contacts")
	assert.Contains(t, st.Stages[0].Error, "invoices rejected")

	// Failing siblings do not cancel the writer; its record persists.
	assert.Equal(t, "from-writer", storeGet(t, ex, "out", "from-writer")["id"])

	actions := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		actions = append(actions, e.Action)
	}
	assert.ElementsMatch(t, []string{"bad_contacts", "bad_invoices"}, actions)
}

func TestExecuteResumeSkipsCompletedStages(t *testing.T) {
	const gate = "REQON_TEST_STAGE_GATE"
	m := &mission.Mission{
		Name:   "resumable",
		Stores: memStores("out"),
		Actions: map[string]mission.Action{
			"seed": {Name: "seed", Steps: []mission.Step{
				mission.MapStep{Fields: []mission.FieldMapping{
					{Field: "id", Expr: mission.MustParseExpr(`"seeded"`)},
				}},
				// Insert mode turns an accidental stage re-run into a failure.
				mission.StoreStep{Store: "out", Mode: mission.StoreInsert},
			}},
			"gate": {Name: "gate", Steps: []mission.Step{
				mission.ValidateStep{Rules: []mission.Rule{{
					Name:     "gate-open",
					When:     mission.MustParseExpr(`env("` + gate + `") == "open"`),
					Severity: mission.SeverityError,
					Message:  "gate is closed",
				}}},
			}},
		},
		Pipeline: []mission.Stage{{Action: "seed"}, {Action: "gate"}},
	}

	ex, states := newExecutor(t, m)

	first := ex.Execute(context.Background(), execution.Options{})
	require.False(t, first.Success)
	st := loadState(t, states, first.ExecutionID)
	assert.Equal(t, execution.StatusFailed, st.Status)
	assert.True(t, st.CanResume())
	assert.Equal(t, 1, st.FindResumePoint())
	require.Len(t, storeItems(t, ex, "out"), 1)

	t.Setenv(gate, "open")
	second := ex.Execute(context.Background(), execution.Options{ResumeFrom: first.ExecutionID})

	require.True(t, second.Success, "errors: %v", second.Errors)
	assert.Equal(t, first.ExecutionID, second.ExecutionID)
	// A clean resume reports no errors of its own.
	assert.Empty(t, second.Errors)

	st = loadState(t, states, second.ExecutionID)
	assert.Equal(t, execution.StatusCompleted, st.Status)
	assert.Equal(t, execution.StageCompleted, st.Stages[0].Status)
	assert.Equal(t, execution.StageCompleted, st.Stages[1].Status)
	assert.Empty(t, st.Stages[1].Error, "a completed stage sheds its old failure text")
	// The first run's failure stays in the durable history.
	require.Len(t, st.Errors, 1)
	assert.Equal(t, "gate", st.Errors[0].Action)

	// The completed seed stage did not run again: one insert, no conflict.
	assert.Len(t, storeItems(t, ex, "out"), 1)
}

func TestExecuteResumesLoopFromCheckpoint(t *testing.T) {
	const gate = "REQON_TEST_ITEM_GATE"
	m := &mission.Mission{
		Name:   "incremental",
		Stores: memStores("out"),
		Actions: map[string]mission.Action{
			"ingest": {Name: "ingest", Steps: []mission.Step{
				mission.ForStep{Var: "it", In: mission.MustParseExpr("batch"), Steps: []mission.Step{
					mission.ValidateStep{Rules: []mission.Rule{{
						Name:     "deliverable",
						When:     mission.MustParseExpr(`it.n != 3 || env("` + gate + `") == "open"`),
						Severity: mission.SeverityError,
						Message:  "item 3 rejected",
					}}},
					mission.StoreStep{Store: "out", Mode: mission.StoreInsert, Key: mission.MustParseExpr("it.n")},
				}},
			}},
		},
		Pipeline: []mission.Stage{{Action: "ingest"}},
	}

	ex, states := newExecutor(t, m)
	first := ex.Execute(context.Background(), execution.Options{Variables: map[string]any{
		"batch": []any{
			map[string]any{"n": 1},
			map[string]any{"n": 2},
			map[string]any{"n": 3},
			map[string]any{"n": 4},
		},
	}})

	require.False(t, first.Success)
	require.Len(t, storeItems(t, ex, "out"), 2)

	st := loadState(t, states, first.ExecutionID)
	require.NotNil(t, st.Checkpoint)
	assert.Equal(t, 0, st.Checkpoint.StageIndex)
	assert.Equal(t, 0, st.Checkpoint.StepIndex)
	assert.Equal(t, 2, st.Checkpoint.ItemIndex)

	t.Setenv(gate, "open")
	// No variables passed: the loop collection comes back from the
	// checkpoint.
	second := ex.Execute(context.Background(), execution.Options{ResumeFrom: first.ExecutionID})

	require.True(t, second.Success, "errors: %v", second.Errors)
	// Items before the marker were not re-run; insert mode would have
	// rejected the duplicates.
	assert.Len(t, storeItems(t, ex, "out"), 4)

	st = loadState(t, states, second.ExecutionID)
	assert.Equal(t, execution.StatusCompleted, st.Status)
	assert.Nil(t, st.Checkpoint)
}

func TestExecuteResumeWithUnknownIDStartsFresh(t *testing.T) {
	m := &mission.Mission{
		Name:   "fresh",
		Stores: memStores("out"),
		Actions: map[string]mission.Action{
			"write": {Name: "write", Steps: []mission.Step{
				mission.MapStep{Fields: []mission.FieldMapping{
					{Field: "id", Expr: mission.MustParseExpr(`"r1"`)},
				}},
				mission.StoreStep{Store: "out", Mode: mission.StoreUpsert},
			}},
		},
		Pipeline: []mission.Stage{{Action: "write"}},
	}

	ex, _ := newExecutor(t, m)
	res := ex.Execute(context.Background(), execution.Options{ResumeFrom: "exec_missing"})

	require.True(t, res.Success)
	assert.NotEqual(t, "exec_missing", res.ExecutionID)
	assert.Len(t, storeItems(t, ex, "out"), 1)
}

// journalingStore snapshots every saved status, for asserting the
// persist-per-transition discipline.
type journalingStore struct {
	*persistence.InMemoryStore
	mu    sync.Mutex
	saves []string
}

func (j *journalingStore) Save(ctx context.Context, st *execution.State) error {
	j.mu.Lock()
	stages := make([]string, len(st.Stages))
	for i, s := range st.Stages {
		stages[i] = string(s.Status)
	}
	j.saves = append(j.saves, string(st.Status)+" "+strings.Join(stages, ","))
	j.mu.Unlock()
	return j.InMemoryStore.Save(ctx, st)
}

func TestExecutePersistsEveryTransition(t *testing.T) {
	m := &mission.Mission{
		Name:   "durable",
		Stores: memStores("out"),
		Actions: map[string]mission.Action{
			"write": {Name: "write", Steps: []mission.Step{
				mission.MapStep{Fields: []mission.FieldMapping{
					{Field: "id", Expr: mission.MustParseExpr(`"r1"`)},
				}},
				mission.StoreStep{Store: "out", Mode: mission.StoreUpsert},
			}},
		},
		Pipeline: []mission.Stage{{Action: "write"}},
	}

	journal := &journalingStore{InMemoryStore: persistence.NewInMemoryStore()}
	ex, err := New(Config{Mission: m, States: journal, Checkpoints: journal.InMemoryStore})
	require.NoError(t, err)

	res := ex.Execute(context.Background(), execution.Options{})
	require.True(t, res.Success)

	assert.Equal(t, []string{
		"running pending",     // execution admitted
		"running running",     // stage started
		"running completed",   // stage finished
		"completed completed", // terminal status
	}, journal.saves)
}

// eventObserver records lifecycle callbacks in arrival order.
type eventObserver struct {
	execution.NoopObserver
	mu     sync.Mutex
	events []string
}

func (o *eventObserver) add(e string) {
	o.mu.Lock()
	o.events = append(o.events, e)
	o.mu.Unlock()
}

func (o *eventObserver) OnMissionStart(context.Context, *execution.State) {
	o.add("mission.start")
}

func (o *eventObserver) OnMissionCompleted(context.Context, *execution.State, *execution.Result) {
	o.add("mission.completed")
}

func (o *eventObserver) OnMissionFailed(context.Context, *execution.State, error) {
	o.add("mission.failed")
}

func (o *eventObserver) OnStageStart(_ context.Context, _ *execution.State, _ int, label string) {
	o.add("stage.start " + label)
}

func (o *eventObserver) OnStageCompleted(_ context.Context, _ *execution.State, _ int, label string, err error, _ time.Duration) {
	if err != nil {
		o.add("stage.failed " + label)
		return
	}
	o.add("stage.completed " + label)
}

func (o *eventObserver) OnStepStart(_ context.Context, _ *execution.State, _ string, step string) {
	o.add("step.start " + step)
}

func (o *eventObserver) OnStepCompleted(_ context.Context, _ *execution.State, _ string, step string, _ error, _ time.Duration) {
	o.add("step.end " + step)
}

func TestExecuteEmitsLifecycleEvents(t *testing.T) {
	m := &mission.Mission{
		Name:   "observed",
		Stores: memStores("out"),
		Actions: map[string]mission.Action{
			"write": {Name: "write", Steps: []mission.Step{
				mission.MapStep{Fields: []mission.FieldMapping{
					{Field: "id", Expr: mission.MustParseExpr(`"r1"`)},
				}},
				mission.StoreStep{Store: "out", Mode: mission.StoreUpsert},
			}},
		},
		Pipeline: []mission.Stage{{Action: "write"}},
	}

	obs := &eventObserver{}
	states := persistence.NewInMemoryStore()
	ex, err := New(Config{Mission: m, States: states, Checkpoints: states, Observer: obs})
	require.NoError(t, err)

	res := ex.Execute(context.Background(), execution.Options{})
	require.True(t, res.Success)

	assert.Equal(t, []string{
		"mission.start",
		"stage.start write",
		"step.start map",
		"step.end map",
		"step.start store",
		"step.end store",
		"stage.completed write",
		"mission.completed",
	}, obs.events)
}

func TestNewRejectsBrokenConfig(t *testing.T) {
	states := persistence.NewInMemoryStore()

	_, err := New(Config{States: states})
	require.ErrorContains(t, err, "mission is required")

	_, err = New(Config{Mission: &mission.Mission{Name: "m"}})
	require.ErrorContains(t, err, "execution store is required")

	m := &mission.Mission{
		Name:     "dangling",
		Pipeline: []mission.Stage{{Action: "ghost"}},
	}
	_, err = New(Config{Mission: m, States: states})
	require.ErrorContains(t, err, "not runnable")
	require.ErrorContains(t, err, `unknown action "ghost"`)
}

func TestExecuteCancelledContext(t *testing.T) {
	m := &mission.Mission{
		Name:   "cancelled",
		Stores: memStores("out"),
		Actions: map[string]mission.Action{
			"write": {Name: "write", Steps: []mission.Step{
				mission.MapStep{Fields: []mission.FieldMapping{
					{Field: "id", Expr: mission.MustParseExpr(`"r1"`)},
				}},
				mission.StoreStep{Store: "out", Mode: mission.StoreUpsert},
			}},
		},
		Pipeline: []mission.Stage{{Action: "write"}},
	}

	ex, states := newExecutor(t, m)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := ex.Execute(ctx, execution.Options{})

	require.False(t, res.Success)
	// Cancellation fails the stage without polluting the error log.
	assert.Empty(t, res.Errors)
	st := loadState(t, states, res.ExecutionID)
	assert.Equal(t, execution.StatusFailed, st.Status)
	assert.Contains(t, st.Stages[0].Error, context.Canceled.Error())
}

func TestExecuteActionScopesAreIsolated(t *testing.T) {
	// Variables bound inside one action are not visible to later stages;
	// cross-stage data flows through stores.
	m := &mission.Mission{
		Name: "isolation",
		Actions: map[string]mission.Action{
			"producer": {Name: "producer", Steps: []mission.Step{
				mission.LetStep{Var: "secret", Value: mission.MustParseExpr(`"s3cr3t"`)},
			}},
			"consumer": {Name: "consumer", Steps: []mission.Step{
				mission.ValidateStep{Rules: []mission.Rule{{
					Name:     "sees-secret",
					When:     mission.MustParseExpr(`secret == "s3cr3t"`),
					Severity: mission.SeverityError,
					Message:  "secret is not visible",
				}}},
			}},
		},
		Pipeline: []mission.Stage{{Action: "producer"}, {Action: "consumer"}},
	}

	ex, _ := newExecutor(t, m)
	res := ex.Execute(context.Background(), execution.Options{})

	require.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "validation failed: secret is not visible", res.Errors[0].Message)
}
