package reqon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcclowes/reqon/pkg/mission"
)

func TestMissionBuilderBuildsCompleteMission(t *testing.T) {
	t.Parallel()

	m, err := NewMission("full-sync").
		Version("1.2.0").
		Source("crm", Source{BaseURL: "https://crm.example.com/api"}).
		MemoryStore("contacts").
		FileStore("archive", "data").
		Schema("contact", map[string]Field{
			"id":    {Type: FieldString},
			"email": {Type: FieldString, Optional: true},
		}).
		Transform("normalize",
			Mapping("id", "contact.id"),
			Mapping("email", `contact.email != nil ? contact.email : "unknown"`)).
		Action("pull",
			Fetch("crm", "/contacts"),
			Upsert("contacts")).
		Action("archive",
			ForStore("contact", "contacts",
				Upsert("archive"))).
		Action("audit",
			Let("audited", "true")).
		Stage("pull").
		ParallelStage("archive", "audit").
		StageWhen("audit", "full_sync == true").
		Build()
	require.NoError(t, err)

	require.Equal(t, "full-sync", m.Name)
	require.Equal(t, "1.2.0", m.Version)
	require.Equal(t, "crm", m.Sources["crm"].Name)
	require.Equal(t, mission.StoreMemory, m.Stores["contacts"].Kind)
	require.Equal(t, mission.StoreFile, m.Stores["archive"].Kind)
	require.Equal(t, "data", m.Stores["archive"].Path)
	require.Len(t, m.Schemas["contact"].Fields, 2)
	require.Len(t, m.Transforms["normalize"].Fields, 2)
	require.Len(t, m.Actions, 3)

	require.Len(t, m.Pipeline, 3)
	require.Equal(t, "pull", m.Pipeline[0].Action)
	require.Equal(t, []string{"archive", "audit"}, m.Pipeline[1].Parallel)
	require.True(t, m.Pipeline[1].IsParallel())
	require.NotNil(t, m.Pipeline[2].When)
}

func TestMissionBuilderPanicsOnEmptyNames(t *testing.T) {
	t.Parallel()

	require.PanicsWithValue(t, "reqon: source name must not be empty", func() {
		NewMission("x").Source("", Source{})
	})
	require.PanicsWithValue(t, "reqon: store name must not be empty", func() {
		NewMission("x").MemoryStore("")
	})
	require.PanicsWithValue(t, `reqon: action "empty" has no steps`, func() {
		NewMission("x").Action("empty")
	})
	require.PanicsWithValue(t, "reqon: stage action must not be empty", func() {
		NewMission("x").Stage("")
	})
	require.PanicsWithValue(t, "reqon: parallel stage needs at least one action", func() {
		NewMission("x").ParallelStage()
	})
}

func TestBuildReportsAllProblemsAtOnce(t *testing.T) {
	t.Parallel()

	_, err := NewMission("broken").
		Action("pull",
			Fetch("nowhere", "/contacts"),
			Upsert("missing-store")).
		Stage("pull").
		Stage("ghost").
		Build()
	require.Error(t, err)
	require.ErrorContains(t, err, `unknown source "nowhere"`)
	require.ErrorContains(t, err, `unknown store "missing-store"`)
	require.ErrorContains(t, err, `unknown action "ghost"`)
}

func TestMustBuildPanicsOnInvalidMission(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() {
		NewMission("").MustBuild()
	})
}

func TestDefinitionSkipsValidation(t *testing.T) {
	t.Parallel()

	b := NewMission("wip").Stage("not-registered-yet")
	m := b.Definition()
	require.Equal(t, "wip", m.Name)
	require.Len(t, m.Pipeline, 1)
}

func TestStepConstructors(t *testing.T) {
	t.Parallel()

	f := Fetch("crm", "/contacts")
	require.Equal(t, "GET", f.Method)
	require.Equal(t, "/contacts", f.Path)

	op := FetchOperation("crm", "listContacts")
	require.Equal(t, "listContacts", op.Operation)
	require.Empty(t, op.Method)

	loop := For("c", "contacts", Upsert("out"))
	require.Equal(t, "c", loop.Var)
	require.NotNil(t, loop.In)
	require.Len(t, loop.Steps, 1)

	fromStore := ForStore("c", "contacts", Upsert("out"))
	require.Equal(t, "contacts", fromStore.Store)
	require.Nil(t, fromStore.In)

	rule := Check("has-id", "contact.id != nil", "contact needs an id")
	require.Equal(t, mission.SeverityError, rule.Severity)
	warning := Warn("has-email", "contact.email != nil", "contact has no email")
	require.Equal(t, mission.SeverityWarning, warning.Severity)

	require.Equal(t, mission.StoreUpsert, Upsert("s").Mode)
	require.Equal(t, mission.StoreInsert, Insert("s").Mode)

	w := WaitForWebhook("/approvals", 2, 30*time.Second)
	require.Equal(t, "/approvals", w.Path)
	require.Equal(t, 2, w.ExpectedEvents)
	require.Equal(t, 30*time.Second, w.Timeout)

	require.Equal(t, mission.FlowQueue, Queue("review").Kind)
	require.Equal(t, mission.FlowAbort, Abort("nope").Kind)
	require.Equal(t, "fix-up", Jump("fix-up").Action)
	require.Equal(t, mission.FlowRetry, JumpThenRetry("fix-up").Then)

	require.Panics(t, func() { MustExpr("((broken") })
}
