package reqon

import (
	"errors"
	"fmt"

	"github.com/mcclowes/reqon/pkg/mission"
)

// MissionBuilder provides a fluent API for defining missions in Go instead
// of YAML:
//
//	m := reqon.NewMission("crm-sync").
//	    Source("crm", reqon.Source{BaseURL: "https://crm.example.com/api"}).
//	    MemoryStore("contacts").
//	    Action("pull",
//	        reqon.Fetch("crm", "/contacts"),
//	        reqon.Upsert("contacts")).
//	    Stage("pull").
//	    MustBuild()
//
//	res, err := eng.Execute(ctx, m, reqon.Options{})
type MissionBuilder struct {
	def mission.Mission
}

// NewMission creates a new mission builder with the given name.
func NewMission(name string) *MissionBuilder {
	return &MissionBuilder{
		def: mission.Mission{
			Name:       name,
			Sources:    make(map[string]mission.Source),
			Stores:     make(map[string]mission.StoreDef),
			Schemas:    make(map[string]mission.Schema),
			Transforms: make(map[string]mission.Transform),
			Actions:    make(map[string]mission.Action),
			Pipeline:   make([]mission.Stage, 0),
		},
	}
}

// Name returns the mission name.
func (b *MissionBuilder) Name() string {
	return b.def.Name
}

// Version sets the mission version string.
func (b *MissionBuilder) Version(v string) *MissionBuilder {
	b.def.Version = v
	return b
}

// Source registers a named API source. The name in src is overwritten with
// the registered name.
func (b *MissionBuilder) Source(name string, src Source) *MissionBuilder {
	if name == "" {
		panic("reqon: source name must not be empty")
	}
	src.Name = name
	b.def.Sources[name] = src
	return b
}

// Store registers a named destination store. The name in def is overwritten
// with the registered name.
func (b *MissionBuilder) Store(name string, def StoreDef) *MissionBuilder {
	if name == "" {
		panic("reqon: store name must not be empty")
	}
	def.Name = name
	b.def.Stores[name] = def
	return b
}

// MemoryStore is a convenience for registering an in-memory store.
func (b *MissionBuilder) MemoryStore(name string) *MissionBuilder {
	return b.Store(name, StoreDef{Kind: mission.StoreMemory})
}

// FileStore is a convenience for registering a file store that persists
// records at <dir>/<name>.json.
func (b *MissionBuilder) FileStore(name, dir string) *MissionBuilder {
	return b.Store(name, StoreDef{Kind: mission.StoreFile, Path: dir})
}

// Schema registers a named record shape for validate and match steps.
func (b *MissionBuilder) Schema(name string, fields map[string]Field) *MissionBuilder {
	if name == "" {
		panic("reqon: schema name must not be empty")
	}
	b.def.Schemas[name] = mission.Schema{Name: name, Fields: fields}
	return b
}

// Transform registers a named field mapping for apply steps.
func (b *MissionBuilder) Transform(name string, fields ...FieldMapping) *MissionBuilder {
	if name == "" {
		panic("reqon: transform name must not be empty")
	}
	b.def.Transforms[name] = mission.Transform{Name: name, Fields: fields}
	return b
}

// Action registers a named step sequence.
func (b *MissionBuilder) Action(name string, steps ...Step) *MissionBuilder {
	if name == "" {
		panic("reqon: action name must not be empty")
	}
	if len(steps) == 0 {
		panic(fmt.Sprintf("reqon: action %q has no steps", name))
	}
	b.def.Actions[name] = mission.Action{Name: name, Steps: steps}
	return b
}

// Stage appends a pipeline stage running a single action.
func (b *MissionBuilder) Stage(action string) *MissionBuilder {
	if action == "" {
		panic("reqon: stage action must not be empty")
	}
	b.def.Pipeline = append(b.def.Pipeline, mission.Stage{Action: action})
	return b
}

// StageWhen appends a guarded stage. The guard expression is evaluated
// against the execution variables; false skips the stage.
func (b *MissionBuilder) StageWhen(action, guard string) *MissionBuilder {
	if action == "" {
		panic("reqon: stage action must not be empty")
	}
	b.def.Pipeline = append(b.def.Pipeline, mission.Stage{
		Action: action,
		When:   MustExpr(guard),
	})
	return b
}

// ParallelStage appends a stage that runs all given actions concurrently.
func (b *MissionBuilder) ParallelStage(actions ...string) *MissionBuilder {
	if len(actions) == 0 {
		panic("reqon: parallel stage needs at least one action")
	}
	for _, a := range actions {
		if a == "" {
			panic("reqon: stage action must not be empty")
		}
	}
	b.def.Pipeline = append(b.def.Pipeline, mission.Stage{Parallel: actions})
	return b
}

// Definition returns the mission built so far without validating it.
// Typically used when interacting with lower-level APIs.
func (b *MissionBuilder) Definition() *Mission {
	return &b.def
}

// Build validates the mission and returns it. All validation problems are
// reported at once through a joined error.
func (b *MissionBuilder) Build() (*Mission, error) {
	if errs := mission.Validate(&b.def); len(errs) > 0 {
		return nil, fmt.Errorf("mission %q is not runnable: %w", b.def.Name, errors.Join(errs...))
	}
	return &b.def, nil
}

// MustBuild is like Build but panics on error.
// Useful for initialization in main().
func (b *MissionBuilder) MustBuild() *Mission {
	m, err := b.Build()
	if err != nil {
		panic(err)
	}
	return m
}
