// Package reqon provides a declarative mission engine for API data flows.
//
// Reqon is designed for backend services that pull data from HTTP APIs,
// reshape and validate it, and land it in stores reliably. A mission
// describes the whole flow as data; the engine executes it with durable,
// resumable state, adaptive rate limiting, and circuit breaking. It runs
// fully in Go, supports multiple persistence backends, and integrates
// cleanly into existing codebases.
//
// # Core Concepts
//
// The Reqon programming model is intentionally small:
//
//  1. Mission
//  2. Engine
//  3. MissionBuilder
//  4. Steps and flow directives
//  5. Resumer
//
// These components form a complete sync system with deterministic stage
// ordering, durable state (when using persistent backends), and a clear
// mental model.
//
// # Mission
//
// A Mission declares everything about a data flow: the API sources it
// reads, the stores it writes, the schemas and transforms it applies, the
// named actions built from steps, and the pipeline of stages that runs
// them. Missions are plain data; load them from YAML with LoadMission or
// build them in Go with MissionBuilder.
//
// # Engine
//
// The Engine executes missions and persists execution state so that an
// interrupted run resumes from its last completed stage. It provides APIs
// to:
//   - execute and resume missions
//   - list, inspect and delete executions
//   - recover executions stranded by a crash
//   - receive webhook events for wait steps
//   - drain dead letters routed out of pipelines
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - JSON files (simple embedded durability)
//   - SQLite (embedded durability plus event journal and dead letters)
//   - Postgres
//   - Redis
//
// Engines are safe for concurrent use; one Engine serves many missions.
//
// # MissionBuilder
//
// MissionBuilder provides the ergonomic, declarative API used to define
// missions in Go. It supports the same surface as the YAML form:
//
//   - API sources with pagination, rate limits and circuit breakers
//   - destination stores
//   - schemas and transforms
//   - actions composed of steps
//   - sequential, guarded and parallel pipeline stages
//
// Example:
//
//	reqon.NewMission("crm-sync").
//	    Source("crm", reqon.Source{BaseURL: api}).
//	    MemoryStore("contacts").
//	    Action("pull",
//	        reqon.Fetch("crm", "/contacts"),
//	        reqon.Upsert("contacts")).
//	    Stage("pull").
//	    MustBuild()
//
// # Steps and flow directives
//
// A step is the fundamental unit of an action. Nine step kinds cover the
// domain: fetch, for, map, validate, store, match, let, apply and wait.
// Steps operate on a current value that flows through the action, and on
// named variables scoped to the execution.
//
// Match steps emit flow directives that alter control: continue, skip,
// retry with backoff, jump to another action, route the value to the
// dead-letter queue, or abort the run.
//
// # Resumer
//
// Resumer runs a periodic scan that picks up failed or paused executions
// of registered missions and resumes them. Together with a durable engine
// backend it turns a deployment self-healing: crash, restart, and the
// work continues from the last completed stage.
//
// # Summary
//
// Reqon's goal is to give Go developers an API sync engine that feels
// like Go: easy to embed, easy to test, deterministic, and without
// operational overhead. Missions declare data flows, Engines execute and
// persist them, steps contain the per-record logic, and Resumer keeps
// long-lived deployments moving.
//
// For examples, see the /examples directory or the project README.
package reqon
