package persistence

// Persistence bundles the store interfaces so the engine can depend on a
// single abstraction. Backends that implement several contracts (memory,
// file, SQLite, Postgres, Redis) plug into all fields at once; mixed
// deployments wire each field separately.
type Persistence struct {
	Executions  ExecutionStore
	Checkpoints SyncCheckpointStore
	Events      EventStore
}

// Defaulted returns a copy with nil fields replaced: a shared in-memory
// store for executions and checkpoints, and a discarding event journal.
func (p Persistence) Defaulted() Persistence {
	if p.Executions == nil || p.Checkpoints == nil {
		mem := NewInMemoryStore()
		if p.Executions == nil {
			p.Executions = mem
		}
		if p.Checkpoints == nil {
			p.Checkpoints = mem
		}
	}
	if p.Events == nil {
		p.Events = NoopEventStore{}
	}
	return p
}
