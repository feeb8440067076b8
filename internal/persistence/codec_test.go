package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcclowes/reqon/pkg/execution"
)

func sampleState(id, mission string, start time.Time) *execution.State {
	completed := start.Add(2 * time.Second)
	return &execution.State{
		ID:      id,
		Mission: mission,
		Status:  execution.StatusFailed,
		Stages: []execution.StageState{
			{Action: "pull", Status: execution.StageCompleted, StartedAt: &start, CompletedAt: &completed, Attempt: 1},
			{Action: "push", Status: execution.StageFailed, StartedAt: &completed, CompletedAt: &completed, Error: "boom", Attempt: 2},
			{Action: "report", Status: execution.StagePending},
		},
		Checkpoint: &execution.Checkpoint{
			StageIndex: 1,
			StepIndex:  3,
			ItemIndex:  17,
			Variables:  map[string]any{"batch": "b-12", "count": 17.0},
		},
		Errors: []execution.ErrorEntry{
			{StageIndex: 1, Action: "push", Step: "store", Message: "boom", Timestamp: completed, Attempt: 2},
		},
		StartedAt: start,
		Duration:  2 * time.Second,
	}
}

func TestCodecRoundTrip(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	state := sampleState("exec_abc_12345678", "crm-sync", start)

	data, err := EncodeState(state)
	require.NoError(t, err)

	decoded, err := DecodeState(data)
	require.NoError(t, err)
	assert.Equal(t, state, decoded)

	// Timestamps survive as real time values, not strings.
	assert.True(t, decoded.StartedAt.Equal(start))
	require.NotNil(t, decoded.Stages[0].CompletedAt)
	assert.True(t, decoded.Stages[0].CompletedAt.Equal(start.Add(2*time.Second)))
}

func TestCloneStateIsIndependent(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	state := sampleState("exec_abc_12345678", "crm-sync", start)

	clone, err := CloneState(state)
	require.NoError(t, err)

	clone.Status = execution.StatusCompleted
	clone.Stages[2].Status = execution.StageCompleted
	clone.Checkpoint.Variables["batch"] = "b-99"
	clone.Errors = append(clone.Errors, execution.ErrorEntry{Message: "extra"})

	assert.Equal(t, execution.StatusFailed, state.Status)
	assert.Equal(t, execution.StagePending, state.Stages[2].Status)
	assert.Equal(t, "b-12", state.Checkpoint.Variables["batch"])
	assert.Len(t, state.Errors, 1)
}

func TestDecodeStateRejectsGarbage(t *testing.T) {
	_, err := DecodeState([]byte("not json"))
	assert.Error(t, err)
}
