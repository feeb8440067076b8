package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/mcclowes/reqon/pkg/execution"
)

// Execution documents are stored as JSON. Timestamps serialize as ISO-8601
// and decode back into time values through the typed state struct, so a
// round trip loses no date information. Checkpoint variables are the one
// loosely-typed corner: only JSON-representable values survive.

func EncodeState(state *execution.State) ([]byte, error) {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode execution %s: %w", state.ID, err)
	}
	return data, nil
}

func DecodeState(data []byte) (*execution.State, error) {
	var state execution.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode execution document: %w", err)
	}
	return &state, nil
}

// CloneState deep-copies a state through the codec. Stores hand out clones
// so callers mutating a returned state cannot corrupt the stored copy.
func CloneState(state *execution.State) (*execution.State, error) {
	data, err := EncodeState(state)
	if err != nil {
		return nil, err
	}
	return DecodeState(data)
}
