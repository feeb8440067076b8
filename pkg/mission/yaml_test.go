package mission

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMission = `
name: crm-sync
version: "2"

sources:
  crm:
    baseUrl: https://crm.example.com/api
    auth:
      kind: bearer
      token: env:CRM_TOKEN
    sinceParam: updated_since
    pagination:
      kind: page
      pageSize: 50
      pageParam: page
      sizeParam: per_page
    rateLimit:
      strategy: pause
      requestsPerMinute: 30
      progressInterval: 2s
    circuitBreaker:
      failureThreshold: 4
      resetTimeout: 10s

stores:
  contacts:
    kind: memory

schemas:
  contact:
    fields:
      id: int
      email: string
      name: string?
  apiError:
    fields:
      error: string

transforms:
  normalize:
    fields:
      id: id
      email: email
      label: name + " <" + email + ">"

actions:
  pull:
    steps:
      - fetch:
          source: crm
          path: /contacts
          checkpointKey: crm:contacts
      - for:
          var: contact
          in: response
          where: contact.email != null
          steps:
            - match:
                cases:
                  - schema: apiError
                    then: retry 5m
                  - schema: contact
                    then: continue
            - apply: {transform: normalize}
            - store: {to: contacts, key: id}
  report:
    steps:
      - let: {var: total, value: "length(response)"}
      - wait: {path: report-ready, timeout: 90s, expectedEvents: 2}

pipeline:
  - action: pull
  - action: report
    when: env("REPORT") == "1"
`

func TestParseMissionDocument(t *testing.T) {
	m, err := Parse([]byte(sampleMission))
	require.NoError(t, err)

	assert.Equal(t, "crm-sync", m.Name)
	assert.Equal(t, "2", m.Version)

	src, ok := m.Sources["crm"]
	require.True(t, ok)
	assert.Equal(t, "https://crm.example.com/api", src.BaseURL)
	require.NotNil(t, src.Auth)
	assert.Equal(t, AuthBearer, src.Auth.Kind)
	assert.Equal(t, "env:CRM_TOKEN", src.Auth.Token)
	assert.Equal(t, "updated_since", src.SinceParam)

	require.NotNil(t, src.Pagination)
	assert.Equal(t, PaginationPage, src.Pagination.Kind)
	assert.Equal(t, 50, src.Pagination.PageSize)

	require.NotNil(t, src.RateLimit)
	assert.Equal(t, RateLimitPause, src.RateLimit.Strategy)
	assert.Equal(t, 2*time.Second, src.RateLimit.ProgressInterval)

	require.NotNil(t, src.CircuitBreaker)
	assert.Equal(t, 4, src.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 10*time.Second, src.CircuitBreaker.ResetTimeout)

	contact := m.Schemas["contact"]
	assert.Equal(t, Field{Type: FieldInt}, contact.Fields["id"])
	assert.Equal(t, Field{Type: FieldString, Optional: true}, contact.Fields["name"])

	tr := m.Transforms["normalize"]
	require.Len(t, tr.Fields, 3)
	assert.Equal(t, "id", tr.Fields[0].Field)
	assert.Equal(t, "label", tr.Fields[2].Field)

	pull := m.Actions["pull"]
	require.Len(t, pull.Steps, 2)

	fetch, ok := pull.Steps[0].(FetchStep)
	require.True(t, ok)
	assert.Equal(t, "crm", fetch.Source)
	assert.Equal(t, "/contacts", fetch.Path)
	assert.Equal(t, "crm:contacts", fetch.CheckpointKey)

	loop, ok := pull.Steps[1].(ForStep)
	require.True(t, ok)
	assert.Equal(t, "contact", loop.Var)
	require.NotNil(t, loop.Where)
	require.Len(t, loop.Steps, 3)

	match, ok := loop.Steps[0].(MatchStep)
	require.True(t, ok)
	require.Len(t, match.Cases, 2)
	assert.Equal(t, FlowRetry, match.Cases[0].Directive.Kind)
	assert.Equal(t, 5*time.Minute, match.Cases[0].Directive.Backoff)

	store, ok := loop.Steps[2].(StoreStep)
	require.True(t, ok)
	assert.Equal(t, "contacts", store.Store)
	assert.Equal(t, StoreUpsert, store.Mode)

	report := m.Actions["report"]
	wait, ok := report.Steps[1].(WaitStep)
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, wait.Timeout)
	assert.Equal(t, 2, wait.ExpectedEvents)

	require.Len(t, m.Pipeline, 2)
	assert.False(t, m.Pipeline[0].IsParallel())
	assert.NotNil(t, m.Pipeline[1].When)
}

func TestParseMissionCollectsAllErrors(t *testing.T) {
	doc := `
name: broken
sources:
  api: {}
actions:
  a:
    steps:
      - fetch: {source: api, path: /x}
        let: {var: v, value: "1"}
      - match:
          cases:
            - schema: s
              then: explode
pipeline:
  - action: a
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "baseUrl is required")
	assert.Contains(t, err.Error(), "exactly one step kind")
	assert.Contains(t, err.Error(), "unknown flow directive")
}

func TestParseMissionBadExpression(t *testing.T) {
	doc := `
name: broken
actions:
  a:
    steps:
      - let: {var: v, value: "1 +"}
pipeline:
  - action: a
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "value")
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mission.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleMission), 0o644))

	m, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "crm-sync", m.Name)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestParseDirective(t *testing.T) {
	tests := []struct {
		in   string
		want FlowDirective
	}{
		{"continue", Continue()},
		{"skip", Skip()},
		{"retry", Retry(0)},
		{"retry 30s", Retry(30 * time.Second)},
		{"jump refresh", Jump("refresh")},
		{"jump refresh then retry", JumpThenRetry("refresh")},
		{"queue", Queue("")},
		{"queue failed-contacts", Queue("failed-contacts")},
		{`abort "bad shape"`, Abort("bad shape")},
		{"abort", Abort("")},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDirective(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "jump", "jump x then skip", "retry soon", "explode"} {
		t.Run("bad/"+bad, func(t *testing.T) {
			_, err := ParseDirective(bad)
			assert.Error(t, err)
		})
	}
}
