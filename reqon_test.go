package reqon_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcclowes/reqon"
)

func contactsServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id": "c-1", "name": "Ada", "email": "ada@example.com"},
			{"id": "c-2", "name": "Grace", "email": "grace@example.com"}
		]`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func syncMission(t *testing.T, name, baseURL string) *reqon.Mission {
	t.Helper()
	return reqon.NewMission(name).
		Source("crm", reqon.Source{BaseURL: baseURL}).
		MemoryStore("contacts").
		Action("pull",
			reqon.Fetch("crm", "/contacts"),
			reqon.Upsert("contacts")).
		Stage("pull").
		MustBuild()
}

func TestExecuteFetchesIntoStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := contactsServer(t)
	m := syncMission(t, "crm-sync", srv.URL)

	eng := reqon.New()
	res, err := eng.Execute(ctx, m, reqon.Options{})
	require.NoError(t, err)
	require.True(t, res.Success, "errors: %v", res.Errors)
	require.Empty(t, res.Errors)
	require.NotEmpty(t, res.ExecutionID)
	require.Equal(t, 2, res.Stores["contacts"])

	st, err := eng.GetExecution(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, reqon.StatusCompleted, st.Status)
	require.Len(t, st.Stages, 1)
	require.Equal(t, reqon.StageCompleted, st.Stages[0].Status)

	list, err := eng.ListExecutions(ctx, "crm-sync")
	require.NoError(t, err)
	require.Len(t, list, 1)

	events, err := eng.ExecutionEvents(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, reqon.EventMissionStart, events[0].Type)
	assert.Equal(t, reqon.EventMissionComplete, events[len(events)-1].Type)

	require.NoError(t, eng.DeleteExecution(ctx, res.ExecutionID))
	_, err = eng.GetExecution(ctx, res.ExecutionID)
	require.ErrorIs(t, err, reqon.ErrExecutionNotFound)
}

func TestExecuteGuardSkipsStage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := contactsServer(t)
	m := reqon.NewMission("guarded-sync").
		Source("crm", reqon.Source{BaseURL: srv.URL}).
		MemoryStore("contacts").
		Action("pull",
			reqon.Fetch("crm", "/contacts"),
			reqon.Upsert("contacts")).
		Action("audit",
			reqon.Let("audited", "true")).
		Stage("pull").
		StageWhen("audit", "full_sync == true").
		MustBuild()

	eng := reqon.New()

	res, err := eng.Execute(ctx, m, reqon.Options{})
	require.NoError(t, err)
	require.True(t, res.Success)
	st, err := eng.GetExecution(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, reqon.StageSkipped, st.Stages[1].Status)

	res, err = eng.Execute(ctx, m, reqon.Options{
		Variables: map[string]any{"full_sync": true},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	st, err = eng.GetExecution(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, reqon.StageCompleted, st.Stages[1].Status)
}

func TestResumeContinuesFromFailedStage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var hitsA, hitsB atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		hitsA.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id": "a-1"}]`))
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		if hitsB.Add(1) == 1 {
			http.Error(w, "upstream exploded", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id": "b-1"}]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := reqon.NewMission("two-phase").
		Source("api", reqon.Source{BaseURL: srv.URL}).
		MemoryStore("first").
		MemoryStore("second").
		Action("pull-a",
			reqon.Fetch("api", "/a"),
			reqon.Upsert("first")).
		Action("pull-b",
			reqon.Fetch("api", "/b"),
			reqon.Upsert("second")).
		Stage("pull-a").
		Stage("pull-b").
		MustBuild()

	eng := reqon.New().WithRetry(reqon.FetchRetry(1).Policy())

	res, err := eng.Execute(ctx, m, reqon.Options{})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.NotEmpty(t, res.Errors)

	st, err := eng.GetExecution(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, reqon.StatusFailed, st.Status)
	require.Equal(t, reqon.StageCompleted, st.Stages[0].Status)
	require.Equal(t, reqon.StageFailed, st.Stages[1].Status)
	require.True(t, st.CanResume())

	res2, err := eng.Resume(ctx, m, res.ExecutionID)
	require.NoError(t, err)
	require.True(t, res2.Success, "errors: %v", res2.Errors)
	require.Equal(t, res.ExecutionID, res2.ExecutionID)

	// The completed first stage is not re-run on resume.
	assert.EqualValues(t, 1, hitsA.Load())
	assert.EqualValues(t, 2, hitsB.Load())

	st, err = eng.GetExecution(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, reqon.StatusCompleted, st.Status)
	require.Equal(t, reqon.StageCompleted, st.Stages[1].Status)
	require.Empty(t, st.Stages[1].Error)
}

func TestResumeRejectsIneligibleExecutions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := contactsServer(t)
	m := syncMission(t, "resume-edges", srv.URL)

	eng := reqon.New()
	res, err := eng.Execute(ctx, m, reqon.Options{})
	require.NoError(t, err)
	require.True(t, res.Success)

	_, err = eng.Resume(ctx, m, res.ExecutionID)
	require.ErrorContains(t, err, "only failed or paused")

	other := syncMission(t, "some-other-mission", srv.URL)
	_, err = eng.Resume(ctx, other, res.ExecutionID)
	require.ErrorContains(t, err, "belongs to mission")

	_, err = eng.Resume(ctx, m, "no-such-id")
	require.ErrorIs(t, err, reqon.ErrExecutionNotFound)

	_, err = eng.ResumeLatest(ctx, m)
	require.ErrorContains(t, err, "no resumable execution")
}

func TestQueueDirectiveRoutesDeadLetters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id": "c-1", "email": "ada@example.com"},
			{"id": "c-2", "email": "grace@example.com"},
			{"id": "c-3"}
		]`))
	}))
	defer srv.Close()

	pull := reqon.Fetch("crm", "/contacts")
	pull.Into = "contacts"

	m := reqon.NewMission("triage-sync").
		Source("crm", reqon.Source{BaseURL: srv.URL}).
		MemoryStore("contacts").
		Schema("complete", map[string]reqon.Field{
			"id":    {Type: reqon.FieldString},
			"email": {Type: reqon.FieldString},
		}).
		Action("triage",
			pull,
			reqon.For("contact", "contacts",
				reqon.Match(
					reqon.Case("complete", reqon.Continue()),
					reqon.Case("_", reqon.Queue("review")),
				),
				reqon.Upsert("contacts"))).
		Stage("triage").
		MustBuild()

	eng := reqon.New()
	res, err := eng.Execute(ctx, m, reqon.Options{})
	require.NoError(t, err)
	require.True(t, res.Success, "errors: %v", res.Errors)
	require.Equal(t, 2, res.Stores["contacts"])

	n, err := eng.DeadLetterCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	letters, err := eng.DrainDeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	letter := letters[0]
	assert.NotEmpty(t, letter.ID)
	assert.Equal(t, res.ExecutionID, letter.ExecutionID)
	assert.Equal(t, "triage-sync", letter.Mission)
	assert.Equal(t, "triage", letter.Action)
	assert.Equal(t, "review", letter.Target)
	assert.False(t, letter.EnqueuedAt.IsZero())
	record, ok := letter.Value.(map[string]any)
	require.True(t, ok, "queued value is %T", letter.Value)
	assert.Equal(t, "c-3", record["id"])

	n, err = eng.DeadLetterCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestWaitStepReceivesWebhook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := reqon.NewMission("approval-flow").
		MemoryStore("approvals").
		Action("await",
			reqon.WaitForWebhook("/approvals", 1, 5*time.Second),
			reqon.Upsert("approvals")).
		Stage("await").
		MustBuild()

	eng := reqon.New()

	type runOut struct {
		res *reqon.Result
		err error
	}
	out := make(chan runOut, 1)
	go func() {
		res, err := eng.Execute(ctx, m, reqon.Options{})
		out <- runOut{res, err}
	}()

	require.Eventually(t, func() bool {
		return eng.DeliverWebhook("/approvals", map[string]any{"id": "appr-1", "approved": true}) == 1
	}, 3*time.Second, 10*time.Millisecond)

	select {
	case got := <-out:
		require.NoError(t, got.err)
		require.True(t, got.res.Success, "errors: %v", got.res.Errors)
		require.Equal(t, 1, got.res.Stores["approvals"])
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish after webhook delivery")
	}
}

func TestWebhookHandlerVerifiesSignatures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	const secret = "s3cret"
	sign := func(body []byte) string {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		return hex.EncodeToString(mac.Sum(nil))
	}

	m := reqon.NewMission("signed-approval").
		Action("await",
			reqon.WaitForWebhook("/approvals", 1, 5*time.Second)).
		Stage("await").
		MustBuild()

	eng := reqon.New()
	hook := httptest.NewServer(eng.WebhookHandler(secret))
	defer hook.Close()

	body := []byte(`{"approved": true}`)

	// A bad signature is rejected before any delivery.
	req, err := http.NewRequest(http.MethodPost, hook.URL+"/approvals", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Reqon-Signature", "deadbeef")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	type runOut struct {
		res *reqon.Result
		err error
	}
	out := make(chan runOut, 1)
	go func() {
		res, err := eng.Execute(ctx, m, reqon.Options{})
		out <- runOut{res, err}
	}()

	// 404 until the wait registers; 202 once the event lands.
	require.Eventually(t, func() bool {
		req, err := http.NewRequest(http.MethodPost, hook.URL+"/approvals", bytes.NewReader(body))
		if err != nil {
			return false
		}
		req.Header.Set("X-Reqon-Signature", sign(body))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusAccepted
	}, 3*time.Second, 25*time.Millisecond)

	select {
	case got := <-out:
		require.NoError(t, got.err)
		require.True(t, got.res.Success, "errors: %v", got.res.Errors)
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish after webhook delivery")
	}
}

func TestFileEngineSurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := contactsServer(t)
	stateDir := t.TempDir()
	recordsDir := t.TempDir()

	m := reqon.NewMission("durable-sync").
		Source("crm", reqon.Source{BaseURL: srv.URL}).
		FileStore("contacts", recordsDir).
		Action("pull",
			reqon.Fetch("crm", "/contacts"),
			reqon.Upsert("contacts")).
		Stage("pull").
		MustBuild()

	eng, err := reqon.NewFileEngine(stateDir)
	require.NoError(t, err)

	res, err := eng.Execute(ctx, m, reqon.Options{})
	require.NoError(t, err)
	require.True(t, res.Success, "errors: %v", res.Errors)

	// Records land on disk, keyed by their id field.
	raw, err := os.ReadFile(filepath.Join(recordsDir, "contacts.json"))
	require.NoError(t, err)
	var records map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &records))
	require.Len(t, records, 2)
	require.Equal(t, "ada@example.com", records["c-1"]["email"])

	// A second engine over the same state directory sees the execution.
	eng2, err := reqon.NewFileEngine(stateDir)
	require.NoError(t, err)
	st, err := eng2.GetExecution(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, reqon.StatusCompleted, st.Status)
}

func TestExecuteRejectsInvalidMissions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := reqon.New()

	_, err := eng.Execute(ctx, nil, reqon.Options{})
	require.ErrorContains(t, err, "mission is required")

	broken := reqon.NewMission("broken").
		Action("noop", reqon.Let("x", "1")).
		Stage("missing-action").
		Definition()
	_, err = eng.Execute(ctx, broken, reqon.Options{})
	require.ErrorContains(t, err, "not runnable")
}
