package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchlane/flow/engine"
	"github.com/pitchlane/flow/engine/clock"
	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/journal"
	"github.com/pitchlane/flow/engine/store/inmem"
	"github.com/pitchlane/flow/engine/telemetry"
	"github.com/pitchlane/flow/engine/workflow"
)

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	clk *clock.Fake
	st  *inmem.Store
	eng *engine.Engine
	srv *Server
}

func newHarness(t *testing.T, kinds []workflow.Kind, opts ...Option) *harness {
	t.Helper()
	clk := clock.NewFake(t0)
	st := inmem.New(clk)
	eng, err := engine.New(st, kinds,
		engine.WithClock(clk),
		engine.WithLogger(telemetry.NewNoopLogger()),
	)
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)
	return &harness{clk: clk, st: st, eng: eng, srv: New(eng, opts...)}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, httptest.NewRequest(method, path, rd))
	return rec
}

func (h *harness) decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

// create admits an instance over HTTP and returns its ID.
func (h *harness) create(t *testing.T, kind string, body any) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/v1/workflows/"+kind, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out createResponse
	h.decode(t, rec, &out)
	require.NotEmpty(t, out.InstanceID)
	return out.InstanceID
}

func (h *harness) await(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) awaitStatus(t *testing.T, id string, want journal.Status) {
	t.Helper()
	h.await(t, fmt.Sprintf("instance %s to reach %s", id, want), func() bool {
		inst, err := h.st.LoadInstance(context.Background(), id)
		return err == nil && inst.Status == want
	})
}

// intakeKind suspends on the docs event and completes with its payload.
func intakeKind() workflow.Kind {
	return workflow.Kind{
		Name:    "intake",
		Initial: "Collect",
		States: map[workflow.State]workflow.StateDef{
			"Collect": {Handler: func(ctx workflow.Context) (workflow.Transition, error) {
				got, err := ctx.WaitEvent("docs")
				if err != nil {
					return workflow.Transition{}, err
				}
				return workflow.Complete(json.RawMessage(got)), nil
			}},
		},
	}
}

func intakeKindV2() workflow.Kind {
	k := intakeKind()
	k.Version = "2"
	return k
}

// reviewKind gates completion on a legal approval.
func reviewKind() workflow.Kind {
	return workflow.Kind{
		Name:    "disclosure",
		Initial: "Review",
		States: map[workflow.State]workflow.StateDef{
			"Review": {Handler: func(ctx workflow.Context) (workflow.Transition, error) {
				d, err := ctx.WaitApproval("legal")
				if err != nil {
					return workflow.Transition{}, err
				}
				out, _ := json.Marshal(map[string]string{"decision": d.Action})
				return workflow.Complete(out), nil
			}},
		},
	}
}

// receiptKind runs two steps and completes immediately.
func receiptKind() workflow.Kind {
	return workflow.Kind{
		Name:    "receipt",
		Initial: "Issue",
		InputSchema: []byte(`{
			"type": "object",
			"required": ["amount"],
			"properties": {"amount": {"type": "number"}}
		}`),
		States: map[workflow.State]workflow.StateDef{
			"Issue": {Handler: func(ctx workflow.Context) (workflow.Transition, error) {
				if _, err := ctx.Run("record", func(context.Context, workflow.StepInfo) (any, error) {
					return map[string]bool{"recorded": true}, nil
				}); err != nil {
					return workflow.Transition{}, err
				}
				out, err := ctx.Run("issue", func(context.Context, workflow.StepInfo) (any, error) {
					return map[string]string{"receipt": "r-1"}, nil
				})
				if err != nil {
					return workflow.Transition{}, err
				}
				return workflow.Complete(out), nil
			}},
		},
	}
}

// flakyKind exhausts its single-attempt budget while the flag is down,
// parking the instance, and settles cleanly once a retry runs with the flag
// up.
func flakyKind(allow *atomic.Bool) workflow.Kind {
	return workflow.Kind{
		Name:    "settlement",
		Initial: "Settle",
		Retry:   faults.RetryPolicy{MaxAttempts: 1},
		States: map[workflow.State]workflow.StateDef{
			"Settle": {Handler: func(ctx workflow.Context) (workflow.Transition, error) {
				out, err := ctx.Run("transfer", func(context.Context, workflow.StepInfo) (any, error) {
					if !allow.Load() {
						return nil, faults.Transientf("ledger unavailable")
					}
					return map[string]bool{"settled": true}, nil
				})
				if err != nil {
					return workflow.Transition{}, err
				}
				return workflow.Complete(out), nil
			}},
		},
	}
}

func allKinds(allow *atomic.Bool) []workflow.Kind {
	return []workflow.Kind{intakeKind(), intakeKindV2(), reviewKind(), receiptKind(), flakyKind(allow)}
}

func TestCreateInstance(t *testing.T) {
	h := newHarness(t, allKinds(new(atomic.Bool)))

	rec := h.do(t, http.MethodPost, "/v1/workflows/intake", map[string]any{
		"correlationKeys": map[string]string{"pitchId": "p-9"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out createResponse
	h.decode(t, rec, &out)
	assert.NotEmpty(t, out.InstanceID)
	assert.Equal(t, "intake", out.Kind)
	assert.Equal(t, "1", out.KindVersion)
	assert.Equal(t, "Collect", out.State)

	rec = h.do(t, http.MethodPost, "/v1/workflows/underwriting", map[string]any{})
	require.Equal(t, http.StatusNotFound, rec.Code)
	var eb errorBody
	h.decode(t, rec, &eb)
	assert.Equal(t, "not_found", eb.Error.Kind)
	assert.NotEmpty(t, eb.Error.Message)
}

func TestCreateValidatesInputSchema(t *testing.T) {
	h := newHarness(t, allKinds(new(atomic.Bool)))

	rec := h.do(t, http.MethodPost, "/v1/workflows/receipt", map[string]any{
		"input": map[string]any{"note": "missing amount"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var eb errorBody
	h.decode(t, rec, &eb)
	assert.Equal(t, "validation", eb.Error.Kind)

	rec = h.do(t, http.MethodPost, "/v1/workflows/receipt", map[string]any{
		"input": map[string]any{"amount": 125000},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestCreateDuplicateIdempotencyKey(t *testing.T) {
	h := newHarness(t, allKinds(new(atomic.Bool)))

	first := h.create(t, "intake", map[string]any{"idempotencyKey": "req-7"})

	rec := h.do(t, http.MethodPost, "/v1/workflows/intake", map[string]any{"idempotencyKey": "req-7"})
	require.Equal(t, http.StatusConflict, rec.Code)
	var eb errorBody
	h.decode(t, rec, &eb)
	assert.Equal(t, "duplicate", eb.Error.Kind)
	assert.Equal(t, first, eb.Error.InstanceID)
}

func TestPublishToInstance(t *testing.T) {
	h := newHarness(t, allKinds(new(atomic.Bool)))

	id := h.create(t, "intake", map[string]any{})
	h.awaitStatus(t, id, journal.StatusSuspended)

	rec := h.do(t, http.MethodPost, "/v1/workflows/"+id+"/events", map[string]any{
		"name":    "docs",
		"payload": map[string]string{"doc": "prospectus"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var receipt engine.Receipt
	h.decode(t, rec, &receipt)
	assert.True(t, receipt.Delivered)
	assert.Equal(t, id, receipt.InstanceID)
	h.awaitStatus(t, id, journal.StatusCompleted)

	// A completed log refuses further publishes.
	rec = h.do(t, http.MethodPost, "/v1/workflows/"+id+"/events", map[string]any{"name": "docs"})
	require.Equal(t, http.StatusConflict, rec.Code)
	var eb errorBody
	h.decode(t, rec, &eb)
	assert.Equal(t, "terminal", eb.Error.Kind)

	rec = h.do(t, http.MethodPost, "/v1/workflows/no-such/events", map[string]any{"name": "docs"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPublishByCorrelation(t *testing.T) {
	h := newHarness(t, allKinds(new(atomic.Bool)))

	id := h.create(t, "intake", map[string]any{})
	h.awaitStatus(t, id, journal.StatusSuspended)

	rec := h.do(t, http.MethodPost, "/v1/events", map[string]any{
		"name":    "docs",
		"payload": map[string]string{"doc": "term-sheet"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var receipt engine.Receipt
	h.decode(t, rec, &receipt)
	assert.True(t, receipt.Delivered)
	assert.Equal(t, id, receipt.InstanceID)

	rec = h.do(t, http.MethodPost, "/v1/events", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelInstance(t *testing.T) {
	h := newHarness(t, allKinds(new(atomic.Bool)))

	id := h.create(t, "intake", map[string]any{})
	h.awaitStatus(t, id, journal.StatusSuspended)

	rec := h.do(t, http.MethodPost, "/v1/workflows/"+id+"/cancel", map[string]any{"reason": "deal withdrawn"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var ack ackResponse
	h.decode(t, rec, &ack)
	assert.True(t, ack.Accepted)
	h.awaitStatus(t, id, journal.StatusCancelled)

	rec = h.do(t, http.MethodPost, "/v1/workflows/"+id+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestApprovals(t *testing.T) {
	h := newHarness(t, allKinds(new(atomic.Bool)))

	id := h.create(t, "disclosure", map[string]any{})
	h.awaitStatus(t, id, journal.StatusSuspended)

	// Unknown scope refuses before any decision lands.
	rec := h.do(t, http.MethodPost, "/v1/workflows/"+id+"/approvals/compliance", map[string]any{"action": "approve"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/workflows/"+id+"/approvals/legal", map[string]any{"action": "ratify"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/workflows/"+id+"/approvals/legal", map[string]any{
		"action":   "approve",
		"reviewer": "ops@pitchlane",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	h.awaitStatus(t, id, journal.StatusCompleted)

	inst, err := h.st.LoadInstance(context.Background(), id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"decision":"approve"}`, string(inst.Output))
}

func TestStatusDocument(t *testing.T) {
	h := newHarness(t, allKinds(new(atomic.Bool)))

	id := h.create(t, "intake", map[string]any{})
	h.awaitStatus(t, id, journal.StatusSuspended)

	rec := h.do(t, http.MethodGet, "/v1/workflows/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc struct {
		Instance struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"instance"`
		Waits []struct {
			Event string `json:"event"`
		} `json:"waits"`
		Tail []journal.Entry `json:"tail"`
	}
	h.decode(t, rec, &doc)
	assert.Equal(t, id, doc.Instance.ID)
	assert.Equal(t, "suspended", doc.Instance.Status)
	require.Len(t, doc.Waits, 1)
	assert.Equal(t, "docs", doc.Waits[0].Event)
	assert.NotEmpty(t, doc.Tail)

	rec = h.do(t, http.MethodGet, "/v1/workflows/no-such", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJournalPagination(t *testing.T) {
	h := newHarness(t, allKinds(new(atomic.Bool)))

	id := h.create(t, "receipt", map[string]any{"input": map[string]any{"amount": 1}})
	h.awaitStatus(t, id, journal.StatusCompleted)

	var got []journal.Entry
	next := uint64(0)
	for {
		rec := h.do(t, http.MethodGet, fmt.Sprintf("/v1/workflows/%s/journal?from=%d&limit=2", id, next), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var page journalResponse
		h.decode(t, rec, &page)
		require.LessOrEqual(t, len(page.Entries), 2)
		got = append(got, page.Entries...)
		if page.Next == 0 {
			break
		}
		next = page.Next
	}
	require.NotEmpty(t, got)
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.Ordinal)
	}
	assert.Equal(t, journal.KindTerminal, got[len(got)-1].Kind)

	rec := h.do(t, http.MethodGet, "/v1/workflows/no-such/journal", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTimelineAndStateAt(t *testing.T) {
	h := newHarness(t, allKinds(new(atomic.Bool)))

	id := h.create(t, "receipt", map[string]any{"input": map[string]any{"amount": 2}})
	h.awaitStatus(t, id, journal.StatusCompleted)

	rec := h.do(t, http.MethodGet, "/v1/workflows/"+id+"/timeline", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var spans []struct {
		State string `json:"state"`
	}
	h.decode(t, rec, &spans)
	require.NotEmpty(t, spans)
	assert.Equal(t, "Issue", spans[0].State)

	at := t0.Add(time.Hour).Format(time.RFC3339)
	rec = h.do(t, http.MethodGet, "/v1/workflows/"+id+"/state-at?t="+at, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state stateAtResponse
	h.decode(t, rec, &state)
	assert.Equal(t, journal.StatusCompleted, state.Status)
	assert.NotZero(t, state.LastOrdinal)

	rec = h.do(t, http.MethodGet, "/v1/workflows/"+id+"/state-at", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompareInstances(t *testing.T) {
	h := newHarness(t, allKinds(new(atomic.Bool)))

	a := h.create(t, "receipt", map[string]any{"input": map[string]any{"amount": 3}})
	b := h.create(t, "receipt", map[string]any{"input": map[string]any{"amount": 3}})
	h.awaitStatus(t, a, journal.StatusCompleted)
	h.awaitStatus(t, b, journal.StatusCompleted)

	rec := h.do(t, http.MethodGet, "/v1/workflows/"+a+"/compare?with="+b, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var diff struct {
		Equal bool `json:"equal"`
	}
	h.decode(t, rec, &diff)
	assert.True(t, diff.Equal)

	rec = h.do(t, http.MethodGet, "/v1/workflows/"+a+"/compare", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSnapshotsAndRestore(t *testing.T) {
	h := newHarness(t, allKinds(new(atomic.Bool)))

	id := h.create(t, "receipt", map[string]any{"input": map[string]any{"amount": 4}})
	h.awaitStatus(t, id, journal.StatusCompleted)

	rec := h.do(t, http.MethodPost, "/v1/workflows/"+id+"/snapshots", map[string]any{"label": "baseline"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var snap struct {
		ID    string `json:"id"`
		Label string `json:"label"`
	}
	h.decode(t, rec, &snap)
	require.NotEmpty(t, snap.ID)
	assert.Equal(t, "baseline", snap.Label)

	rec = h.do(t, http.MethodGet, "/v1/workflows/"+id+"/snapshots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snaps []json.RawMessage
	h.decode(t, rec, &snaps)
	assert.Len(t, snaps, 1)

	rec = h.do(t, http.MethodPost, "/v1/snapshots/"+snap.ID+"/restore", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var fork struct {
		ID              string            `json:"id"`
		CorrelationKeys map[string]string `json:"correlationKeys"`
	}
	h.decode(t, rec, &fork)
	require.NotEmpty(t, fork.ID)
	assert.NotEqual(t, id, fork.ID)
	assert.Equal(t, id, fork.CorrelationKeys["forkOf"])

	rec = h.do(t, http.MethodPost, "/v1/snapshots/no-such/restore", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDLQLifecycle(t *testing.T) {
	allow := new(atomic.Bool)
	h := newHarness(t, allKinds(allow))

	id := h.create(t, "settlement", map[string]any{})
	h.await(t, "instance to park", func() bool {
		entries, err := h.eng.Inspector().DLQ(context.Background())
		return err == nil && len(entries) == 1
	})

	rec := h.do(t, http.MethodGet, "/v1/dlq", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []struct {
		InstanceID string `json:"instanceId"`
		Kind       string `json:"kind"`
	}
	h.decode(t, rec, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].InstanceID)
	assert.Equal(t, "settlement", entries[0].Kind)

	rec = h.do(t, http.MethodGet, "/v1/dlq/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Depth  int            `json:"depth"`
		ByKind map[string]int `json:"byKind"`
	}
	h.decode(t, rec, &stats)
	assert.Equal(t, 1, stats.Depth)
	assert.Equal(t, 1, stats.ByKind["settlement"])

	// Let the transfer through and grant a fresh budget.
	allow.Store(true)
	rec = h.do(t, http.MethodPost, "/v1/dlq/"+id+"/retry", map[string]any{"resetAttempts": true})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	h.awaitStatus(t, id, journal.StatusCompleted)

	olderThan := t0.Add(24 * time.Hour).Format(time.RFC3339)
	rec = h.do(t, http.MethodDelete, "/v1/dlq?olderThan="+olderThan, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var purged purgeResponse
	h.decode(t, rec, &purged)
	assert.Zero(t, purged.Purged)

	rec = h.do(t, http.MethodDelete, "/v1/dlq", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStuckScan(t *testing.T) {
	h := newHarness(t, allKinds(new(atomic.Bool)))

	id := h.create(t, "intake", map[string]any{})
	h.awaitStatus(t, id, journal.StatusSuspended)
	// The scan flags instances idle past the stuck threshold, a day by
	// default.
	h.clk.Advance(25 * time.Hour)

	rec := h.do(t, http.MethodGet, "/v1/stuck", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stuck []struct {
		Instance struct {
			ID string `json:"id"`
		} `json:"instance"`
		Diagnosis string `json:"diagnosis"`
	}
	h.decode(t, rec, &stuck)
	require.Len(t, stuck, 1)
	assert.Equal(t, id, stuck[0].Instance.ID)
	assert.Contains(t, stuck[0].Diagnosis, "docs")
}

func TestForceVerbs(t *testing.T) {
	h := newHarness(t, allKinds(new(atomic.Bool)))

	timedOut := h.create(t, "intake", map[string]any{})
	cancelled := h.create(t, "intake", map[string]any{})
	failed := h.create(t, "intake", map[string]any{})
	h.awaitStatus(t, timedOut, journal.StatusSuspended)
	h.awaitStatus(t, cancelled, journal.StatusSuspended)
	h.awaitStatus(t, failed, journal.StatusSuspended)

	rec := h.do(t, http.MethodPost, "/v1/workflows/"+timedOut+"/force-timeout", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	h.awaitStatus(t, timedOut, journal.StatusFailed)

	rec = h.do(t, http.MethodPost, "/v1/workflows/"+cancelled+"/force-cancel", map[string]any{"reason": "operator"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	h.awaitStatus(t, cancelled, journal.StatusCancelled)

	rec = h.do(t, http.MethodPost, "/v1/workflows/"+failed+"/force-fail", map[string]any{"reason": "unrecoverable"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	h.awaitStatus(t, failed, journal.StatusFailed)

	inst, err := h.st.LoadInstance(context.Background(), failed)
	require.NoError(t, err)
	require.NotNil(t, inst.Failure)
	assert.Contains(t, inst.Failure.Message, "unrecoverable")
}

func TestMigrateInstance(t *testing.T) {
	h := newHarness(t, allKinds(new(atomic.Bool)))

	id := h.create(t, "intake", map[string]any{})
	h.awaitStatus(t, id, journal.StatusSuspended)

	rec := h.do(t, http.MethodPost, "/v1/workflows/"+id+"/migrate", map[string]any{"toVersion": "2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	inst, err := h.st.LoadInstance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "2", inst.KindVersion)

	// The migrated instance still completes under the new version.
	rec = h.do(t, http.MethodPost, "/v1/workflows/"+id+"/events", map[string]any{"name": "docs", "payload": map[string]bool{"ok": true}})
	require.Equal(t, http.StatusOK, rec.Code)
	h.awaitStatus(t, id, journal.StatusCompleted)
}

func TestListKinds(t *testing.T) {
	h := newHarness(t, allKinds(new(atomic.Bool)))

	rec := h.do(t, http.MethodGet, "/v1/kinds", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var kinds []kindSummary
	h.decode(t, rec, &kinds)
	require.Len(t, kinds, 5)

	byRef := make(map[string]kindSummary, len(kinds))
	for _, k := range kinds {
		byRef[k.Name+"@"+k.Version] = k
	}
	intake, ok := byRef["intake@1"]
	require.True(t, ok)
	assert.Equal(t, "Collect", intake.Initial)
	assert.Equal(t, []string{"Collect"}, intake.States)
	_, ok = byRef["intake@2"]
	assert.True(t, ok)
}

type fakePinger struct {
	name string
	err  error
}

func (p fakePinger) Name() string               { return p.name }
func (p fakePinger) Ping(context.Context) error { return p.err }

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t, allKinds(new(atomic.Bool)),
		WithPingers(fakePinger{name: "mongo"}),
	)

	rec := h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mongo")

	rec = h.do(t, http.MethodGet, "/livez", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestHealthReportsFailingBackend(t *testing.T) {
	h := newHarness(t, allKinds(new(atomic.Bool)),
		WithPingers(fakePinger{name: "redis", err: fmt.Errorf("connection refused")}),
	)

	rec := h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDebugEndpointsMounted(t *testing.T) {
	h := newHarness(t, allKinds(new(atomic.Bool)), WithDebugEndpoints())

	rec := h.do(t, http.MethodGet, "/debug/pprof/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pprof")
}
