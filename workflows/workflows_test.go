package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pitchlane/flow/engine"
	"github.com/pitchlane/flow/engine/clock"
	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/journal"
	"github.com/pitchlane/flow/engine/notify"
	"github.com/pitchlane/flow/engine/store"
	"github.com/pitchlane/flow/engine/store/inmem"
	"github.com/pitchlane/flow/engine/telemetry"
)

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

// fakeServices implements every port behind Deps. Calls are recorded with
// their idempotency keys, and per-method transient failures are injectable,
// so tests can drive retries, dead-letter parking, and crash recovery and
// then assert exactly which backends were hit and how often.
type fakeServices struct {
	mu        sync.Mutex
	calls     map[string][]string
	transient map[string]int
	sent      []notify.Notification

	identityPasses bool
	probeDuration  float64
}

func newFakeServices() *fakeServices {
	return &fakeServices{
		calls:          make(map[string][]string),
		transient:      make(map[string]int),
		identityPasses: true,
		probeDuration:  240,
	}
}

// failTransient makes the next n calls of method return a transient fault.
// The calls are still recorded, matching a backend that accepted the request
// and then fell over.
func (f *fakeServices) failTransient(method string, n int) {
	f.mu.Lock()
	f.transient[method] = n
	f.mu.Unlock()
}

func (f *fakeServices) record(method, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method] = append(f.calls[method], key)
	if f.transient[method] > 0 {
		f.transient[method]--
		return faults.Transientf("%s backend unavailable", method)
	}
	return nil
}

func (f *fakeServices) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls[method])
}

// distinctKeys reports how many different idempotency keys the method saw.
// Retries and replays of one occurrence must not move this past one.
func (f *fakeServices) distinctKeys(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]struct{})
	for _, k := range f.calls[method] {
		seen[k] = struct{}{}
	}
	return len(seen)
}

func (f *fakeServices) notifications() []notify.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Notification(nil), f.sent...)
}

func (f *fakeServices) Send(_ context.Context, n notify.Notification) error {
	f.mu.Lock()
	f.sent = append(f.sent, n)
	f.mu.Unlock()
	return nil
}

func (f *fakeServices) Probe(_ context.Context, key string, _ MediaJob) (MediaProbe, error) {
	if err := f.record("probe", key); err != nil {
		return MediaProbe{}, err
	}
	f.mu.Lock()
	d := f.probeDuration
	f.mu.Unlock()
	return MediaProbe{Container: "mp4", Duration: d, Width: 1920, Height: 1080}, nil
}

func (f *fakeServices) ProcessVisuals(_ context.Context, key string, job MediaJob) ([]MediaArtifact, error) {
	if err := f.record("processVisuals", key); err != nil {
		return nil, err
	}
	return []MediaArtifact{{Kind: "thumbnail", URL: "cdn://" + job.PitchID + "/thumb.jpg"}}, nil
}

func (f *fakeServices) Transcode(_ context.Context, key string, job MediaJob) ([]MediaArtifact, error) {
	if err := f.record("transcode", key); err != nil {
		return nil, err
	}
	out := make([]MediaArtifact, 0, len(job.Formats))
	for _, format := range job.Formats {
		out = append(out, MediaArtifact{Kind: format, URL: "cdn://" + job.PitchID + "/" + format})
	}
	return out, nil
}

func (f *fakeServices) BuildManifests(_ context.Context, key string, job MediaJob) ([]MediaArtifact, error) {
	if err := f.record("buildManifests", key); err != nil {
		return nil, err
	}
	return []MediaArtifact{{Kind: "hls", URL: "cdn://" + job.PitchID + "/master.m3u8"}}, nil
}

func (f *fakeServices) Optimise(_ context.Context, key string, _ MediaJob) error {
	return f.record("optimise", key)
}

func (f *fakeServices) Publish(_ context.Context, key string, job MediaJob) (MediaRelease, error) {
	if err := f.record("publish", key); err != nil {
		return MediaRelease{}, err
	}
	return MediaRelease{PublishID: "pub-" + job.PitchID, URL: "cdn://" + job.PitchID}, nil
}

func (f *fakeServices) ConfigureCDN(_ context.Context, key string, _ MediaJob) error {
	return f.record("configureCdn", key)
}

func (f *fakeServices) EnableAnalytics(_ context.Context, key string, _ MediaJob) error {
	return f.record("enableAnalytics", key)
}

func (f *fakeServices) Finalise(_ context.Context, key string, job MediaJob) (MediaRelease, error) {
	if err := f.record("finalise", key); err != nil {
		return MediaRelease{}, err
	}
	return MediaRelease{PublishID: "pub-" + job.PitchID, URL: "cdn://" + job.PitchID}, nil
}

func (f *fakeServices) Collect(_ context.Context, key string, _ string) (MaterialSet, error) {
	if err := f.record("collect", key); err != nil {
		return MaterialSet{}, err
	}
	return MaterialSet{Documents: 3, Media: 1, Transcripts: 1}, nil
}

func (f *fakeServices) Analyze(_ context.Context, key string, req AnalysisRequest) (AnalysisResult, error) {
	if err := f.record("analyze."+req.Facet, key); err != nil {
		return AnalysisResult{}, err
	}
	return AnalysisResult{Facet: req.Facet, Score: 0.8}, nil
}

func (f *fakeServices) Synthesize(_ context.Context, key string, _ string) (Synthesis, error) {
	if err := f.record("synthesize", key); err != nil {
		return Synthesis{}, err
	}
	return Synthesis{Score: 0.8, Recommendation: "invest"}, nil
}

func (f *fakeServices) Discard(_ context.Context, key string, _ string) error {
	return f.record("discard", key)
}

func (f *fakeServices) AssessRisk(_ context.Context, key string, _ RiskSubject) (RiskReport, error) {
	if err := f.record("assessRisk", key); err != nil {
		return RiskReport{}, err
	}
	return RiskReport{Level: "low", Score: 0.2}, nil
}

func (f *fakeServices) VerifyIdentity(_ context.Context, key string, _ string) (IdentityCheck, error) {
	if err := f.record("verifyIdentity", key); err != nil {
		return IdentityCheck{}, err
	}
	f.mu.Lock()
	pass := f.identityPasses
	f.mu.Unlock()
	return IdentityCheck{Passed: pass, Provider: "fake-kyc", Reference: "chk-" + key}, nil
}

func (f *fakeServices) GenerateTermSheet(_ context.Context, key string, _ TermSheetRequest) (Document, error) {
	if err := f.record("termSheet", key); err != nil {
		return Document{}, err
	}
	return Document{ID: "doc-" + key}, nil
}

func (f *fakeServices) GenerateNDA(_ context.Context, key string, _ NDARequest) (Document, error) {
	if err := f.record("nda", key); err != nil {
		return Document{}, err
	}
	return Document{ID: "doc-" + key}, nil
}

func (f *fakeServices) RenderReport(_ context.Context, key string, req ReportRequest) (Document, error) {
	if err := f.record("render."+req.Template, key); err != nil {
		return Document{}, err
	}
	return Document{ID: "doc-" + key}, nil
}

func (f *fakeServices) GrantAccess(_ context.Context, key string, _ AccessGrant) error {
	return f.record("grantAccess", key)
}

func (f *fakeServices) RevokeAccess(_ context.Context, key string, _ AccessGrant) error {
	return f.record("revokeAccess", key)
}

type harness struct {
	clk  *clock.Fake
	st   *inmem.Store
	svc  *fakeServices
	opts []engine.Option
	e    *engine.Engine
}

func newHarness(t *testing.T, opts ...engine.Option) *harness {
	t.Helper()
	h := &harness{clk: clock.NewFake(t0), svc: newFakeServices(), opts: opts}
	h.st = inmem.New(h.clk)
	h.e = h.newEngine(t)
	return h
}

// newEngine stands up an engine over the harness store. Restart tests call
// it again after stopping the first; the store and clock carry over.
func (h *harness) newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	deps := Deps{Notifier: h.svc, Media: h.svc, Analyzer: h.svc, Docs: h.svc}
	opts := append([]engine.Option{
		engine.WithClock(h.clk),
		engine.WithLogger(telemetry.NewNoopLogger()),
	}, h.opts...)
	e, err := engine.New(h.st, All(deps), opts...)
	require.NoError(t, err)
	return e
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.e.Start(context.Background()))
	t.Cleanup(h.e.Stop)
}

// restart stops the running engine and brings up a successor over the same
// store and clock, the way a deployment restart would.
func (h *harness) restart(t *testing.T) {
	t.Helper()
	h.e.Stop()
	h.e = h.newEngine(t)
	h.start(t)
}

// await polls cond against the wall clock. The fake clock drives the
// engine; real time only bounds test patience.
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

// awaitWait blocks until the instance suspends on the given occurrence key,
// built with journal.WaitKey for events or journal.ReviewKey for gates.
func (h *harness) awaitWait(t *testing.T, id, key string) {
	t.Helper()
	h.await(t, fmt.Sprintf("instance %s to wait on %s", id, key), func() bool {
		w, err := h.st.GetWait(context.Background(), id, key)
		return err == nil && w != nil
	})
}

// awaitTimer blocks until the instance holds a pending timer with the given
// purpose.
func (h *harness) awaitTimer(t *testing.T, id string, purpose store.TimerPurpose) {
	t.Helper()
	h.await(t, fmt.Sprintf("instance %s to arm a %s timer", id, purpose), func() bool {
		timers, err := h.st.ListTimers(context.Background())
		if err != nil {
			return false
		}
		for _, tm := range timers {
			if tm.InstanceID == id && tm.Purpose == purpose {
				return true
			}
		}
		return false
	})
}

func (h *harness) instance(t *testing.T, id string) store.Instance {
	t.Helper()
	inst, err := h.st.LoadInstance(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func (h *harness) entries(t *testing.T, id string) []journal.Entry {
	t.Helper()
	page, err := h.st.Journal(context.Background(), id, 0, 0)
	require.NoError(t, err)
	return page.Entries
}

func (h *harness) create(t *testing.T, kind, input string) store.Instance {
	t.Helper()
	inst, err := h.e.Create(context.Background(), engine.CreateRequest{
		Kind:  kind,
		Input: json.RawMessage(input),
	})
	require.NoError(t, err)
	return inst
}

// publish targets the instance directly and requires that the event lands in
// a live wait; callers awaitWait first.
func (h *harness) publish(t *testing.T, id, event, payload string) {
	t.Helper()
	rcpt, err := h.e.PublishTo(context.Background(), id, engine.Event{
		Name:    event,
		Payload: json.RawMessage(payload),
	})
	require.NoError(t, err)
	require.True(t, rcpt.Delivered, "event %s was not delivered: %+v", event, rcpt)
}

func eventFor(name, payload string) engine.Event {
	return engine.Event{Name: name, Payload: json.RawMessage(payload)}
}

func (h *harness) respond(t *testing.T, id, scope, action, reviewer string) {
	t.Helper()
	require.NoError(t, h.e.Respond(context.Background(), id, engine.Response{
		Scope:    scope,
		Action:   action,
		Reviewer: reviewer,
	}))
}

// stepCompletions tallies step_completed entries by step name.
func stepCompletions(entries []journal.Entry) map[string]int {
	counts := make(map[string]int)
	for _, e := range entries {
		if e.Kind != journal.KindStepCompleted {
			continue
		}
		var pl journal.StepCompletedPayload
		if e.Decode(&pl) == nil {
			counts[pl.Step]++
		}
	}
	return counts
}

// completionOrder lists completed step names in journal order.
func completionOrder(entries []journal.Entry) []string {
	var order []string
	for _, e := range entries {
		if e.Kind != journal.KindStepCompleted {
			continue
		}
		var pl journal.StepCompletedPayload
		if e.Decode(&pl) == nil {
			order = append(order, pl.Step)
		}
	}
	return order
}

// reviewResponses collects review_responded payloads in journal order.
func reviewResponses(entries []journal.Entry) []journal.ReviewRespondedPayload {
	var out []journal.ReviewRespondedPayload
	for _, e := range entries {
		if e.Kind != journal.KindReviewResponded {
			continue
		}
		var pl journal.ReviewRespondedPayload
		if e.Decode(&pl) == nil {
			out = append(out, pl)
		}
	}
	return out
}

func TestAllRegistersEveryKind(t *testing.T) {
	h := newHarness(t)
	kinds := h.e.Catalog().Kinds()
	require.Len(t, kinds, 5)
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.Name
	}
	require.ElementsMatch(t, []string{
		"pitch.investment", "pitch.production", "pitch.nda", "pitch.media", "pitch.analysis",
	}, names)
}

func TestWithDefaultsFillsNilPorts(t *testing.T) {
	d := Deps{}.withDefaults()
	require.NotNil(t, d.Notifier)
	require.NotNil(t, d.Media)
	require.NotNil(t, d.Analyzer)
	require.NotNil(t, d.Docs)

	// Partially wired Deps keep what they have.
	svc := newFakeServices()
	d = Deps{Media: svc}.withDefaults()
	require.Equal(t, MediaServices(svc), d.Media)
	require.NotNil(t, d.Docs)
}

func TestDecodeEvent(t *testing.T) {
	var v struct {
		A int `json:"a"`
	}
	require.NoError(t, decodeEvent("e", nil, &v))
	require.NoError(t, decodeEvent("e", json.RawMessage(`{"a": 3}`), &v))
	require.Equal(t, 3, v.A)

	err := decodeEvent("e", json.RawMessage(`{`), &v)
	require.Error(t, err)
	require.True(t, faults.Is(err, faults.KindPermanent))
}
