package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pitchlane/flow/engine/clock"
	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/journal"
	"github.com/pitchlane/flow/engine/store"
	"github.com/pitchlane/flow/engine/store/inmem"
	"github.com/pitchlane/flow/engine/stream"
)

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

type recordingWaker struct {
	woken []string
}

func (w *recordingWaker) Wake(instanceID string) { w.woken = append(w.woken, instanceID) }

type stubValidator struct {
	err error
}

func (v stubValidator) ValidateEvent(string, []byte) error { return v.err }

func newBus(t *testing.T, opts ...Option) (*Bus, *inmem.Store, *recordingWaker, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	st := inmem.New(clk)
	w := &recordingWaker{}
	opts = append([]Option{WithWaker(w)}, opts...)
	return New(st, clk, opts...), st, w, clk
}

func createInstance(t *testing.T, st *inmem.Store, id string, keys map[string]string) {
	t.Helper()
	require.NoError(t, st.CreateInstance(context.Background(), store.Instance{
		ID:              id,
		Kind:            "pitch.investment",
		Status:          journal.StatusPending,
		CorrelationKeys: keys,
	}, nil))
}

func registerWait(t *testing.T, st *inmem.Store, instanceID, event, correlationKey string, head uint64) store.PendingWait {
	t.Helper()
	key := journal.WaitKey(event, 0)
	entry := journal.MustNew(instanceID, journal.KindEventAwaited, t0, journal.EventAwaitedPayload{
		Event: event, CorrelationKey: correlationKey,
	})
	_, err := st.AppendCycle(context.Background(), store.CycleUpdate{
		InstanceID:   instanceID,
		ExpectedHead: head,
		Entries:      []journal.Entry{entry},
		PutWaits:     []store.PendingWait{{Key: key, Event: event, CorrelationKey: correlationKey, CreatedAt: t0}},
		Instance:     store.InstanceUpdate{Status: journal.StatusSuspended, OpenSuspensions: 1},
	})
	require.NoError(t, err)
	w, err := st.GetWait(context.Background(), instanceID, key)
	require.NoError(t, err)
	require.NotNil(t, w)
	return *w
}

func TestPublishSatisfiesPendingWait(t *testing.T) {
	b, st, w, _ := newBus(t)
	ctx := context.Background()
	createInstance(t, st, "a", nil)
	registerWait(t, st, "a", "funds_received", "", 0)

	receipt, err := b.Publish(ctx, Event{Name: "funds_received", Payload: json.RawMessage(`{"amount":50000}`)})
	require.NoError(t, err)
	require.True(t, receipt.Delivered)
	require.Equal(t, "a", receipt.InstanceID)
	require.Equal(t, []string{"a"}, w.woken)

	page, err := st.Journal(ctx, "a", 0, 0)
	require.NoError(t, err)
	last := page.Entries[len(page.Entries)-1]
	require.Equal(t, journal.KindEventArrived, last.Kind)

	inst, err := st.LoadInstance(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, journal.StatusRunning, inst.Status)
}

func TestPublishMatchesCorrelationKey(t *testing.T) {
	b, st, _, _ := newBus(t)
	ctx := context.Background()
	createInstance(t, st, "a", nil)
	createInstance(t, st, "b", nil)
	registerWait(t, st, "a", "document_signed", "deal-1", 0)
	registerWait(t, st, "b", "document_signed", "deal-2", 0)

	receipt, err := b.Publish(ctx, Event{Name: "document_signed", CorrelationKey: "deal-2"})
	require.NoError(t, err)
	require.True(t, receipt.Delivered)
	require.Equal(t, "b", receipt.InstanceID)

	// The other wait is untouched.
	waits, err := st.ListWaits(ctx, "a")
	require.NoError(t, err)
	require.Len(t, waits, 1)
}

func TestPublishQueuesForCorrelatedInstance(t *testing.T) {
	b, st, w, _ := newBus(t)
	ctx := context.Background()
	createInstance(t, st, "a", map[string]string{"pitchId": "p-42"})

	receipt, err := b.Publish(ctx, Event{Name: "counter_offer", CorrelationKey: "p-42"})
	require.NoError(t, err)
	require.True(t, receipt.Queued)
	require.Equal(t, "a", receipt.InstanceID)
	require.Empty(t, w.woken)

	q, err := st.DequeueMatching(ctx, "a", "counter_offer", "p-42")
	require.NoError(t, err)
	require.NotNil(t, q)
}

func TestPublishDuplicatePublisherKey(t *testing.T) {
	b, st, _, _ := newBus(t)
	ctx := context.Background()
	createInstance(t, st, "a", nil)
	registerWait(t, st, "a", "funds_received", "", 0)

	first, err := b.Publish(ctx, Event{Name: "funds_received", PublisherKey: "pub-1"})
	require.NoError(t, err)
	require.True(t, first.Delivered)

	second, err := b.Publish(ctx, Event{Name: "funds_received", PublisherKey: "pub-1"})
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.False(t, second.Delivered)
}

func TestConcurrentDuplicatePublishesDeliverOnce(t *testing.T) {
	b, st, _, _ := newBus(t)
	ctx := context.Background()
	createInstance(t, st, "a", nil)
	registerWait(t, st, "a", "wire_confirmed", "", 0)

	// All publishers share one publisher key; the dedup check-and-set lets
	// exactly one through.
	const publishers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		receipts []Receipt
		errs     []error
	)
	wg.Add(publishers)
	for i := 0; i < publishers; i++ {
		go func() {
			defer wg.Done()
			r, err := b.Publish(ctx, Event{Name: "wire_confirmed", PublisherKey: "swift-9041"})
			mu.Lock()
			receipts = append(receipts, r)
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var delivered, duplicate int
	for i, r := range receipts {
		require.NoError(t, errs[i])
		if r.Delivered {
			delivered++
		}
		if r.Duplicate {
			duplicate++
		}
	}
	require.Equal(t, 1, delivered)
	require.Equal(t, publishers-1, duplicate)

	page, err := st.Journal(ctx, "a", 0, 0)
	require.NoError(t, err)
	arrived := 0
	for _, e := range page.Entries {
		if e.Kind == journal.KindEventArrived {
			arrived++
		}
	}
	require.Equal(t, 1, arrived)
}

func TestConcurrentPublishesConsumeWaitOnce(t *testing.T) {
	b, st, _, _ := newBus(t)
	ctx := context.Background()
	createInstance(t, st, "a", map[string]string{"pitchId": "p-7"})
	registerWait(t, st, "a", "funds_received", "p-7", 0)

	// Distinct publisher keys race for one wait. SatisfyWait consumes it
	// atomically, so one publish delivers and the losers queue for the
	// correlated instance.
	const publishers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		receipts []Receipt
		errs     []error
	)
	wg.Add(publishers)
	for i := 0; i < publishers; i++ {
		go func(n int) {
			defer wg.Done()
			r, err := b.Publish(ctx, Event{
				Name:           "funds_received",
				CorrelationKey: "p-7",
				PublisherKey:   fmt.Sprintf("wire-%d", n),
			})
			mu.Lock()
			receipts = append(receipts, r)
			errs = append(errs, err)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	var delivered, queued int
	for i, r := range receipts {
		require.NoError(t, errs[i])
		if r.Delivered {
			delivered++
		}
		if r.Queued {
			queued++
		}
	}
	require.Equal(t, 1, delivered)
	require.Equal(t, publishers-1, queued)

	page, err := st.Journal(ctx, "a", 0, 0)
	require.NoError(t, err)
	arrived := 0
	for _, e := range page.Entries {
		if e.Kind == journal.KindEventArrived {
			arrived++
		}
	}
	require.Equal(t, 1, arrived)

	drained := 0
	for {
		q, err := st.DequeueMatching(ctx, "a", "funds_received", "p-7")
		require.NoError(t, err)
		if q == nil {
			break
		}
		drained++
	}
	require.Equal(t, publishers-1, drained)
}

func TestPublishNoMatch(t *testing.T) {
	b, _, _, _ := newBus(t)
	receipt, err := b.Publish(context.Background(), Event{Name: "orphan_event", CorrelationKey: "nobody"})
	require.NoError(t, err)
	require.True(t, receipt.NoMatch)
}

func TestPublishValidationFailure(t *testing.T) {
	b, _, _, _ := newBus(t, WithValidator(stubValidator{err: faults.Validationf("amount is required")}))
	_, err := b.Publish(context.Background(), Event{Name: "funds_received"})
	require.True(t, faults.Is(err, faults.KindValidation))
}

func TestPublishToUnknownAndTerminal(t *testing.T) {
	b, st, _, _ := newBus(t)
	ctx := context.Background()

	_, err := b.PublishTo(ctx, "missing", Event{Name: "x"})
	require.ErrorIs(t, err, store.ErrNotFound)

	createInstance(t, st, "done", nil)
	_, err = st.AppendCycle(ctx, store.CycleUpdate{
		InstanceID: "done",
		Entries: []journal.Entry{journal.MustNew("done", journal.KindTerminal, t0, journal.TerminalPayload{
			Status: journal.StatusCompleted,
		})},
		Instance: store.InstanceUpdate{Status: journal.StatusCompleted},
	})
	require.NoError(t, err)

	_, err = b.PublishTo(ctx, "done", Event{Name: "x"})
	require.ErrorIs(t, err, store.ErrTerminal)
}

func TestPublishToQueuesWhenNotWaiting(t *testing.T) {
	b, st, _, _ := newBus(t)
	ctx := context.Background()
	createInstance(t, st, "a", nil)

	receipt, err := b.PublishTo(ctx, "a", Event{Name: "counter_offer"})
	require.NoError(t, err)
	require.True(t, receipt.Queued)

	q, err := st.DequeueMatching(ctx, "a", "counter_offer", "")
	require.NoError(t, err)
	require.NotNil(t, q)
}

func TestDeliverQueuedSatisfiesNewWait(t *testing.T) {
	b, st, w, _ := newBus(t)
	ctx := context.Background()
	createInstance(t, st, "a", map[string]string{"pitchId": "p-42"})

	// Event arrives before the instance waits for it.
	receipt, err := b.Publish(ctx, Event{Name: "counter_offer", CorrelationKey: "p-42", Payload: json.RawMessage(`{"price":1}`)})
	require.NoError(t, err)
	require.True(t, receipt.Queued)

	wait := registerWait(t, st, "a", "counter_offer", "p-42", 0)
	delivered, err := b.DeliverQueued(ctx, wait)
	require.NoError(t, err)
	require.True(t, delivered)
	require.Equal(t, []string{"a"}, w.woken)

	page, err := st.Journal(ctx, "a", 0, 0)
	require.NoError(t, err)
	last := page.Entries[len(page.Entries)-1]
	require.Equal(t, journal.KindEventArrived, last.Kind)
	var payload journal.EventArrivedPayload
	require.NoError(t, last.Decode(&payload))
	require.JSONEq(t, `{"price":1}`, string(payload.Payload))

	// The queue entry was consumed.
	q, err := st.DequeueMatching(ctx, "a", "counter_offer", "p-42")
	require.NoError(t, err)
	require.Nil(t, q)
}

func TestDeliverQueuedRequeuesWhenWaitGone(t *testing.T) {
	b, st, _, _ := newBus(t)
	ctx := context.Background()
	createInstance(t, st, "a", nil)

	_, err := b.PublishTo(ctx, "a", Event{Name: "counter_offer"})
	require.NoError(t, err)

	// A wait that was never registered with the store simulates losing the
	// race to a concurrent publish.
	ghost := store.PendingWait{InstanceID: "a", Key: journal.WaitKey("counter_offer", 0), Event: "counter_offer"}
	delivered, err := b.DeliverQueued(ctx, ghost)
	require.NoError(t, err)
	require.False(t, delivered)

	// The event went back on the queue.
	q, err := st.DequeueMatching(ctx, "a", "counter_offer", "")
	require.NoError(t, err)
	require.NotNil(t, q)
}

func TestQueueOverflowDropsOldestToDLQ(t *testing.T) {
	var streamed []stream.Event
	streams := stream.NewBus()
	_, err := streams.Register(stream.SinkFunc(func(ctx context.Context, evt stream.Event) error {
		streamed = append(streamed, evt)
		return nil
	}))
	require.NoError(t, err)

	b, st, _, clk := newBus(t, WithQueueLimit(2), WithStream(streams))
	ctx := context.Background()
	createInstance(t, st, "a", nil)

	for i := 0; i < 2; i++ {
		clk.Advance(time.Second)
		receipt, err := b.PublishTo(ctx, "a", Event{Name: "counter_offer"})
		require.NoError(t, err)
		require.False(t, receipt.Dropped)
	}
	clk.Advance(time.Second)
	receipt, err := b.PublishTo(ctx, "a", Event{Name: "counter_offer"})
	require.NoError(t, err)
	require.True(t, receipt.Dropped)

	dlq, err := st.ListDLQ(ctx)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	require.NotNil(t, dlq[0].DroppedEvent)

	require.Len(t, streamed, 1)
	require.Equal(t, stream.EventDLQAdded, streamed[0].Type)
}

func registerReview(t *testing.T, st *inmem.Store, instanceID, scope string, head uint64) store.PendingWait {
	t.Helper()
	key := journal.ReviewKey(scope, 0)
	entry := journal.MustNew(instanceID, journal.KindReviewRequested, t0, journal.ReviewRequestedPayload{
		Scope: scope, Reviewers: []string{"creator@fund"},
	})
	_, err := st.AppendCycle(context.Background(), store.CycleUpdate{
		InstanceID:   instanceID,
		ExpectedHead: head,
		Entries:      []journal.Entry{entry},
		PutWaits: []store.PendingWait{{
			Key: key, Scope: scope, Reviewers: []string{"creator@fund"}, CreatedAt: t0,
		}},
		Instance: store.InstanceUpdate{Status: journal.StatusSuspended, OpenSuspensions: 1},
	})
	require.NoError(t, err)
	w, err := st.GetWait(context.Background(), instanceID, key)
	require.NoError(t, err)
	require.NotNil(t, w)
	return *w
}

func TestRespondResolvesReviewGate(t *testing.T) {
	b, st, w, _ := newBus(t)
	ctx := context.Background()
	createInstance(t, st, "a", nil)
	registerReview(t, st, "a", "creator-approval", 0)

	err := b.Respond(ctx, "a", Response{
		Scope:    "creator-approval",
		Action:   journal.ReviewApprove,
		Reviewer: "creator@fund",
		Comment:  "terms look fair",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, w.woken)

	page, err := st.Journal(ctx, "a", 0, 0)
	require.NoError(t, err)
	last := page.Entries[len(page.Entries)-1]
	require.Equal(t, journal.KindReviewResponded, last.Kind)
	var pl journal.ReviewRespondedPayload
	require.NoError(t, last.Decode(&pl))
	require.Equal(t, "creator-approval", pl.Scope)
	require.Equal(t, journal.ReviewApprove, pl.Action)
	require.Equal(t, "creator@fund", pl.Reviewer)

	waits, err := st.ListWaits(ctx, "a")
	require.NoError(t, err)
	require.Empty(t, waits)

	// The gate is spent.
	err = b.Respond(ctx, "a", Response{Scope: "creator-approval", Action: journal.ReviewReject})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRespondValidatesDecision(t *testing.T) {
	b, st, _, _ := newBus(t)
	ctx := context.Background()
	createInstance(t, st, "a", nil)
	registerReview(t, st, "a", "creator-approval", 0)

	err := b.Respond(ctx, "a", Response{Action: journal.ReviewApprove})
	require.True(t, faults.Is(err, faults.KindValidation))

	err = b.Respond(ctx, "a", Response{Scope: "creator-approval", Action: "ratify"})
	require.True(t, faults.Is(err, faults.KindValidation))

	err = b.Respond(ctx, "a", Response{Scope: "legal-review", Action: journal.ReviewApprove})
	require.ErrorIs(t, err, store.ErrNotFound)
}
