package workflows

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/journal"
	"github.com/pitchlane/flow/engine/store"
)

func TestNDAExpiresUnsigned(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	inst := h.create(t, "pitch.nda", `{"pitchId": "p-2", "recipient": "studio@x", "expiryDays": 30}`)

	h.awaitWait(t, inst.ID, journal.WaitKey(eventRiskAssessed, 0))
	h.publish(t, inst.ID, eventRiskAssessed, `{"riskLevel": "low"}`)
	h.awaitWait(t, inst.ID, journal.WaitKey(eventReviewComplete, 0))
	h.publish(t, inst.ID, eventReviewComplete, `{"approved": true}`)
	h.awaitWait(t, inst.ID, journal.WaitKey(eventDocumentSigned, 0))

	// Nobody signs within the expiry window.
	h.clk.Advance(30 * 24 * time.Hour)

	h.awaitStatus(t, inst.ID, journal.StatusCompleted)
	final := h.instance(t, inst.ID)
	require.Equal(t, string(ndaExpired), final.State)
	require.JSONEq(t, `{"finalState": "Expired", "recipient": "studio@x"}`, string(final.Output))

	require.Equal(t, 1, h.svc.count("nda"))
	require.Equal(t, 1, h.svc.count("assessRisk"))
	require.Zero(t, h.svc.count("grantAccess"))

	// Terminal commit cleared the open wait and its deadline timer.
	waits, err := h.st.ListWaits(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Empty(t, waits)
	timers, err := h.st.ListTimers(context.Background())
	require.NoError(t, err)
	for _, tm := range timers {
		require.NotEqual(t, inst.ID, tm.InstanceID)
	}
}

func TestNDASignedGrantsAndRevokesOnExpiry(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	inst := h.create(t, "pitch.nda", `{"pitchId": "p-2", "recipient": "studio@x", "expiryDays": 60}`)

	h.awaitWait(t, inst.ID, journal.WaitKey(eventRiskAssessed, 0))
	h.publish(t, inst.ID, eventRiskAssessed, `{"riskLevel": "low"}`)
	h.awaitWait(t, inst.ID, journal.WaitKey(eventReviewComplete, 0))
	h.publish(t, inst.ID, eventReviewComplete, `{"approved": true}`)
	h.awaitWait(t, inst.ID, journal.WaitKey(eventDocumentSigned, 0))
	h.publish(t, inst.ID, eventDocumentSigned, `{"signed": true, "signedBy": "studio@x"}`)

	// The grant is live while the expiry sleep runs.
	h.awaitTimer(t, inst.ID, store.TimerSleep)
	require.Equal(t, 1, h.svc.count("grantAccess"))
	require.Zero(t, h.svc.count("revokeAccess"))

	h.clk.Advance(60 * 24 * time.Hour)

	h.awaitStatus(t, inst.ID, journal.StatusCompleted)
	final := h.instance(t, inst.ID)
	require.JSONEq(t, `{"finalState": "Expired", "recipient": "studio@x"}`, string(final.Output))
	require.Equal(t, 1, h.svc.count("revokeAccess"))

	// Self-revocation is the normal path, not a compensation.
	counts := stepCompletions(h.entries(t, inst.ID))
	require.Equal(t, 1, counts["revokeAccess"])
	require.Zero(t, counts["compensate:"+string(ndaSigned)])
}

func TestNDAHighRiskRejects(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	inst := h.create(t, "pitch.nda", `{"pitchId": "p-2", "recipient": "studio@x"}`)

	h.awaitWait(t, inst.ID, journal.WaitKey(eventRiskAssessed, 0))
	h.publish(t, inst.ID, eventRiskAssessed, `{"riskLevel": "high"}`)

	h.awaitStatus(t, inst.ID, journal.StatusCompleted)
	final := h.instance(t, inst.ID)
	require.JSONEq(t, `{"finalState": "Rejected", "recipient": "studio@x"}`, string(final.Output))

	// High risk short-circuits: the review stage is never reached.
	for _, e := range h.entries(t, inst.ID) {
		if e.Kind != journal.KindEventAwaited {
			continue
		}
		var pl journal.EventAwaitedPayload
		require.NoError(t, e.Decode(&pl))
		require.NotEqual(t, eventReviewComplete, pl.Event)
	}
}

func TestNDAReviewRejectionRejects(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	inst := h.create(t, "pitch.nda", `{"recipient": "studio@x"}`)

	h.awaitWait(t, inst.ID, journal.WaitKey(eventRiskAssessed, 0))
	h.publish(t, inst.ID, eventRiskAssessed, `{"riskLevel": "medium"}`)
	h.awaitWait(t, inst.ID, journal.WaitKey(eventReviewComplete, 0))
	h.publish(t, inst.ID, eventReviewComplete, `{"approved": false}`)

	h.awaitStatus(t, inst.ID, journal.StatusCompleted)
	require.JSONEq(t, `{"finalState": "Rejected", "recipient": "studio@x"}`,
		string(h.instance(t, inst.ID).Output))
}

func TestNDADeclinedSignatureExpires(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	inst := h.create(t, "pitch.nda", `{"recipient": "studio@x"}`)

	h.awaitWait(t, inst.ID, journal.WaitKey(eventRiskAssessed, 0))
	h.publish(t, inst.ID, eventRiskAssessed, `{"riskLevel": "low"}`)
	h.awaitWait(t, inst.ID, journal.WaitKey(eventReviewComplete, 0))
	h.publish(t, inst.ID, eventReviewComplete, `{"approved": true}`)
	h.awaitWait(t, inst.ID, journal.WaitKey(eventDocumentSigned, 0))
	h.publish(t, inst.ID, eventDocumentSigned, `{"signed": false}`)

	h.awaitStatus(t, inst.ID, journal.StatusCompleted)
	require.JSONEq(t, `{"finalState": "Expired", "recipient": "studio@x"}`,
		string(h.instance(t, inst.ID).Output))
	require.Zero(t, h.svc.count("grantAccess"))
}

func TestNDACancelAfterGrantRevokesAccess(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	inst := h.create(t, "pitch.nda", `{"pitchId": "p-2", "recipient": "studio@x", "expiryDays": 90}`)

	h.awaitWait(t, inst.ID, journal.WaitKey(eventRiskAssessed, 0))
	h.publish(t, inst.ID, eventRiskAssessed, `{"riskLevel": "low"}`)
	h.awaitWait(t, inst.ID, journal.WaitKey(eventReviewComplete, 0))
	h.publish(t, inst.ID, eventReviewComplete, `{"approved": true}`)
	h.awaitWait(t, inst.ID, journal.WaitKey(eventDocumentSigned, 0))
	h.publish(t, inst.ID, eventDocumentSigned, `{"signed": true, "signedBy": "studio@x"}`)
	h.awaitTimer(t, inst.ID, store.TimerSleep)

	require.NoError(t, h.e.Cancel(context.Background(), inst.ID, "deal fell through"))

	h.awaitStatus(t, inst.ID, journal.StatusCancelled)
	final := h.instance(t, inst.ID)
	require.NotNil(t, final.Failure)
	require.Equal(t, faults.KindCancelled, final.Failure.Kind)
	require.Equal(t, "deal fell through", final.Failure.Message)

	counts := stepCompletions(h.entries(t, inst.ID))
	require.Equal(t, 1, counts["compensate:"+string(ndaSigned)])
	require.Equal(t, 1, counts["revokeAccess"])
	require.Equal(t, 1, h.svc.count("grantAccess"))
	require.Equal(t, 1, h.svc.count("revokeAccess"))

	// The expiry sleep was discarded with the instance.
	timers, err := h.st.ListTimers(context.Background())
	require.NoError(t, err)
	for _, tm := range timers {
		require.NotEqual(t, inst.ID, tm.InstanceID)
	}
}
