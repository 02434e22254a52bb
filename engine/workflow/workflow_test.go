package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/journal"
	"github.com/pitchlane/flow/engine/telemetry"
)

func noopHandler(Context) (Transition, error) { return Stay(), nil }

func validKind() Kind {
	return Kind{
		Name:    "pitch.test",
		Version: "1",
		Initial: "Start",
		States: map[State]StateDef{
			"Start": {Handler: noopHandler, Timeout: time.Hour, OnTimeout: "Done"},
			"Done":  {Terminal: true},
		},
		Events: []EventDecl{{Name: "go"}},
		Steps:  []string{"one", "two"},
		Timers: []TimerDecl{{Purpose: "expiry", Duration: 30 * 24 * time.Hour}},
	}
}

func TestKindValidate(t *testing.T) {
	require.NoError(t, validKind().Validate())

	cases := []struct {
		name   string
		mutate func(*Kind)
		want   string
	}{
		{"missing name", func(k *Kind) { k.Name = "" }, "name is required"},
		{"missing initial", func(k *Kind) { k.Initial = "" }, "initial state is required"},
		{"undeclared initial", func(k *Kind) { k.Initial = "Nope" }, "is not declared"},
		{"handlerless state", func(k *Kind) {
			k.States["Limbo"] = StateDef{}
		}, "has no handler"},
		{"terminal with timeout", func(k *Kind) {
			k.States["Done"] = StateDef{Terminal: true, Timeout: time.Minute}
		}, "declares a timeout"},
		{"bad terminal status", func(k *Kind) {
			k.States["Done"] = StateDef{Terminal: true, TerminalStatus: journal.StatusRunning}
		}, "is not terminal"},
		{"timeout target undeclared", func(k *Kind) {
			k.States["Start"] = StateDef{Handler: noopHandler, Timeout: time.Hour, OnTimeout: "Nope"}
		}, "is not declared"},
		{"ontimeout without timeout", func(k *Kind) {
			k.States["Start"] = StateDef{Handler: noopHandler, OnTimeout: "Done"}
		}, "without a timeout"},
		{"duplicate event", func(k *Kind) {
			k.Events = append(k.Events, EventDecl{Name: "go"})
		}, "declares event"},
		{"duplicate step", func(k *Kind) {
			k.Steps = append(k.Steps, "one")
		}, "declares step"},
		{"timer without duration", func(k *Kind) {
			k.Timers = append(k.Timers, TimerDecl{Purpose: "empty"})
		}, "has no duration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			k := validKind()
			tc.mutate(&k)
			err := k.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestKindHelpers(t *testing.T) {
	k := validKind()
	require.Equal(t, "pitch.test@1", k.Ref())
	require.Equal(t, []State{"Done"}, k.TerminalStates())
	require.Equal(t, 30*24*time.Hour, k.TimerDuration("expiry", time.Minute))
	require.Equal(t, time.Minute, k.TimerDuration("unknown", time.Minute))
	require.True(t, k.DeclaresEvent("go"))
	require.False(t, k.DeclaresEvent("stop"))
}

func TestTransitions(t *testing.T) {
	require.Equal(t, TransitionStay, Stay().Kind())

	g := GoTo("Next")
	require.Equal(t, TransitionGoTo, g.Kind())
	require.Equal(t, State("Next"), g.Target())
	require.Equal(t, "goto(Next)", g.String())

	c := Complete(map[string]int{"n": 1})
	require.Equal(t, TransitionComplete, c.Kind())
	require.NotNil(t, c.Output())

	f := Fail(faults.Permanentf("boom"))
	require.Equal(t, TransitionFail, f.Kind())
	require.Error(t, f.Err())

	var zero Transition
	require.Equal(t, "invalid", zero.String())
}

func TestStepSettings(t *testing.T) {
	policy := faults.RetryPolicy{MaxAttempts: 7}
	s := NewStepSettings(WithRetry(policy), WithStepInput("in"), nil)
	require.NotNil(t, s.Retry)
	require.Equal(t, 7, s.Retry.MaxAttempts)
	require.Equal(t, "in", s.Input)

	require.Nil(t, NewStepSettings().Retry)
}

func TestWaitSettings(t *testing.T) {
	s := NewWaitSettings(WithTimeout(time.Minute), WithCorrelationKey("deal-1"))
	require.Equal(t, time.Minute, s.Timeout)
	require.Equal(t, "deal-1", s.CorrelationKey)
}

func TestApprovalSettings(t *testing.T) {
	s := NewApprovalSettings(
		WithReviewers("legal", "finance"),
		WithApprovalTimeout(72*time.Hour, ActionApprove),
		WithReviewPayload(map[string]string{"doc": "nda"}),
	)
	require.Equal(t, []string{"legal", "finance"}, s.Reviewers)
	require.Equal(t, 72*time.Hour, s.Timeout)
	require.Equal(t, ActionApprove, s.DefaultAction)
	require.NotNil(t, s.Payload)
}

func TestDecisionFor(t *testing.T) {
	for _, action := range []string{ActionApprove, ActionEdit, ActionSkip} {
		require.True(t, DecisionFor(action, "r", "", nil).Approved, action)
	}
	for _, action := range []string{ActionReject, ActionAbort} {
		require.False(t, DecisionFor(action, "r", "", nil).Approved, action)
	}
	d := DecisionFor(ActionEdit, "legal", "tightened terms", json.RawMessage(`{"cap":1}`))
	require.Equal(t, "legal", d.Reviewer)
	require.JSONEq(t, `{"cap":1}`, string(d.Edited))
}

func TestGuardf(t *testing.T) {
	require.NoError(t, Guardf(true, "unused"))
	err := Guardf(false, "amount %d below minimum", 10)
	require.True(t, faults.Is(err, faults.KindGuard))
	require.Contains(t, err.Error(), "amount 10 below minimum")
}

// stubContext runs steps inline, without durability, for exercising the
// generic helpers.
type stubContext struct {
	id    string
	state State
	now   time.Time
	input json.RawMessage
}

func (s *stubContext) Context() context.Context    { return context.Background() }
func (s *stubContext) Now() time.Time              { return s.now }
func (s *stubContext) Logger() telemetry.Logger    { return telemetry.NewNoopLogger() }
func (s *stubContext) InstanceID() string          { return s.id }
func (s *stubContext) State() State                { return s.state }
func (s *stubContext) Input(v any) error           { return json.Unmarshal(s.input, v) }
func (s *stubContext) Sleep(string, time.Duration) error { return nil }
func (s *stubContext) Checkpoint(string, any) error { return nil }

func (s *stubContext) Run(name string, fn StepFunc, _ ...StepOption) (json.RawMessage, error) {
	out, err := fn(context.Background(), StepInfo{InstanceID: s.id, Step: name, Ordinal: 0, Attempt: 1})
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (s *stubContext) WaitEvent(string, ...WaitOption) (json.RawMessage, error) {
	return nil, nil
}

func (s *stubContext) WaitApproval(string, ...ApprovalOption) (Decision, error) {
	return Decision{}, nil
}

func (s *stubContext) Parallel(_ string, branches ...Branch) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(branches))
	for i, b := range branches {
		v, err := b.Run(s)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return out, nil
}

func TestRunAsDecodesOutput(t *testing.T) {
	type score struct {
		Value int    `json:"value"`
		Note  string `json:"note"`
	}
	wctx := &stubContext{id: "i1", state: "Scoring", now: time.Now()}

	got, err := RunAs(wctx, "score", func(context.Context, StepInfo) (score, error) {
		return score{Value: 87, Note: "strong"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, score{Value: 87, Note: "strong"}, got)

	_, err = RunAs(wctx, "fails", func(context.Context, StepInfo) (score, error) {
		return score{}, faults.Transientf("flaky")
	})
	require.True(t, faults.Is(err, faults.KindTransient))
}
