package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/pitchlane/flow/engine"
	"github.com/pitchlane/flow/engine/journal"
	"github.com/pitchlane/flow/engine/store/inmem"
	"github.com/pitchlane/flow/engine/workflow"
)

const (
	expValidate workflow.State = "Validate"
	expHold     workflow.State = "Hold"
)

// expenseKind is a tiny two-stop approval flow: tally the claim, hold for a
// manager decision, settle.
func expenseKind() workflow.Kind {
	return workflow.Kind{
		Name:        "expense.approval",
		Version:     "1",
		Description: "Expense claim approval",
		Initial:     expValidate,
		States: map[workflow.State]workflow.StateDef{
			expValidate: {Handler: func(ctx workflow.Context) (workflow.Transition, error) {
				total, err := workflow.RunAs(ctx, "tally",
					func(context.Context, workflow.StepInfo) (float64, error) {
						return 118.40, nil
					})
				if err != nil {
					return workflow.Transition{}, err
				}
				ctx.Logger().Info(ctx.Context(), "claim tallied", "total", total)
				return workflow.GoTo(expHold), nil
			}},
			expHold: {Handler: func(ctx workflow.Context) (workflow.Transition, error) {
				dec, err := ctx.WaitApproval("manager")
				if err != nil {
					return workflow.Transition{}, err
				}
				if !dec.Approved {
					return workflow.Complete(map[string]string{"settled": "no"}), nil
				}
				return workflow.Complete(map[string]string{"settled": "yes", "approvedBy": dec.Reviewer}), nil
			}},
		},
	}
}

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))

	// 1) Engine over the in-memory store
	eng, err := engine.New(inmem.New(nil), []workflow.Kind{expenseKind()})
	if err != nil {
		panic(err)
	}
	if err := eng.Start(ctx); err != nil {
		panic(err)
	}
	defer eng.Stop()

	// 2) Admit a claim; the first cycle runs the tally step and parks on the
	// manager review
	inst, err := eng.Create(ctx, engine.CreateRequest{
		Kind:  "expense.approval",
		Input: json.RawMessage(`{"claim":"conference travel"}`),
	})
	if err != nil {
		panic(err)
	}
	fmt.Println("Instance:", inst.ID)
	awaitStatus(ctx, eng, inst.ID, journal.StatusSuspended)

	// 3) The manager approves and the instance settles
	if err := eng.Respond(ctx, inst.ID, engine.Response{
		Scope:    "manager",
		Action:   journal.ReviewApprove,
		Reviewer: "dana",
	}); err != nil {
		panic(err)
	}
	awaitStatus(ctx, eng, inst.ID, journal.StatusCompleted)

	// 4) Read back the run from the journal
	row, err := eng.Store().LoadInstance(ctx, inst.ID)
	if err != nil {
		panic(err)
	}
	fmt.Println("Status:", row.Status)
	fmt.Println("Output:", string(row.Output))
	page, err := eng.Store().Journal(ctx, inst.ID, 0, 0)
	if err != nil {
		panic(err)
	}
	for _, e := range page.Entries {
		fmt.Printf("%3d  %s\n", e.Ordinal, e.Kind)
	}
}

func awaitStatus(ctx context.Context, eng *engine.Engine, id string, want journal.Status) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := eng.Store().LoadInstance(ctx, id)
		if err == nil && inst.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	panic(fmt.Sprintf("instance %s never reached %s", id, want))
}
