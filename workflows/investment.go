package workflows

import (
	"context"
	"fmt"
	"time"

	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/journal"
	"github.com/pitchlane/flow/engine/notify"
	"github.com/pitchlane/flow/engine/workflow"
)

// Investment deal states.
const (
	invInterest       workflow.State = "Interest"
	invQualified      workflow.State = "Qualified"
	invPendingCreator workflow.State = "PendingCreator"
	invApproved       workflow.State = "Approved"
	invRejected       workflow.State = "CreatorRejected"
	invTermSheet      workflow.State = "TermSheet"
	invSigned         workflow.State = "Signed"
	invEscrow         workflow.State = "Escrow"
	invFundsReleased  workflow.State = "FundsReleased"
	invWithdrawn      workflow.State = "Withdrawn"
)

// Investment deal events. Decision events double as withdrawal carriers:
// before signing, the investor withdraws by publishing the pending decision
// event with its withdrawal field set, so the single open wait always has a
// way out.
const (
	eventQualify         = "qualify"
	eventCreatorDecision = "creator_decision"
	eventTermSheetSigned = "term_sheet_signed"
	eventPaymentReceived = "payment_received"
	eventFundsReleased   = "funds_released"
)

// Creator decision verbs carried by creator_decision.
const (
	decisionApprove  = "approve"
	decisionReject   = "reject"
	decisionWithdraw = "withdraw"
)

// accreditedThreshold is the amount at or above which the investor must be
// accredited.
const accreditedThreshold = 25000

// creatorDecisionWindow bounds how long the creator may sit on a pending
// offer. Silence counts as rejection.
const creatorDecisionWindow = 14 * 24 * time.Hour

// investmentLifetime bounds a deal end to end. Escrow funding and fund
// release confirmations can straggle well past the engine default.
const investmentLifetime = 90 * 24 * time.Hour

type (
	investmentInput struct {
		PitchID    string  `json:"pitchId"`
		InvestorID string  `json:"investorId"`
		CreatorID  string  `json:"creatorId"`
		Amount     float64 `json:"amount"`
		Accredited bool    `json:"accredited"`
	}

	investmentOutput struct {
		FinalState string  `json:"finalState"`
		Amount     float64 `json:"amount"`
	}

	qualifyPayload struct {
		Qualified bool `json:"qualified"`
		Withdrawn bool `json:"withdrawn"`
	}

	creatorDecisionPayload struct {
		Decision string `json:"decision"`
		Comment  string `json:"comment"`
	}

	termSheetSignedPayload struct {
		Signed    bool `json:"signed"`
		Withdrawn bool `json:"withdrawn"`
	}

	paymentPayload struct {
		Amount    float64 `json:"amount"`
		Reference string  `json:"reference"`
	}

	fundsReleasedPayload struct {
		Released bool `json:"released"`
	}

	allocation struct {
		Reference string  `json:"reference"`
		Amount    float64 `json:"amount"`
	}

	escrowAccount struct {
		Reference string  `json:"reference"`
		Amount    float64 `json:"amount"`
	}

	paymentRecord struct {
		Amount    float64 `json:"amount"`
		Reference string  `json:"reference"`
	}

	transferRecord struct {
		Amount    float64 `json:"amount"`
		Reference string  `json:"reference"`
	}
)

const investmentInputSchema = `{
	"type": "object",
	"required": ["amount"],
	"properties": {
		"pitchId": {"type": "string"},
		"investorId": {"type": "string"},
		"creatorId": {"type": "string"},
		"amount": {"type": "number"},
		"accredited": {"type": "boolean"}
	}
}`

const (
	qualifySchema = `{
	"type": "object",
	"properties": {
		"qualified": {"type": "boolean"},
		"withdrawn": {"type": "boolean"}
	}
}`
	creatorDecisionSchema = `{
	"type": "object",
	"required": ["decision"],
	"properties": {
		"decision": {"type": "string", "enum": ["approve", "reject", "withdraw"]},
		"comment": {"type": "string"}
	}
}`
	termSheetSignedSchema = `{
	"type": "object",
	"properties": {
		"signed": {"type": "boolean"},
		"withdrawn": {"type": "boolean"}
	}
}`
	paymentReceivedSchema = `{
	"type": "object",
	"required": ["amount"],
	"properties": {
		"amount": {"type": "number"},
		"reference": {"type": "string"}
	}
}`
	fundsReleasedSchema = `{
	"type": "object",
	"required": ["released"],
	"properties": {
		"released": {"type": "boolean"}
	}
}`
)

// Investment returns the investor funding deal: qualification, creator
// approval, term sheet signature, escrow, and fund release. Withdrawal before
// signing cancels the instance and unwinds the reserved allocation and escrow
// through compensation.
func Investment(deps Deps) workflow.Kind {
	deps = deps.withDefaults()
	return workflow.Kind{
		Name:           "pitch.investment",
		Description:    "Investor funding deal from first interest to released funds.",
		Initial:        invInterest,
		InputSchema:    []byte(investmentInputSchema),
		OverallTimeout: investmentLifetime,
		Events: []workflow.EventDecl{
			{Name: eventQualify, Schema: []byte(qualifySchema)},
			{Name: eventCreatorDecision, Schema: []byte(creatorDecisionSchema)},
			{Name: eventTermSheetSigned, Schema: []byte(termSheetSignedSchema)},
			{Name: eventPaymentReceived, Schema: []byte(paymentReceivedSchema)},
			{Name: eventFundsReleased, Schema: []byte(fundsReleasedSchema)},
		},
		Steps: []string{
			"verifyIdentity",
			"reserveAllocation",
			"notifyCreator",
			"generateTermSheet",
			"openEscrow",
			"recordPayment",
			"releaseFunds",
		},
		States: map[workflow.State]workflow.StateDef{
			invInterest: {Handler: invInterestHandler(deps)},
			invQualified: {
				Handler:    invQualifiedHandler(),
				Compensate: invReleaseAllocation(),
			},
			invPendingCreator: {
				Handler:   invPendingCreatorHandler(deps),
				Timeout:   creatorDecisionWindow,
				OnTimeout: invRejected,
			},
			invApproved:  {Handler: invApprovedHandler(deps)},
			invRejected:  {Terminal: true, Handler: invRejectedHandler()},
			invTermSheet: {Handler: invTermSheetHandler()},
			invSigned: {
				Handler:    invSignedHandler(),
				Compensate: invRefundEscrow(),
			},
			invEscrow:        {Handler: invEscrowHandler()},
			invFundsReleased: {Handler: invFundsReleasedHandler()},
			invWithdrawn: {
				Terminal:       true,
				TerminalStatus: journal.StatusCancelled,
			},
		},
	}
}

func invInterestHandler(deps Deps) workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in investmentInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		if err := workflow.Guardf(in.Amount > 0, "investment amount must be positive, got %v", in.Amount); err != nil {
			return workflow.Transition{}, err
		}
		if err := workflow.Guardf(in.Amount < accreditedThreshold || in.Accredited,
			"amounts of %v and above require an accredited investor", accreditedThreshold); err != nil {
			return workflow.Transition{}, err
		}
		check, err := workflow.RunAs(ctx, "verifyIdentity",
			func(sc context.Context, info workflow.StepInfo) (IdentityCheck, error) {
				return deps.Docs.VerifyIdentity(sc, info.IdempotencyKey, in.InvestorID)
			}, workflow.WithStepInput(in.InvestorID))
		if err != nil {
			return workflow.Transition{}, err
		}
		if err := workflow.Guardf(check.Passed, "investor %s failed identity verification", in.InvestorID); err != nil {
			return workflow.Transition{}, err
		}
		raw, err := ctx.WaitEvent(eventQualify)
		if err != nil {
			return workflow.Transition{}, err
		}
		var q qualifyPayload
		if err := decodeEvent(eventQualify, raw, &q); err != nil {
			return workflow.Transition{}, err
		}
		if q.Withdrawn {
			return workflow.GoTo(invWithdrawn), nil
		}
		if !q.Qualified {
			return workflow.Fail(faults.Guardf("investor %s did not qualify", in.InvestorID)), nil
		}
		return workflow.GoTo(invQualified), nil
	}
}

func invQualifiedHandler() workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in investmentInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		_, err := workflow.RunAs(ctx, "reserveAllocation",
			func(_ context.Context, info workflow.StepInfo) (allocation, error) {
				return allocation{Reference: "alloc-" + info.IdempotencyKey, Amount: in.Amount}, nil
			}, workflow.WithStepInput(in.Amount))
		if err != nil {
			return workflow.Transition{}, err
		}
		return workflow.GoTo(invPendingCreator), nil
	}
}

// invReleaseAllocation undoes the reserved allocation when the deal fails or
// the investor withdraws after qualification.
func invReleaseAllocation() workflow.CompensateFunc {
	return func(ctx workflow.Context) error {
		_, err := ctx.Run("releaseAllocation",
			func(context.Context, workflow.StepInfo) (any, error) {
				return nil, nil
			})
		return err
	}
}

func invPendingCreatorHandler(deps Deps) workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in investmentInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		_, err := ctx.Run("notifyCreator",
			func(sc context.Context, info workflow.StepInfo) (any, error) {
				return nil, deps.Notifier.Send(sc, notify.Notification{
					Recipients: []string{in.CreatorID},
					Subject:    "new investment offer",
					Body:       fmt.Sprintf("investor %s offers %v for pitch %s", in.InvestorID, in.Amount, in.PitchID),
					InstanceID: info.InstanceID,
				})
			})
		if err != nil {
			return workflow.Transition{}, err
		}
		raw, err := ctx.WaitEvent(eventCreatorDecision)
		if err != nil {
			return workflow.Transition{}, err
		}
		var d creatorDecisionPayload
		if err := decodeEvent(eventCreatorDecision, raw, &d); err != nil {
			return workflow.Transition{}, err
		}
		switch d.Decision {
		case decisionApprove:
			return workflow.GoTo(invApproved), nil
		case decisionReject:
			return workflow.GoTo(invRejected), nil
		case decisionWithdraw:
			return workflow.GoTo(invWithdrawn), nil
		default:
			return workflow.Transition{}, faults.Permanentf("unknown creator decision %q", d.Decision)
		}
	}
}

func invApprovedHandler(deps Deps) workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in investmentInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		_, err := workflow.RunAs(ctx, "generateTermSheet",
			func(sc context.Context, info workflow.StepInfo) (Document, error) {
				return deps.Docs.GenerateTermSheet(sc, info.IdempotencyKey, TermSheetRequest{
					PitchID:    in.PitchID,
					InvestorID: in.InvestorID,
					Amount:     in.Amount,
				})
			})
		if err != nil {
			return workflow.Transition{}, err
		}
		return workflow.GoTo(invTermSheet), nil
	}
}

func invRejectedHandler() workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in investmentInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		return workflow.Complete(investmentOutput{
			FinalState: string(invRejected),
			Amount:     in.Amount,
		}), nil
	}
}

func invTermSheetHandler() workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		raw, err := ctx.WaitEvent(eventTermSheetSigned)
		if err != nil {
			return workflow.Transition{}, err
		}
		var p termSheetSignedPayload
		if err := decodeEvent(eventTermSheetSigned, raw, &p); err != nil {
			return workflow.Transition{}, err
		}
		// Declining to sign withdraws the deal.
		if p.Withdrawn || !p.Signed {
			return workflow.GoTo(invWithdrawn), nil
		}
		return workflow.GoTo(invSigned), nil
	}
}

func invSignedHandler() workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in investmentInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		_, err := workflow.RunAs(ctx, "openEscrow",
			func(_ context.Context, info workflow.StepInfo) (escrowAccount, error) {
				return escrowAccount{Reference: "escrow-" + info.IdempotencyKey, Amount: in.Amount}, nil
			}, workflow.WithStepInput(in.Amount))
		if err != nil {
			return workflow.Transition{}, err
		}
		return workflow.GoTo(invEscrow), nil
	}
}

// invRefundEscrow returns escrowed funds when the deal dies after signing.
func invRefundEscrow() workflow.CompensateFunc {
	return func(ctx workflow.Context) error {
		_, err := ctx.Run("refundEscrow",
			func(context.Context, workflow.StepInfo) (any, error) {
				return nil, nil
			})
		return err
	}
}

func invEscrowHandler() workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in investmentInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		raw, err := ctx.WaitEvent(eventPaymentReceived)
		if err != nil {
			return workflow.Transition{}, err
		}
		var pay paymentPayload
		if err := decodeEvent(eventPaymentReceived, raw, &pay); err != nil {
			return workflow.Transition{}, err
		}
		if err := workflow.Guardf(pay.Amount == in.Amount,
			"payment %v does not match committed amount %v", pay.Amount, in.Amount); err != nil {
			return workflow.Transition{}, err
		}
		_, err = workflow.RunAs(ctx, "recordPayment",
			func(context.Context, workflow.StepInfo) (paymentRecord, error) {
				return paymentRecord{Amount: pay.Amount, Reference: pay.Reference}, nil
			}, workflow.WithStepInput(pay))
		if err != nil {
			return workflow.Transition{}, err
		}
		return workflow.GoTo(invFundsReleased), nil
	}
}

func invFundsReleasedHandler() workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in investmentInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		raw, err := ctx.WaitEvent(eventFundsReleased)
		if err != nil {
			return workflow.Transition{}, err
		}
		var fr fundsReleasedPayload
		if err := decodeEvent(eventFundsReleased, raw, &fr); err != nil {
			return workflow.Transition{}, err
		}
		if err := workflow.Guardf(fr.Released, "funds release was not confirmed"); err != nil {
			return workflow.Transition{}, err
		}
		_, err = workflow.RunAs(ctx, "releaseFunds",
			func(_ context.Context, info workflow.StepInfo) (transferRecord, error) {
				return transferRecord{Amount: in.Amount, Reference: "xfer-" + info.IdempotencyKey}, nil
			})
		if err != nil {
			return workflow.Transition{}, err
		}
		return workflow.Complete(investmentOutput{
			FinalState: string(invFundsReleased),
			Amount:     in.Amount,
		}), nil
	}
}
