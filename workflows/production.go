package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/journal"
	"github.com/pitchlane/flow/engine/notify"
	"github.com/pitchlane/flow/engine/workflow"
)

// Production deal states.
const (
	prodInterest    workflow.State = "Interest"
	prodMeeting     workflow.State = "Meeting"
	prodProposal    workflow.State = "Proposal"
	prodNegotiation workflow.State = "Negotiation"
	prodContract    workflow.State = "Contract"
	prodProduction  workflow.State = "Production"
	prodRejected    workflow.State = "Rejected"
	prodWithdrawn   workflow.State = "Withdrawn"
)

// Production deal events. Negotiation runs over a single event name whose
// action field carries the verb, so the one open wait per round can resolve
// to a counter, an agreement, a rejection, or a withdrawal.
const (
	eventMeetingScheduled  = "meeting_scheduled"
	eventMeetingHeld       = "meeting_held"
	eventNegotiationUpdate = "negotiation_update"
	eventContractSigned    = "contract_signed"
)

// Negotiation verbs carried by negotiation_update.
const (
	negotiationCounter  = "counter"
	negotiationAgree    = "agree"
	negotiationReject   = "reject"
	negotiationWithdraw = "withdraw"
)

// Meeting outcomes carried by meeting_held.
const (
	meetingProceed  = "proceed"
	meetingPass     = "pass"
	meetingWithdraw = "withdraw"
)

const (
	// meetingLead is how long before the meeting the reminder goes out.
	meetingLead = 48 * time.Hour
	// contractReviewWindow bounds the legal review of a drafted contract.
	// Silence counts as rejection.
	contractReviewWindow = 7 * 24 * time.Hour
	// maxNegotiationRounds bounds the counter-offer loop.
	maxNegotiationRounds = 8
	// contractReviewer receives contract review requests.
	contractReviewer = "legal@pitchlane"
	// productionLifetime bounds a deal end to end; negotiations routinely
	// outlive the engine default.
	productionLifetime = 180 * 24 * time.Hour
)

type (
	productionInput struct {
		PitchID    string `json:"pitchId"`
		ProducerID string `json:"producerId"`
		CreatorID  string `json:"creatorId"`
		Title      string `json:"title"`
	}

	productionOutput struct {
		FinalState string `json:"finalState"`
		PitchID    string `json:"pitchId"`
	}

	meetingScheduledPayload struct {
		Agenda    string `json:"agenda"`
		Withdrawn bool   `json:"withdrawn"`
	}

	meetingHeldPayload struct {
		Outcome string `json:"outcome"`
	}

	negotiationUpdatePayload struct {
		Action string          `json:"action"`
		Terms  json.RawMessage `json:"terms"`
	}

	contractSignedPayload struct {
		Signed    bool `json:"signed"`
		Withdrawn bool `json:"withdrawn"`
	}

	counterOffer struct {
		Round int             `json:"round"`
		Terms json.RawMessage `json:"terms,omitempty"`
	}
)

const productionInputSchema = `{
	"type": "object",
	"required": ["pitchId"],
	"properties": {
		"pitchId": {"type": "string"},
		"producerId": {"type": "string"},
		"creatorId": {"type": "string"},
		"title": {"type": "string"}
	}
}`

const (
	meetingScheduledSchema = `{
	"type": "object",
	"properties": {
		"agenda": {"type": "string"},
		"withdrawn": {"type": "boolean"}
	}
}`
	meetingHeldSchema = `{
	"type": "object",
	"required": ["outcome"],
	"properties": {
		"outcome": {"type": "string", "enum": ["proceed", "pass", "withdraw"]}
	}
}`
	negotiationUpdateSchema = `{
	"type": "object",
	"required": ["action"],
	"properties": {
		"action": {"type": "string", "enum": ["counter", "agree", "reject", "withdraw"]},
		"terms": {"type": "object"}
	}
}`
	contractSignedSchema = `{
	"type": "object",
	"properties": {
		"signed": {"type": "boolean"},
		"withdrawn": {"type": "boolean"}
	}
}`
)

// Production returns the production deal workflow: meeting scheduling, a
// proposal, a bounded counter-offer loop, legal review of the contract, and
// production kickoff.
func Production(deps Deps) workflow.Kind {
	deps = deps.withDefaults()
	return workflow.Kind{
		Name:           "pitch.production",
		Description:    "Production deal from first interest through contract to kickoff.",
		Initial:        prodInterest,
		InputSchema:    []byte(productionInputSchema),
		OverallTimeout: productionLifetime,
		Events: []workflow.EventDecl{
			{Name: eventMeetingScheduled, Schema: []byte(meetingScheduledSchema)},
			{Name: eventMeetingHeld, Schema: []byte(meetingHeldSchema)},
			{Name: eventNegotiationUpdate, Schema: []byte(negotiationUpdateSchema)},
			{Name: eventContractSigned, Schema: []byte(contractSignedSchema)},
		},
		Steps: []string{
			"notifyProducer",
			"sendMeetingReminder",
			"draftProposal",
			"recordCounterOffer",
			"draftContract",
			"kickoffProduction",
		},
		Timers: []workflow.TimerDecl{
			{Purpose: "meeting_lead", Duration: meetingLead},
		},
		States: map[workflow.State]workflow.StateDef{
			prodInterest: {Handler: prodInterestHandler(deps)},
			prodMeeting:  {Handler: prodMeetingHandler(deps)},
			prodProposal: {
				Handler:    prodProposalHandler(deps),
				Compensate: prodRetractProposal(),
			},
			prodNegotiation: {Handler: prodNegotiationHandler()},
			prodContract: {
				Handler:    prodContractHandler(deps),
				Compensate: prodVoidContract(),
			},
			prodProduction: {Handler: prodProductionHandler(deps)},
			prodRejected:   {Terminal: true, Handler: prodRejectedHandler()},
			prodWithdrawn: {
				Terminal:       true,
				TerminalStatus: journal.StatusCancelled,
			},
		},
	}
}

func prodInterestHandler(deps Deps) workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in productionInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		if err := workflow.Guardf(in.ProducerID != "", "a producer is required"); err != nil {
			return workflow.Transition{}, err
		}
		_, err := ctx.Run("notifyProducer",
			func(sc context.Context, info workflow.StepInfo) (any, error) {
				return nil, deps.Notifier.Send(sc, notify.Notification{
					Recipients: []string{in.ProducerID},
					Subject:    "production deal interest",
					Body:       fmt.Sprintf("creator %s wants to discuss %q", in.CreatorID, in.Title),
					InstanceID: info.InstanceID,
				})
			})
		if err != nil {
			return workflow.Transition{}, err
		}
		raw, err := ctx.WaitEvent(eventMeetingScheduled)
		if err != nil {
			return workflow.Transition{}, err
		}
		var p meetingScheduledPayload
		if err := decodeEvent(eventMeetingScheduled, raw, &p); err != nil {
			return workflow.Transition{}, err
		}
		if p.Withdrawn {
			return workflow.GoTo(prodWithdrawn), nil
		}
		return workflow.GoTo(prodMeeting), nil
	}
}

func prodMeetingHandler(deps Deps) workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in productionInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		if err := ctx.Sleep("meeting_lead", meetingLead); err != nil {
			return workflow.Transition{}, err
		}
		_, err := ctx.Run("sendMeetingReminder",
			func(sc context.Context, info workflow.StepInfo) (any, error) {
				return nil, deps.Notifier.Send(sc, notify.Notification{
					Recipients: []string{in.ProducerID, in.CreatorID},
					Subject:    "meeting reminder",
					Body:       fmt.Sprintf("pitch meeting for %q is coming up", in.Title),
					InstanceID: info.InstanceID,
				})
			})
		if err != nil {
			return workflow.Transition{}, err
		}
		raw, err := ctx.WaitEvent(eventMeetingHeld)
		if err != nil {
			return workflow.Transition{}, err
		}
		var p meetingHeldPayload
		if err := decodeEvent(eventMeetingHeld, raw, &p); err != nil {
			return workflow.Transition{}, err
		}
		switch p.Outcome {
		case meetingProceed:
			return workflow.GoTo(prodProposal), nil
		case meetingPass:
			return workflow.GoTo(prodRejected), nil
		case meetingWithdraw:
			return workflow.GoTo(prodWithdrawn), nil
		default:
			return workflow.Transition{}, faults.Permanentf("unknown meeting outcome %q", p.Outcome)
		}
	}
}

func prodProposalHandler(deps Deps) workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in productionInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		_, err := workflow.RunAs(ctx, "draftProposal",
			func(sc context.Context, info workflow.StepInfo) (Document, error) {
				return deps.Docs.RenderReport(sc, info.IdempotencyKey, ReportRequest{
					PitchID:  in.PitchID,
					Template: "production-proposal",
				})
			})
		if err != nil {
			return workflow.Transition{}, err
		}
		return workflow.GoTo(prodNegotiation), nil
	}
}

func prodRetractProposal() workflow.CompensateFunc {
	return func(ctx workflow.Context) error {
		_, err := ctx.Run("retractProposal",
			func(context.Context, workflow.StepInfo) (any, error) {
				return nil, nil
			})
		return err
	}
}

// prodNegotiationHandler loops over negotiation_update events. Each counter
// records a round and reopens the wait; agree, reject, and withdraw leave the
// loop. Replay walks the recorded rounds deterministically before reaching
// the open wait.
func prodNegotiationHandler() workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		for round := 1; ; round++ {
			raw, err := ctx.WaitEvent(eventNegotiationUpdate)
			if err != nil {
				return workflow.Transition{}, err
			}
			var u negotiationUpdatePayload
			if err := decodeEvent(eventNegotiationUpdate, raw, &u); err != nil {
				return workflow.Transition{}, err
			}
			switch u.Action {
			case negotiationAgree:
				return workflow.GoTo(prodContract), nil
			case negotiationReject:
				return workflow.GoTo(prodRejected), nil
			case negotiationWithdraw:
				return workflow.GoTo(prodWithdrawn), nil
			case negotiationCounter:
				if round >= maxNegotiationRounds {
					return workflow.Fail(faults.Permanentf(
						"negotiation exceeded %d rounds", maxNegotiationRounds)), nil
				}
				r := round
				_, err := ctx.Run("recordCounterOffer",
					func(context.Context, workflow.StepInfo) (any, error) {
						return counterOffer{Round: r, Terms: u.Terms}, nil
					}, workflow.WithStepInput(u.Terms))
				if err != nil {
					return workflow.Transition{}, err
				}
			default:
				return workflow.Transition{}, faults.Permanentf("unknown negotiation action %q", u.Action)
			}
		}
	}
}

func prodContractHandler(deps Deps) workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in productionInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		contract, err := workflow.RunAs(ctx, "draftContract",
			func(sc context.Context, info workflow.StepInfo) (Document, error) {
				return deps.Docs.RenderReport(sc, info.IdempotencyKey, ReportRequest{
					PitchID:  in.PitchID,
					Template: "production-contract",
				})
			})
		if err != nil {
			return workflow.Transition{}, err
		}
		dec, err := ctx.WaitApproval("contract-review",
			workflow.WithReviewers(contractReviewer),
			workflow.WithApprovalTimeout(contractReviewWindow, workflow.ActionReject),
			workflow.WithReviewPayload(contract),
		)
		if err != nil {
			return workflow.Transition{}, err
		}
		if dec.Action == workflow.ActionAbort {
			return workflow.Transition{}, faults.Permanentf("contract review aborted: %s", dec.Comment)
		}
		if !dec.Approved {
			return workflow.GoTo(prodRejected), nil
		}
		raw, err := ctx.WaitEvent(eventContractSigned)
		if err != nil {
			return workflow.Transition{}, err
		}
		var p contractSignedPayload
		if err := decodeEvent(eventContractSigned, raw, &p); err != nil {
			return workflow.Transition{}, err
		}
		if p.Withdrawn {
			return workflow.GoTo(prodWithdrawn), nil
		}
		if !p.Signed {
			return workflow.GoTo(prodRejected), nil
		}
		return workflow.GoTo(prodProduction), nil
	}
}

func prodVoidContract() workflow.CompensateFunc {
	return func(ctx workflow.Context) error {
		_, err := ctx.Run("voidContract",
			func(context.Context, workflow.StepInfo) (any, error) {
				return nil, nil
			})
		return err
	}
}

func prodRejectedHandler() workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in productionInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		return workflow.Complete(productionOutput{
			FinalState: string(prodRejected),
			PitchID:    in.PitchID,
		}), nil
	}
}

func prodProductionHandler(deps Deps) workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in productionInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		_, err := ctx.Run("kickoffProduction",
			func(sc context.Context, info workflow.StepInfo) (any, error) {
				return nil, deps.Notifier.Send(sc, notify.Notification{
					Recipients: []string{in.ProducerID, in.CreatorID},
					Subject:    "production kickoff",
					Body:       fmt.Sprintf("contract for %q is signed, production starts now", in.Title),
					InstanceID: info.InstanceID,
				})
			})
		if err != nil {
			return workflow.Transition{}, err
		}
		return workflow.Complete(productionOutput{
			FinalState: string(prodProduction),
			PitchID:    in.PitchID,
		}), nil
	}
}
