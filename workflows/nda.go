package workflows

import (
	"context"
	"time"

	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/workflow"
)

// NDA states.
const (
	ndaPending        workflow.State = "Pending"
	ndaRiskAssessment workflow.State = "RiskAssessment"
	ndaReview         workflow.State = "Review"
	ndaApproved       workflow.State = "Approved"
	ndaRejected       workflow.State = "Rejected"
	ndaSigned         workflow.State = "Signed"
	ndaAccessGranted  workflow.State = "AccessGranted"
	ndaExpired        workflow.State = "Expired"
)

// NDA events.
const (
	eventRiskAssessed   = "risk_assessed"
	eventReviewComplete = "review_complete"
	eventDocumentSigned = "document_signed"
)

const (
	// defaultNDAExpiryDays applies when the input does not set expiryDays.
	defaultNDAExpiryDays = 30
	// maxNDAExpiryDays bounds how long an NDA may run.
	maxNDAExpiryDays = 365
	// ndaLifetime bounds an instance end to end: the signature window and
	// the access term each run up to the maximum expiry.
	ndaLifetime = (2*maxNDAExpiryDays + 30) * 24 * time.Hour
)

type (
	ndaInput struct {
		PitchID    string `json:"pitchId"`
		Recipient  string `json:"recipient"`
		ExpiryDays int    `json:"expiryDays"`
	}

	ndaOutput struct {
		FinalState string `json:"finalState"`
		Recipient  string `json:"recipient"`
	}

	riskAssessedPayload struct {
		RiskLevel string `json:"riskLevel"`
	}

	reviewCompletePayload struct {
		Approved bool `json:"approved"`
	}

	documentSignedPayload struct {
		Signed   bool   `json:"signed"`
		SignedBy string `json:"signedBy"`
	}
)

const ndaInputSchema = `{
	"type": "object",
	"required": ["recipient"],
	"properties": {
		"pitchId": {"type": "string"},
		"recipient": {"type": "string"},
		"expiryDays": {"type": "integer"}
	}
}`

const (
	riskAssessedSchema = `{
	"type": "object",
	"required": ["riskLevel"],
	"properties": {
		"riskLevel": {"type": "string", "enum": ["low", "medium", "high"]}
	}
}`
	reviewCompleteSchema = `{
	"type": "object",
	"required": ["approved"],
	"properties": {
		"approved": {"type": "boolean"}
	}
}`
	documentSignedSchema = `{
	"type": "object",
	"properties": {
		"signed": {"type": "boolean"},
		"signedBy": {"type": "string"}
	}
}`
)

// NDA returns the NDA issuance workflow: document preparation, risk
// assessment, review, signature with an expiry deadline, and a data room
// grant that self-revokes when the NDA lapses.
func NDA(deps Deps) workflow.Kind {
	deps = deps.withDefaults()
	return workflow.Kind{
		Name:           "pitch.nda",
		Description:    "NDA issuance from preparation through signature to expiry.",
		Initial:        ndaPending,
		InputSchema:    []byte(ndaInputSchema),
		OverallTimeout: ndaLifetime,
		Events: []workflow.EventDecl{
			{Name: eventRiskAssessed, Schema: []byte(riskAssessedSchema)},
			{Name: eventReviewComplete, Schema: []byte(reviewCompleteSchema)},
			{Name: eventDocumentSigned, Schema: []byte(documentSignedSchema)},
		},
		Steps: []string{
			"prepareDocument",
			"assessRisk",
			"grantAccess",
			"revokeAccess",
		},
		Timers: []workflow.TimerDecl{
			{Purpose: "nda_expiry", Duration: defaultNDAExpiryDays * 24 * time.Hour},
		},
		States: map[workflow.State]workflow.StateDef{
			ndaPending:        {Handler: ndaPendingHandler(deps)},
			ndaRiskAssessment: {Handler: ndaRiskAssessmentHandler(deps)},
			ndaReview:         {Handler: ndaReviewHandler()},
			ndaApproved:       {Handler: ndaApprovedHandler()},
			ndaRejected:       {Terminal: true, Handler: ndaRejectedHandler()},
			ndaSigned: {
				Handler:    ndaSignedHandler(deps),
				Compensate: ndaRevokeAccess(deps),
			},
			ndaAccessGranted: {Handler: ndaAccessGrantedHandler(deps)},
			ndaExpired:       {Terminal: true, Handler: ndaExpiredHandler()},
		},
	}
}

// ndaExpiry resolves the effective expiry duration for an instance.
func ndaExpiry(in ndaInput) time.Duration {
	days := in.ExpiryDays
	if days == 0 {
		days = defaultNDAExpiryDays
	}
	return time.Duration(days) * 24 * time.Hour
}

func ndaPendingHandler(deps Deps) workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in ndaInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		if err := workflow.Guardf(in.Recipient != "", "a recipient is required"); err != nil {
			return workflow.Transition{}, err
		}
		if err := workflow.Guardf(in.ExpiryDays >= 0 && in.ExpiryDays <= maxNDAExpiryDays,
			"expiry days must be between 0 and %d, got %d", maxNDAExpiryDays, in.ExpiryDays); err != nil {
			return workflow.Transition{}, err
		}
		_, err := workflow.RunAs(ctx, "prepareDocument",
			func(sc context.Context, info workflow.StepInfo) (Document, error) {
				return deps.Docs.GenerateNDA(sc, info.IdempotencyKey, NDARequest{
					PitchID:    in.PitchID,
					Recipient:  in.Recipient,
					ExpiryDays: int(ndaExpiry(in) / (24 * time.Hour)),
				})
			})
		if err != nil {
			return workflow.Transition{}, err
		}
		return workflow.GoTo(ndaRiskAssessment), nil
	}
}

func ndaRiskAssessmentHandler(deps Deps) workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in ndaInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		_, err := workflow.RunAs(ctx, "assessRisk",
			func(sc context.Context, info workflow.StepInfo) (RiskReport, error) {
				return deps.Analyzer.AssessRisk(sc, info.IdempotencyKey, RiskSubject{
					PitchID:      in.PitchID,
					Counterparty: in.Recipient,
				})
			})
		if err != nil {
			return workflow.Transition{}, err
		}
		// The analyst's published verdict decides; the internal score is
		// recorded for the review trail.
		raw, err := ctx.WaitEvent(eventRiskAssessed)
		if err != nil {
			return workflow.Transition{}, err
		}
		var p riskAssessedPayload
		if err := decodeEvent(eventRiskAssessed, raw, &p); err != nil {
			return workflow.Transition{}, err
		}
		if p.RiskLevel == "high" {
			return workflow.GoTo(ndaRejected), nil
		}
		return workflow.GoTo(ndaReview), nil
	}
}

func ndaReviewHandler() workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		raw, err := ctx.WaitEvent(eventReviewComplete)
		if err != nil {
			return workflow.Transition{}, err
		}
		var p reviewCompletePayload
		if err := decodeEvent(eventReviewComplete, raw, &p); err != nil {
			return workflow.Transition{}, err
		}
		if !p.Approved {
			return workflow.GoTo(ndaRejected), nil
		}
		return workflow.GoTo(ndaApproved), nil
	}
}

func ndaApprovedHandler() workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in ndaInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		raw, err := ctx.WaitEvent(eventDocumentSigned, workflow.WithTimeout(ndaExpiry(in)))
		if err != nil {
			if faults.KindOf(err) == faults.KindTimeout {
				return workflow.GoTo(ndaExpired), nil
			}
			return workflow.Transition{}, err
		}
		var p documentSignedPayload
		if err := decodeEvent(eventDocumentSigned, raw, &p); err != nil {
			return workflow.Transition{}, err
		}
		if !p.Signed {
			return workflow.GoTo(ndaExpired), nil
		}
		return workflow.GoTo(ndaSigned), nil
	}
}

func ndaSignedHandler(deps Deps) workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in ndaInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		_, err := ctx.Run("grantAccess",
			func(sc context.Context, info workflow.StepInfo) (any, error) {
				return nil, deps.Docs.GrantAccess(sc, info.IdempotencyKey, AccessGrant{
					PitchID:   in.PitchID,
					Recipient: in.Recipient,
				})
			})
		if err != nil {
			return workflow.Transition{}, err
		}
		return workflow.GoTo(ndaAccessGranted), nil
	}
}

// ndaRevokeAccess closes the data room if the instance dies after the grant.
func ndaRevokeAccess(deps Deps) workflow.CompensateFunc {
	return func(ctx workflow.Context) error {
		var in ndaInput
		if err := ctx.Input(&in); err != nil {
			return err
		}
		_, err := ctx.Run("revokeAccess",
			func(sc context.Context, info workflow.StepInfo) (any, error) {
				return nil, deps.Docs.RevokeAccess(sc, info.IdempotencyKey, AccessGrant{
					PitchID:   in.PitchID,
					Recipient: in.Recipient,
				})
			})
		return err
	}
}

func ndaAccessGrantedHandler(deps Deps) workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in ndaInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		if err := ctx.Sleep("nda_expiry", ndaExpiry(in)); err != nil {
			return workflow.Transition{}, err
		}
		_, err := ctx.Run("revokeAccess",
			func(sc context.Context, info workflow.StepInfo) (any, error) {
				return nil, deps.Docs.RevokeAccess(sc, info.IdempotencyKey, AccessGrant{
					PitchID:   in.PitchID,
					Recipient: in.Recipient,
				})
			})
		if err != nil {
			return workflow.Transition{}, err
		}
		return workflow.GoTo(ndaExpired), nil
	}
}

func ndaRejectedHandler() workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in ndaInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		return workflow.Complete(ndaOutput{
			FinalState: string(ndaRejected),
			Recipient:  in.Recipient,
		}), nil
	}
}

func ndaExpiredHandler() workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in ndaInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		return workflow.Complete(ndaOutput{
			FinalState: string(ndaExpired),
			Recipient:  in.Recipient,
		}), nil
	}
}
