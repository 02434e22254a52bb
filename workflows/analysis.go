package workflows

import (
	"context"
	"time"

	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/workflow"
)

// AI analysis states. ParallelAnalysis hosts the facet group; each enabled
// facet runs as one branch.
const (
	anaDataCollection   workflow.State = "DataCollection"
	anaContentAnalysis  workflow.State = "ContentAnalysis"
	anaParallelAnalysis workflow.State = "ParallelAnalysis"
	anaSynthesis        workflow.State = "Synthesis"
	anaHumanReview      workflow.State = "HumanReview"
	anaReportGeneration workflow.State = "ReportGeneration"
)

// Analysis facets.
const (
	facetContent    = "content"
	facetMarket     = "market"
	facetFinancial  = "financial"
	facetTeam       = "team"
	facetSentiment  = "sentiment"
	facetCompetitor = "competitor"
	facetRisk       = "risk"
)

const (
	// analysisReviewScope names the human review gate.
	analysisReviewScope = "analysis-review"
	// analysisReviewWindow bounds the human review. Silence auto-approves.
	analysisReviewWindow = 72 * time.Hour
	// maxAnalysisRevisions bounds how many times a rejection may send the
	// analysis back for another pass.
	maxAnalysisRevisions = 2
)

type (
	analysisInput struct {
		PitchID                   string   `json:"pitchId"`
		IncludeMarketAnalysis     bool     `json:"includeMarketAnalysis"`
		IncludeFinancialAnalysis  bool     `json:"includeFinancialAnalysis"`
		IncludeTeamAnalysis       bool     `json:"includeTeamAnalysis"`
		IncludeSentimentAnalysis  bool     `json:"includeSentimentAnalysis"`
		IncludeCompetitorAnalysis bool     `json:"includeCompetitorAnalysis"`
		IncludeRiskAssessment     bool     `json:"includeRiskAssessment"`
		RequireReview             bool     `json:"requireReview"`
		Reviewers                 []string `json:"reviewers"`
	}

	analysisOutput struct {
		FinalState string   `json:"finalState"`
		Report     Document `json:"report"`
	}

	analysisReviewRequest struct {
		PitchID string `json:"pitchId"`
		Round   int    `json:"round"`
	}
)

const analysisInputSchema = `{
	"type": "object",
	"required": ["pitchId"],
	"properties": {
		"pitchId": {"type": "string"},
		"includeMarketAnalysis": {"type": "boolean"},
		"includeFinancialAnalysis": {"type": "boolean"},
		"includeTeamAnalysis": {"type": "boolean"},
		"includeSentimentAnalysis": {"type": "boolean"},
		"includeCompetitorAnalysis": {"type": "boolean"},
		"includeRiskAssessment": {"type": "boolean"},
		"requireReview": {"type": "boolean"},
		"reviewers": {"type": "array", "items": {"type": "string"}}
	}
}`

// Analysis returns the AI pitch analysis workflow: material collection,
// content analysis, the parallel facet group selected by the input flags,
// synthesis, an optional human review with a bounded revise loop, and report
// generation.
func Analysis(deps Deps) workflow.Kind {
	deps = deps.withDefaults()
	return workflow.Kind{
		Name:        "pitch.analysis",
		Description: "Multi-facet AI pitch analysis with human-in-the-loop review.",
		Initial:     anaDataCollection,
		InputSchema: []byte(analysisInputSchema),
		Steps: []string{
			"collectMaterials",
			"analyzeContent",
			"synthesizeFindings",
			"recordReviewRound",
			"renderReport",
		},
		States: map[workflow.State]workflow.StateDef{
			anaDataCollection: {
				Handler:    anaDataCollectionHandler(deps),
				Compensate: anaDiscardMaterials(deps),
			},
			anaContentAnalysis:  {Handler: anaContentAnalysisHandler(deps)},
			anaParallelAnalysis: {Handler: anaParallelAnalysisHandler(deps)},
			anaSynthesis:        {Handler: anaSynthesisHandler(deps)},
			anaHumanReview:      {Handler: anaHumanReviewHandler()},
			anaReportGeneration: {Handler: anaReportGenerationHandler(deps)},
		},
	}
}

// facetsFor lists the enabled facet branches in declaration order.
func facetsFor(in analysisInput) []string {
	var facets []string
	if in.IncludeMarketAnalysis {
		facets = append(facets, facetMarket)
	}
	if in.IncludeFinancialAnalysis {
		facets = append(facets, facetFinancial)
	}
	if in.IncludeTeamAnalysis {
		facets = append(facets, facetTeam)
	}
	if in.IncludeSentimentAnalysis {
		facets = append(facets, facetSentiment)
	}
	if in.IncludeCompetitorAnalysis {
		facets = append(facets, facetCompetitor)
	}
	if in.IncludeRiskAssessment {
		facets = append(facets, facetRisk)
	}
	return facets
}

func anaDataCollectionHandler(deps Deps) workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in analysisInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		set, err := workflow.RunAs(ctx, "collectMaterials",
			func(sc context.Context, info workflow.StepInfo) (MaterialSet, error) {
				return deps.Analyzer.Collect(sc, info.IdempotencyKey, in.PitchID)
			})
		if err != nil {
			return workflow.Transition{}, err
		}
		if err := ctx.Checkpoint("materials-collected", set); err != nil {
			return workflow.Transition{}, err
		}
		return workflow.GoTo(anaContentAnalysis), nil
	}
}

// anaDiscardMaterials drops the analyzer's working set when the instance
// fails or is cancelled.
func anaDiscardMaterials(deps Deps) workflow.CompensateFunc {
	return func(ctx workflow.Context) error {
		var in analysisInput
		if err := ctx.Input(&in); err != nil {
			return err
		}
		_, err := ctx.Run("discardMaterials",
			func(sc context.Context, info workflow.StepInfo) (any, error) {
				return nil, deps.Analyzer.Discard(sc, info.IdempotencyKey, in.PitchID)
			})
		return err
	}
}

func anaContentAnalysisHandler(deps Deps) workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in analysisInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		_, err := workflow.RunAs(ctx, "analyzeContent",
			func(sc context.Context, info workflow.StepInfo) (AnalysisResult, error) {
				return deps.Analyzer.Analyze(sc, info.IdempotencyKey, AnalysisRequest{
					PitchID: in.PitchID,
					Facet:   facetContent,
				})
			})
		if err != nil {
			return workflow.Transition{}, err
		}
		return workflow.GoTo(anaParallelAnalysis), nil
	}
}

func anaParallelAnalysisHandler(deps Deps) workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in analysisInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		facets := facetsFor(in)
		if len(facets) == 0 {
			return workflow.GoTo(anaSynthesis), nil
		}
		branches := make([]workflow.Branch, 0, len(facets))
		for _, facet := range facets {
			f := facet
			branches = append(branches, workflow.Branch{
				Name: f,
				Run: func(bctx workflow.Context) (any, error) {
					return workflow.RunAs(bctx, "score",
						func(sc context.Context, info workflow.StepInfo) (AnalysisResult, error) {
							return deps.Analyzer.Analyze(sc, info.IdempotencyKey, AnalysisRequest{
								PitchID: in.PitchID,
								Facet:   f,
							})
						})
				},
			})
		}
		if _, err := ctx.Parallel("analysis", branches...); err != nil {
			return workflow.Transition{}, err
		}
		return workflow.GoTo(anaSynthesis), nil
	}
}

func anaSynthesisHandler(deps Deps) workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in analysisInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		_, err := workflow.RunAs(ctx, "synthesizeFindings",
			func(sc context.Context, info workflow.StepInfo) (Synthesis, error) {
				return deps.Analyzer.Synthesize(sc, info.IdempotencyKey, in.PitchID)
			})
		if err != nil {
			return workflow.Transition{}, err
		}
		if in.RequireReview {
			return workflow.GoTo(anaHumanReview), nil
		}
		return workflow.GoTo(anaReportGeneration), nil
	}
}

// anaHumanReviewHandler gates the analysis on a reviewer. Rejection sends
// the analysis back for another pass, at most maxAnalysisRevisions times;
// reviewer silence auto-approves after the review window.
func anaHumanReviewHandler() workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in analysisInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		round, err := workflow.RunAs(ctx, "recordReviewRound",
			func(_ context.Context, info workflow.StepInfo) (int, error) {
				return info.Ordinal, nil
			})
		if err != nil {
			return workflow.Transition{}, err
		}
		dec, err := ctx.WaitApproval(analysisReviewScope,
			workflow.WithReviewers(in.Reviewers...),
			workflow.WithApprovalTimeout(analysisReviewWindow, workflow.ActionApprove),
			workflow.WithReviewPayload(analysisReviewRequest{PitchID: in.PitchID, Round: round}),
		)
		if err != nil {
			return workflow.Transition{}, err
		}
		switch {
		case dec.Action == workflow.ActionAbort:
			return workflow.Transition{}, faults.Permanentf("analysis review aborted: %s", dec.Comment)
		case dec.Approved:
			return workflow.GoTo(anaReportGeneration), nil
		case round >= maxAnalysisRevisions:
			return workflow.Fail(faults.Permanentf(
				"analysis rejected after %d revisions", round+1)), nil
		default:
			return workflow.GoTo(anaContentAnalysis), nil
		}
	}
}

func anaReportGenerationHandler(deps Deps) workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in analysisInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		report, err := workflow.RunAs(ctx, "renderReport",
			func(sc context.Context, info workflow.StepInfo) (Document, error) {
				return deps.Docs.RenderReport(sc, info.IdempotencyKey, ReportRequest{
					PitchID:  in.PitchID,
					Template: "analysis-report",
				})
			})
		if err != nil {
			return workflow.Transition{}, err
		}
		return workflow.Complete(analysisOutput{
			FinalState: string(anaReportGeneration),
			Report:     report,
		}), nil
	}
}
