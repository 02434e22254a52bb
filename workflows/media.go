package workflows

import (
	"context"

	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/workflow"
)

// Media publishing pipeline states. The pipeline is a straight line; every
// state runs one media service stage and advances.
const (
	mediaValidated      workflow.State = "Validated"
	mediaVisualAssets   workflow.State = "VisualAssets"
	mediaTranscoded     workflow.State = "Transcoded"
	mediaManifests      workflow.State = "Manifests"
	mediaOptimised      workflow.State = "Optimised"
	mediaPublished      workflow.State = "Published"
	mediaCdnConfigured  workflow.State = "CdnConfigured"
	mediaAnalyticsWired workflow.State = "AnalyticsWired"
	mediaFinalised      workflow.State = "Finalised"
)

// publishAttempts bounds the publish step, the stage most likely to hit a
// flaky upstream. Exhaustion parks the instance in the dead letter queue for
// an operator retry.
const publishAttempts = 3

type (
	mediaInput struct {
		PitchID   string   `json:"pitchId"`
		SourceURL string   `json:"sourceUrl"`
		Formats   []string `json:"formats"`
	}

	mediaOutput struct {
		FinalState string `json:"finalState"`
		PublishID  string `json:"publishId"`
		URL        string `json:"url"`
	}
)

const mediaInputSchema = `{
	"type": "object",
	"required": ["pitchId", "sourceUrl"],
	"properties": {
		"pitchId": {"type": "string"},
		"sourceUrl": {"type": "string"},
		"formats": {"type": "array", "items": {"type": "string"}}
	}
}`

// Media returns the media publishing pipeline: validation, visual assets,
// transcoding, manifests, delivery optimisation, publish, CDN, analytics,
// and finalisation. Stages are addressable from the job alone, so a resumed
// instance re-enters the pipeline wherever it left off.
func Media(deps Deps) workflow.Kind {
	deps = deps.withDefaults()
	return workflow.Kind{
		Name:        "pitch.media",
		Description: "Media publishing pipeline from uploaded source to finalised release.",
		Initial:     mediaValidated,
		InputSchema: []byte(mediaInputSchema),
		Steps: []string{
			"validateMedia",
			"processVisuals",
			"transcodeFormats",
			"buildManifests",
			"optimiseDelivery",
			"publishMedia",
			"configureCdn",
			"enableAnalytics",
			"finaliseRelease",
		},
		States: map[workflow.State]workflow.StateDef{
			mediaValidated: {Handler: mediaValidatedHandler(deps)},
			mediaVisualAssets: {Handler: mediaStage("processVisuals", mediaTranscoded,
				func(sc context.Context, key string, job MediaJob) (any, error) {
					return deps.Media.ProcessVisuals(sc, key, job)
				})},
			mediaTranscoded: {Handler: mediaStage("transcodeFormats", mediaManifests,
				func(sc context.Context, key string, job MediaJob) (any, error) {
					return deps.Media.Transcode(sc, key, job)
				})},
			mediaManifests: {Handler: mediaStage("buildManifests", mediaOptimised,
				func(sc context.Context, key string, job MediaJob) (any, error) {
					return deps.Media.BuildManifests(sc, key, job)
				})},
			mediaOptimised: {Handler: mediaStage("optimiseDelivery", mediaPublished,
				func(sc context.Context, key string, job MediaJob) (any, error) {
					return nil, deps.Media.Optimise(sc, key, job)
				})},
			mediaPublished: {Handler: mediaStage("publishMedia", mediaCdnConfigured,
				func(sc context.Context, key string, job MediaJob) (any, error) {
					return deps.Media.Publish(sc, key, job)
				}, workflow.WithRetry(faults.RetryPolicy{MaxAttempts: publishAttempts}))},
			mediaCdnConfigured: {Handler: mediaStage("configureCdn", mediaAnalyticsWired,
				func(sc context.Context, key string, job MediaJob) (any, error) {
					return nil, deps.Media.ConfigureCDN(sc, key, job)
				})},
			mediaAnalyticsWired: {Handler: mediaStage("enableAnalytics", mediaFinalised,
				func(sc context.Context, key string, job MediaJob) (any, error) {
					return nil, deps.Media.EnableAnalytics(sc, key, job)
				})},
			mediaFinalised: {Terminal: true, Handler: mediaFinalisedHandler(deps)},
		},
	}
}

func mediaJobFor(in mediaInput) MediaJob {
	return MediaJob{PitchID: in.PitchID, SourceURL: in.SourceURL, Formats: in.Formats}
}

// mediaStage builds a handler that runs one pipeline step against the media
// port and advances to the next state.
func mediaStage(step string, next workflow.State, run func(context.Context, string, MediaJob) (any, error), opts ...workflow.StepOption) workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in mediaInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		job := mediaJobFor(in)
		_, err := ctx.Run(step,
			func(sc context.Context, info workflow.StepInfo) (any, error) {
				return run(sc, info.IdempotencyKey, job)
			}, append(opts, workflow.WithStepInput(job))...)
		if err != nil {
			return workflow.Transition{}, err
		}
		return workflow.GoTo(next), nil
	}
}

func mediaValidatedHandler(deps Deps) workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in mediaInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		if err := workflow.Guardf(in.SourceURL != "", "source media is required"); err != nil {
			return workflow.Transition{}, err
		}
		job := mediaJobFor(in)
		probe, err := workflow.RunAs(ctx, "validateMedia",
			func(sc context.Context, info workflow.StepInfo) (MediaProbe, error) {
				return deps.Media.Probe(sc, info.IdempotencyKey, job)
			}, workflow.WithStepInput(job))
		if err != nil {
			return workflow.Transition{}, err
		}
		if err := workflow.Guardf(probe.Duration > 0, "source media %q has no playable duration", in.SourceURL); err != nil {
			return workflow.Transition{}, err
		}
		return workflow.GoTo(mediaVisualAssets), nil
	}
}

func mediaFinalisedHandler(deps Deps) workflow.Handler {
	return func(ctx workflow.Context) (workflow.Transition, error) {
		var in mediaInput
		if err := ctx.Input(&in); err != nil {
			return workflow.Transition{}, err
		}
		release, err := workflow.RunAs(ctx, "finaliseRelease",
			func(sc context.Context, info workflow.StepInfo) (MediaRelease, error) {
				return deps.Media.Finalise(sc, info.IdempotencyKey, mediaJobFor(in))
			})
		if err != nil {
			return workflow.Transition{}, err
		}
		return workflow.Complete(mediaOutput{
			FinalState: string(mediaFinalised),
			PublishID:  release.PublishID,
			URL:        release.URL,
		}), nil
	}
}
