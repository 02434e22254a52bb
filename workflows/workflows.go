// Package workflows bundles the built-in pitch workflows: investment deals,
// production deals, NDA issuance, media publishing, and AI pitch analysis.
// Each kind is a plain workflow.Kind built from a Deps value carrying the
// external service ports its steps call, so the same definitions run against
// production services, logging stubs, or test fakes.
//
// Register the full set at engine construction:
//
//	deps := workflows.Default(logger)
//	eng, err := engine.New(st, workflows.All(deps))
//
// Every externally visible side effect goes through a port method that takes
// the step's idempotency key, so retried and replayed step bodies stay
// observationally at-most-once to the outside.
package workflows

import (
	"context"
	"encoding/json"

	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/notify"
	"github.com/pitchlane/flow/engine/telemetry"
	"github.com/pitchlane/flow/engine/workflow"
)

type (
	// Deps carries the service ports the built-in kinds call from their step
	// bodies. Nil fields fall back to logging stubs, so partially wired
	// environments still run every kind.
	Deps struct {
		// Notifier delivers human-facing notifications: creator decisions,
		// meeting reminders, review requests.
		Notifier notify.Sender
		// Media drives the media processing pipeline stages.
		Media MediaServices
		// Analyzer runs analysis facets, synthesis, and risk scoring.
		Analyzer Analyzer
		// Docs renders documents and manages data room access.
		Docs DocServices
	}

	// MediaJob identifies one piece of source media moving through the
	// publishing pipeline. The media service keys its own working state by
	// pitch, so every stage is addressable from the job alone.
	MediaJob struct {
		PitchID   string   `json:"pitchId"`
		SourceURL string   `json:"sourceUrl"`
		Formats   []string `json:"formats,omitempty"`
	}

	// MediaProbe is the probe report for validated source media.
	MediaProbe struct {
		Container string  `json:"container"`
		Duration  float64 `json:"duration"`
		Width     int     `json:"width"`
		Height    int     `json:"height"`
	}

	// MediaArtifact references one produced asset.
	MediaArtifact struct {
		Kind string `json:"kind"`
		URL  string `json:"url"`
	}

	// MediaRelease is the published form of a media job.
	MediaRelease struct {
		PublishID string `json:"publishId"`
		URL       string `json:"url"`
	}

	// MediaServices is the port to the media processing backends. Methods
	// map one-to-one onto pipeline states; key is the calling step's
	// idempotency key.
	MediaServices interface {
		// Probe validates the uploaded source and reports its properties.
		Probe(ctx context.Context, key string, job MediaJob) (MediaProbe, error)
		// ProcessVisuals produces thumbnails and poster frames.
		ProcessVisuals(ctx context.Context, key string, job MediaJob) ([]MediaArtifact, error)
		// Transcode produces the delivery renditions for the requested
		// formats.
		Transcode(ctx context.Context, key string, job MediaJob) ([]MediaArtifact, error)
		// BuildManifests assembles streaming manifests over the renditions.
		BuildManifests(ctx context.Context, key string, job MediaJob) ([]MediaArtifact, error)
		// Optimise applies delivery optimisations such as bitrate ladders
		// and preview clips.
		Optimise(ctx context.Context, key string, job MediaJob) error
		// Publish makes the processed media publicly addressable.
		Publish(ctx context.Context, key string, job MediaJob) (MediaRelease, error)
		// ConfigureCDN attaches the published media to the delivery network.
		ConfigureCDN(ctx context.Context, key string, job MediaJob) error
		// EnableAnalytics registers playback analytics for the published
		// media.
		EnableAnalytics(ctx context.Context, key string, job MediaJob) error
		// Finalise closes the pipeline run and returns the canonical
		// release record.
		Finalise(ctx context.Context, key string, job MediaJob) (MediaRelease, error)
	}

	// MaterialSet counts the pitch materials gathered for analysis.
	MaterialSet struct {
		Documents   int `json:"documents"`
		Media       int `json:"media"`
		Transcripts int `json:"transcripts"`
	}

	// AnalysisRequest asks for one analysis facet over a pitch.
	AnalysisRequest struct {
		PitchID string `json:"pitchId"`
		Facet   string `json:"facet"`
	}

	// AnalysisResult is one facet's outcome.
	AnalysisResult struct {
		Facet   string  `json:"facet"`
		Score   float64 `json:"score"`
		Summary string  `json:"summary,omitempty"`
	}

	// Synthesis merges the facet results held by the analyzer into an
	// overall recommendation.
	Synthesis struct {
		Score          float64 `json:"score"`
		Recommendation string  `json:"recommendation"`
		Facets         int     `json:"facets"`
	}

	// RiskSubject identifies a counterparty to score.
	RiskSubject struct {
		PitchID      string `json:"pitchId"`
		Counterparty string `json:"counterparty"`
	}

	// RiskReport is a counterparty risk score.
	RiskReport struct {
		Level string  `json:"level"`
		Score float64 `json:"score"`
		Notes string  `json:"notes,omitempty"`
	}

	// Analyzer is the port to the analysis backend. The backend keeps the
	// working set per pitch; facet results accumulate there so synthesis and
	// reporting are addressable by pitch id alone.
	Analyzer interface {
		// Collect gathers the pitch materials into the analyzer's working
		// set and reports what it found.
		Collect(ctx context.Context, key string, pitchID string) (MaterialSet, error)
		// Analyze runs one facet over the collected materials.
		Analyze(ctx context.Context, key string, req AnalysisRequest) (AnalysisResult, error)
		// Synthesize merges the facet results recorded for the pitch.
		Synthesize(ctx context.Context, key string, pitchID string) (Synthesis, error)
		// Discard drops the working set collected for the pitch.
		Discard(ctx context.Context, key string, pitchID string) error
		// AssessRisk scores a counterparty for NDA and deal flows.
		AssessRisk(ctx context.Context, key string, subject RiskSubject) (RiskReport, error)
	}

	// IdentityCheck is the outcome of an investor identity verification.
	IdentityCheck struct {
		Passed    bool   `json:"passed"`
		Provider  string `json:"provider,omitempty"`
		Reference string `json:"reference,omitempty"`
	}

	// Document references a rendered document.
	Document struct {
		ID  string `json:"id"`
		URL string `json:"url,omitempty"`
	}

	// TermSheetRequest parameterises a term sheet rendering.
	TermSheetRequest struct {
		PitchID    string  `json:"pitchId"`
		InvestorID string  `json:"investorId"`
		Amount     float64 `json:"amount"`
	}

	// NDARequest parameterises an NDA rendering.
	NDARequest struct {
		PitchID    string `json:"pitchId"`
		Recipient  string `json:"recipient"`
		ExpiryDays int    `json:"expiryDays"`
	}

	// ReportRequest parameterises a templated document rendering.
	ReportRequest struct {
		PitchID  string `json:"pitchId"`
		Template string `json:"template"`
	}

	// AccessGrant identifies a data room grant.
	AccessGrant struct {
		PitchID   string `json:"pitchId"`
		Recipient string `json:"recipient"`
	}

	// DocServices is the port to document rendering, identity verification,
	// and data room access.
	DocServices interface {
		// VerifyIdentity runs the investor identity check.
		VerifyIdentity(ctx context.Context, key string, investorID string) (IdentityCheck, error)
		// GenerateTermSheet renders the term sheet for a deal.
		GenerateTermSheet(ctx context.Context, key string, req TermSheetRequest) (Document, error)
		// GenerateNDA renders the NDA document for signature.
		GenerateNDA(ctx context.Context, key string, req NDARequest) (Document, error)
		// RenderReport renders a templated document such as a proposal,
		// contract, or analysis report.
		RenderReport(ctx context.Context, key string, req ReportRequest) (Document, error)
		// GrantAccess opens the data room for a recipient.
		GrantAccess(ctx context.Context, key string, grant AccessGrant) error
		// RevokeAccess closes a data room grant.
		RevokeAccess(ctx context.Context, key string, grant AccessGrant) error
	}
)

// All returns the built-in kinds wired to deps, ready for registration.
func All(deps Deps) []workflow.Kind {
	deps = deps.withDefaults()
	return []workflow.Kind{
		Investment(deps),
		Production(deps),
		NDA(deps),
		Media(deps),
		Analysis(deps),
	}
}

// Default returns Deps fully wired to logging stubs.
func Default(l telemetry.Logger) Deps {
	return Deps{
		Notifier: notify.NewLogSender(l),
		Media:    NewLogMedia(l),
		Analyzer: NewLogAnalyzer(l),
		Docs:     NewLogDocs(l),
	}
}

func (d Deps) withDefaults() Deps {
	if d.Notifier == nil {
		d.Notifier = notify.NewLogSender(nil)
	}
	if d.Media == nil {
		d.Media = NewLogMedia(nil)
	}
	if d.Analyzer == nil {
		d.Analyzer = NewLogAnalyzer(nil)
	}
	if d.Docs == nil {
		d.Docs = NewLogDocs(nil)
	}
	return d
}

// decodeEvent unmarshals a frozen event payload. The payload passed schema
// validation at publish time, so a decode failure is a definition bug and
// fails the instance without retry.
func decodeEvent(name string, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return faults.Permanentf("event %q payload: %v", name, err)
	}
	return nil
}

// NewLogMedia returns a MediaServices stub that logs every call and returns
// canned artifacts. Identifiers derive from the idempotency key so repeated
// calls for one occurrence agree.
func NewLogMedia(l telemetry.Logger) MediaServices {
	if l == nil {
		l = telemetry.NewClueLogger()
	}
	return &logMedia{log: l}
}

type logMedia struct {
	log telemetry.Logger
}

func (m *logMedia) Probe(ctx context.Context, key string, job MediaJob) (MediaProbe, error) {
	m.log.Info(ctx, "media probe", "key", key, "pitch_id", job.PitchID, "source", job.SourceURL)
	return MediaProbe{Container: "mp4", Duration: 180, Width: 1920, Height: 1080}, nil
}

func (m *logMedia) ProcessVisuals(ctx context.Context, key string, job MediaJob) ([]MediaArtifact, error) {
	m.log.Info(ctx, "media visuals", "key", key, "pitch_id", job.PitchID)
	return []MediaArtifact{
		{Kind: "thumbnail", URL: "mem://" + job.PitchID + "/thumb.jpg"},
		{Kind: "poster", URL: "mem://" + job.PitchID + "/poster.jpg"},
	}, nil
}

func (m *logMedia) Transcode(ctx context.Context, key string, job MediaJob) ([]MediaArtifact, error) {
	m.log.Info(ctx, "media transcode", "key", key, "pitch_id", job.PitchID, "formats", len(job.Formats))
	out := make([]MediaArtifact, 0, len(job.Formats))
	for _, f := range job.Formats {
		out = append(out, MediaArtifact{Kind: f, URL: "mem://" + job.PitchID + "/" + f})
	}
	return out, nil
}

func (m *logMedia) BuildManifests(ctx context.Context, key string, job MediaJob) ([]MediaArtifact, error) {
	m.log.Info(ctx, "media manifests", "key", key, "pitch_id", job.PitchID)
	return []MediaArtifact{{Kind: "hls", URL: "mem://" + job.PitchID + "/master.m3u8"}}, nil
}

func (m *logMedia) Optimise(ctx context.Context, key string, job MediaJob) error {
	m.log.Info(ctx, "media optimise", "key", key, "pitch_id", job.PitchID)
	return nil
}

func (m *logMedia) Publish(ctx context.Context, key string, job MediaJob) (MediaRelease, error) {
	m.log.Info(ctx, "media publish", "key", key, "pitch_id", job.PitchID)
	return MediaRelease{PublishID: "pub-" + job.PitchID, URL: "mem://" + job.PitchID + "/live"}, nil
}

func (m *logMedia) ConfigureCDN(ctx context.Context, key string, job MediaJob) error {
	m.log.Info(ctx, "media cdn", "key", key, "pitch_id", job.PitchID)
	return nil
}

func (m *logMedia) EnableAnalytics(ctx context.Context, key string, job MediaJob) error {
	m.log.Info(ctx, "media analytics", "key", key, "pitch_id", job.PitchID)
	return nil
}

func (m *logMedia) Finalise(ctx context.Context, key string, job MediaJob) (MediaRelease, error) {
	m.log.Info(ctx, "media finalise", "key", key, "pitch_id", job.PitchID)
	return MediaRelease{PublishID: "pub-" + job.PitchID, URL: "mem://" + job.PitchID + "/live"}, nil
}

// NewLogAnalyzer returns an Analyzer stub that logs every call and returns
// neutral scores.
func NewLogAnalyzer(l telemetry.Logger) Analyzer {
	if l == nil {
		l = telemetry.NewClueLogger()
	}
	return &logAnalyzer{log: l}
}

type logAnalyzer struct {
	log telemetry.Logger
}

func (a *logAnalyzer) Collect(ctx context.Context, key string, pitchID string) (MaterialSet, error) {
	a.log.Info(ctx, "analyzer collect", "key", key, "pitch_id", pitchID)
	return MaterialSet{Documents: 1, Media: 1}, nil
}

func (a *logAnalyzer) Analyze(ctx context.Context, key string, req AnalysisRequest) (AnalysisResult, error) {
	a.log.Info(ctx, "analyzer facet", "key", key, "pitch_id", req.PitchID, "facet", req.Facet)
	return AnalysisResult{Facet: req.Facet, Score: 0.5, Summary: "no analyzer configured"}, nil
}

func (a *logAnalyzer) Synthesize(ctx context.Context, key string, pitchID string) (Synthesis, error) {
	a.log.Info(ctx, "analyzer synthesize", "key", key, "pitch_id", pitchID)
	return Synthesis{Score: 0.5, Recommendation: "review manually"}, nil
}

func (a *logAnalyzer) Discard(ctx context.Context, key string, pitchID string) error {
	a.log.Info(ctx, "analyzer discard", "key", key, "pitch_id", pitchID)
	return nil
}

func (a *logAnalyzer) AssessRisk(ctx context.Context, key string, subject RiskSubject) (RiskReport, error) {
	a.log.Info(ctx, "analyzer risk", "key", key, "pitch_id", subject.PitchID, "counterparty", subject.Counterparty)
	return RiskReport{Level: "low", Score: 0.1}, nil
}

// NewLogDocs returns a DocServices stub that logs every call. Document ids
// derive from the idempotency key so retried renders return the same
// reference.
func NewLogDocs(l telemetry.Logger) DocServices {
	if l == nil {
		l = telemetry.NewClueLogger()
	}
	return &logDocs{log: l}
}

type logDocs struct {
	log telemetry.Logger
}

func (d *logDocs) VerifyIdentity(ctx context.Context, key string, investorID string) (IdentityCheck, error) {
	d.log.Info(ctx, "docs verify identity", "key", key, "investor_id", investorID)
	return IdentityCheck{Passed: true, Provider: "stub"}, nil
}

func (d *logDocs) GenerateTermSheet(ctx context.Context, key string, req TermSheetRequest) (Document, error) {
	d.log.Info(ctx, "docs term sheet", "key", key, "pitch_id", req.PitchID, "amount", req.Amount)
	return Document{ID: "doc-" + key}, nil
}

func (d *logDocs) GenerateNDA(ctx context.Context, key string, req NDARequest) (Document, error) {
	d.log.Info(ctx, "docs nda", "key", key, "pitch_id", req.PitchID, "recipient", req.Recipient)
	return Document{ID: "doc-" + key}, nil
}

func (d *logDocs) RenderReport(ctx context.Context, key string, req ReportRequest) (Document, error) {
	d.log.Info(ctx, "docs report", "key", key, "pitch_id", req.PitchID, "template", req.Template)
	return Document{ID: "doc-" + key}, nil
}

func (d *logDocs) GrantAccess(ctx context.Context, key string, grant AccessGrant) error {
	d.log.Info(ctx, "docs grant access", "key", key, "pitch_id", grant.PitchID, "recipient", grant.Recipient)
	return nil
}

func (d *logDocs) RevokeAccess(ctx context.Context, key string, grant AccessGrant) error {
	d.log.Info(ctx, "docs revoke access", "key", key, "pitch_id", grant.PitchID, "recipient", grant.Recipient)
	return nil
}
