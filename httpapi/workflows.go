package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/pitchlane/flow/engine"
	"github.com/pitchlane/flow/engine/journal"
)

type (
	// createBody admits a new instance. The kind comes from the URL.
	createBody struct {
		Version         string            `json:"version,omitempty"`
		Input           json.RawMessage   `json:"input,omitempty"`
		IdempotencyKey  string            `json:"idempotencyKey,omitempty"`
		CorrelationKeys map[string]string `json:"correlationKeys,omitempty"`
	}

	// createResponse reports the admitted instance.
	createResponse struct {
		InstanceID  string         `json:"instanceId"`
		Kind        string         `json:"kind"`
		KindVersion string         `json:"kindVersion"`
		Status      journal.Status `json:"status"`
		State       string         `json:"state"`
	}

	// reasonBody carries the operator's reason on cancel and force verbs.
	reasonBody struct {
		Reason string `json:"reason,omitempty"`
	}

	// ackResponse acknowledges an accepted verb whose effect lands on the
	// instance's next resume cycle.
	ackResponse struct {
		InstanceID string `json:"instanceId"`
		Accepted   bool   `json:"accepted"`
	}

	// journalResponse is one page of an instance's log. Next is the ordinal
	// to resume from, zero when the log is exhausted.
	journalResponse struct {
		Entries []journal.Entry `json:"entries"`
		Next    uint64          `json:"next,omitempty"`
	}

	// migrateBody moves a suspended instance to another definition version.
	migrateBody struct {
		ToVersion string `json:"toVersion"`
		// Force overrides the step-prefix compatibility check.
		Force bool `json:"force,omitempty"`
	}
)

func (s *Server) createInstance(w http.ResponseWriter, r *http.Request) {
	kind, err := param(r, "kind")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body createBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	inst, err := s.engine.Create(r.Context(), engine.CreateRequest{
		Kind:            kind,
		Version:         body.Version,
		Input:           body.Input,
		IdempotencyKey:  body.IdempotencyKey,
		CorrelationKeys: body.CorrelationKeys,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, createResponse{
		InstanceID:  inst.ID,
		Kind:        inst.Kind,
		KindVersion: inst.KindVersion,
		Status:      inst.Status,
		State:       inst.State,
	})
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	id, err := param(r, "instanceID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.engine.Inspector().Inspect(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, report)
}

func (s *Server) getJournal(w http.ResponseWriter, r *http.Request) {
	id, err := param(r, "instanceID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	from, err := queryUint(r, "from", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Paging an unknown instance yields an empty page at the store level;
	// the row load turns that into a 404.
	if _, err := s.engine.Store().LoadInstance(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := s.engine.Store().Journal(r.Context(), id, from, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries := page.Entries
	if entries == nil {
		entries = []journal.Entry{}
	}
	respond(w, http.StatusOK, journalResponse{Entries: entries, Next: page.NextOrdinal})
}

func (s *Server) publishToInstance(w http.ResponseWriter, r *http.Request) {
	id, err := param(r, "instanceID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var ev engine.Event
	if err := decode(w, r, &ev); err != nil {
		s.writeError(w, r, err)
		return
	}
	receipt, err := s.engine.PublishTo(r.Context(), id, ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, receipt)
}

func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request) {
	var ev engine.Event
	if err := decode(w, r, &ev); err != nil {
		s.writeError(w, r, err)
		return
	}
	receipt, err := s.engine.Publish(r.Context(), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, receipt)
}

func (s *Server) cancelInstance(w http.ResponseWriter, r *http.Request) {
	id, err := param(r, "instanceID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body reasonBody
	if err := decodeOptional(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.Cancel(r.Context(), id, body.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusAccepted, ackResponse{InstanceID: id, Accepted: true})
}

func (s *Server) respondReview(w http.ResponseWriter, r *http.Request) {
	id, err := param(r, "instanceID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	scope, err := param(r, "scope")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var resp engine.Response
	if err := decode(w, r, &resp); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp.Scope = scope
	if err := s.engine.Respond(r.Context(), id, resp); err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, ackResponse{InstanceID: id, Accepted: true})
}

func (s *Server) forceTimeout(w http.ResponseWriter, r *http.Request) {
	id, err := param(r, "instanceID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.Inspector().ForceTimeout(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusAccepted, ackResponse{InstanceID: id, Accepted: true})
}

func (s *Server) forceCancel(w http.ResponseWriter, r *http.Request) {
	id, err := param(r, "instanceID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body reasonBody
	if err := decodeOptional(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.Inspector().ForceCancel(r.Context(), id, body.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusAccepted, ackResponse{InstanceID: id, Accepted: true})
}

func (s *Server) forceFail(w http.ResponseWriter, r *http.Request) {
	id, err := param(r, "instanceID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body reasonBody
	if err := decodeOptional(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.Inspector().ForceFail(r.Context(), id, body.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusAccepted, ackResponse{InstanceID: id, Accepted: true})
}

func (s *Server) migrateInstance(w http.ResponseWriter, r *http.Request) {
	id, err := param(r, "instanceID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body migrateBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.Inspector().MigrateInstance(r.Context(), id, body.ToVersion, body.Force); err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, ackResponse{InstanceID: id, Accepted: true})
}
