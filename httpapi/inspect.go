package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/inspect"
	"github.com/pitchlane/flow/engine/journal"
	"github.com/pitchlane/flow/engine/store"
	"github.com/pitchlane/flow/engine/workflow"
)

type (
	// stateAtResponse is the replayed view of an instance at a point in
	// time. Occurrence maps stay internal; the scalar projection is what
	// operators page through.
	stateAtResponse struct {
		InstanceID      string          `json:"instanceId"`
		At              time.Time       `json:"at"`
		Status          journal.Status  `json:"status"`
		State           string          `json:"state"`
		Output          json.RawMessage `json:"output,omitempty"`
		Failure         *faults.Info    `json:"failure,omitempty"`
		CancelRequested bool            `json:"cancelRequested"`
		Parked          bool            `json:"parked"`
		LastOrdinal     uint64          `json:"lastOrdinal"`
		LastAt          time.Time       `json:"lastAt"`
		Entered         []string        `json:"entered,omitempty"`
	}

	// labelBody names a snapshot.
	labelBody struct {
		Label string `json:"label,omitempty"`
	}

	// purgeResponse reports how many records a purge removed.
	purgeResponse struct {
		Purged int `json:"purged"`
	}

	// kindSummary is one catalog listing row.
	kindSummary struct {
		Name        string   `json:"name"`
		Version     string   `json:"version"`
		Description string   `json:"description,omitempty"`
		Initial     string   `json:"initial"`
		States      []string `json:"states"`
		Events      []string `json:"events,omitempty"`
		Steps       []string `json:"steps,omitempty"`
		Timers      []string `json:"timers,omitempty"`
	}
)

func (s *Server) getTimeline(w http.ResponseWriter, r *http.Request) {
	id, err := param(r, "instanceID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	spans, err := s.engine.Inspector().Timeline(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if spans == nil {
		spans = []inspect.Span{}
	}
	respond(w, http.StatusOK, spans)
}

func (s *Server) compareInstances(w http.ResponseWriter, r *http.Request) {
	id, err := param(r, "instanceID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	with := r.URL.Query().Get("with")
	if with == "" {
		s.writeError(w, r, faults.Validationf("query parameter %q is required", "with"))
		return
	}
	diff, err := s.engine.Inspector().Compare(r.Context(), id, with)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, diff)
}

func (s *Server) getStateAt(w http.ResponseWriter, r *http.Request) {
	id, err := param(r, "instanceID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	at, err := queryTime(r, "t")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.engine.Inspector().StateAtTime(r.Context(), id, at)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, stateAtResponse{
		InstanceID:      p.InstanceID,
		At:              at,
		Status:          p.Status,
		State:           p.State,
		Output:          p.Output,
		Failure:         p.Failure,
		CancelRequested: p.CancelRequested,
		Parked:          p.Parked,
		LastOrdinal:     p.LastOrdinal,
		LastAt:          p.LastAt,
		Entered:         p.Entered,
	})
}

func (s *Server) takeSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := param(r, "instanceID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body labelBody
	if err := decodeOptional(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.engine.Inspector().Snapshot(r.Context(), id, body.Label)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, snap)
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	id, err := param(r, "instanceID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snaps, err := s.engine.Inspector().Snapshots(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []store.Snapshot{}
	}
	respond(w, http.StatusOK, snaps)
}

func (s *Server) restoreSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := param(r, "snapshotID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	inst, err := s.engine.Inspector().Restore(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, inst)
}

func (s *Server) listDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.Inspector().DLQ(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []store.DLQEntry{}
	}
	respond(w, http.StatusOK, entries)
}

func (s *Server) dlqStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Inspector().DLQStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, stats)
}

func (s *Server) retryDLQ(w http.ResponseWriter, r *http.Request) {
	id, err := param(r, "instanceID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var policy inspect.RetryPolicy
	if err := decodeOptional(w, r, &policy); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.Inspector().RetryDLQ(r.Context(), id, policy); err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusAccepted, ackResponse{InstanceID: id, Accepted: true})
}

func (s *Server) purgeDLQ(w http.ResponseWriter, r *http.Request) {
	olderThan, err := queryTime(r, "olderThan")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.engine.Inspector().PurgeDLQ(r.Context(), olderThan)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, purgeResponse{Purged: n})
}

func (s *Server) listStuck(w http.ResponseWriter, r *http.Request) {
	stuck, err := s.engine.Inspector().Stuck(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if stuck == nil {
		stuck = []inspect.StuckInstance{}
	}
	respond(w, http.StatusOK, stuck)
}

func (s *Server) listKinds(w http.ResponseWriter, _ *http.Request) {
	kinds := s.engine.Catalog().Kinds()
	out := make([]kindSummary, len(kinds))
	for i, k := range kinds {
		out[i] = summarize(k)
	}
	respond(w, http.StatusOK, out)
}

func summarize(k workflow.Kind) kindSummary {
	states := make([]string, 0, len(k.States))
	for name := range k.States {
		states = append(states, string(name))
	}
	sort.Strings(states)
	events := make([]string, len(k.Events))
	for i, e := range k.Events {
		events[i] = e.Name
	}
	timers := make([]string, len(k.Timers))
	for i, t := range k.Timers {
		timers[i] = t.Purpose
	}
	return kindSummary{
		Name:        k.Name,
		Version:     k.Version,
		Description: k.Description,
		Initial:     string(k.Initial),
		States:      states,
		Events:      events,
		Steps:       k.Steps,
		Timers:      timers,
	}
}
